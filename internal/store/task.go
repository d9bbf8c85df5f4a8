package store

import (
	"context"
	"strings"
	"time"

	"github.com/clipcraft/taskpilot/internal/domain"
)

// Field names accepted in TaskStore.Update payloads. They mirror the
// persisted column names so an update map reads like the document it
// produces.
const (
	FieldTaskStatus      = "task_status"
	FieldStatusMessage   = "task_status_message"
	FieldProgress        = "progress"
	FieldCurrentStep     = "current_step"
	FieldCurrentStepName = "current_step_name"
	FieldStartedAt       = "started_at"
	FieldCompletedAt     = "completed_at"
	FieldErrorMessage    = "error_message"
	FieldRetryCount      = "retry_count"
)

// metadataPrefix marks dotted-path updates into the open metadata map.
const metadataPrefix = "task_metadata."

// MetadataField returns the update-payload key for a single metadata
// entry. Updating task_metadata.product_id must not erase
// task_metadata.short_id, so metadata writes are always per-key.
func MetadataField(key string) string {
	return metadataPrefix + key
}

// SplitMetadataField reports whether the payload key addresses a
// metadata entry and, if so, returns the entry's key.
func SplitMetadataField(field string) (string, bool) {
	if strings.HasPrefix(field, metadataPrefix) {
		return strings.TrimPrefix(field, metadataPrefix), true
	}
	return "", false
}

// TaskStore is the persistence contract shared by the durable backend
// and the process-local fallback backend. All mutations are atomic at
// the single-record level.
type TaskStore interface {
	// Create persists a new task. A duplicate task_id is rejected with
	// ErrTaskExists, never overwritten.
	Create(ctx context.Context, task *domain.Task) error

	// Get retrieves a task by id. Returns ErrTaskNotFound if absent.
	Get(ctx context.Context, taskID string) (*domain.Task, error)

	// Update applies a partial merge of the given fields. Fields not
	// present in the payload are preserved, including unrelated metadata
	// keys. updated_at is refreshed by the store itself.
	Update(ctx context.Context, taskID string, fields map[string]any) error

	// Delete removes a task by id.
	Delete(ctx context.Context, taskID string) error

	// DeleteOlderThan removes terminal-state tasks created before
	// now-age and returns how many were removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) bool

	// EnsureConnection verifies the backend is reachable, attempting one
	// reconnect before giving up with ErrUnavailable.
	EnsureConnection(ctx context.Context) error
}
