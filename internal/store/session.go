package store

import (
	"context"
	"time"

	"github.com/clipcraft/taskpilot/internal/domain"
)

// SessionStore is the persistence contract for session records.
type SessionStore interface {
	// Create persists a new session. A session already linked to the
	// same task_id is rejected with ErrSessionExists.
	Create(ctx context.Context, session *domain.Session) error

	// GetByTaskID retrieves the session linked to a task, or
	// ErrSessionNotFound.
	GetByTaskID(ctx context.Context, taskID string) (*domain.Session, error)

	// GetByShortID retrieves every session for a grouping id. An unknown
	// short id yields an empty slice, not an error.
	GetByShortID(ctx context.Context, shortID string) ([]*domain.Session, error)

	// UpdateStatus sets the session status for a task.
	UpdateStatus(ctx context.Context, taskID, status string) error

	// Delete removes the session linked to a task.
	Delete(ctx context.Context, taskID string) error

	// DeleteOlderThan removes completed/failed sessions created before
	// now-age and returns how many were removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) bool
}
