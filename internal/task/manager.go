// Package task implements the asynchronous task lifecycle: the manager
// that owns every task and session mutation, the dispatcher that runs
// work functions concurrently, and the cleanup scheduler that reclaims
// old terminal records.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipcraft/taskpilot/internal/domain"
	"github.com/clipcraft/taskpilot/internal/platform/logger"
	"github.com/clipcraft/taskpilot/internal/platform/memory"
	"github.com/clipcraft/taskpilot/internal/session"
	"github.com/clipcraft/taskpilot/internal/store"
)

// ErrTaskCreation is returned by CreateTask when neither backend could
// persist the record.
var ErrTaskCreation = errors.New("task creation failed on all backends")

// MetadataShortIDKey is the metadata key carrying the external grouping
// id that drives session linkage.
const MetadataShortIDKey = "short_id"

// linkageExempt lists task types that never get a session at creation.
var linkageExempt = map[domain.TaskType]bool{
	domain.TaskTypeScraping: true,
}

// removalExempt lists task types whose session, if any, survives the
// task reaching a terminal state. Scenario generation keeps its session
// so the dependent save-scenario task can find and replace it.
var removalExempt = map[domain.TaskType]bool{
	domain.TaskTypeScraping:           true,
	domain.TaskTypeScenarioGeneration: true,
}

// CreateOptions carries the optional arguments of CreateTask.
type CreateOptions struct {
	UserID    string
	SessionID string
	Priority  domain.TaskPriority
}

// Manager is the façade over the task stores and the session registry.
// It is the only component permitted to mutate task or session records;
// the dispatcher and all collaborators go through its methods.
//
// All mutating methods return a bool: storage failures are logged and
// absorbed here, never propagated as errors, so work functions can
// simply check the result and decide whether to keep going.
type Manager struct {
	durable  store.TaskStore
	fallback *memory.TaskStore
	sessions *session.Registry
	logger   *slog.Logger
}

// NewManager creates a task manager. durable may be nil when no durable
// backend is configured; every task is then created on the fallback
// store. fallback and sessions must not be nil.
func NewManager(durable store.TaskStore, fallback *memory.TaskStore, sessions *session.Registry, log *slog.Logger) *Manager {
	if fallback == nil {
		panic("fallback store cannot be nil")
	}
	if sessions == nil {
		panic("session registry cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		durable:  durable,
		fallback: fallback,
		sessions: sessions,
		logger:   log.With(slog.String("component", "task_manager")),
	}
}

// CreateTask registers a new unit of work and returns its task id.
//
// The durable store is tried first; if it rejects the record or is
// unreachable, the task is created on the fallback store instead. The
// choice is made exactly once: the task lives on that backend for its
// whole lifetime and is never migrated.
func (m *Manager) CreateTask(ctx context.Context, taskType domain.TaskType, metadata map[string]any, opts CreateOptions) (string, error) {
	log := logger.FromContextOrDefault(ctx, m.logger)

	task := domain.NewTask(taskType, metadata)
	task.UserID = opts.UserID
	task.SessionID = opts.SessionID
	if opts.Priority != "" {
		task.Priority = opts.Priority
	}

	created := false
	if m.durable != nil {
		if err := m.durable.Create(ctx, task); err != nil {
			log.Warn("durable store rejected task, using fallback storage",
				slog.String("task_id", task.TaskID),
				slog.String("task_type", string(taskType)),
				slog.String("error", err.Error()))
		} else {
			created = true
		}
	}
	if !created {
		if err := m.fallback.Create(ctx, task); err != nil {
			log.Error("failed to create task on any backend",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()))
			return "", fmt.Errorf("%w: %v", ErrTaskCreation, err)
		}
		log.Info("task created in fallback storage",
			slog.String("task_id", task.TaskID),
			slog.String("task_type", string(taskType)))
	}

	m.linkSession(ctx, task)
	return task.TaskID, nil
}

// linkSession creates a session record for linkage-eligible tasks whose
// metadata carries a grouping id.
func (m *Manager) linkSession(ctx context.Context, task *domain.Task) {
	if linkageExempt[task.TaskType] {
		return
	}
	shortID, _ := task.Metadata[MetadataShortIDKey].(string)
	if shortID == "" {
		return
	}
	m.sessions.CreateSession(ctx, shortID, task.TaskType, task.TaskID, task.UserID)
}

// StartTask transitions a task to running, stamping started_at and
// resetting progress. Valid from queued, pending and retrying.
func (m *Manager) StartTask(ctx context.Context, taskID string) bool {
	log := logger.FromContextOrDefault(ctx, m.logger)

	task, backend := m.resolve(ctx, taskID)
	if task == nil {
		log.Error("cannot start unknown task", slog.String("task_id", taskID))
		return false
	}
	switch task.TaskStatus {
	case domain.TaskStatusQueued, domain.TaskStatusPending, domain.TaskStatusRetrying:
	default:
		log.Warn("refusing to start task",
			slog.String("task_id", taskID),
			slog.String("task_status", string(task.TaskStatus)))
		return false
	}

	return m.apply(ctx, backend, taskID, map[string]any{
		store.FieldTaskStatus:    domain.TaskStatusRunning,
		store.FieldStatusMessage: "Task started",
		store.FieldStartedAt:     time.Now().UTC(),
		store.FieldProgress:      0.0,
	})
}

// UpdateTaskProgress records the current step of a running task. When
// no explicit progress value is supplied, it is computed as
// stepNumber/totalSteps*100. Calling this on a task that is not running
// still writes the step fields; it can never change a terminal status
// because the status is not part of the payload.
func (m *Manager) UpdateTaskProgress(ctx context.Context, taskID string, stepNumber int, stepName string, explicitProgress ...float64) bool {
	log := logger.FromContextOrDefault(ctx, m.logger)

	task, backend := m.resolve(ctx, taskID)
	if task == nil {
		log.Error("cannot update progress of unknown task",
			slog.String("task_id", taskID))
		return false
	}

	var progress float64
	if len(explicitProgress) > 0 {
		progress = explicitProgress[0]
	} else if task.TotalSteps > 0 {
		progress = float64(stepNumber) / float64(task.TotalSteps) * 100
	}

	return m.apply(ctx, backend, taskID, map[string]any{
		store.FieldCurrentStep:     stepNumber,
		store.FieldCurrentStepName: stepName,
		store.FieldProgress:        progress,
		store.FieldStatusMessage:   stepName,
	})
}

// CompleteTask transitions a task to completed, setting progress to 100
// and merging resultMetadata into the task's metadata without touching
// unrelated keys. The session record, if any, is removed unless the
// task type is removal-exempt.
func (m *Manager) CompleteTask(ctx context.Context, taskID string, resultMetadata map[string]any) bool {
	log := logger.FromContextOrDefault(ctx, m.logger)

	task, backend := m.resolve(ctx, taskID)
	if task == nil {
		log.Error("cannot complete unknown task", slog.String("task_id", taskID))
		return false
	}
	if task.TaskStatus.IsTerminal() {
		log.Warn("refusing to complete task in terminal state",
			slog.String("task_id", taskID),
			slog.String("task_status", string(task.TaskStatus)))
		return false
	}

	fields := map[string]any{
		store.FieldTaskStatus:    domain.TaskStatusCompleted,
		store.FieldStatusMessage: "Task completed successfully",
		store.FieldProgress:      100.0,
		store.FieldCompletedAt:   time.Now().UTC(),
	}
	for key, value := range resultMetadata {
		if value != nil {
			fields[store.MetadataField(key)] = value
		}
	}

	if !m.apply(ctx, backend, taskID, fields) {
		return false
	}

	log.Info("task completed",
		slog.String("task_id", taskID),
		slog.String("task_type", string(task.TaskType)))
	m.unlinkSession(ctx, task)
	return true
}

// FailTask records a failure. With retry true the task moves to
// retrying as long as retries remain (the retry is only granted while
// retry_count < max_retries, so retry_count never exceeds max_retries);
// once exhausted, or with retry false, the task terminally fails with
// the triggering error message preserved.
func (m *Manager) FailTask(ctx context.Context, taskID, errorMessage string, retry bool) bool {
	log := logger.FromContextOrDefault(ctx, m.logger)

	task, backend := m.resolve(ctx, taskID)
	if task == nil {
		log.Error("cannot fail unknown task", slog.String("task_id", taskID))
		return false
	}
	if task.TaskStatus.IsTerminal() {
		log.Warn("refusing to fail task in terminal state",
			slog.String("task_id", taskID),
			slog.String("task_status", string(task.TaskStatus)))
		return false
	}

	if retry && task.RetryCount < task.MaxRetries {
		attempt := task.RetryCount + 1
		ok := m.apply(ctx, backend, taskID, map[string]any{
			store.FieldRetryCount:    attempt,
			store.FieldTaskStatus:    domain.TaskStatusRetrying,
			store.FieldStatusMessage: fmt.Sprintf("Retrying task (attempt %d)", attempt),
			store.FieldErrorMessage:  errorMessage,
		})
		if ok {
			log.Info("task marked for retry",
				slog.String("task_id", taskID),
				slog.Int("attempt", attempt),
				slog.Int("max_retries", task.MaxRetries))
		}
		return ok
	}
	if retry {
		log.Warn("task exceeded max retries, marking as failed",
			slog.String("task_id", taskID),
			slog.Int("retry_count", task.RetryCount),
			slog.Int("max_retries", task.MaxRetries))
	}

	ok := m.apply(ctx, backend, taskID, map[string]any{
		store.FieldTaskStatus:    domain.TaskStatusFailed,
		store.FieldStatusMessage: "Task failed",
		store.FieldErrorMessage:  errorMessage,
		store.FieldCompletedAt:   time.Now().UTC(),
	})
	if !ok {
		return false
	}

	log.Info("task failed",
		slog.String("task_id", taskID),
		slog.String("error_message", errorMessage))
	m.unlinkSession(ctx, task)
	return true
}

// CancelTask transitions a task to cancelled. Valid from any
// non-terminal state; it only flips stored state and never preempts a
// running work function.
func (m *Manager) CancelTask(ctx context.Context, taskID string) bool {
	log := logger.FromContextOrDefault(ctx, m.logger)

	task, backend := m.resolve(ctx, taskID)
	if task == nil {
		log.Error("cannot cancel unknown task", slog.String("task_id", taskID))
		return false
	}
	if task.TaskStatus.IsTerminal() {
		log.Warn("refusing to cancel task in terminal state",
			slog.String("task_id", taskID),
			slog.String("task_status", string(task.TaskStatus)))
		return false
	}

	ok := m.apply(ctx, backend, taskID, map[string]any{
		store.FieldTaskStatus:    domain.TaskStatusCancelled,
		store.FieldStatusMessage: "Task cancelled by user",
		store.FieldCompletedAt:   time.Now().UTC(),
	})
	if !ok {
		return false
	}

	log.Info("task cancelled", slog.String("task_id", taskID))
	m.unlinkSession(ctx, task)
	return true
}

// GetTaskStatus returns the current record for a task, or nil when the
// task is unknown or its backend is unreachable. Reads may race with an
// in-flight update from the owning work function; only the last
// committed write is guaranteed visible.
func (m *Manager) GetTaskStatus(ctx context.Context, taskID string) *domain.Task {
	task, _ := m.resolve(ctx, taskID)
	return task
}

// GetSessionsByShortID exposes session discovery for collaborators that
// need to find or replace a sibling task's session.
func (m *Manager) GetSessionsByShortID(ctx context.Context, shortID string) []*domain.Session {
	return m.sessions.GetSessionsByShortID(ctx, shortID)
}

// Sessions returns the session registry the manager drives.
func (m *Manager) Sessions() *session.Registry {
	return m.sessions
}

// unlinkSession removes the session for a terminal task unless its type
// is removal-exempt.
func (m *Manager) unlinkSession(ctx context.Context, task *domain.Task) {
	if removalExempt[task.TaskType] {
		return
	}
	m.sessions.RemoveSession(ctx, task.TaskID)
}

// resolve locates the backend a task was created on and loads its
// record. The fallback store is consulted first: membership there is
// exact and local, and a task created on the fallback never moves to
// the durable store (and vice versa).
func (m *Manager) resolve(ctx context.Context, taskID string) (*domain.Task, store.TaskStore) {
	log := logger.FromContextOrDefault(ctx, m.logger)

	if m.fallback.Contains(taskID) {
		task, err := m.fallback.Get(ctx, taskID)
		if err != nil {
			return nil, nil
		}
		return task, m.fallback
	}

	if m.durable != nil {
		task, err := m.durable.Get(ctx, taskID)
		if err != nil {
			if !store.IsNotFoundError(err) {
				log.Error("failed to read task from durable store",
					slog.String("task_id", taskID),
					slog.String("error", err.Error()))
			}
			return nil, nil
		}
		return task, m.durable
	}
	return nil, nil
}

// apply writes a partial update to the task's backend, converting any
// storage error into a logged boolean failure.
func (m *Manager) apply(ctx context.Context, backend store.TaskStore, taskID string, fields map[string]any) bool {
	log := logger.FromContextOrDefault(ctx, m.logger)

	if backend == nil {
		return false
	}
	if err := backend.Update(ctx, taskID, fields); err != nil {
		log.Error("failed to update task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return false
	}
	return true
}
