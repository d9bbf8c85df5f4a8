// Package session tracks which task is currently active for an external
// grouping id ("short id"). Session records are ephemeral linkage, not
// authoritative state; their lifecycle is a side effect of task
// transitions driven by the task manager.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/clipcraft/taskpilot/internal/domain"
	"github.com/clipcraft/taskpilot/internal/platform/logger"
	"github.com/clipcraft/taskpilot/internal/store"
)

// Registry provides CRUD over session records. Storage errors are
// logged at this boundary and surfaced as booleans/empty results; a
// broken session registry must never take a task transition down with
// it.
type Registry struct {
	store  store.SessionStore
	logger *slog.Logger
}

// NewRegistry creates a session registry over the given store. If
// logger is nil, the process default logger is used.
func NewRegistry(sessionStore store.SessionStore, log *slog.Logger) *Registry {
	if sessionStore == nil {
		panic("session store cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:  sessionStore,
		logger: log.With(slog.String("component", "session_registry")),
	}
}

// CreateSession records an active session linking a grouping id to a
// task. Returns false when a session for the task already exists or the
// store is unreachable.
func (r *Registry) CreateSession(ctx context.Context, shortID string, taskType domain.TaskType, taskID, userID string) bool {
	log := logger.FromContextOrDefault(ctx, r.logger)

	session := domain.NewSession(shortID, taskType, taskID, userID)
	if err := r.store.Create(ctx, session); err != nil {
		if store.IsDuplicateError(err) {
			log.Warn("session already exists for task",
				slog.String("task_id", taskID))
		} else {
			log.Error("failed to create session",
				slog.String("task_id", taskID),
				slog.String("short_id", shortID),
				slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

// UpdateSessionStatus sets the status of the session linked to a task.
func (r *Registry) UpdateSessionStatus(ctx context.Context, taskID, status string) bool {
	log := logger.FromContextOrDefault(ctx, r.logger)

	if err := r.store.UpdateStatus(ctx, taskID, status); err != nil {
		if store.IsNotFoundError(err) {
			log.Warn("session not found for status update",
				slog.String("task_id", taskID))
		} else {
			log.Error("failed to update session status",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

// RemoveSession deletes the session linked to a task. Removing a
// session that does not exist is not an error worth surfacing; tasks of
// linkage-exempt types never had one.
func (r *Registry) RemoveSession(ctx context.Context, taskID string) bool {
	log := logger.FromContextOrDefault(ctx, r.logger)

	if err := r.store.Delete(ctx, taskID); err != nil {
		if store.IsNotFoundError(err) {
			log.Debug("no session to remove", slog.String("task_id", taskID))
		} else {
			log.Error("failed to remove session",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
		}
		return false
	}
	log.Info("session removed", slog.String("task_id", taskID))
	return true
}

// GetSession returns the session linked to a task, or nil.
func (r *Registry) GetSession(ctx context.Context, taskID string) *domain.Session {
	log := logger.FromContextOrDefault(ctx, r.logger)

	session, err := r.store.GetByTaskID(ctx, taskID)
	if err != nil {
		if !store.IsNotFoundError(err) {
			log.Error("failed to get session",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
		}
		return nil
	}
	return session
}

// GetSessionsByShortID returns every session recorded for a grouping
// id. Collaborators use this to discover and replace sibling tasks for
// the same logical unit of work.
func (r *Registry) GetSessionsByShortID(ctx context.Context, shortID string) []*domain.Session {
	log := logger.FromContextOrDefault(ctx, r.logger)

	sessions, err := r.store.GetByShortID(ctx, shortID)
	if err != nil {
		log.Error("failed to get sessions by short_id",
			slog.String("short_id", shortID),
			slog.String("error", err.Error()))
		return nil
	}
	return sessions
}

// CleanupOldSessions removes completed/failed sessions older than the
// given age and returns how many were removed.
func (r *Registry) CleanupOldSessions(ctx context.Context, age time.Duration) int64 {
	log := logger.FromContextOrDefault(ctx, r.logger)

	deleted, err := r.store.DeleteOlderThan(ctx, age)
	if err != nil {
		log.Error("failed to cleanup old sessions",
			slog.String("error", err.Error()))
		return 0
	}
	return deleted
}

// HealthCheck reports whether the backing store is reachable.
func (r *Registry) HealthCheck(ctx context.Context) bool {
	return r.store.HealthCheck(ctx)
}
