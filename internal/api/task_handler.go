// Package api exposes the collaborator-facing read and admin surface of
// the task lifecycle: status polling, cancellation, session discovery
// and the manual cleanup trigger. Task creation and the work functions
// themselves stay programmatic; request handlers elsewhere in the stack
// call the manager directly.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clipcraft/taskpilot/internal/domain"
	"github.com/clipcraft/taskpilot/internal/task"
)

// TaskHandler serves task status, cancellation and session lookups.
type TaskHandler struct {
	manager   *task.Manager
	scheduler *task.CleanupScheduler
	logger    *slog.Logger
}

// NewTaskHandler creates the handler. If logger is nil, the process
// default logger is used.
func NewTaskHandler(manager *task.Manager, scheduler *task.CleanupScheduler, log *slog.Logger) *TaskHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TaskHandler{
		manager:   manager,
		scheduler: scheduler,
		logger:    log.With(slog.String("component", "task_handler")),
	}
}

// Routes mounts the handler's endpoints on a fresh chi router.
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Get("/tasks/{taskID}", h.GetTaskStatus)
	r.Delete("/tasks/{taskID}", h.CancelTask)
	r.Get("/sessions/{shortID}", h.GetSessionsByShortID)
	r.Post("/admin/cleanup", h.RunCleanup)
	r.Get("/admin/scheduler", h.SchedulerStatus)
	return r
}

// Health reports liveness plus session-store reachability.
func (h *TaskHandler) Health(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"sessions_healthy": h.manager.Sessions().HealthCheck(r.Context()),
	})
}

// GetTaskStatus returns the current record of a task.
func (h *TaskHandler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	record := h.manager.GetTaskStatus(r.Context(), taskID)
	if record == nil {
		RespondWithError(w, http.StatusNotFound, "task not found")
		return
	}
	RespondWithJSON(w, http.StatusOK, record)
}

// CancelTask flips a non-terminal task to cancelled. It does not
// preempt a running work function; cancellation is cooperative.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if !h.manager.CancelTask(r.Context(), taskID) {
		RespondWithError(w, http.StatusConflict, "task not found or not cancellable")
		return
	}
	h.logger.Info("task cancelled via api", slog.String("task_id", taskID))
	RespondWithJSON(w, http.StatusOK, map[string]string{
		"task_id":     taskID,
		"task_status": "cancelled",
	})
}

// GetSessionsByShortID lists every session recorded for a grouping id.
func (h *TaskHandler) GetSessionsByShortID(w http.ResponseWriter, r *http.Request) {
	shortID := chi.URLParam(r, "shortID")

	sessions := h.manager.GetSessionsByShortID(r.Context(), shortID)
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{
		"short_id": shortID,
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// RunCleanup triggers a cleanup pass immediately.
func (h *TaskHandler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		RespondWithError(w, http.StatusServiceUnavailable, "cleanup scheduler not configured")
		return
	}
	deleted := h.scheduler.RunCleanupNow(r.Context())
	RespondWithJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// SchedulerStatus reports the cleanup scheduler's state.
func (h *TaskHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		RespondWithError(w, http.StatusServiceUnavailable, "cleanup scheduler not configured")
		return
	}
	RespondWithJSON(w, http.StatusOK, h.scheduler.GetStatus())
}
