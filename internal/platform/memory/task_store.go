// Package memory provides the process-local fallback implementations of
// the store contracts. The fallback backend is volatile: records live
// only as long as the process and are never visible to other processes.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clipcraft/taskpilot/internal/domain"
	"github.com/clipcraft/taskpilot/internal/store"
)

// TaskStore is a map-backed store.TaskStore with the same semantics as
// the durable backend but no network failure modes.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
}

// NewTaskStore creates an empty fallback task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*domain.Task)}
}

var _ store.TaskStore = (*TaskStore)(nil)

// Create implements store.TaskStore.Create.
func (s *TaskStore) Create(_ context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return store.ErrTaskExists
	}
	s.tasks[task.TaskID] = task.Clone()
	return nil
}

// Get implements store.TaskStore.Get. The returned record is a deep
// copy; mutating it does not affect the stored state.
func (s *TaskStore) Get(_ context.Context, taskID string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Contains reports whether a task lives on this backend. The Manager
// uses this to pin a task to the backend it was created on.
func (s *TaskStore) Contains(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[taskID]
	return ok
}

// Update implements store.TaskStore.Update. The whole merge happens
// under one lock, so concurrent updates never interleave field-wise.
func (s *TaskStore) Update(_ context.Context, taskID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return store.ErrTaskNotFound
	}

	for field, value := range fields {
		if err := applyField(task, field, value); err != nil {
			return fmt.Errorf("%w: %v", store.ErrUpdateFailed, err)
		}
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete implements store.TaskStore.Delete.
func (s *TaskStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

// DeleteOlderThan implements store.TaskStore.DeleteOlderThan. The
// fallback backend is not targeted by the cleanup scheduler, but the
// contract is honored for completeness.
func (s *TaskStore) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, task := range s.tasks {
		if task.TaskStatus.IsTerminal() && task.CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// HealthCheck implements store.TaskStore.HealthCheck. The fallback
// backend is always reachable.
func (s *TaskStore) HealthCheck(context.Context) bool { return true }

// EnsureConnection implements store.TaskStore.EnsureConnection.
func (s *TaskStore) EnsureConnection(context.Context) error { return nil }

// Len reports how many tasks the store currently holds.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// applyField merges one update-payload entry into a task record.
// Numeric values arrive as whatever width the caller used, so ints and
// floats are normalized here.
func applyField(task *domain.Task, field string, value any) error {
	if key, ok := store.SplitMetadataField(field); ok {
		if task.Metadata == nil {
			task.Metadata = make(map[string]any)
		}
		task.Metadata[key] = value
		return nil
	}

	switch field {
	case store.FieldTaskStatus:
		status, err := asStatus(value)
		if err != nil {
			return err
		}
		task.TaskStatus = status
	case store.FieldStatusMessage:
		s, err := asString(value)
		if err != nil {
			return err
		}
		task.StatusMessage = s
	case store.FieldProgress:
		f, err := asFloat(value)
		if err != nil {
			return err
		}
		task.Progress = f
	case store.FieldCurrentStep:
		n, err := asInt(value)
		if err != nil {
			return err
		}
		task.CurrentStep = n
	case store.FieldCurrentStepName:
		s, err := asString(value)
		if err != nil {
			return err
		}
		task.CurrentStepName = s
	case store.FieldStartedAt:
		t, err := asTime(value)
		if err != nil {
			return err
		}
		task.StartedAt = &t
	case store.FieldCompletedAt:
		t, err := asTime(value)
		if err != nil {
			return err
		}
		task.CompletedAt = &t
	case store.FieldErrorMessage:
		s, err := asString(value)
		if err != nil {
			return err
		}
		task.ErrorMessage = s
	case store.FieldRetryCount:
		n, err := asInt(value)
		if err != nil {
			return err
		}
		task.RetryCount = n
	default:
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asStatus(v any) (domain.TaskStatus, error) {
	switch s := v.(type) {
	case domain.TaskStatus:
		return s, nil
	case string:
		return domain.TaskStatus(s), nil
	default:
		return "", fmt.Errorf("expected task status, got %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected float, got %T", v)
	}
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", v)
	}
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return domain.ParseTime(t)
	default:
		return time.Time{}, fmt.Errorf("expected time, got %T", v)
	}
}
