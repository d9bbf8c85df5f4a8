package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session status values. A session has no state machine of its own; its
// lifecycle is a side effect of task transitions.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
)

// Session links an external grouping id ("short id") to the task that is
// currently active for it. Collaborators use sessions to discover and
// replace sibling tasks for the same logical unit of work.
type Session struct {
	ID        uuid.UUID `json:"id"`
	ShortID   string    `json:"short_id"`
	TaskType  TaskType  `json:"task_type"`
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession builds an active session record for a task.
func NewSession(shortID string, taskType TaskType, taskID, userID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New(),
		ShortID:   shortID,
		TaskType:  taskType,
		TaskID:    taskID,
		UserID:    userID,
		Status:    SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the structural invariants of a session record.
func (s *Session) Validate() error {
	if s.ShortID == "" {
		return fmt.Errorf("short_id must not be empty")
	}
	if s.TaskID == "" {
		return fmt.Errorf("task_id must not be empty")
	}
	if s.TaskType == "" {
		return fmt.Errorf("task_type must not be empty")
	}
	switch s.Status {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid session status %q", s.Status)
	}
}
