package memory

import (
	"context"
	"sync"
	"time"

	"github.com/clipcraft/taskpilot/internal/domain"
	"github.com/clipcraft/taskpilot/internal/store"
)

// SessionStore is a map-backed store.SessionStore keyed by task id.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

// NewSessionStore creates an empty fallback session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*domain.Session)}
}

var _ store.SessionStore = (*SessionStore)(nil)

// Create implements store.SessionStore.Create.
func (s *SessionStore) Create(_ context.Context, session *domain.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.TaskID]; exists {
		return store.ErrSessionExists
	}
	clone := *session
	s.sessions[session.TaskID] = &clone
	return nil
}

// GetByTaskID implements store.SessionStore.GetByTaskID.
func (s *SessionStore) GetByTaskID(_ context.Context, taskID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[taskID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	clone := *session
	return &clone, nil
}

// GetByShortID implements store.SessionStore.GetByShortID.
func (s *SessionStore) GetByShortID(_ context.Context, shortID string) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Session
	for _, session := range s.sessions {
		if session.ShortID == shortID {
			clone := *session
			out = append(out, &clone)
		}
	}
	return out, nil
}

// UpdateStatus implements store.SessionStore.UpdateStatus.
func (s *SessionStore) UpdateStatus(_ context.Context, taskID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[taskID]
	if !ok {
		return store.ErrSessionNotFound
	}
	session.Status = status
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete implements store.SessionStore.Delete.
func (s *SessionStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[taskID]; !ok {
		return store.ErrSessionNotFound
	}
	delete(s.sessions, taskID)
	return nil
}

// DeleteOlderThan implements store.SessionStore.DeleteOlderThan.
func (s *SessionStore) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for taskID, session := range s.sessions {
		terminal := session.Status == domain.SessionStatusCompleted ||
			session.Status == domain.SessionStatusFailed
		if terminal && session.CreatedAt.Before(cutoff) {
			delete(s.sessions, taskID)
			deleted++
		}
	}
	return deleted, nil
}

// HealthCheck implements store.SessionStore.HealthCheck.
func (s *SessionStore) HealthCheck(context.Context) bool { return true }
