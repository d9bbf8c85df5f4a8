package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clipcraft/taskpilot/internal/domain"
	"github.com/clipcraft/taskpilot/internal/platform/logger"
	"github.com/clipcraft/taskpilot/internal/store"
)

// SessionStore implements store.SessionStore using PostgreSQL.
type SessionStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSessionStore creates a PostgreSQL implementation of the session
// store. If logger is nil, the process default logger is used.
func NewSessionStore(db *sql.DB, log *slog.Logger) *SessionStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionStore{
		db:     db,
		logger: log.With(slog.String("component", "session_store")),
	}
}

var _ store.SessionStore = (*SessionStore)(nil)

// Create implements store.SessionStore.Create. The unique index on
// task_id rejects a second session for the same task.
func (s *SessionStore) Create(ctx context.Context, session *domain.Session) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := session.Validate(); err != nil {
		log.Warn("session validation failed during create",
			slog.String("task_id", session.TaskID),
			slog.String("error", err.Error()))
		return err
	}

	query := `
		INSERT INTO sessions (id, short_id, task_type, task_id, user_id,
			status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.ShortID,
		string(session.TaskType),
		session.TaskID,
		nullableString(session.UserID),
		session.Status,
		domain.FormatTime(session.CreatedAt),
		domain.FormatTime(session.UpdatedAt),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			log.Warn("session already exists for task",
				slog.String("task_id", session.TaskID))
			return fmt.Errorf("%w: %s", store.ErrSessionExists, session.TaskID)
		}
		log.Error("failed to create session",
			slog.String("task_id", session.TaskID),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	log.Info("session created",
		slog.String("task_id", session.TaskID),
		slog.String("short_id", session.ShortID),
		slog.String("task_type", string(session.TaskType)))
	return nil
}

// GetByTaskID implements store.SessionStore.GetByTaskID.
func (s *SessionStore) GetByTaskID(ctx context.Context, taskID string) (*domain.Session, error) {
	query := `
		SELECT id, short_id, task_type, task_id, user_id, status,
			created_at, updated_at
		FROM sessions
		WHERE task_id = $1
	`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, taskID)
		}
		return nil, MapError(err)
	}
	return session, nil
}

// GetByShortID implements store.SessionStore.GetByShortID.
func (s *SessionStore) GetByShortID(ctx context.Context, shortID string) ([]*domain.Session, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, short_id, task_type, task_id, user_id, status,
			created_at, updated_at
		FROM sessions
		WHERE short_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, shortID)
	if err != nil {
		log.Error("failed to query sessions by short_id",
			slog.String("short_id", shortID),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, MapError(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return sessions, nil
}

// UpdateStatus implements store.SessionStore.UpdateStatus.
func (s *SessionStore) UpdateStatus(ctx context.Context, taskID, status string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `UPDATE sessions SET status = $1, updated_at = $2 WHERE task_id = $3`
	result, err := s.db.ExecContext(ctx, query,
		status, domain.FormatTime(time.Now()), taskID)
	if err != nil {
		log.Error("failed to update session status",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return MapError(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, taskID)
	}
	return nil
}

// Delete implements store.SessionStore.Delete.
func (s *SessionStore) Delete(ctx context.Context, taskID string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE task_id = $1`, taskID)
	if err != nil {
		log.Error("failed to delete session",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return MapError(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, taskID)
	}
	return nil
}

// DeleteOlderThan implements store.SessionStore.DeleteOlderThan.
func (s *SessionStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	cutoff := domain.FormatTime(time.Now().UTC().Add(-age))
	query := `
		DELETE FROM sessions
		WHERE created_at < $1
		  AND status IN ('completed', 'failed')
	`
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		log.Error("failed to delete old sessions", slog.String("error", err.Error()))
		return 0, MapError(err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, MapError(err)
	}
	if deleted > 0 {
		log.Info("deleted old sessions", slog.Int64("count", deleted))
	}
	return deleted, nil
}

// HealthCheck implements store.SessionStore.HealthCheck.
func (s *SessionStore) HealthCheck(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		session              domain.Session
		id                   string
		taskType             string
		userID               sql.NullString
		createdAt, updatedAt string
	)

	err := row.Scan(&id, &session.ShortID, &taskType, &session.TaskID,
		&userID, &session.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if session.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	session.TaskType = domain.TaskType(taskType)
	session.UserID = userID.String

	if session.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if session.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &session, nil
}
