package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/clipcraft/taskpilot/internal/domain"
	"github.com/clipcraft/taskpilot/internal/platform/logger"
	"github.com/clipcraft/taskpilot/internal/store"
)

// taskColumns is the column list shared by every task SELECT.
const taskColumns = `task_id, task_type, task_status, task_status_message,
	task_metadata, task_priority, created_at, updated_at, started_at,
	completed_at, progress, total_steps, current_step, current_step_name,
	error_message, retry_count, max_retries, url, user_id, session_id`

// TaskStore implements store.TaskStore using PostgreSQL. It holds the
// connection pool directly because the contract includes connection
// health and reconnection.
type TaskStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTaskStore creates a PostgreSQL implementation of the task store.
// If logger is nil, the process default logger is used.
func NewTaskStore(db *sql.DB, log *slog.Logger) *TaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &TaskStore{
		db:     db,
		logger: log.With(slog.String("component", "task_store")),
	}
}

var _ store.TaskStore = (*TaskStore)(nil)

// Create implements store.TaskStore.Create. A duplicate task_id trips
// the primary key and maps to store.ErrTaskExists.
func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()))
		return err
	}
	if err := s.EnsureConnection(ctx); err != nil {
		return err
	}

	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("marshal task metadata: %w", err)
	}

	query := `
		INSERT INTO tasks (
			task_id, task_type, task_status, task_status_message,
			task_metadata, task_priority, created_at, updated_at,
			started_at, completed_at, progress, total_steps, current_step,
			current_step_name, error_message, retry_count, max_retries,
			url, user_id, session_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.TaskID,
		string(task.TaskType),
		string(task.TaskStatus),
		task.StatusMessage,
		metadata,
		string(task.Priority),
		domain.FormatTime(task.CreatedAt),
		domain.FormatTime(task.UpdatedAt),
		nullableTime(task.StartedAt),
		nullableTime(task.CompletedAt),
		task.Progress,
		task.TotalSteps,
		task.CurrentStep,
		task.CurrentStepName,
		nullableString(task.ErrorMessage),
		task.RetryCount,
		task.MaxRetries,
		nullableString(task.URL),
		nullableString(task.UserID),
		nullableString(task.SessionID),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			log.Warn("task already exists", slog.String("task_id", task.TaskID))
			return fmt.Errorf("%w: %s", store.ErrTaskExists, task.TaskID)
		}
		log.Error("failed to create task",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	log.Info("task created",
		slog.String("task_id", task.TaskID),
		slog.String("task_type", string(task.TaskType)))
	return nil
}

// Get implements store.TaskStore.Get.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := s.EnsureConnection(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`
	row := s.db.QueryRowContext(ctx, query, taskID)

	task, err := scanTask(row)
	if err != nil {
		if store.IsNotFoundError(MapError(err)) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
		}
		log.Error("failed to get task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return task, nil
}

// Update implements store.TaskStore.Update. The whole merge is a single
// UPDATE statement, so it is atomic at the record level: plain fields
// become SET clauses and dotted metadata paths become nested jsonb_set
// calls that leave unrelated keys untouched.
func (s *TaskStore) Update(ctx context.Context, taskID string, fields map[string]any) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := s.EnsureConnection(ctx); err != nil {
		return err
	}

	setClause, args, err := buildUpdate(fields)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUpdateFailed, err)
	}
	args = append(args, taskID)

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE task_id = $%d", setClause, len(args))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to update task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return MapError(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}
	return nil
}

// Delete implements store.TaskStore.Delete.
func (s *TaskStore) Delete(ctx context.Context, taskID string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := s.EnsureConnection(ctx); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
	if err != nil {
		log.Error("failed to delete task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return MapError(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}
	return nil
}

// DeleteOlderThan implements store.TaskStore.DeleteOlderThan. Only
// terminal-state records are reclaimed; the fixed-width ISO-8601
// created_at strings compare lexicographically in chronological order.
func (s *TaskStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := s.EnsureConnection(ctx); err != nil {
		return 0, err
	}

	cutoff := domain.FormatTime(time.Now().UTC().Add(-age))
	query := `
		DELETE FROM tasks
		WHERE created_at < $1
		  AND task_status IN ('completed', 'failed', 'cancelled', 'timeout')
	`
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		log.Error("failed to delete old tasks", slog.String("error", err.Error()))
		return 0, MapError(err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, MapError(err)
	}
	if deleted > 0 {
		log.Info("deleted old tasks",
			slog.Int64("count", deleted),
			slog.String("cutoff", cutoff))
	}
	return deleted, nil
}

// HealthCheck implements store.TaskStore.HealthCheck.
func (s *TaskStore) HealthCheck(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// EnsureConnection implements store.TaskStore.EnsureConnection: one
// failed ping gets one retry (the pool re-dials on ping) before the
// backend is declared unavailable.
func (s *TaskStore) EnsureConnection(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("database ping failed, retrying once",
			slog.String("error", err.Error()))
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
	}
	return nil
}

// buildUpdate turns an update payload into a SET clause and argument
// list. Plain fields map to columns; task_metadata.<key> paths fold into
// nested jsonb_set expressions over the metadata column. updated_at is
// always refreshed.
func buildUpdate(fields map[string]any) (string, []any, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		clauses  []string
		args     []any
		metaExpr = "task_metadata"
		hasMeta  bool
	)

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, field := range keys {
		value := fields[field]

		if key, ok := store.SplitMetadataField(field); ok {
			encoded, err := json.Marshal(value)
			if err != nil {
				return "", nil, fmt.Errorf("marshal metadata value %q: %v", key, err)
			}
			metaExpr = fmt.Sprintf("jsonb_set(%s, %s::text[], %s::jsonb, true)",
				metaExpr, arg(fmt.Sprintf("{%s}", key)), arg(string(encoded)))
			hasMeta = true
			continue
		}

		column, converted, err := columnValue(field, value)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, fmt.Sprintf("%s = %s", column, arg(converted)))
	}

	if hasMeta {
		clauses = append(clauses, fmt.Sprintf("task_metadata = %s", metaExpr))
	}
	clauses = append(clauses, fmt.Sprintf("updated_at = %s", arg(domain.FormatTime(time.Now()))))

	set := ""
	for i, c := range clauses {
		if i > 0 {
			set += ", "
		}
		set += c
	}
	return set, args, nil
}

// columnValue validates an update field name and converts its value to
// the persisted representation.
func columnValue(field string, value any) (string, any, error) {
	switch field {
	case store.FieldTaskStatus:
		switch v := value.(type) {
		case domain.TaskStatus:
			return field, string(v), nil
		case string:
			return field, v, nil
		}
		return "", nil, fmt.Errorf("field %q: expected task status, got %T", field, value)
	case store.FieldStatusMessage, store.FieldCurrentStepName, store.FieldErrorMessage:
		v, ok := value.(string)
		if !ok {
			return "", nil, fmt.Errorf("field %q: expected string, got %T", field, value)
		}
		return field, v, nil
	case store.FieldProgress:
		switch v := value.(type) {
		case float64:
			return field, v, nil
		case int:
			return field, float64(v), nil
		}
		return "", nil, fmt.Errorf("field %q: expected float, got %T", field, value)
	case store.FieldCurrentStep, store.FieldRetryCount:
		v, ok := value.(int)
		if !ok {
			return "", nil, fmt.Errorf("field %q: expected int, got %T", field, value)
		}
		return field, v, nil
	case store.FieldStartedAt, store.FieldCompletedAt:
		switch v := value.(type) {
		case time.Time:
			return field, domain.FormatTime(v), nil
		case string:
			return field, v, nil
		}
		return "", nil, fmt.Errorf("field %q: expected time, got %T", field, value)
	default:
		return "", nil, fmt.Errorf("unknown field %q", field)
	}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		task                     domain.Task
		taskType, status, prio   string
		metadata                 []byte
		createdAt, updatedAt     string
		startedAt, completedAt   sql.NullString
		errorMessage             sql.NullString
		url, userID, sessionID   sql.NullString
	)

	err := row.Scan(
		&task.TaskID, &taskType, &status, &task.StatusMessage,
		&metadata, &prio, &createdAt, &updatedAt, &startedAt,
		&completedAt, &task.Progress, &task.TotalSteps, &task.CurrentStep,
		&task.CurrentStepName, &errorMessage, &task.RetryCount,
		&task.MaxRetries, &url, &userID, &sessionID,
	)
	if err != nil {
		return nil, err
	}

	task.TaskType = domain.TaskType(taskType)
	task.TaskStatus = domain.TaskStatus(status)
	task.Priority = domain.TaskPriority(prio)
	task.ErrorMessage = errorMessage.String
	task.URL = url.String
	task.UserID = userID.String
	task.SessionID = sessionID.String

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &task.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal task metadata: %w", err)
		}
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]any)
	}

	if task.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if task.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if startedAt.Valid {
		t, err := domain.ParseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := domain.ParseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		task.CompletedAt = &t
	}
	return &task, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
