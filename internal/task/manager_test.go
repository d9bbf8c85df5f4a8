package task_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipcraft/taskpilot/internal/domain"
	"github.com/clipcraft/taskpilot/internal/platform/memory"
	"github.com/clipcraft/taskpilot/internal/session"
	"github.com/clipcraft/taskpilot/internal/store"
	"github.com/clipcraft/taskpilot/internal/task"
)

// mockDurableStore wraps the in-memory implementation and lets a test
// override individual operations to simulate durable-backend failures.
type mockDurableStore struct {
	*memory.TaskStore

	createFn func(ctx context.Context, t *domain.Task) error
}

func newMockDurableStore() *mockDurableStore {
	return &mockDurableStore{TaskStore: memory.NewTaskStore()}
}

func (m *mockDurableStore) Create(ctx context.Context, t *domain.Task) error {
	if m.createFn != nil {
		return m.createFn(ctx, t)
	}
	return m.TaskStore.Create(ctx, t)
}

// harness bundles a manager with direct handles on its backends.
type harness struct {
	manager  *task.Manager
	durable  *mockDurableStore
	fallback *memory.TaskStore
	sessions *session.Registry
}

func newHarness(t *testing.T, withDurable bool) *harness {
	t.Helper()

	h := &harness{
		fallback: memory.NewTaskStore(),
		sessions: session.NewRegistry(memory.NewSessionStore(), nil),
	}
	var durable store.TaskStore
	if withDurable {
		h.durable = newMockDurableStore()
		durable = h.durable
	}
	h.manager = task.NewManager(durable, h.fallback, h.sessions, nil)
	return h
}

func TestCreateTask(t *testing.T) {
	t.Parallel()

	t.Run("prefers the durable backend", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, true)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeVideoGeneration, map[string]any{
			"short_id": "abc123",
		}, task.CreateOptions{UserID: "user_1"})
		require.NoError(t, err)
		require.NotEmpty(t, taskID)

		assert.True(t, h.durable.Contains(taskID))
		assert.Zero(t, h.fallback.Len(), "fallback stays empty when the durable backend accepts")

		got := h.manager.GetTaskStatus(ctx, taskID)
		require.NotNil(t, got)
		assert.Equal(t, domain.TaskStatusQueued, got.TaskStatus)
		assert.Equal(t, "user_1", got.UserID)
	})

	t.Run("falls back when the durable backend rejects, and stays there", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, true)
		ctx := context.Background()
		h.durable.createFn = func(context.Context, *domain.Task) error {
			return store.ErrUnavailable
		}

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeVideoGeneration, nil, task.CreateOptions{})
		require.NoError(t, err)
		assert.True(t, h.fallback.Contains(taskID))
		assert.False(t, h.durable.Contains(taskID))

		// The durable backend recovering later does not move the task.
		h.durable.createFn = nil
		require.True(t, h.manager.StartTask(ctx, taskID))

		got, err := h.fallback.Get(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, got.TaskStatus)
		assert.False(t, h.durable.Contains(taskID))
	})

	t.Run("works without any durable backend", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		taskID, err := h.manager.CreateTask(context.Background(), domain.TaskTypeContentAnalysis, nil, task.CreateOptions{})
		require.NoError(t, err)
		assert.True(t, h.fallback.Contains(taskID))
	})

	t.Run("applies the priority option", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeContentAnalysis, nil, task.CreateOptions{
			Priority: domain.TaskPriorityUrgent,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskPriorityUrgent, h.manager.GetTaskStatus(ctx, taskID).Priority)
	})
}

func TestCreateTaskSessionLinkage(t *testing.T) {
	t.Parallel()

	t.Run("links a session when metadata carries a short_id", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeVideoGeneration, map[string]any{
			"short_id": "abc123",
		}, task.CreateOptions{UserID: "user_1"})
		require.NoError(t, err)

		got := h.sessions.GetSession(ctx, taskID)
		require.NotNil(t, got)
		assert.Equal(t, "abc123", got.ShortID)
		assert.Equal(t, domain.SessionStatusActive, got.Status)
	})

	t.Run("no session without a short_id", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeVideoGeneration, nil, task.CreateOptions{})
		require.NoError(t, err)
		assert.Nil(t, h.sessions.GetSession(ctx, taskID))
	})

	t.Run("scraping tasks never get a session", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeScraping, map[string]any{
			"short_id": "abc123",
		}, task.CreateOptions{})
		require.NoError(t, err)
		assert.Nil(t, h.sessions.GetSession(ctx, taskID))
	})
}

func TestStartTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()

	taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeContentAnalysis, nil, task.CreateOptions{})
	require.NoError(t, err)

	require.True(t, h.manager.StartTask(ctx, taskID))

	got := h.manager.GetTaskStatus(ctx, taskID)
	assert.Equal(t, domain.TaskStatusRunning, got.TaskStatus)
	assert.NotNil(t, got.StartedAt)
	assert.Zero(t, got.Progress)

	t.Run("unknown task", func(t *testing.T) {
		assert.False(t, h.manager.StartTask(ctx, "missing"))
	})

	t.Run("terminal task cannot be restarted", func(t *testing.T) {
		require.True(t, h.manager.CompleteTask(ctx, taskID, nil))
		assert.False(t, h.manager.StartTask(ctx, taskID))
	})
}

func TestUpdateTaskProgress(t *testing.T) {
	t.Parallel()

	t.Run("computes progress from the step count", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		// content_analysis has five named steps.
		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeContentAnalysis, nil, task.CreateOptions{})
		require.NoError(t, err)
		require.True(t, h.manager.StartTask(ctx, taskID))

		require.True(t, h.manager.UpdateTaskProgress(ctx, taskID, 3, "Performing analysis"))

		got := h.manager.GetTaskStatus(ctx, taskID)
		assert.InDelta(t, 60.0, got.Progress, 0.001)
		assert.Equal(t, 3, got.CurrentStep)
		assert.Equal(t, "Performing analysis", got.CurrentStepName)
		assert.Equal(t, "Performing analysis", got.StatusMessage)
	})

	t.Run("explicit progress wins over the computed value", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeContentAnalysis, nil, task.CreateOptions{})
		require.NoError(t, err)
		require.True(t, h.manager.StartTask(ctx, taskID))

		require.True(t, h.manager.UpdateTaskProgress(ctx, taskID, 2, "Processing content", 42.5))
		assert.InDelta(t, 42.5, h.manager.GetTaskStatus(ctx, taskID).Progress, 0.001)
	})

	t.Run("unknown task", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		assert.False(t, h.manager.UpdateTaskProgress(context.Background(), "missing", 1, "step"))
	})
}

func TestCompleteTask(t *testing.T) {
	t.Parallel()

	t.Run("merges result metadata without clobbering existing keys", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeContentAnalysis, map[string]any{
			"url": "https://example.com/p/1",
		}, task.CreateOptions{})
		require.NoError(t, err)
		require.True(t, h.manager.StartTask(ctx, taskID))

		require.True(t, h.manager.CompleteTask(ctx, taskID, map[string]any{
			"product_id": "prod_42",
			"skipped":    nil,
		}))

		got := h.manager.GetTaskStatus(ctx, taskID)
		assert.Equal(t, domain.TaskStatusCompleted, got.TaskStatus)
		assert.Equal(t, 100.0, got.Progress)
		assert.NotNil(t, got.CompletedAt)
		assert.Equal(t, "prod_42", got.Metadata["product_id"])
		assert.Equal(t, "https://example.com/p/1", got.Metadata["url"])
		assert.NotContains(t, got.Metadata, "skipped", "nil result values are dropped, not stored")
	})

	t.Run("terminal states admit no further transitions", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeContentAnalysis, nil, task.CreateOptions{})
		require.NoError(t, err)
		require.True(t, h.manager.CompleteTask(ctx, taskID, nil))

		assert.False(t, h.manager.CompleteTask(ctx, taskID, nil))
		assert.False(t, h.manager.FailTask(ctx, taskID, "late failure", false))
		assert.False(t, h.manager.CancelTask(ctx, taskID))
		assert.Equal(t, domain.TaskStatusCompleted, h.manager.GetTaskStatus(ctx, taskID).TaskStatus)
	})

	t.Run("removes the linked session", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeVideoGeneration, map[string]any{
			"short_id": "abc123",
		}, task.CreateOptions{})
		require.NoError(t, err)
		require.NotNil(t, h.sessions.GetSession(ctx, taskID))

		require.True(t, h.manager.CompleteTask(ctx, taskID, nil))
		assert.Nil(t, h.sessions.GetSession(ctx, taskID))
	})

	t.Run("scenario generation keeps its session after completion", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeScenarioGeneration, map[string]any{
			"short_id": "abc123",
		}, task.CreateOptions{})
		require.NoError(t, err)
		require.True(t, h.manager.CompleteTask(ctx, taskID, nil))

		assert.NotNil(t, h.sessions.GetSession(ctx, taskID),
			"the dependent save-scenario task still needs to find this session")
	})
}

func TestFailTask(t *testing.T) {
	t.Parallel()

	t.Run("retry transitions are bounded by max_retries", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeContentAnalysis, nil, task.CreateOptions{})
		require.NoError(t, err)

		// With max_retries = 3, the first three failures grant a retry.
		for attempt := 1; attempt <= domain.DefaultMaxRetries; attempt++ {
			require.True(t, h.manager.FailTask(ctx, taskID, "transient error", true))

			got := h.manager.GetTaskStatus(ctx, taskID)
			assert.Equal(t, domain.TaskStatusRetrying, got.TaskStatus)
			assert.Equal(t, attempt, got.RetryCount)
			assert.Nil(t, got.CompletedAt, "a retry is not a terminal outcome")
		}

		// The fourth failure exhausts the budget.
		require.True(t, h.manager.FailTask(ctx, taskID, "final error", true))

		got := h.manager.GetTaskStatus(ctx, taskID)
		assert.Equal(t, domain.TaskStatusFailed, got.TaskStatus)
		assert.Equal(t, domain.DefaultMaxRetries, got.RetryCount, "retry_count never exceeds max_retries")
		assert.Equal(t, "final error", got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("without retry the task fails immediately", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeContentAnalysis, nil, task.CreateOptions{})
		require.NoError(t, err)
		require.True(t, h.manager.StartTask(ctx, taskID))

		require.True(t, h.manager.FailTask(ctx, taskID, "fatal error", false))

		got := h.manager.GetTaskStatus(ctx, taskID)
		assert.Equal(t, domain.TaskStatusFailed, got.TaskStatus)
		assert.Zero(t, got.RetryCount)
		assert.Equal(t, "fatal error", got.ErrorMessage)
	})

	t.Run("a retrying task can be restarted", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeContentAnalysis, nil, task.CreateOptions{})
		require.NoError(t, err)
		require.True(t, h.manager.FailTask(ctx, taskID, "transient", true))
		require.True(t, h.manager.StartTask(ctx, taskID))
		assert.Equal(t, domain.TaskStatusRunning, h.manager.GetTaskStatus(ctx, taskID).TaskStatus)
	})

	t.Run("terminal failure removes the linked session", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeVideoGeneration, map[string]any{
			"short_id": "abc123",
		}, task.CreateOptions{})
		require.NoError(t, err)

		require.True(t, h.manager.FailTask(ctx, taskID, "fatal", false))
		assert.Nil(t, h.sessions.GetSession(ctx, taskID))
	})

	t.Run("a granted retry keeps the session", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, false)
		ctx := context.Background()

		taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeVideoGeneration, map[string]any{
			"short_id": "abc123",
		}, task.CreateOptions{})
		require.NoError(t, err)

		require.True(t, h.manager.FailTask(ctx, taskID, "transient", true))
		assert.NotNil(t, h.sessions.GetSession(ctx, taskID))
	})
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()

	taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeContentAnalysis, nil, task.CreateOptions{})
	require.NoError(t, err)
	require.True(t, h.manager.StartTask(ctx, taskID))

	require.True(t, h.manager.CancelTask(ctx, taskID))

	got := h.manager.GetTaskStatus(ctx, taskID)
	assert.Equal(t, domain.TaskStatusCancelled, got.TaskStatus)
	assert.Equal(t, "Task cancelled by user", got.StatusMessage)
	assert.NotNil(t, got.CompletedAt)

	assert.False(t, h.manager.CancelTask(ctx, taskID), "cancelling twice is refused")
	assert.False(t, h.manager.CancelTask(ctx, "missing"))
}

func TestGetTaskStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	assert.Nil(t, h.manager.GetTaskStatus(context.Background(), "missing"))
}

// TestScrapingLifecycle walks a scraping task through its full happy
// path the way a work function would drive it.
func TestScrapingLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()

	taskID, err := h.manager.CreateTask(ctx, domain.TaskTypeScraping, map[string]any{
		"url":      "https://shop.example.com/item/42",
		"short_id": "abc123",
	}, task.CreateOptions{UserID: "user_1"})
	require.NoError(t, err)

	created := h.manager.GetTaskStatus(ctx, taskID)
	require.NotNil(t, created)
	assert.Equal(t, 6, created.TotalSteps)
	assert.Equal(t, "https://shop.example.com/item/42", created.URL)
	assert.Nil(t, h.sessions.GetSession(ctx, taskID))

	require.True(t, h.manager.StartTask(ctx, taskID))

	steps := domain.DefaultSteps(domain.TaskTypeScraping)
	for i, name := range steps {
		require.True(t, h.manager.UpdateTaskProgress(ctx, taskID, i+1, name))
	}

	midway := h.manager.GetTaskStatus(ctx, taskID)
	assert.Equal(t, "Finalizing results", midway.CurrentStepName)
	assert.InDelta(t, 100.0, midway.Progress, 0.001)

	require.True(t, h.manager.CompleteTask(ctx, taskID, map[string]any{
		"product_id":    "prod_42",
		"product_title": "Example Item",
	}))

	final := h.manager.GetTaskStatus(ctx, taskID)
	assert.Equal(t, domain.TaskStatusCompleted, final.TaskStatus)
	assert.Equal(t, 100.0, final.Progress)
	assert.Equal(t, "prod_42", final.Metadata["product_id"])
	assert.Equal(t, "https://shop.example.com/item/42", final.Metadata["url"])
}

func TestCreateTaskFailure(t *testing.T) {
	t.Parallel()

	// Force both backends to reject by making the record invalid before
	// it reaches either one: an empty task type fails validation.
	h := newHarness(t, false)
	_, err := h.manager.CreateTask(context.Background(), domain.TaskType(""), nil, task.CreateOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrTaskCreation))
}
