package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipcraft/taskpilot/internal/domain"
	"github.com/clipcraft/taskpilot/internal/platform/memory"
	"github.com/clipcraft/taskpilot/internal/session"
)

func newRegistry(t *testing.T) *session.Registry {
	t.Helper()
	return session.NewRegistry(memory.NewSessionStore(), nil)
}

func TestRegistryCreateSession(t *testing.T) {
	t.Parallel()

	t.Run("creates an active session", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(t)
		ctx := context.Background()

		require.True(t, r.CreateSession(ctx, "abc123", domain.TaskTypeVideoGeneration, "task_1", "user_1"))

		got := r.GetSession(ctx, "task_1")
		require.NotNil(t, got)
		assert.Equal(t, "abc123", got.ShortID)
		assert.Equal(t, domain.SessionStatusActive, got.Status)
	})

	t.Run("second session for the same task is refused", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(t)
		ctx := context.Background()

		require.True(t, r.CreateSession(ctx, "abc123", domain.TaskTypeVideoGeneration, "task_1", ""))
		assert.False(t, r.CreateSession(ctx, "abc123", domain.TaskTypeVideoGeneration, "task_1", ""))
	})

	t.Run("invalid arguments are absorbed as false", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(t)
		assert.False(t, r.CreateSession(context.Background(), "", domain.TaskTypeVideoGeneration, "task_1", ""))
	})
}

func TestRegistryUpdateSessionStatus(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	ctx := context.Background()
	require.True(t, r.CreateSession(ctx, "abc123", domain.TaskTypeVideoGeneration, "task_1", ""))

	assert.True(t, r.UpdateSessionStatus(ctx, "task_1", domain.SessionStatusCompleted))
	assert.Equal(t, domain.SessionStatusCompleted, r.GetSession(ctx, "task_1").Status)

	assert.False(t, r.UpdateSessionStatus(ctx, "missing", domain.SessionStatusFailed))
}

func TestRegistryRemoveSession(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	ctx := context.Background()
	require.True(t, r.CreateSession(ctx, "abc123", domain.TaskTypeVideoGeneration, "task_1", ""))

	assert.True(t, r.RemoveSession(ctx, "task_1"))
	assert.Nil(t, r.GetSession(ctx, "task_1"))
	assert.False(t, r.RemoveSession(ctx, "task_1"), "removing twice reports false, not an error")
}

func TestRegistryGetSessionsByShortID(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	ctx := context.Background()
	require.True(t, r.CreateSession(ctx, "abc123", domain.TaskTypeVideoGeneration, "task_1", ""))
	require.True(t, r.CreateSession(ctx, "abc123", domain.TaskTypeContentAnalysis, "task_2", ""))

	assert.Len(t, r.GetSessionsByShortID(ctx, "abc123"), 2)
	assert.Empty(t, r.GetSessionsByShortID(ctx, "unknown"))
}

func TestRegistryCleanupOldSessions(t *testing.T) {
	t.Parallel()

	store := memory.NewSessionStore()
	r := session.NewRegistry(store, nil)
	ctx := context.Background()

	old := domain.NewSession("abc123", domain.TaskTypeVideoGeneration, "task_1", "")
	old.Status = domain.SessionStatusCompleted
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Create(ctx, old))

	require.True(t, r.CreateSession(ctx, "abc123", domain.TaskTypeContentAnalysis, "task_2", ""))

	assert.Equal(t, int64(1), r.CleanupOldSessions(ctx, 24*time.Hour))
	assert.Nil(t, r.GetSession(ctx, "task_1"))
	assert.NotNil(t, r.GetSession(ctx, "task_2"))
}

func TestRegistryHealthCheck(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	assert.True(t, r.HealthCheck(context.Background()))
}
