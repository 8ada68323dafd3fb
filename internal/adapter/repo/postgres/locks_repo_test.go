package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/adapter/repo/postgres"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

func lockBatch(paths ...string) []domain.FileLock {
	now := time.Now().UTC()
	out := make([]domain.FileLock, len(paths))
	for i, p := range paths {
		out[i] = domain.FileLock{
			FilePath:   p,
			AgentID:    "a-1",
			TaskID:     "t-1",
			AcquiredAt: now,
			ExpiresAt:  now.Add(30 * time.Minute),
		}
	}
	return out
}

func TestLockRepo_Acquire_AllOrNothing(t *testing.T) {
	t.Parallel()

	t.Run("all paths free", func(t *testing.T) {
		t.Parallel()
		tx := &txStub{execTags: []pgconn.CommandTag{
			pgconn.NewCommandTag("DELETE 0"),
			pgconn.NewCommandTag("INSERT 0 1"),
			pgconn.NewCommandTag("INSERT 0 1"),
		}}
		repo := postgres.NewLockRepo(&poolStub{tx: tx})
		err := repo.Acquire(context.Background(), lockBatch("a.go", "b.go"))
		require.NoError(t, err)
		assert.True(t, tx.committed)
	})

	t.Run("second path held rolls back the batch", func(t *testing.T) {
		t.Parallel()
		tx := &txStub{execTags: []pgconn.CommandTag{
			pgconn.NewCommandTag("DELETE 0"),
			pgconn.NewCommandTag("INSERT 0 1"),
			pgconn.NewCommandTag("INSERT 0 0"), // conflict: row survived
		}}
		repo := postgres.NewLockRepo(&poolStub{tx: tx})
		err := repo.Acquire(context.Background(), lockBatch("a.go", "b.go"))
		require.ErrorIs(t, err, domain.ErrConflict)
		assert.Contains(t, err.Error(), "b.go")
		assert.False(t, tx.committed)
		assert.True(t, tx.rolledBack)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		t.Parallel()
		repo := postgres.NewLockRepo(&poolStub{})
		require.NoError(t, repo.Acquire(context.Background(), nil))
	})
}

func TestLockRepo_ReleaseByTask_Idempotent(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTags: []pgconn.CommandTag{
		pgconn.NewCommandTag("DELETE 3"),
		pgconn.NewCommandTag("DELETE 0"),
	}}
	repo := postgres.NewLockRepo(pool)
	require.NoError(t, repo.ReleaseByTask(context.Background(), "t-1"))
	require.NoError(t, repo.ReleaseByTask(context.Background(), "t-1"), "releasing again succeeds")
}
