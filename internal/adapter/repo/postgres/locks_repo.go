package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// LockRepo persists file locks. file_path is the primary key, so two
// unexpired locks can never coexist on one path.
type LockRepo struct{ Pool PgxPool }

// NewLockRepo constructs a LockRepo with the given pool.
func NewLockRepo(p PgxPool) *LockRepo { return &LockRepo{Pool: p} }

// Acquire takes every lock or none. Expired rows on the requested paths
// are purged first; a surviving row on any path aborts the whole batch
// with ErrConflict.
func (r *LockRepo) Acquire(ctx context.Context, locks []domain.FileLock) error {
	tracer := otel.Tracer("repo.locks")
	ctx, span := tracer.Start(ctx, "locks.Acquire")
	defer span.End()
	if len(locks) == 0 {
		return nil
	}

	paths := make([]string, len(locks))
	for i, l := range locks {
		paths[i] = l.FilePath
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=lock.acquire: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`DELETE FROM file_locks WHERE file_path = ANY($1) AND expires_at <= $2`, paths, now); err != nil {
		return fmt.Errorf("op=lock.acquire: %w", err)
	}

	for _, l := range locks {
		tag, err := tx.Exec(ctx,
			`INSERT INTO file_locks (file_path, agent_id, task_id, acquired_at, expires_at)
			 VALUES ($1,$2,$3,$4,$5) ON CONFLICT (file_path) DO NOTHING`,
			l.FilePath, l.AgentID, l.TaskID, l.AcquiredAt, l.ExpiresAt)
		if err != nil {
			return fmt.Errorf("op=lock.acquire: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=lock.acquire path=%s: %w", l.FilePath, domain.ErrConflict)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=lock.acquire: %w", err)
	}
	return nil
}

// ReleaseByTask drops every lock a task holds. Idempotent.
func (r *LockRepo) ReleaseByTask(ctx context.Context, taskID string) error {
	tracer := otel.Tracer("repo.locks")
	ctx, span := tracer.Start(ctx, "locks.ReleaseByTask")
	defer span.End()
	if _, err := q(ctx, r.Pool).Exec(ctx, `DELETE FROM file_locks WHERE task_id=$1`, taskID); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}

// ListActive returns the unexpired locks at the given instant.
func (r *LockRepo) ListActive(ctx context.Context, now time.Time) ([]domain.FileLock, error) {
	tracer := otel.Tracer("repo.locks")
	ctx, span := tracer.Start(ctx, "locks.ListActive")
	defer span.End()
	rows, err := q(ctx, r.Pool).Query(ctx,
		`SELECT file_path, agent_id, task_id, acquired_at, expires_at
		 FROM file_locks WHERE expires_at > $1 ORDER BY file_path`, now)
	if err != nil {
		return nil, fmt.Errorf("op=lock.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.FileLock
	for rows.Next() {
		var l domain.FileLock
		if err := rows.Scan(&l.FilePath, &l.AgentID, &l.TaskID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("op=lock.list_active: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=lock.list_active: %w", err)
	}
	return out, nil
}
