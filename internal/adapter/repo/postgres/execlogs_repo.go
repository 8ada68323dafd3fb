package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// ExecLogRepo persists the append-only execution log.
type ExecLogRepo struct{ Pool PgxPool }

// NewExecLogRepo constructs an ExecLogRepo with the given pool.
func NewExecLogRepo(p PgxPool) *ExecLogRepo { return &ExecLogRepo{Pool: p} }

const execLogColumns = `id, task_id, agent_id, ts, action, model_used, input_tokens, output_tokens, duration_ms`

// Append inserts one log record and returns its id.
func (r *ExecLogRepo) Append(ctx context.Context, l domain.ExecutionLog) (string, error) {
	tracer := otel.Tracer("repo.execlogs")
	ctx, span := tracer.Start(ctx, "execlogs.Append")
	defer span.End()
	id := l.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := l.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	query := `INSERT INTO execution_logs (` + execLogColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := q(ctx, r.Pool).Exec(ctx, query, id, l.TaskID, l.AgentID, ts,
		l.Action, l.ModelUsed, l.InputTokens, l.OutputTokens, l.DurationMs)
	if err != nil {
		return "", fmt.Errorf("op=execlog.append: %w", err)
	}
	return id, nil
}

// ListByTask returns a task's log records in time order.
func (r *ExecLogRepo) ListByTask(ctx context.Context, taskID string) ([]domain.ExecutionLog, error) {
	tracer := otel.Tracer("repo.execlogs")
	ctx, span := tracer.Start(ctx, "execlogs.ListByTask")
	defer span.End()
	rows, err := q(ctx, r.Pool).Query(ctx,
		`SELECT `+execLogColumns+` FROM execution_logs WHERE task_id=$1 ORDER BY ts ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("op=execlog.list_by_task: %w", err)
	}
	defer rows.Close()
	return collectExecLogs(rows, "op=execlog.list_by_task")
}

// ListSince returns every log record at or after the given instant.
func (r *ExecLogRepo) ListSince(ctx context.Context, since time.Time) ([]domain.ExecutionLog, error) {
	tracer := otel.Tracer("repo.execlogs")
	ctx, span := tracer.Start(ctx, "execlogs.ListSince")
	defer span.End()
	rows, err := q(ctx, r.Pool).Query(ctx,
		`SELECT `+execLogColumns+` FROM execution_logs WHERE ts >= $1 ORDER BY ts ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("op=execlog.list_since: %w", err)
	}
	defer rows.Close()
	return collectExecLogs(rows, "op=execlog.list_since")
}

func collectExecLogs(rows pgx.Rows, op string) ([]domain.ExecutionLog, error) {
	var out []domain.ExecutionLog
	for rows.Next() {
		var l domain.ExecutionLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.AgentID, &l.Timestamp, &l.Action,
			&l.ModelUsed, &l.InputTokens, &l.OutputTokens, &l.DurationMs); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
