package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// TaskRepo persists tasks.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, title, description, type, priority, required_agent, locked_files,
	max_iterations, current_iteration, complexity, complexity_source, status,
	assigned_agent_id, assigned_at, completed_at, time_spent_ms, result, error,
	parent_task_id, depends_on, validation_command, created_at, updated_at`

// Create inserts a new task and returns its id.
func (r *TaskRepo) Create(ctx context.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`
	_, err := q(ctx, r.Pool).Exec(ctx, query,
		id, t.Title, t.Description, t.Type, t.Priority, t.RequiredAgent, t.LockedFiles,
		t.MaxIterations, t.CurrentIteration, t.Complexity, t.ComplexitySource, t.Status,
		t.AssignedAgentID, t.AssignedAt, t.CompletedAt, t.TimeSpentMs, t.Result, t.Error,
		t.ParentTaskID, t.DependsOn, t.ValidationCommand, t.CreatedAt, now)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	row := q(ctx, r.Pool).QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// Update rewrites the mutable fields of a task.
func (r *TaskRepo) Update(ctx context.Context, t domain.Task) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Update")
	defer span.End()
	query := `UPDATE tasks SET title=$2, description=$3, type=$4, priority=$5,
		required_agent=$6, locked_files=$7, max_iterations=$8, current_iteration=$9,
		complexity=$10, complexity_source=$11, status=$12, assigned_agent_id=$13,
		assigned_at=$14, completed_at=$15, time_spent_ms=$16, result=$17, error=$18,
		parent_task_id=$19, depends_on=$20, validation_command=$21, updated_at=$22
		WHERE id=$1`
	tag, err := q(ctx, r.Pool).Exec(ctx, query,
		t.ID, t.Title, t.Description, t.Type, t.Priority,
		t.RequiredAgent, t.LockedFiles, t.MaxIterations, t.CurrentIteration,
		t.Complexity, t.ComplexitySource, t.Status, t.AssignedAgentID,
		t.AssignedAt, t.CompletedAt, t.TimeSpentMs, t.Result, t.Error,
		t.ParentTaskID, t.DependsOn, t.ValidationCommand, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a task.
func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Delete")
	defer span.End()
	tag, err := q(ctx, r.Pool).Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=task.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns tasks matching the filter, newest first.
func (r *TaskRepo) List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR parent_task_id = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := q(ctx, r.Pool).Query(ctx, query, string(f.Status), f.ParentID, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "op=task.list")
}

// ListPending returns pending tasks in assignment order.
func (r *TaskRepo) ListPending(ctx context.Context, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListPending")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC LIMIT $1`
	rows, err := q(ctx, r.Pool).Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_pending: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "op=task.list_pending")
}

// ListActiveOlderThan pages through active tasks, parked ones included,
// whose assignment precedes the cutoff, for the stuck-task sweeper.
func (r *TaskRepo) ListActiveOlderThan(ctx context.Context, cutoff time.Time, limit, offset int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListActiveOlderThan")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN ('assigned', 'in_progress', 'needs_human') AND assigned_at < $1
		ORDER BY assigned_at ASC LIMIT $2 OFFSET $3`
	rows, err := q(ctx, r.Pool).Query(ctx, query, cutoff, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_active_older: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "op=task.list_active_older")
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Type, &t.Priority,
		&t.RequiredAgent, &t.LockedFiles, &t.MaxIterations, &t.CurrentIteration,
		&t.Complexity, &t.ComplexitySource, &t.Status, &t.AssignedAgentID,
		&t.AssignedAt, &t.CompletedAt, &t.TimeSpentMs, &t.Result, &t.Error,
		&t.ParentTaskID, &t.DependsOn, &t.ValidationCommand, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func collectTasks(rows pgx.Rows, op string) ([]domain.Task, error) {
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
