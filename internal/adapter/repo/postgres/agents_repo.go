package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// AgentRepo persists agents and the agent-type catalog.
type AgentRepo struct{ Pool PgxPool }

// NewAgentRepo constructs an AgentRepo with the given pool.
func NewAgentRepo(p PgxPool) *AgentRepo { return &AgentRepo{Pool: p} }

const agentColumns = `id, name, type, status, current_task_id, config, inflight, created_at, updated_at`

// Create inserts a new agent and returns its id.
func (r *AgentRepo) Create(ctx context.Context, a domain.Agent) (string, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return "", fmt.Errorf("op=agent.create: %w", err)
	}
	now := time.Now().UTC()
	query := `INSERT INTO agents (` + agentColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = q(ctx, r.Pool).Exec(ctx, query, id, a.Name, a.Type, a.Status, a.CurrentTaskID, cfg, a.Inflight, now, now)
	if err != nil {
		return "", fmt.Errorf("op=agent.create: %w", err)
	}
	return id, nil
}

// Get loads an agent by id.
func (r *AgentRepo) Get(ctx context.Context, id string) (domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Get")
	defer span.End()
	row := q(ctx, r.Pool).QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Agent{}, fmt.Errorf("op=agent.get: %w", domain.ErrNotFound)
		}
		return domain.Agent{}, fmt.Errorf("op=agent.get: %w", err)
	}
	return a, nil
}

// Update rewrites the mutable fields of an agent.
func (r *AgentRepo) Update(ctx context.Context, a domain.Agent) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Update")
	defer span.End()
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("op=agent.update: %w", err)
	}
	query := `UPDATE agents SET name=$2, type=$3, status=$4, current_task_id=$5,
		config=$6, inflight=$7, updated_at=$8 WHERE id=$1`
	tag, err := q(ctx, r.Pool).Exec(ctx, query, a.ID, a.Name, a.Type, a.Status,
		a.CurrentTaskID, cfg, a.Inflight, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=agent.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=agent.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes an agent.
func (r *AgentRepo) Delete(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Delete")
	defer span.End()
	tag, err := q(ctx, r.Pool).Exec(ctx, `DELETE FROM agents WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=agent.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=agent.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns every agent, stable by creation time.
func (r *AgentRepo) List(ctx context.Context) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.List")
	defer span.End()
	rows, err := q(ctx, r.Pool).Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=agent.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("op=agent.list: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=agent.list: %w", err)
	}
	return out, nil
}

// ListTypes returns the agent-type catalog.
func (r *AgentRepo) ListTypes(ctx context.Context) ([]domain.AgentType, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.ListTypes")
	defer span.End()
	rows, err := q(ctx, r.Pool).Query(ctx, `SELECT name, description FROM agent_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("op=agent.list_types: %w", err)
	}
	defer rows.Close()
	var out []domain.AgentType
	for rows.Next() {
		var t domain.AgentType
		if err := rows.Scan(&t.Name, &t.Description); err != nil {
			return nil, fmt.Errorf("op=agent.list_types: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=agent.list_types: %w", err)
	}
	return out, nil
}

func scanAgent(row pgx.Row) (domain.Agent, error) {
	var a domain.Agent
	var cfg []byte
	err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Status, &a.CurrentTaskID, &cfg,
		&a.Inflight, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Agent{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &a.Config); err != nil {
			return domain.Agent{}, err
		}
	}
	return a, nil
}
