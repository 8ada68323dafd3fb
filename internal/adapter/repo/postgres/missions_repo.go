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

// MissionRepo persists missions.
type MissionRepo struct{ Pool PgxPool }

// NewMissionRepo constructs a MissionRepo with the given pool.
func NewMissionRepo(p PgxPool) *MissionRepo { return &MissionRepo{Pool: p} }

const missionColumns = `id, prompt, language, status, subtask_ids, total_cost_cents,
	completed_count, failed_count, review_score, conversation_id, created_at, updated_at`

// Create inserts a new mission and returns its id.
func (r *MissionRepo) Create(ctx context.Context, m domain.Mission) (string, error) {
	tracer := otel.Tracer("repo.missions")
	ctx, span := tracer.Start(ctx, "missions.Create")
	defer span.End()
	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	query := `INSERT INTO missions (` + missionColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := q(ctx, r.Pool).Exec(ctx, query, id, m.Prompt, m.Language, m.Status,
		m.SubtaskIDs, m.TotalCostCents, m.CompletedCount, m.FailedCount,
		m.ReviewScore, m.ConversationID, now, now)
	if err != nil {
		return "", fmt.Errorf("op=mission.create: %w", err)
	}
	return id, nil
}

// Get loads a mission by id.
func (r *MissionRepo) Get(ctx context.Context, id string) (domain.Mission, error) {
	tracer := otel.Tracer("repo.missions")
	ctx, span := tracer.Start(ctx, "missions.Get")
	defer span.End()
	row := q(ctx, r.Pool).QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=$1`, id)
	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Mission{}, fmt.Errorf("op=mission.get: %w", domain.ErrNotFound)
		}
		return domain.Mission{}, fmt.Errorf("op=mission.get: %w", err)
	}
	return m, nil
}

// Update rewrites the mutable fields of a mission.
func (r *MissionRepo) Update(ctx context.Context, m domain.Mission) error {
	tracer := otel.Tracer("repo.missions")
	ctx, span := tracer.Start(ctx, "missions.Update")
	defer span.End()
	query := `UPDATE missions SET status=$2, subtask_ids=$3, total_cost_cents=$4,
		completed_count=$5, failed_count=$6, review_score=$7, conversation_id=$8,
		updated_at=$9 WHERE id=$1`
	tag, err := q(ctx, r.Pool).Exec(ctx, query, m.ID, m.Status, m.SubtaskIDs,
		m.TotalCostCents, m.CompletedCount, m.FailedCount, m.ReviewScore,
		m.ConversationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=mission.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=mission.update: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns missions newest first.
func (r *MissionRepo) List(ctx context.Context, limit, offset int) ([]domain.Mission, error) {
	tracer := otel.Tracer("repo.missions")
	ctx, span := tracer.Start(ctx, "missions.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	rows, err := q(ctx, r.Pool).Query(ctx,
		`SELECT `+missionColumns+` FROM missions ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=mission.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("op=mission.list: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=mission.list: %w", err)
	}
	return out, nil
}

func scanMission(row pgx.Row) (domain.Mission, error) {
	var m domain.Mission
	err := row.Scan(&m.ID, &m.Prompt, &m.Language, &m.Status, &m.SubtaskIDs,
		&m.TotalCostCents, &m.CompletedCount, &m.FailedCount, &m.ReviewScore,
		&m.ConversationID, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}
