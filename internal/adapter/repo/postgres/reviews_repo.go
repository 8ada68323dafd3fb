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

// ReviewRepo persists code-review outcomes.
type ReviewRepo struct{ Pool PgxPool }

// NewReviewRepo constructs a ReviewRepo with the given pool.
func NewReviewRepo(p PgxPool) *ReviewRepo { return &ReviewRepo{Pool: p} }

// Create inserts a review and returns its id.
func (r *ReviewRepo) Create(ctx context.Context, rev domain.CodeReview) (string, error) {
	tracer := otel.Tracer("repo.reviews")
	ctx, span := tracer.Start(ctx, "reviews.Create")
	defer span.End()
	id := rev.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := q(ctx, r.Pool).Exec(ctx,
		`INSERT INTO code_reviews (id, task_id, score, summary, created_at) VALUES ($1,$2,$3,$4,$5)`,
		id, rev.TaskID, rev.Score, rev.Summary, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=review.create: %w", err)
	}
	return id, nil
}

// GetByTask loads the latest review for a task.
func (r *ReviewRepo) GetByTask(ctx context.Context, taskID string) (domain.CodeReview, error) {
	tracer := otel.Tracer("repo.reviews")
	ctx, span := tracer.Start(ctx, "reviews.GetByTask")
	defer span.End()
	row := q(ctx, r.Pool).QueryRow(ctx,
		`SELECT id, task_id, score, summary, created_at FROM code_reviews
		 WHERE task_id=$1 ORDER BY created_at DESC LIMIT 1`, taskID)
	var rev domain.CodeReview
	if err := row.Scan(&rev.ID, &rev.TaskID, &rev.Score, &rev.Summary, &rev.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CodeReview{}, fmt.Errorf("op=review.get_by_task: %w", domain.ErrNotFound)
		}
		return domain.CodeReview{}, fmt.Errorf("op=review.get_by_task: %w", err)
	}
	return rev, nil
}
