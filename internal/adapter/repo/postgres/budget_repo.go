package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// BudgetRepo persists the budget singleton row and the per-day archive.
type BudgetRepo struct{ Pool PgxPool }

// NewBudgetRepo constructs a BudgetRepo with the given pool.
func NewBudgetRepo(p PgxPool) *BudgetRepo { return &BudgetRepo{Pool: p} }

// Load reads the singleton budget row. ErrNotFound when uninitialized.
func (r *BudgetRepo) Load(ctx context.Context) (domain.BudgetState, error) {
	tracer := otel.Tracer("repo.budget")
	ctx, span := tracer.Start(ctx, "budget.Load")
	defer span.End()
	row := q(ctx, r.Pool).QueryRow(ctx,
		`SELECT daily_spent_cents, all_time_spent_cents, day_start, daily_limit_cents,
		 warning_threshold, enabled FROM budget_state WHERE id=1`)
	var s domain.BudgetState
	if err := row.Scan(&s.DailySpentCents, &s.AllTimeSpentCents, &s.DayStart,
		&s.DailyLimitCents, &s.WarningThreshold, &s.Enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BudgetState{}, fmt.Errorf("op=budget.load: %w", domain.ErrNotFound)
		}
		return domain.BudgetState{}, fmt.Errorf("op=budget.load: %w", err)
	}
	return s, nil
}

// Save upserts the singleton budget row.
func (r *BudgetRepo) Save(ctx context.Context, s domain.BudgetState) error {
	tracer := otel.Tracer("repo.budget")
	ctx, span := tracer.Start(ctx, "budget.Save")
	defer span.End()
	query := `INSERT INTO budget_state
		(id, daily_spent_cents, all_time_spent_cents, day_start, daily_limit_cents, warning_threshold, enabled)
		VALUES (1,$1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
		daily_spent_cents=$1, all_time_spent_cents=$2, day_start=$3,
		daily_limit_cents=$4, warning_threshold=$5, enabled=$6`
	_, err := q(ctx, r.Pool).Exec(ctx, query, s.DailySpentCents, s.AllTimeSpentCents,
		s.DayStart, s.DailyLimitCents, s.WarningThreshold, s.Enabled)
	if err != nil {
		return fmt.Errorf("op=budget.save: %w", err)
	}
	return nil
}

// ArchiveDay upserts one day's spend into the history table.
func (r *BudgetRepo) ArchiveDay(ctx context.Context, d domain.BudgetDay) error {
	tracer := otel.Tracer("repo.budget")
	ctx, span := tracer.Start(ctx, "budget.ArchiveDay")
	defer span.End()
	_, err := q(ctx, r.Pool).Exec(ctx,
		`INSERT INTO budget_history (day, spent_cents) VALUES ($1,$2)
		 ON CONFLICT (day) DO UPDATE SET spent_cents=$2`, d.Day, d.SpentCents)
	if err != nil {
		return fmt.Errorf("op=budget.archive_day: %w", err)
	}
	return nil
}

// History returns the most recent archived days, newest first.
func (r *BudgetRepo) History(ctx context.Context, days int) ([]domain.BudgetDay, error) {
	tracer := otel.Tracer("repo.budget")
	ctx, span := tracer.Start(ctx, "budget.History")
	defer span.End()
	if days <= 0 {
		days = 30
	}
	rows, err := q(ctx, r.Pool).Query(ctx,
		`SELECT day, spent_cents FROM budget_history ORDER BY day DESC LIMIT $1`, days)
	if err != nil {
		return nil, fmt.Errorf("op=budget.history: %w", err)
	}
	defer rows.Close()
	var out []domain.BudgetDay
	for rows.Next() {
		var d domain.BudgetDay
		if err := rows.Scan(&d.Day, &d.SpentCents); err != nil {
			return nil, fmt.Errorf("op=budget.history: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=budget.history: %w", err)
	}
	return out, nil
}
