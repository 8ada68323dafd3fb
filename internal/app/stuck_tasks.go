package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/usecase"
)

const sweepPage = 100

// StuckTaskSweeper force-aborts tasks that have held an agent longer
// than the configured timeout. A task that died mid-execution otherwise
// pins its agent busy forever.
type StuckTaskSweeper struct {
	tasks    domain.TaskRepository
	queue    *usecase.QueueService
	maxAge   time.Duration
	interval time.Duration
}

// NewStuckTaskSweeper builds a sweeper. Returns nil when tasks or queue
// is missing so callers can skip Run unconditionally.
func NewStuckTaskSweeper(tasks domain.TaskRepository, queue *usecase.QueueService, maxAge, interval time.Duration) *StuckTaskSweeper {
	if tasks == nil || queue == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckTaskSweeper{tasks: tasks, queue: queue, maxAge: maxAge, interval: interval}
}

// Run sweeps on a ticker until ctx ends.
func (s *StuckTaskSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				slog.Warn("stuck task sweep failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Info("stuck tasks recovered", slog.Int("count", n))
			}
		}
	}
}

// Sweep aborts every active task older than the timeout and reports how
// many were recovered.
func (s *StuckTaskSweeper) Sweep(ctx context.Context) (int, error) {
	return s.recoverOlderThan(ctx, time.Now().UTC().Add(-s.maxAge))
}

// ForceRecoverAll aborts every currently active task regardless of age.
func (s *StuckTaskSweeper) ForceRecoverAll(ctx context.Context) (int, error) {
	return s.recoverOlderThan(ctx, time.Now().UTC())
}

func (s *StuckTaskSweeper) recoverOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tr := otel.Tracer("app.stuck_tasks")
	ctx, span := tr.Start(ctx, "stuck_tasks.sweep")
	defer span.End()

	recovered := 0
	// Aborted tasks leave the active set, so the next page starts at
	// offset zero again.
	for {
		batch, err := s.tasks.ListActiveOlderThan(ctx, cutoff, sweepPage, 0)
		if err != nil {
			return recovered, err
		}
		if len(batch) == 0 {
			break
		}
		progressed := false
		for _, t := range batch {
			if err := s.queue.AbortTask(ctx, t.ID); err != nil {
				slog.Warn("stuck task abort failed",
					slog.String("task_id", t.ID), slog.Any("error", err))
				continue
			}
			slog.Info("stuck task aborted",
				slog.String("task_id", t.ID),
				slog.String("status", string(t.Status)),
				slog.Duration("age", time.Since(valueOr(t.AssignedAt))))
			recovered++
			progressed = true
		}
		if !progressed {
			break // every abort failed, avoid spinning on the same page
		}
	}
	span.SetAttributes(attribute.Int("recovered", recovered))
	return recovered, nil
}

func valueOr(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
