// Package budget tracks per-tier spend and gates cloud-model usage.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// Status is the externally visible ledger snapshot.
type Status struct {
	DailySpentCents   float64   `json:"daily_spent_cents"`
	AllTimeSpentCents float64   `json:"all_time_spent_cents"`
	DailyLimitCents   float64   `json:"daily_limit_cents"`
	WarningThreshold  float64   `json:"warning_threshold"`
	Enabled           bool      `json:"enabled"`
	CloudBlocked      bool      `json:"cloud_blocked"`
	DayStart          time.Time `json:"day_start"`
}

// ConfigUpdate carries a partial configuration change; nil fields keep
// their current value.
type ConfigUpdate struct {
	DailyLimitCents  *float64 `json:"daily_limit_cents"`
	WarningThreshold *float64 `json:"warning_threshold"`
	Enabled          *bool    `json:"enabled"`
}

// Ledger owns the budget counters. Counters are cached in memory under a
// mutex and written through to the repository on every mutation.
type Ledger struct {
	mu     sync.Mutex
	repo   domain.BudgetRepository
	events domain.EventPublisher
	state  domain.BudgetState
	warned bool
	now    func() time.Time
}

// NewLedger loads persisted state or initializes it from the defaults.
func NewLedger(ctx context.Context, repo domain.BudgetRepository, events domain.EventPublisher, dailyLimitCents, warningThreshold float64, enabled bool) (*Ledger, error) {
	l := &Ledger{repo: repo, events: events, now: time.Now}
	st, err := repo.Load(ctx)
	switch {
	case err == nil:
		l.state = st
	case errors.Is(err, domain.ErrNotFound):
		l.state = domain.BudgetState{
			DayStart:         startOfDay(l.now()),
			DailyLimitCents:  dailyLimitCents,
			WarningThreshold: warningThreshold,
			Enabled:          enabled,
		}
		if err := repo.Save(ctx, l.state); err != nil {
			return nil, fmt.Errorf("op=budget.init: %w", err)
		}
	default:
		return nil, fmt.Errorf("op=budget.load: %w", err)
	}
	return l, nil
}

// WithClock overrides the time source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// rolloverLocked archives the previous day and resets the daily counter
// when local midnight has passed. Callers hold mu.
func (l *Ledger) rolloverLocked(ctx context.Context) {
	now := l.now()
	if now.Before(l.state.DayStart.AddDate(0, 0, 1)) {
		return
	}
	day := domain.BudgetDay{Day: l.state.DayStart.Format("2006-01-02"), SpentCents: l.state.DailySpentCents}
	if err := l.repo.ArchiveDay(ctx, day); err != nil {
		slog.Error("budget day archive failed", slog.String("day", day.Day), slog.Any("error", err))
	}
	l.state.DailySpentCents = 0
	l.state.DayStart = startOfDay(now)
	l.warned = false
}

// Charge adds cents to both counters and persists the state. Crossing the
// warning threshold raises an alert event once per day.
func (l *Ledger) Charge(ctx context.Context, cents float64, tier domain.ModelTier) error {
	l.mu.Lock()
	l.rolloverLocked(ctx)
	l.state.DailySpentCents += cents
	l.state.AllTimeSpentCents += cents
	st := l.state
	warn := false
	if !l.warned && st.Enabled && st.DailyLimitCents > 0 &&
		st.DailySpentCents >= st.DailyLimitCents*st.WarningThreshold {
		l.warned = true
		warn = true
	}
	err := l.repo.Save(ctx, st)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("op=budget.charge: %w", err)
	}

	if l.events != nil {
		l.events.Publish(domain.NewEvent(domain.EventCostUpdated, map[string]any{
			"tier":                 string(tier),
			"charged_cents":        cents,
			"daily_spent_cents":    st.DailySpentCents,
			"all_time_spent_cents": st.AllTimeSpentCents,
		}))
		if warn {
			l.events.Publish(domain.NewEvent(domain.EventAlert, map[string]any{
				"kind":              "budget_warning",
				"daily_spent_cents": st.DailySpentCents,
				"daily_limit_cents": st.DailyLimitCents,
			}))
		}
	}
	return nil
}

// IsCloudBlocked reports whether cloud tiers are gated by the daily cap.
func (l *Ledger) IsCloudBlocked(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(ctx)
	return l.state.Enabled && l.state.DailyLimitCents > 0 &&
		l.state.DailySpentCents >= l.state.DailyLimitCents
}

// GetStatus returns the current snapshot.
func (l *Ledger) GetStatus(ctx context.Context) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(ctx)
	st := l.state
	return Status{
		DailySpentCents:   st.DailySpentCents,
		AllTimeSpentCents: st.AllTimeSpentCents,
		DailyLimitCents:   st.DailyLimitCents,
		WarningThreshold:  st.WarningThreshold,
		Enabled:           st.Enabled,
		CloudBlocked: st.Enabled && st.DailyLimitCents > 0 &&
			st.DailySpentCents >= st.DailyLimitCents,
		DayStart: st.DayStart,
	}
}

// GetConfig returns the configurable part of the state.
func (l *Ledger) GetConfig() (dailyLimitCents, warningThreshold float64, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.DailyLimitCents, l.state.WarningThreshold, l.state.Enabled
}

// SetConfig applies a partial configuration update and persists it.
func (l *Ledger) SetConfig(ctx context.Context, u ConfigUpdate) error {
	l.mu.Lock()
	if u.DailyLimitCents != nil {
		if *u.DailyLimitCents < 0 {
			l.mu.Unlock()
			return fmt.Errorf("%w: daily limit must be >= 0", domain.ErrInvalidArgument)
		}
		l.state.DailyLimitCents = *u.DailyLimitCents
	}
	if u.WarningThreshold != nil {
		if *u.WarningThreshold < 0 || *u.WarningThreshold > 1 {
			l.mu.Unlock()
			return fmt.Errorf("%w: warning threshold must be in [0,1]", domain.ErrInvalidArgument)
		}
		l.state.WarningThreshold = *u.WarningThreshold
	}
	if u.Enabled != nil {
		l.state.Enabled = *u.Enabled
	}
	st := l.state
	l.mu.Unlock()
	if err := l.repo.Save(ctx, st); err != nil {
		return fmt.Errorf("op=budget.set_config: %w", err)
	}
	return nil
}

// ResetDaily archives the current day and zeroes the daily counter. The
// once-per-5-minutes cooldown is enforced at the HTTP boundary.
func (l *Ledger) ResetDaily(ctx context.Context) error {
	l.mu.Lock()
	day := domain.BudgetDay{Day: l.state.DayStart.Format("2006-01-02"), SpentCents: l.state.DailySpentCents}
	if err := l.repo.ArchiveDay(ctx, day); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("op=budget.reset_daily: %w", err)
	}
	l.state.DailySpentCents = 0
	l.state.DayStart = startOfDay(l.now())
	l.warned = false
	st := l.state
	l.mu.Unlock()
	if err := l.repo.Save(ctx, st); err != nil {
		return fmt.Errorf("op=budget.reset_daily: %w", err)
	}
	return nil
}

// GetHistory returns up to days of archived spend, newest first.
func (l *Ledger) GetHistory(ctx context.Context, days int) ([]domain.BudgetDay, error) {
	if days <= 0 {
		days = 7
	}
	return l.repo.History(ctx, days)
}
