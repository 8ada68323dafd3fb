// Package ratelimit implements the per-tier sliding-window rate governor.
//
// Capacity is never owned until RecordUsage, so a waiter cancelled
// mid-sleep leaves no state behind.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

const windowSpan = 60 * time.Second

// Limits bounds one tier over any 60-second window.
type Limits struct {
	RPM       int
	InputTPM  int
	OutputTPM int
}

// DefaultLimits returns the shipped per-tier limits.
func DefaultLimits() map[domain.ModelTier]Limits {
	return map[domain.ModelTier]Limits{
		domain.TierHaiku:  {RPM: 50, InputTPM: 50_000, OutputTPM: 10_000},
		domain.TierSonnet: {RPM: 50, InputTPM: 30_000, OutputTPM: 8_000},
		domain.TierOpus:   {RPM: 50, InputTPM: 20_000, OutputTPM: 8_000},
		domain.TierGrok:   {RPM: 60, InputTPM: 60_000, OutputTPM: 16_000},
	}
}

type entry struct {
	ts  time.Time
	in  int
	out int
}

// Governor holds one sliding window and a last-call timestamp per tier.
type Governor struct {
	mu       sync.Mutex
	windows  map[domain.ModelTier][]entry
	lastCall map[domain.ModelTier]time.Time
	limits   map[domain.ModelTier]Limits
	buffer   float64
	minDelay time.Duration
	debug    bool
	now      func() time.Time
}

// Option tunes a Governor.
type Option func(*Governor)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithDebug enables per-wait debug logging.
func WithDebug(on bool) Option {
	return func(g *Governor) { g.debug = on }
}

// NewGovernor builds a governor. buffer defaults to 0.8 and minDelay to
// 500ms when zero.
func NewGovernor(limits map[domain.ModelTier]Limits, buffer float64, minDelay time.Duration, opts ...Option) *Governor {
	if buffer <= 0 {
		buffer = 0.8
	}
	if minDelay <= 0 {
		minDelay = 500 * time.Millisecond
	}
	g := &Governor{
		windows:  make(map[domain.ModelTier][]entry),
		lastCall: make(map[domain.ModelTier]time.Time),
		limits:   limits,
		buffer:   buffer,
		minDelay: minDelay,
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// TierForModel resolves the governed tier for a model name. Unknown
// models resolve to opus, the most restrictive tier.
func TierForModel(model string) domain.ModelTier {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "haiku"):
		return domain.TierHaiku
	case strings.Contains(m, "sonnet"):
		return domain.TierSonnet
	case strings.Contains(m, "opus"):
		return domain.TierOpus
	case strings.Contains(m, "grok"):
		return domain.TierGrok
	default:
		return domain.TierOpus
	}
}

// evictLocked drops entries older than the window span. Callers hold mu.
func (g *Governor) evictLocked(tier domain.ModelTier, now time.Time) {
	win := g.windows[tier]
	cut := 0
	for cut < len(win) && now.Sub(win[cut].ts) >= windowSpan {
		cut++
	}
	if cut > 0 {
		g.windows[tier] = append([]entry(nil), win[cut:]...)
	}
}

// requiredDelay computes how long the caller must wait before the
// estimated usage fits under every buffered threshold.
func (g *Governor) requiredDelay(tier domain.ModelTier, estIn, estOut int, now time.Time) time.Duration {
	lim, ok := g.limits[tier]
	if !ok {
		return 0
	}
	win := g.windows[tier]
	var maxDelay time.Duration

	// Requests axis: the (k)th oldest entry must age out so that the
	// projected count fits under the threshold.
	reqThreshold := int(float64(lim.RPM) * g.buffer)
	if over := len(win) + 1 - reqThreshold; over > 0 && over <= len(win) {
		d := win[over-1].ts.Add(windowSpan).Sub(now)
		if d > maxDelay {
			maxDelay = d
		}
	}

	// Token axes: walk oldest-first, subtracting entries until the
	// projected usage is under threshold; the delay is when the last
	// subtracted entry leaves the window.
	for _, axis := range []struct {
		limit int
		est   int
		tok   func(entry) int
	}{
		{lim.InputTPM, estIn, func(e entry) int { return e.in }},
		{lim.OutputTPM, estOut, func(e entry) int { return e.out }},
	} {
		threshold := float64(axis.limit) * g.buffer
		used := 0
		for _, e := range win {
			used += axis.tok(e)
		}
		projected := float64(used + axis.est)
		if projected <= threshold {
			continue
		}
		for _, e := range win {
			projected -= float64(axis.tok(e))
			d := e.ts.Add(windowSpan).Sub(now)
			if projected <= threshold {
				if d > maxDelay {
					maxDelay = d
				}
				break
			}
			if d > maxDelay {
				maxDelay = d
			}
		}
	}

	// Minimum inter-call spacing.
	if last, ok := g.lastCall[tier]; ok {
		if d := last.Add(g.minDelay).Sub(now); d > maxDelay {
			maxDelay = d
		}
	}
	return maxDelay
}

// WaitForCapacity blocks until the tier can absorb the estimated usage,
// returning how long it waited. It never errors except on ctx cancel.
func (g *Governor) WaitForCapacity(ctx context.Context, tier domain.ModelTier, estIn, estOut int) (time.Duration, error) {
	g.mu.Lock()
	now := g.now()
	g.evictLocked(tier, now)
	delay := g.requiredDelay(tier, estIn, estOut, now)
	g.mu.Unlock()

	if delay > 0 {
		if g.debug {
			slog.Debug("rate governor waiting",
				slog.String("tier", string(tier)),
				slog.Duration("delay", delay),
				slog.Int("est_in", estIn),
				slog.Int("est_out", estOut))
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return 0, err
		}
	}

	g.mu.Lock()
	g.lastCall[tier] = g.now()
	g.mu.Unlock()
	return delay, nil
}

// RecordUsage appends actual usage to the tier window at the current time.
func (g *Governor) RecordUsage(tier domain.ModelTier, in, out int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.evictLocked(tier, now)
	g.windows[tier] = append(g.windows[tier], entry{ts: now, in: in, out: out})
}

// Usage reports the current window totals for a tier.
func (g *Governor) Usage(tier domain.ModelTier) (requests, inputToks, outputToks int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked(tier, g.now())
	for _, e := range g.windows[tier] {
		requests++
		inputToks += e.in
		outputToks += e.out
	}
	return
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
