package taskrouter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// Default model names per tier band.
const (
	ModelLocalSmall = "qwen-coder:16k"
	ModelLocalLarge = "qwen-coder:32k"
	ModelCloud      = "sonnet"
)

// CloudGate is the budget ledger's view used by routing decisions.
type CloudGate interface {
	IsCloudBlocked(ctx context.Context) bool
}

// Decision is the routing outcome for one task.
type Decision struct {
	Complexity int
	Source     domain.ComplexitySource
	Reasoning  string
	Tier       domain.ResourceTier
	Model      string
	UseCloud   bool
	AgentID    string
}

// Router scores tasks and picks tier, model and agent.
type Router struct {
	assessor      SemanticAssessor // nil disables the second opinion
	gate          CloudGate        // nil disables budget gating
	allowFallback bool
}

// NewRouter builds a router. Both collaborators may be nil. Fallback to
// local when the budget blocks cloud is on by default.
func NewRouter(assessor SemanticAssessor, gate CloudGate) *Router {
	return &Router{assessor: assessor, gate: gate, allowFallback: true}
}

// WithFallback controls whether budget-blocked cloud work degrades to the
// local tier instead of failing.
func (r *Router) WithFallback(allow bool) *Router {
	r.allowFallback = allow
	return r
}

// Route produces the full routing decision for a pending task against the
// candidate agent set. An empty AgentID means no agent is available and
// the task stays pending.
func (r *Router) Route(ctx context.Context, task domain.Task, agents []domain.Agent) (Decision, error) {
	d := r.assess(ctx, task)

	agent, found := SelectAgent(task, agents)
	var cfg domain.AgentConfig
	if found {
		d.AgentID = agent.ID
		cfg = agent.Config
	}

	tier, model, err := r.selectTier(ctx, d.Complexity, cfg)
	if err != nil {
		return Decision{}, err
	}
	d.Tier = tier
	d.Model = model
	d.UseCloud = tier == domain.ResourceCloud
	return d, nil
}

// assess applies the dual rule: the semantic score wins only when it
// disagrees with the heuristic by two or more.
func (r *Router) assess(ctx context.Context, task domain.Task) Decision {
	if task.ComplexitySource == domain.ComplexityFromManual && task.Complexity >= 1 && task.Complexity <= 10 {
		return Decision{Complexity: task.Complexity, Source: domain.ComplexityFromManual, Reasoning: "manual override"}
	}

	h := AssessComplexity(task.Description)
	if r.assessor == nil {
		return Decision{Complexity: h, Source: domain.ComplexityFromRouter, Reasoning: "assessment unavailable"}
	}
	sem, err := r.assessor.Assess(ctx, task.Description)
	if err != nil {
		slog.Warn("semantic assessment unavailable",
			slog.String("task_id", task.ID), slog.Any("error", err))
		return Decision{Complexity: h, Source: domain.ComplexityFromRouter, Reasoning: "assessment unavailable"}
	}
	diff := sem.Complexity - h
	if diff < 0 {
		diff = -diff
	}
	if diff >= 2 {
		return Decision{Complexity: sem.Complexity, Source: domain.ComplexityFromDual, Reasoning: sem.Reasoning}
	}
	return Decision{Complexity: h, Source: domain.ComplexityFromRouter, Reasoning: sem.Reasoning}
}

// tierOverrides maps an explicit per-agent preference to a concrete pair.
var tierOverrides = map[string]struct {
	tier  domain.ResourceTier
	model string
}{
	"local":        {domain.ResourceLocal, ModelLocalLarge},
	"remote_local": {domain.ResourceRemoteLocal, ModelLocalLarge},
	"grok":         {domain.ResourceCloud, "grok"},
	"haiku":        {domain.ResourceCloud, "haiku"},
	"sonnet":       {domain.ResourceCloud, "sonnet"},
	"opus":         {domain.ResourceCloud, "opus"},
}

// selectTier applies the default complexity bands, per-agent overrides
// and the budget gate. When cloud is blocked, local absorbs the work if
// the complexity allows; a hard cloud requirement fails with
// ErrBudgetExceeded.
func (r *Router) selectTier(ctx context.Context, complexity int, cfg domain.AgentConfig) (domain.ResourceTier, string, error) {
	pref := cfg.PreferredTier
	if pref != "" && pref != "auto" {
		if o, ok := tierOverrides[pref]; ok {
			if o.tier == domain.ResourceCloud && r.cloudBlocked(ctx) {
				return "", "", fmt.Errorf("%w: tier %s requested while daily cap crossed", domain.ErrBudgetExceeded, pref)
			}
			return o.tier, o.model, nil
		}
	}

	switch {
	case complexity < 7:
		return domain.ResourceLocal, ModelLocalSmall, nil
	case complexity < 10:
		return domain.ResourceLocal, ModelLocalLarge, nil
	default:
		if r.cloudBlocked(ctx) {
			if r.allowFallback {
				return domain.ResourceLocal, ModelLocalLarge, nil
			}
			return "", "", fmt.Errorf("%w: cloud tier required while daily cap crossed", domain.ErrBudgetExceeded)
		}
		return domain.ResourceCloud, ModelCloud, nil
	}
}

func (r *Router) cloudBlocked(ctx context.Context) bool {
	return r.gate != nil && r.gate.IsCloudBlocked(ctx)
}

// SelectAgent filters candidates by the task's required agent type,
// preferring idle agents, breaking ties by least inflight work and then
// oldest update. Returns false when every candidate is unavailable.
func SelectAgent(task domain.Task, agents []domain.Agent) (domain.Agent, bool) {
	var best domain.Agent
	found := false
	for _, a := range agents {
		if task.RequiredAgent != "" && a.Type != task.RequiredAgent {
			continue
		}
		if a.Status != domain.AgentIdle {
			continue
		}
		if !found {
			best, found = a, true
			continue
		}
		if a.Inflight < best.Inflight ||
			(a.Inflight == best.Inflight && a.UpdatedAt.Before(best.UpdatedAt)) {
			best = a
		}
	}
	return best, found
}
