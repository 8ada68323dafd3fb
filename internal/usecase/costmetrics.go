package usecase

import (
	"context"
	"sort"
	"time"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/budget"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/costing"
)

// CostMetricsService aggregates execution logs into spend reports.
type CostMetricsService struct {
	Logs   domain.ExecutionLogRepository
	Tasks  domain.TaskRepository
	Costs  *costing.Calculator
	Ledger *budget.Ledger
}

// CostSummary is the all-time rollup plus the live budget counters.
type CostSummary struct {
	TotalCents        float64                      `json:"total_cents"`
	ByModel           map[string]float64           `json:"by_model"`
	ByTier            map[domain.ModelTier]float64 `json:"by_tier"`
	InputTokens       int                          `json:"input_tokens"`
	OutputTokens      int                          `json:"output_tokens"`
	DailySpentCents   float64                      `json:"daily_spent_cents"`
	AllTimeSpentCents float64                      `json:"all_time_spent_cents"`
}

// Summary prices every log entry and overlays the ledger counters.
func (s *CostMetricsService) Summary(ctx context.Context) (CostSummary, error) {
	logs, err := s.Logs.ListSince(ctx, time.Time{})
	if err != nil {
		return CostSummary{}, err
	}
	agg := s.Costs.Aggregate(logs)
	out := CostSummary{
		TotalCents:   agg.TotalCents,
		ByModel:      agg.ByModel,
		ByTier:       agg.ByTier,
		InputTokens:  agg.InputToks,
		OutputTokens: agg.OutputToks,
	}
	if s.Ledger != nil {
		st := s.Ledger.GetStatus(ctx)
		out.DailySpentCents = st.DailySpentCents
		out.AllTimeSpentCents = st.AllTimeSpentCents
	}
	return out, nil
}

// AgentCost is one agent's share of the spend.
type AgentCost struct {
	AgentID      string  `json:"agent_id"`
	Cents        float64 `json:"cents"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// ByAgent buckets spend per agent, most expensive first.
func (s *CostMetricsService) ByAgent(ctx context.Context) ([]AgentCost, error) {
	logs, err := s.Logs.ListSince(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	buckets := map[string]*AgentCost{}
	for _, l := range logs {
		if l.AgentID == "" {
			continue
		}
		b, ok := buckets[l.AgentID]
		if !ok {
			b = &AgentCost{AgentID: l.AgentID}
			buckets[l.AgentID] = b
		}
		b.Cents += s.Costs.Cost(l)
		b.Calls++
		b.InputTokens += l.InputTokens
		b.OutputTokens += l.OutputTokens
	}
	out := make([]AgentCost, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cents != out[j].Cents {
			return out[i].Cents > out[j].Cents
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

// TaskTypeCost is one task type's share of the spend.
type TaskTypeCost struct {
	TaskType string  `json:"task_type"`
	Cents    float64 `json:"cents"`
	Tasks    int     `json:"tasks"`
}

// ByTaskType buckets spend per task type. Logs whose task is gone are
// bucketed under "unknown".
func (s *CostMetricsService) ByTaskType(ctx context.Context) ([]TaskTypeCost, error) {
	logs, err := s.Logs.ListSince(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	types := map[string]string{}
	cents := map[string]float64{}
	counted := map[string]bool{}
	tasks := map[string]int{}
	for _, l := range logs {
		kind, ok := types[l.TaskID]
		if !ok {
			kind = "unknown"
			if t, err := s.Tasks.Get(ctx, l.TaskID); err == nil {
				kind = string(t.Type)
			}
			types[l.TaskID] = kind
		}
		cents[kind] += s.Costs.Cost(l)
		if !counted[l.TaskID] {
			counted[l.TaskID] = true
			tasks[kind]++
		}
	}
	out := make([]TaskTypeCost, 0, len(cents))
	for kind, c := range cents {
		out = append(out, TaskTypeCost{TaskType: kind, Cents: c, Tasks: tasks[kind]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cents != out[j].Cents {
			return out[i].Cents > out[j].Cents
		}
		return out[i].TaskType < out[j].TaskType
	})
	return out, nil
}

// TimelinePoint is one hour bucket of spend.
type TimelinePoint struct {
	Hour  time.Time `json:"hour"`
	Cents float64   `json:"cents"`
	Calls int       `json:"calls"`
}

// Timeline buckets the last N hours of spend per hour, oldest first.
// Empty hours are included so charts render contiguous axes.
func (s *CostMetricsService) Timeline(ctx context.Context, hours int) ([]TimelinePoint, error) {
	if hours <= 0 {
		hours = 24
	}
	now := time.Now().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour).Truncate(time.Hour)
	logs, err := s.Logs.ListSince(ctx, since)
	if err != nil {
		return nil, err
	}
	buckets := map[time.Time]*TimelinePoint{}
	for h := since; !h.After(now); h = h.Add(time.Hour) {
		buckets[h] = &TimelinePoint{Hour: h}
	}
	for _, l := range logs {
		h := l.Timestamp.UTC().Truncate(time.Hour)
		b, ok := buckets[h]
		if !ok {
			continue
		}
		b.Cents += s.Costs.Cost(l)
		b.Calls++
	}
	out := make([]TimelinePoint, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}
