package observability

import (
	"context"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// RecordBusEvents consumes bus events and mirrors them into Prometheus
// until ctx ends or the channel closes. Run it in its own goroutine.
func RecordBusEvents(ctx context.Context, events <-chan domain.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			record(e)
		}
	}
}

func record(e domain.Event) {
	payload, _ := e.Payload.(map[string]any)
	switch e.Type {
	case domain.EventTaskCreated, domain.EventTaskUpdated:
		if s, ok := payload["status"].(string); ok {
			TaskTransitionsTotal.WithLabelValues(s).Inc()
		}
	case domain.EventAgentStatusChanged:
		if s, ok := payload["status"].(string); ok {
			AgentStatusChangesTotal.WithLabelValues(s).Inc()
		}
	case domain.EventResourceAcquired:
		if tier, ok := payload["tier"].(string); ok {
			ResourceSlotsActive.WithLabelValues(tier).Inc()
		}
	case domain.EventResourceReleased:
		if tier, ok := payload["tier"].(string); ok {
			ResourceSlotsActive.WithLabelValues(tier).Dec()
		}
	case domain.EventCostUpdated:
		switch cents := payload["charged_cents"].(type) {
		case float64:
			if cents > 0 {
				BudgetSpentCents.Add(cents)
			}
		}
	case domain.EventAlert:
		if kind, ok := payload["kind"].(string); ok {
			AlertsTotal.WithLabelValues(kind).Inc()
		}
	}
}
