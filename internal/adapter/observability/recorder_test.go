package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/eventbus"
)

func TestRecordBusEvents(t *testing.T) {
	bus := eventbus.New()
	ch, cancel := bus.Subscribe(16)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RecordBusEvents(ctx, ch, cancel)
	}()

	before := testutil.ToFloat64(TaskTransitionsTotal.WithLabelValues("completed"))
	spentBefore := testutil.ToFloat64(BudgetSpentCents)
	slotsBefore := testutil.ToFloat64(ResourceSlotsActive.WithLabelValues("local"))

	bus.Publish(domain.NewEvent(domain.EventTaskUpdated, map[string]any{"task_id": "t-1", "status": "completed"}))
	bus.Publish(domain.NewEvent(domain.EventResourceAcquired, map[string]any{"task_id": "t-1", "tier": "local"}))
	bus.Publish(domain.NewEvent(domain.EventResourceReleased, map[string]any{"task_id": "t-1", "tier": "local"}))
	// Published last; once it lands every earlier event has been applied.
	bus.Publish(domain.NewEvent(domain.EventCostUpdated, map[string]any{"charged_cents": 12.5}))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(BudgetSpentCents) >= spentBefore+12.5
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, before+1, testutil.ToFloat64(TaskTransitionsTotal.WithLabelValues("completed")))
	require.Equal(t, slotsBefore, testutil.ToFloat64(ResourceSlotsActive.WithLabelValues("local")))

	stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
}

func TestRecord_IgnoresMalformedPayloads(t *testing.T) {
	before := testutil.ToFloat64(TaskTransitionsTotal.WithLabelValues("pending"))
	record(domain.Event{Type: domain.EventTaskUpdated, Payload: "not a map"})
	record(domain.Event{Type: domain.EventTaskUpdated, Payload: map[string]any{"status": 7}})
	require.Equal(t, before, testutil.ToFloat64(TaskTransitionsTotal.WithLabelValues("pending")))
}
