package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/app"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/eventbus"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/filelock"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/resource"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/usecase"
)

type taskStore struct {
	mu  sync.Mutex
	seq int
	m   map[string]domain.Task
}

func (r *taskStore) Create(_ context.Context, t domain.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	t.ID = fmt.Sprintf("t-%d", r.seq)
	r.m[t.ID] = t
	return t.ID, nil
}

func (r *taskStore) Get(_ context.Context, id string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.m[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *taskStore) Update(_ context.Context, t domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t.ID] = t
	return nil
}

func (r *taskStore) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
	return nil
}

func (r *taskStore) List(_ context.Context, _ domain.TaskFilter) ([]domain.Task, error) {
	return nil, nil
}

func (r *taskStore) ListPending(_ context.Context, _ int) ([]domain.Task, error) { return nil, nil }

func (r *taskStore) ListActiveOlderThan(_ context.Context, cutoff time.Time, limit, _ int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.m {
		if t.Status.Active() && t.AssignedAt != nil && t.AssignedAt.Before(cutoff) {
			out = append(out, t)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type agentStore struct {
	mu sync.Mutex
	m  map[string]domain.Agent
}

func (r *agentStore) Create(_ context.Context, a domain.Agent) (string, error) { return a.ID, nil }

func (r *agentStore) Get(_ context.Context, id string) (domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.m[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return a, nil
}

func (r *agentStore) Update(_ context.Context, a domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[a.ID] = a
	return nil
}

func (r *agentStore) Delete(_ context.Context, _ string) error { return nil }

func (r *agentStore) List(_ context.Context) ([]domain.Agent, error) { return nil, nil }

func (r *agentStore) ListTypes(_ context.Context) ([]domain.AgentType, error) { return nil, nil }

type logStore struct{}

func (logStore) Append(_ context.Context, _ domain.ExecutionLog) (string, error) { return "l-1", nil }
func (logStore) ListByTask(_ context.Context, _ string) ([]domain.ExecutionLog, error) {
	return nil, nil
}
func (logStore) ListSince(_ context.Context, _ time.Time) ([]domain.ExecutionLog, error) {
	return nil, nil
}

type lockStore struct{}

func (lockStore) Acquire(_ context.Context, _ []domain.FileLock) error { return nil }

func (lockStore) ReleaseByTask(_ context.Context, _ string) error { return nil }

func (lockStore) ListActive(_ context.Context, _ time.Time) ([]domain.FileLock, error) {
	return nil, nil
}

type tx struct{}

func (tx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type rt struct {
	mu      sync.Mutex
	aborted []string
}

func (r *rt) Execute(_ context.Context, _ domain.ExecuteRequest) (domain.ExecuteResult, error) {
	return domain.ExecuteResult{Success: true}, nil
}

func (r *rt) Abort(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = append(r.aborted, taskID)
	return nil
}

func (r *rt) Health(_ context.Context) (domain.RuntimeHealth, error) {
	return domain.RuntimeHealth{Status: "ok"}, nil
}

func (r *rt) ChatStream(_ context.Context, _ domain.ChatRequest, onChunk func(domain.ChatChunk) error) error {
	return onChunk(domain.ChatChunk{Done: true})
}

func newSweeperFixture() (*taskStore, *agentStore, *usecase.QueueService) {
	tasks := &taskStore{m: map[string]domain.Task{}}
	agents := &agentStore{m: map[string]domain.Agent{}}
	bus := eventbus.New()
	q := usecase.NewQueueService(usecase.QueueConfig{RestShort: time.Millisecond, RestLong: time.Millisecond})
	q.Tasks = tasks
	q.Agents = agents
	q.Logs = logStore{}
	q.Locks = filelock.NewManager(lockStore{}, time.Minute)
	q.Pool = resource.NewPool(map[domain.ResourceTier]int{domain.ResourceLocal: 1}, bus)
	q.Runtime = &rt{}
	q.Events = bus
	q.Tx = tx{}
	return tasks, agents, q
}

func TestSweep_AbortsOnlyExpiredTasks(t *testing.T) {
	tasks, agents, q := newSweeperFixture()
	ctx := context.Background()

	agents.m["a-1"] = domain.Agent{ID: "a-1", Status: domain.AgentBusy, Inflight: 1}
	old := time.Now().UTC().Add(-time.Hour)
	fresh := time.Now().UTC()
	agentID := "a-1"
	stuckID, _ := tasks.Create(ctx, domain.Task{
		Description: "stuck", Status: domain.TaskInProgress,
		AssignedAgentID: &agentID, AssignedAt: &old, MaxIterations: 3,
	})
	liveID, _ := tasks.Create(ctx, domain.Task{
		Description: "live", Status: domain.TaskInProgress, AssignedAt: &fresh, MaxIterations: 3,
	})

	sw := app.NewStuckTaskSweeper(tasks, q, 10*time.Minute, time.Minute)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, _ := tasks.Get(ctx, stuckID)
	require.Equal(t, domain.TaskAborted, got.Status)
	live, _ := tasks.Get(ctx, liveID)
	require.Equal(t, domain.TaskInProgress, live.Status)

	// The stuck task's agent is released.
	a, err := agents.Get(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, domain.AgentIdle, a.Status)
}

func TestSweep_RecoversParkedTasks(t *testing.T) {
	tasks, agents, q := newSweeperFixture()
	ctx := context.Background()

	// A needs_human task keeps its agent bound; after the timeout the
	// sweeper aborts it like any other active task.
	agents.m["a-1"] = domain.Agent{ID: "a-1", Status: domain.AgentBusy, Inflight: 1}
	old := time.Now().UTC().Add(-time.Hour)
	agentID := "a-1"
	parkedID, _ := tasks.Create(ctx, domain.Task{
		Description: "parked", Status: domain.TaskNeedsHuman,
		AssignedAgentID: &agentID, AssignedAt: &old, MaxIterations: 3,
	})

	sw := app.NewStuckTaskSweeper(tasks, q, 10*time.Minute, time.Minute)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, _ := tasks.Get(ctx, parkedID)
	require.Equal(t, domain.TaskAborted, got.Status)
	a, _ := agents.Get(ctx, "a-1")
	require.Equal(t, domain.AgentIdle, a.Status)
}

func TestForceRecoverAll_IgnoresAge(t *testing.T) {
	tasks, _, q := newSweeperFixture()
	ctx := context.Background()

	fresh := time.Now().UTC().Add(-time.Second)
	id, _ := tasks.Create(ctx, domain.Task{
		Description: "young", Status: domain.TaskAssigned, AssignedAt: &fresh, MaxIterations: 3,
	})

	sw := app.NewStuckTaskSweeper(tasks, q, time.Hour, time.Minute)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = sw.ForceRecoverAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, _ := tasks.Get(ctx, id)
	require.Equal(t, domain.TaskAborted, got.Status)
}

func TestNewStuckTaskSweeper_NilDeps(t *testing.T) {
	require.Nil(t, app.NewStuckTaskSweeper(nil, nil, 0, 0))
}
