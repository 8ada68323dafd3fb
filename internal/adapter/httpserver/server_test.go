package httpserver_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/adapter/httpserver"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/config"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/budget"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/costing"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/eventbus"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/filelock"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/ratelimit"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/resource"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/taskrouter"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/tokenest"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/validation"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/usecase"
)

type memTasks struct {
	mu    sync.Mutex
	seq   int
	order []string
	m     map[string]domain.Task
}

func newMemTasks() *memTasks { return &memTasks{m: map[string]domain.Task{}} }

func (r *memTasks) Create(_ context.Context, t domain.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("t-%d", r.seq)
	t.ID = id
	r.m[id] = t
	r.order = append(r.order, id)
	return id, nil
}

func (r *memTasks) Get(_ context.Context, id string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.m[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *memTasks) Update(_ context.Context, t domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[t.ID]; !ok {
		return domain.ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	r.m[t.ID] = t
	return nil
}

func (r *memTasks) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.m, id)
	return nil
}

func (r *memTasks) List(_ context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, id := range r.order {
		t, ok := r.m[id]
		if !ok {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ParentID != "" && (t.ParentTaskID == nil || *t.ParentTaskID != f.ParentID) {
			continue
		}
		out = append(out, t)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memTasks) ListPending(ctx context.Context, limit int) ([]domain.Task, error) {
	out, err := r.List(ctx, domain.TaskFilter{Status: domain.TaskPending})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memTasks) ListActiveOlderThan(_ context.Context, cutoff time.Time, limit, offset int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, id := range r.order {
		t := r.m[id]
		if !t.Status.Active() || t.AssignedAt == nil || !t.AssignedAt.Before(cutoff) {
			continue
		}
		out = append(out, t)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAgents struct {
	mu    sync.Mutex
	seq   int
	order []string
	m     map[string]domain.Agent
}

func newMemAgents() *memAgents { return &memAgents{m: map[string]domain.Agent{}} }

func (r *memAgents) Create(_ context.Context, a domain.Agent) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("a-%d", r.seq)
	a.ID = id
	r.m[id] = a
	r.order = append(r.order, id)
	return id, nil
}

func (r *memAgents) Get(_ context.Context, id string) (domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.m[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return a, nil
}

func (r *memAgents) Update(_ context.Context, a domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[a.ID]; !ok {
		return domain.ErrNotFound
	}
	a.UpdatedAt = time.Now().UTC()
	r.m[a.ID] = a
	return nil
}

func (r *memAgents) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.m, id)
	return nil
}

func (r *memAgents) List(_ context.Context) ([]domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Agent, 0, len(r.m))
	for _, id := range r.order {
		if a, ok := r.m[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memAgents) ListTypes(_ context.Context) ([]domain.AgentType, error) {
	return []domain.AgentType{
		{Name: "coder", Description: "writes and edits code"},
		{Name: "qa", Description: "reviews and validates output"},
		{Name: "cto", Description: "decomposes missions"},
	}, nil
}

type memLogs struct {
	mu   sync.Mutex
	seq  int
	logs []domain.ExecutionLog
}

func (r *memLogs) Append(_ context.Context, l domain.ExecutionLog) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	l.ID = fmt.Sprintf("l-%d", r.seq)
	r.logs = append(r.logs, l)
	return l.ID, nil
}

func (r *memLogs) ListByTask(_ context.Context, taskID string) ([]domain.ExecutionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ExecutionLog
	for _, l := range r.logs {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memLogs) ListSince(_ context.Context, since time.Time) ([]domain.ExecutionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ExecutionLog
	for _, l := range r.logs {
		if !l.Timestamp.Before(since) {
			out = append(out, l)
		}
	}
	return out, nil
}

type memBudget struct {
	mu    sync.Mutex
	saved bool
	state domain.BudgetState
	days  []domain.BudgetDay
}

func (r *memBudget) Load(_ context.Context) (domain.BudgetState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.saved {
		return domain.BudgetState{}, domain.ErrNotFound
	}
	return r.state, nil
}

func (r *memBudget) Save(_ context.Context, s domain.BudgetState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = true
	r.state = s
	return nil
}

func (r *memBudget) ArchiveDay(_ context.Context, d domain.BudgetDay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.days = append(r.days, d)
	return nil
}

func (r *memBudget) History(_ context.Context, days int) ([]domain.BudgetDay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.days
	if days > 0 && len(out) > days {
		out = out[len(out)-days:]
	}
	return out, nil
}

type memLocks struct {
	mu    sync.Mutex
	locks []domain.FileLock
}

func (r *memLocks) Acquire(_ context.Context, locks []domain.FileLock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, want := range locks {
		for _, held := range r.locks {
			if held.FilePath == want.FilePath && held.ExpiresAt.After(now) && held.TaskID != want.TaskID {
				return fmt.Errorf("%w: %s locked", domain.ErrConflict, held.FilePath)
			}
		}
	}
	r.locks = append(r.locks, locks...)
	return nil
}

func (r *memLocks) ReleaseByTask(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.locks[:0]
	for _, l := range r.locks {
		if l.TaskID != taskID {
			kept = append(kept, l)
		}
	}
	r.locks = kept
	return nil
}

func (r *memLocks) ListActive(_ context.Context, now time.Time) ([]domain.FileLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.FileLock
	for _, l := range r.locks {
		if l.ExpiresAt.After(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

type memConvs struct {
	mu   sync.Mutex
	seq  int
	msgs map[string][]domain.ChatMessage
}

func newMemConvs() *memConvs { return &memConvs{msgs: map[string][]domain.ChatMessage{}} }

func (r *memConvs) CreateConversation(_ context.Context, _ domain.Conversation) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("c-%d", r.seq)
	r.msgs[id] = nil
	return id, nil
}

func (r *memConvs) AppendMessage(_ context.Context, m domain.ChatMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.msgs[m.ConversationID]; !ok {
		return "", domain.ErrNotFound
	}
	r.seq++
	m.ID = fmt.Sprintf("m-%d", r.seq)
	r.msgs[m.ConversationID] = append(r.msgs[m.ConversationID], m)
	return m.ID, nil
}

func (r *memConvs) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs, ok := r.msgs[conversationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.ChatMessage(nil), msgs...), nil
}

type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type runtimeStub struct {
	mu      sync.Mutex
	aborted []string
	chunks  []string
}

func (r *runtimeStub) Execute(_ context.Context, _ domain.ExecuteRequest) (domain.ExecuteResult, error) {
	return domain.ExecuteResult{Success: true, Metrics: domain.ExecuteMetrics{TimeSpentMs: 5}}, nil
}

func (r *runtimeStub) Abort(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = append(r.aborted, taskID)
	return nil
}

func (r *runtimeStub) Health(_ context.Context) (domain.RuntimeHealth, error) {
	return domain.RuntimeHealth{Status: "ok", Local: true, Cloud: true}, nil
}

func (r *runtimeStub) ChatStream(_ context.Context, _ domain.ChatRequest, onChunk func(domain.ChatChunk) error) error {
	for _, c := range r.chunks {
		if err := onChunk(domain.ChatChunk{Chunk: c}); err != nil {
			return err
		}
	}
	return onChunk(domain.ChatChunk{Done: true})
}

type runnerStub struct{}

func (runnerStub) Run(_ context.Context, _ string) (string, error) { return "ok", nil }

// testEnv wires a Server over in-memory repositories.
type testEnv struct {
	srv     *httpserver.Server
	tasks   *memTasks
	agents  *memAgents
	logs    *memLogs
	bus     *eventbus.Bus
	ledger  *budget.Ledger
	runtime *runtimeStub
}

func newTestEnv() *testEnv {
	ctx := context.Background()
	tasks := newMemTasks()
	agents := newMemAgents()
	logs := &memLogs{}
	bus := eventbus.New()
	rt := &runtimeStub{chunks: []string{"ok"}}

	ledger, err := budget.NewLedger(ctx, &memBudget{}, bus, 1000, 0.8, true)
	if err != nil {
		panic(err)
	}
	locks := filelock.NewManager(&memLocks{}, time.Minute)
	pool := resource.NewPool(map[domain.ResourceTier]int{
		domain.ResourceLocal: 2, domain.ResourceCloud: 1, domain.ResourceRemoteLocal: 1,
	}, bus)
	pipe := validation.NewPipeline(runnerStub{}, bus, 3)

	queue := usecase.NewQueueService(usecase.QueueConfig{
		RestShort: time.Millisecond, RestLong: time.Millisecond,
	})
	queue.Tasks = tasks
	queue.Agents = agents
	queue.Logs = logs
	queue.Locks = locks
	queue.Pool = pool
	queue.Governor = ratelimit.NewGovernor(ratelimit.DefaultLimits(), 0.8, time.Millisecond)
	queue.Router = taskrouter.NewRouter(nil, ledger)
	queue.Ledger = ledger
	queue.Costs = costing.NewCalculator()
	queue.Tokens = tokenest.NewEstimator()
	queue.Validation = pipe
	queue.Runtime = rt
	queue.Events = bus
	queue.Tx = passTx{}

	srv := &httpserver.Server{
		Cfg:        config.Config{APIKey: "secret"},
		Queue:      queue,
		Agents:     &usecase.AgentService{Agents: agents, Tasks: tasks, Logs: logs, Queue: queue, Events: bus},
		Chat:       &usecase.ChatService{Conversations: newMemConvs(), Runtime: rt, Events: bus},
		Costs:      &usecase.CostMetricsService{Logs: logs, Tasks: tasks, Costs: costing.NewCalculator(), Ledger: ledger},
		Ledger:     ledger,
		Validation: pipe,
		Locks:      locks,
		Pool:       pool,
		Runtime:    rt,
		Bus:        bus,
	}
	return &testEnv{srv: srv, tasks: tasks, agents: agents, logs: logs, bus: bus, ledger: ledger, runtime: rt}
}
