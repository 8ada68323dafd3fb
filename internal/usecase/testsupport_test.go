package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// In-memory fakes shared by the usecase tests.

type memTasks struct {
	mu sync.Mutex
	m  map[string]domain.Task
}

func newMemTasks() *memTasks { return &memTasks{m: map[string]domain.Task{}} }

func (r *memTasks) Create(_ context.Context, t domain.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()
	r.m[t.ID] = t
	return t.ID, nil
}

func (r *memTasks) Get(_ context.Context, id string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.m[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
	}
	return t, nil
}

func (r *memTasks) Update(_ context.Context, t domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[t.ID]; !ok {
		return fmt.Errorf("op=task.update: %w", domain.ErrNotFound)
	}
	t.UpdatedAt = time.Now().UTC()
	r.m[t.ID] = t
	return nil
}

func (r *memTasks) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; !ok {
		return fmt.Errorf("op=task.delete: %w", domain.ErrNotFound)
	}
	delete(r.m, id)
	return nil
}

func (r *memTasks) List(_ context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.m {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ParentID != "" && (t.ParentTaskID == nil || *t.ParentTaskID != f.ParentID) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memTasks) ListPending(_ context.Context, limit int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.m {
		if t.Status == domain.TaskPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
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
	for _, t := range r.m {
		if t.Status.Active() && t.AssignedAt != nil && t.AssignedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(*out[j].AssignedAt) })
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
	mu sync.Mutex
	m  map[string]domain.Agent
}

func newMemAgents() *memAgents { return &memAgents{m: map[string]domain.Agent{}} }

func (r *memAgents) Create(_ context.Context, a domain.Agent) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = time.Now().UTC()
	r.m[a.ID] = a
	return a.ID, nil
}

func (r *memAgents) Get(_ context.Context, id string) (domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.m[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("op=agent.get: %w", domain.ErrNotFound)
	}
	return a, nil
}

func (r *memAgents) Update(_ context.Context, a domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[a.ID]; !ok {
		return fmt.Errorf("op=agent.update: %w", domain.ErrNotFound)
	}
	a.UpdatedAt = time.Now().UTC()
	r.m[a.ID] = a
	return nil
}

func (r *memAgents) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; !ok {
		return fmt.Errorf("op=agent.delete: %w", domain.ErrNotFound)
	}
	delete(r.m, id)
	return nil
}

func (r *memAgents) List(_ context.Context) ([]domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Agent
	for _, a := range r.m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memAgents) ListTypes(_ context.Context) ([]domain.AgentType, error) {
	return []domain.AgentType{{Name: "coder"}, {Name: "qa"}, {Name: "cto"}}, nil
}

type memLocks struct {
	mu sync.Mutex
	m  map[string]domain.FileLock
}

func newMemLocks() *memLocks { return &memLocks{m: map[string]domain.FileLock{}} }

func (r *memLocks) Acquire(_ context.Context, locks []domain.FileLock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range locks {
		if held, ok := r.m[l.FilePath]; ok && held.ExpiresAt.After(l.AcquiredAt) {
			return fmt.Errorf("op=lock.acquire path=%s: %w", l.FilePath, domain.ErrConflict)
		}
	}
	for _, l := range locks {
		r.m[l.FilePath] = l
	}
	return nil
}

func (r *memLocks) ReleaseByTask(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, l := range r.m {
		if l.TaskID == taskID {
			delete(r.m, p)
		}
	}
	return nil
}

func (r *memLocks) ListActive(_ context.Context, now time.Time) ([]domain.FileLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.FileLock
	for _, l := range r.m {
		if l.ExpiresAt.After(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

type memLogs struct {
	mu sync.Mutex
	l  []domain.ExecutionLog
}

func newMemLogs() *memLogs { return &memLogs{} }

func (r *memLogs) Append(_ context.Context, l domain.ExecutionLog) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	r.l = append(r.l, l)
	return l.ID, nil
}

func (r *memLogs) ListByTask(_ context.Context, taskID string) ([]domain.ExecutionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ExecutionLog
	for _, l := range r.l {
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
	for _, l := range r.l {
		if !l.Timestamp.Before(since) {
			out = append(out, l)
		}
	}
	return out, nil
}

type memBudget struct {
	mu    sync.Mutex
	state *domain.BudgetState
	days  map[string]float64
}

func newMemBudget() *memBudget { return &memBudget{days: map[string]float64{}} }

func (r *memBudget) Load(_ context.Context) (domain.BudgetState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return domain.BudgetState{}, fmt.Errorf("op=budget.load: %w", domain.ErrNotFound)
	}
	return *r.state, nil
}

func (r *memBudget) Save(_ context.Context, s domain.BudgetState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = &s
	return nil
}

func (r *memBudget) ArchiveDay(_ context.Context, d domain.BudgetDay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.days[d.Day] = d.SpentCents
	return nil
}

func (r *memBudget) History(_ context.Context, days int) ([]domain.BudgetDay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BudgetDay
	for d, c := range r.days {
		out = append(out, domain.BudgetDay{Day: d, SpentCents: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day > out[j].Day })
	if days > 0 && len(out) > days {
		out = out[:days]
	}
	return out, nil
}

type memMissions struct {
	mu sync.Mutex
	m  map[string]domain.Mission
}

func newMemMissions() *memMissions { return &memMissions{m: map[string]domain.Mission{}} }

func (r *memMissions) Create(_ context.Context, m domain.Mission) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	r.m[m.ID] = m
	return m.ID, nil
}

func (r *memMissions) Get(_ context.Context, id string) (domain.Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.m[id]
	if !ok {
		return domain.Mission{}, fmt.Errorf("op=mission.get: %w", domain.ErrNotFound)
	}
	return m, nil
}

func (r *memMissions) Update(_ context.Context, m domain.Mission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[m.ID]; !ok {
		return fmt.Errorf("op=mission.update: %w", domain.ErrNotFound)
	}
	r.m[m.ID] = m
	return nil
}

func (r *memMissions) List(_ context.Context, limit, offset int) ([]domain.Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Mission
	for _, m := range r.m {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memConversations struct {
	mu   sync.Mutex
	conv map[string]domain.Conversation
	msgs []domain.ChatMessage
}

func newMemConversations() *memConversations {
	return &memConversations{conv: map[string]domain.Conversation{}}
}

func (r *memConversations) CreateConversation(_ context.Context, c domain.Conversation) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	r.conv[c.ID] = c
	return c.ID, nil
}

func (r *memConversations) AppendMessage(_ context.Context, m domain.ChatMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	r.msgs = append(r.msgs, m)
	return m.ID, nil
}

func (r *memConversations) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ChatMessage
	for _, m := range r.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memReviews struct {
	mu sync.Mutex
	m  []domain.CodeReview
}

func newMemReviews() *memReviews { return &memReviews{} }

func (r *memReviews) Create(_ context.Context, rev domain.CodeReview) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rev.ID == "" {
		rev.ID = uuid.New().String()
	}
	r.m = append(r.m, rev)
	return rev.ID, nil
}

func (r *memReviews) GetByTask(_ context.Context, taskID string) (domain.CodeReview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.m) - 1; i >= 0; i-- {
		if r.m[i].TaskID == taskID {
			return r.m[i], nil
		}
	}
	return domain.CodeReview{}, fmt.Errorf("op=review.get_by_task: %w", domain.ErrNotFound)
}

// passTx runs the function without a real transaction.
type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// eventRec collects published events.
type eventRec struct {
	mu sync.Mutex
	ev []domain.Event
}

func (r *eventRec) Publish(e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev = append(r.ev, e)
}

func (r *eventRec) byType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.ev {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// runtimeStub scripts AgentRuntime behavior per task.
type runtimeStub struct {
	mu         sync.Mutex
	results    map[string]domain.ExecuteResult
	execErr    map[string]error
	defaultErr error
	executed   []string
	aborted    []string
	gates      map[string]chan struct{} // Execute blocks until the task's gate closes
	chatFn     func(req domain.ChatRequest, onChunk func(domain.ChatChunk) error) error
}

func newRuntimeStub() *runtimeStub {
	return &runtimeStub{
		results: map[string]domain.ExecuteResult{},
		execErr: map[string]error{},
		gates:   map[string]chan struct{}{},
	}
}

func (r *runtimeStub) Execute(_ context.Context, req domain.ExecuteRequest) (domain.ExecuteResult, error) {
	r.mu.Lock()
	r.executed = append(r.executed, req.TaskID)
	res, ok := r.results[req.TaskID]
	err := r.execErr[req.TaskID]
	if err == nil {
		err = r.defaultErr
	}
	gate := r.gates[req.TaskID]
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return domain.ExecuteResult{}, err
	}
	if !ok {
		res = domain.ExecuteResult{Success: true, ExecutionID: "ex-" + req.TaskID}
	}
	return res, nil
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

func (r *runtimeStub) ChatStream(_ context.Context, req domain.ChatRequest, onChunk func(domain.ChatChunk) error) error {
	if r.chatFn != nil {
		return r.chatFn(req, onChunk)
	}
	if err := onChunk(domain.ChatChunk{Chunk: "ok"}); err != nil {
		return err
	}
	return onChunk(domain.ChatChunk{Done: true})
}
