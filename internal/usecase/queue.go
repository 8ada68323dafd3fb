// Package usecase contains the application services: task queue
// lifecycle, mission orchestration, agent management, chat and cost
// reporting. Services hold ports from internal/domain and are wired in
// cmd/server.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/budget"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/costing"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/filelock"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/ratelimit"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/resource"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/taskrouter"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/tokenest"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/validation"
)

// QueueConfig tunes the queue lifecycle engine.
type QueueConfig struct {
	RestShort      time.Duration // local-tier cooling, default 3s
	RestLong       time.Duration // every Nth task, default 8s
	CoolEvery      int           // long rest cadence, default 5
	AssignBatch    int           // pending candidates per Assign sweep
	AutoCodeReview bool
}

func (c *QueueConfig) defaults() {
	if c.RestShort <= 0 {
		c.RestShort = 3 * time.Second
	}
	if c.RestLong <= 0 {
		c.RestLong = 8 * time.Second
	}
	if c.CoolEvery <= 0 {
		c.CoolEvery = 5
	}
	if c.AssignBatch <= 0 {
		c.AssignBatch = 50
	}
}

// QueueService owns the task lifecycle state machine. Every transition
// runs in one store transaction; events publish after commit.
type QueueService struct {
	Tasks      domain.TaskRepository
	Agents     domain.AgentRepository
	Logs       domain.ExecutionLogRepository
	Locks      *filelock.Manager
	Pool       *resource.Pool
	Governor   *ratelimit.Governor
	Router     *taskrouter.Router
	Ledger     *budget.Ledger
	Costs      *costing.Calculator
	Tokens     *tokenest.Estimator
	Validation *validation.Pipeline
	Runtime    domain.AgentRuntime
	Events     domain.EventPublisher
	Tx         domain.TxRunner
	Reviews    domain.CodeReviewRepository // optional, persists review outcomes

	cfg QueueConfig

	mu         sync.Mutex
	dispatched map[string]struct{} // fast-path duplicate-dispatch rejection
	coolCount  map[string]int      // completed local tasks per agent
	wg         sync.WaitGroup
	sleep      func(ctx context.Context, d time.Duration) // test seam
}

// NewQueueService constructs the queue with defaults applied.
func NewQueueService(cfg QueueConfig) *QueueService {
	cfg.defaults()
	return &QueueService{
		cfg:        cfg,
		dispatched: make(map[string]struct{}),
		coolCount:  make(map[string]int),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// CreateTask validates, scores and persists a new pending task.
func (s *QueueService) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if strings.TrimSpace(t.Description) == "" {
		return domain.Task{}, fmt.Errorf("%w: description required", domain.ErrInvalidArgument)
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.Priority < 1 || t.Priority > 10 {
		return domain.Task{}, fmt.Errorf("%w: priority out of range", domain.ErrInvalidArgument)
	}
	if t.MaxIterations <= 0 {
		t.MaxIterations = 3
	}
	if t.Type == "" {
		t.Type = domain.TaskTypeCode
	}
	t.Status = domain.TaskPending
	t.AssignedAgentID = nil
	t.AssignedAt = nil
	t.CreatedAt = time.Now().UTC()

	if t.ComplexitySource != domain.ComplexityFromManual {
		d, err := s.Router.Route(ctx, t, nil)
		if err == nil {
			t.Complexity = d.Complexity
			t.ComplexitySource = d.Source
		}
	}

	id, err := s.Tasks.Create(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	t.ID = id
	s.publish(domain.EventTaskCreated, map[string]any{"task_id": id, "status": string(t.Status)})
	return t, nil
}

// GetTask loads one task.
func (s *QueueService) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.Tasks.Get(ctx, id)
}

// ListTasks lists tasks by filter.
func (s *QueueService) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	return s.Tasks.List(ctx, f)
}

// UpdateTask rewrites editable fields of a non-active task.
func (s *QueueService) UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	cur, err := s.Tasks.Get(ctx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if cur.Status.Active() {
		return domain.Task{}, fmt.Errorf("%w: task is active", domain.ErrConflict)
	}
	cur.Title = t.Title
	cur.Description = t.Description
	if t.Priority != 0 {
		cur.Priority = t.Priority
	}
	if t.MaxIterations != 0 {
		cur.MaxIterations = t.MaxIterations
	}
	cur.RequiredAgent = t.RequiredAgent
	cur.LockedFiles = t.LockedFiles
	cur.ValidationCommand = t.ValidationCommand
	if t.Complexity != 0 {
		cur.Complexity = t.Complexity
		cur.ComplexitySource = domain.ComplexityFromManual
	}
	if err := s.Tasks.Update(ctx, cur); err != nil {
		return domain.Task{}, err
	}
	s.publish(domain.EventTaskUpdated, map[string]any{"task_id": cur.ID, "status": string(cur.Status)})
	return cur, nil
}

// DeleteTask removes a non-active task.
func (s *QueueService) DeleteTask(ctx context.Context, id string) error {
	cur, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.Active() {
		return fmt.Errorf("%w: abort the task first", domain.ErrConflict)
	}
	if err := s.Tasks.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(domain.EventTaskDeleted, map[string]any{"task_id": id})
	return nil
}

// Assignment reports one task-to-agent binding made by Assign.
type Assignment struct {
	TaskID     string              `json:"task_id"`
	AgentID    string              `json:"agent_id"`
	Tier       domain.ResourceTier `json:"tier"`
	Model      string              `json:"model"`
	Complexity int                 `json:"complexity"`
}

// Assign binds pending tasks to idle agents in priority DESC, createdAt
// ASC order and starts their execution. With taskID set only that task
// is considered; with agentID set the router's agent choice is
// overridden. Candidates with file-lock conflicts or no free compute
// slot are skipped, not failed; an explicit taskID surfaces the
// admission error instead.
func (s *QueueService) Assign(ctx context.Context, taskID, agentID string) ([]Assignment, error) {
	var candidates []domain.Task
	if taskID != "" {
		t, err := s.Tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status != domain.TaskPending {
			return nil, fmt.Errorf("%w: task is %s", domain.ErrInvalidTransition, t.Status)
		}
		candidates = []domain.Task{t}
	} else {
		var err error
		candidates, err = s.Tasks.ListPending(ctx, s.cfg.AssignBatch)
		if err != nil {
			return nil, err
		}
	}

	agents, err := s.Agents.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []Assignment
	taken := map[string]bool{}
	for _, t := range candidates {
		decision, err := s.Router.Route(ctx, t, agents)
		if err != nil {
			slog.Debug("routing skipped task", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		chosen := decision.AgentID
		if agentID != "" {
			chosen = agentID
		}
		if chosen == "" || taken[chosen] {
			continue // no idle agent for this candidate
		}
		if conflict, cerr := s.Locks.HasConflict(ctx, t.ID, t.LockedFiles); cerr != nil || conflict {
			continue // lock conflict skips, next sweep retries
		}

		a, err := s.Agents.Get(ctx, chosen)
		if err != nil {
			continue
		}
		if a.Status != domain.AgentIdle {
			continue
		}

		if err := s.bindTask(ctx, &t, &a, decision.Tier); err != nil {
			if taskID != "" {
				return nil, err
			}
			slog.Warn("assignment failed", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		taken[chosen] = true
		for i := range agents {
			if agents[i].ID == chosen {
				agents[i].Status = domain.AgentBusy
			}
		}
		out = append(out, Assignment{
			TaskID: t.ID, AgentID: a.ID, Tier: decision.Tier,
			Model: decision.Model, Complexity: decision.Complexity,
		})
		s.startDispatch(ctx, t, a, decision)
	}
	return out, nil
}

// bindTask admits the task and moves pending → assigned, agent idle →
// busy atomically. The compute slot is claimed first, then the file
// locks; either failing unwinds what was already taken, so a task is
// never assigned without both.
func (s *QueueService) bindTask(ctx context.Context, t *domain.Task, a *domain.Agent, tier domain.ResourceTier) error {
	if !s.Pool.Acquire(tier, t.ID) {
		return fmt.Errorf("%w: no free %s slot", domain.ErrAdmissionDenied, tier)
	}
	if len(t.LockedFiles) > 0 {
		if err := s.Locks.Acquire(ctx, t.ID, a.ID, t.LockedFiles); err != nil {
			s.Pool.Release(t.ID)
			return err
		}
	}
	now := time.Now().UTC()
	err := s.Tx.InTx(ctx, func(ctx context.Context) error {
		t.Status = domain.TaskAssigned
		t.AssignedAgentID = &a.ID
		t.AssignedAt = &now
		if err := s.Tasks.Update(ctx, *t); err != nil {
			return err
		}
		a.Status = domain.AgentBusy
		a.CurrentTaskID = &t.ID
		a.Inflight++
		return s.Agents.Update(ctx, *a)
	})
	if err != nil {
		_ = s.Locks.ReleaseByTask(ctx, t.ID)
		s.Pool.Release(t.ID)
		return err
	}
	s.publish(domain.EventTaskUpdated, map[string]any{"task_id": t.ID, "status": string(t.Status), "agent_id": a.ID})
	s.publish(domain.EventAgentStatusChanged, map[string]any{"agent_id": a.ID, "status": string(a.Status)})
	return nil
}

// startDispatch runs the execution flow in the background. The worker
// absorbs its own failures; nothing bubbles out.
func (s *QueueService) startDispatch(ctx context.Context, t domain.Task, a domain.Agent, d taskrouter.Decision) {
	s.mu.Lock()
	if _, dup := s.dispatched[t.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.dispatched[t.ID] = struct{}{}
	s.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.dispatched, t.ID)
			s.mu.Unlock()
		}()
		s.dispatch(bg, t, a, d)
	}()
}

func (s *QueueService) dispatch(ctx context.Context, t domain.Task, a domain.Agent, d taskrouter.Decision) {
	// The slot was claimed at bind time; this release is a backstop for
	// paths that did not free it themselves.
	defer s.Pool.Release(t.ID)

	if d.UseCloud {
		estIn, estOut := s.Tokens.EstimateDispatch(t.Description, "", d.Model)
		tier := ratelimit.TierForModel(d.Model)
		waited, err := s.Governor.WaitForCapacity(ctx, tier, estIn, estOut)
		if err != nil {
			s.failTask(ctx, t.ID, fmt.Sprintf("rate capacity wait: %v", err))
			return
		}
		if waited > 0 {
			slog.Info("rate window wait", slog.String("task_id", t.ID), slog.Int64("waited_ms", waited.Milliseconds()))
		}
	}

	if err := s.HandleTaskStart(ctx, t.ID); err != nil {
		s.failTask(ctx, t.ID, fmt.Sprintf("start transition: %v", err))
		return
	}

	start := time.Now()
	res, err := s.Runtime.Execute(ctx, domain.ExecuteRequest{
		TaskID:          t.ID,
		AgentID:         a.ID,
		TaskDescription: t.Description,
		UseCloud:        d.UseCloud,
		Model:           d.Model,
		AllowFallback:   true,
	})
	elapsed := time.Since(start)

	if d.UseCloud && (res.Metrics.InputTokens > 0 || res.Metrics.OutputTokens > 0) {
		s.Governor.RecordUsage(ratelimit.TierForModel(d.Model), res.Metrics.InputTokens, res.Metrics.OutputTokens)
	}

	logEntry := domain.ExecutionLog{
		TaskID:       t.ID,
		AgentID:      a.ID,
		Timestamp:    time.Now().UTC(),
		Action:       "execute",
		ModelUsed:    d.Model,
		InputTokens:  res.Metrics.InputTokens,
		OutputTokens: res.Metrics.OutputTokens,
		DurationMs:   elapsed.Milliseconds(),
	}
	if _, lerr := s.Logs.Append(ctx, logEntry); lerr != nil {
		slog.Warn("execution log append failed", slog.String("task_id", t.ID), slog.Any("error", lerr))
	}
	if cents := s.Costs.Cost(logEntry); cents > 0 {
		if cerr := s.Ledger.Charge(ctx, cents, costing.TierFor(d.Model)); cerr != nil {
			slog.Warn("budget charge failed", slog.String("task_id", t.ID), slog.Any("error", cerr))
		}
		s.publish(domain.EventCostUpdated, map[string]any{"task_id": t.ID, "cents": cents})
	}

	switch {
	case err != nil:
		s.failTask(ctx, t.ID, err.Error())
	case !res.Success:
		reason := res.Error
		if reason == "" {
			reason = "execution reported failure"
		}
		s.failTask(ctx, t.ID, reason)
	default:
		if cerr := s.HandleTaskCompletion(ctx, t.ID, res.Output, res.Metrics); cerr != nil {
			slog.Error("completion transition failed", slog.String("task_id", t.ID), slog.Any("error", cerr))
		}
	}
}

func (s *QueueService) failTask(ctx context.Context, taskID, reason string) {
	if err := s.HandleTaskFailure(ctx, taskID, reason); err != nil {
		slog.Error("failure transition failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// HandleTaskStart moves assigned → in_progress.
func (s *QueueService) HandleTaskStart(ctx context.Context, taskID string) error {
	t, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskAssigned {
		return fmt.Errorf("%w: %s -> in_progress", domain.ErrInvalidTransition, t.Status)
	}
	t.Status = domain.TaskInProgress
	if err := s.Tasks.Update(ctx, t); err != nil {
		return err
	}
	s.publish(domain.EventExecutionStep, map[string]any{"task_id": taskID, "step": "started"})
	s.publish(domain.EventTaskUpdated, map[string]any{"task_id": taskID, "status": string(t.Status)})
	return nil
}

// HandleTaskCompletion moves an active task to completed and frees its
// locks. A coder agent whose task held the local slot rests before
// idling; everyone else idles immediately.
func (s *QueueService) HandleTaskCompletion(ctx context.Context, taskID string, output json.RawMessage, m domain.ExecuteMetrics) error {
	var agentID, agentType string
	tier, held := s.Pool.TierOf(taskID)
	now := time.Now().UTC()
	err := s.Tx.InTx(ctx, func(ctx context.Context) error {
		t, err := s.Tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return nil // idempotent
		}
		if !t.Status.Active() {
			return fmt.Errorf("%w: %s -> completed", domain.ErrInvalidTransition, t.Status)
		}
		if t.AssignedAgentID != nil {
			agentID = *t.AssignedAgentID
		}
		t.Status = domain.TaskCompleted
		t.CompletedAt = &now
		t.Result = output
		t.Error = ""
		t.TimeSpentMs += m.TimeSpentMs
		t.CurrentIteration++
		assigned := t.AssignedAgentID
		t.AssignedAgentID = nil
		if err := s.Tasks.Update(ctx, t); err != nil {
			return err
		}
		if assigned != nil {
			a, err := s.Agents.Get(ctx, *assigned)
			if err != nil {
				return err
			}
			agentType = a.Type
			a.CurrentTaskID = nil
			if a.Inflight > 0 {
				a.Inflight--
			}
			// Status flips to idle only after any cooling rest.
			return s.Agents.Update(ctx, a)
		}
		return nil
	})
	if err != nil {
		return err
	}

	_ = s.Locks.ReleaseByTask(ctx, taskID)
	s.publish(domain.EventTaskUpdated, map[string]any{"task_id": taskID, "status": string(domain.TaskCompleted)})

	t, terr := s.Tasks.Get(ctx, taskID)
	if terr == nil {
		if s.Validation != nil && t.ValidationCommand != "" {
			s.Validation.Submit(ctx, taskID, t.ValidationCommand)
		}
		if s.cfg.AutoCodeReview && t.Type != domain.TaskTypeReview {
			s.enqueueReview(ctx, t)
		}
		if t.Type == domain.TaskTypeReview {
			s.recordReview(ctx, t)
		}
	}

	if agentID != "" {
		if held && tier == domain.ResourceLocal && agentType == "coder" {
			s.coolThenIdle(ctx, agentID)
		} else {
			s.idleUnbound(ctx, agentID)
		}
	}
	return nil
}

// enqueueReview creates a follow-up review task for a completed one.
func (s *QueueService) enqueueReview(ctx context.Context, t domain.Task) {
	review := domain.Task{
		Title:         "review: " + t.Title,
		Description:   fmt.Sprintf("Review the output of task %s:\n%s", t.ID, t.Description),
		Type:          domain.TaskTypeReview,
		Priority:      3,
		RequiredAgent: "qa",
		MaxIterations: 1,
		ParentTaskID:  &t.ID,
	}
	if _, err := s.CreateTask(ctx, review); err != nil {
		slog.Warn("review enqueue failed", slog.String("task_id", t.ID), slog.Any("error", err))
	}
}

// recordReview persists the outcome of a finished review task against
// the task it reviewed. The reviewer is expected to emit JSON with a
// score and summary; anything else is stored verbatim with score zero.
func (s *QueueService) recordReview(ctx context.Context, t domain.Task) {
	if s.Reviews == nil || t.ParentTaskID == nil {
		return
	}
	rev := domain.CodeReview{TaskID: *t.ParentTaskID, Summary: string(t.Result)}
	var parsed struct {
		Score   float64 `json:"score"`
		Summary string  `json:"summary"`
	}
	if err := json.Unmarshal(t.Result, &parsed); err == nil && parsed.Summary != "" {
		rev.Score = parsed.Score
		rev.Summary = parsed.Summary
	}
	if _, err := s.Reviews.Create(ctx, rev); err != nil {
		slog.Warn("review persist failed", slog.String("task_id", t.ID), slog.Any("error", err))
	}
}

// ReviewForTask returns the stored review outcome for a task.
func (s *QueueService) ReviewForTask(ctx context.Context, taskID string) (domain.CodeReview, error) {
	if s.Reviews == nil {
		return domain.CodeReview{}, fmt.Errorf("op=queue.review_for_task: %w", domain.ErrNotFound)
	}
	return s.Reviews.GetByTask(ctx, taskID)
}

// coolThenIdle rests a worker before marking it idle. Every CoolEvery-th
// cooled task gets the long rest. Only local-tier coder work cools; the
// caller applies that gate.
func (s *QueueService) coolThenIdle(ctx context.Context, agentID string) {
	s.mu.Lock()
	s.coolCount[agentID]++
	n := s.coolCount[agentID]
	s.mu.Unlock()

	rest := s.cfg.RestShort
	if n%s.cfg.CoolEvery == 0 {
		rest = s.cfg.RestLong
	}
	s.publish(domain.EventAgentCoolingDown, map[string]any{"agent_id": agentID, "rest_ms": rest.Milliseconds()})
	s.sleep(ctx, rest)
	s.idleUnbound(ctx, agentID)
}

// idleUnbound flips a busy agent with no bound task back to idle.
func (s *QueueService) idleUnbound(ctx context.Context, agentID string) {
	a, err := s.Agents.Get(ctx, agentID)
	if err != nil {
		return
	}
	if a.Status == domain.AgentBusy && a.CurrentTaskID == nil {
		a.Status = domain.AgentIdle
		if err := s.Agents.Update(ctx, a); err == nil {
			s.publish(domain.EventAgentStatusChanged, map[string]any{"agent_id": agentID, "status": string(domain.AgentIdle)})
		}
	}
}

// HandleTaskFailure retries an active task while iterations remain,
// otherwise fails it terminally. A reason prefixed "needs_human:" parks
// the task for operator input instead, keeping its agent bound. Failed
// local-tier coder work cools the agent the same way completion does.
func (s *QueueService) HandleTaskFailure(ctx context.Context, taskID, reason string) error {
	if strings.HasPrefix(reason, "needs_human:") {
		return s.parkForHuman(ctx, taskID, strings.TrimPrefix(reason, "needs_human:"))
	}
	var agentID string
	var cool bool
	tier, held := s.Pool.TierOf(taskID)
	var status domain.TaskStatus
	now := time.Now().UTC()
	err := s.Tx.InTx(ctx, func(ctx context.Context) error {
		t, err := s.Tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			status = t.Status
			return nil // idempotent
		}
		if !t.Status.Active() {
			return fmt.Errorf("%w: %s -> failed", domain.ErrInvalidTransition, t.Status)
		}
		if t.AssignedAgentID != nil {
			agentID = *t.AssignedAgentID
		}
		t.CurrentIteration++
		t.Error = reason
		t.AssignedAgentID = nil
		t.AssignedAt = nil
		if t.CurrentIteration < t.MaxIterations {
			t.Status = domain.TaskPending
		} else {
			t.Status = domain.TaskFailed
			t.CompletedAt = &now
		}
		status = t.Status
		if err := s.Tasks.Update(ctx, t); err != nil {
			return err
		}
		if agentID != "" {
			a, err := s.Agents.Get(ctx, agentID)
			if err != nil {
				return err
			}
			cool = held && tier == domain.ResourceLocal && a.Type == "coder"
			a.CurrentTaskID = nil
			if a.Inflight > 0 {
				a.Inflight--
			}
			if !cool {
				a.Status = domain.AgentIdle
			}
			return s.Agents.Update(ctx, a)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = s.Locks.ReleaseByTask(ctx, taskID)
	s.Pool.Release(taskID)
	s.publish(domain.EventTaskUpdated, map[string]any{"task_id": taskID, "status": string(status), "error": reason})
	if agentID != "" {
		if cool {
			s.coolThenIdle(ctx, agentID)
		} else {
			s.publish(domain.EventAgentStatusChanged, map[string]any{"agent_id": agentID, "status": string(domain.AgentIdle)})
		}
	}
	return nil
}

// parkForHuman moves an active task to needs_human. The agent stays
// bound; only the compute slot is released.
func (s *QueueService) parkForHuman(ctx context.Context, taskID, question string) error {
	t, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status == domain.TaskNeedsHuman {
		return nil
	}
	if !t.Status.Active() {
		return fmt.Errorf("%w: %s -> needs_human", domain.ErrInvalidTransition, t.Status)
	}
	t.Status = domain.TaskNeedsHuman
	t.Error = strings.TrimSpace(question)
	if err := s.Tasks.Update(ctx, t); err != nil {
		return err
	}
	s.Pool.Release(taskID)
	s.publish(domain.EventTaskUpdated, map[string]any{"task_id": taskID, "status": string(t.Status)})
	return nil
}

// ProvideHumanInput resumes a needs_human task: the answer is appended
// to the description and the task re-queues as pending.
func (s *QueueService) ProvideHumanInput(ctx context.Context, taskID, input string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("%w: input required", domain.ErrInvalidArgument)
	}
	var agentID string
	err := s.Tx.InTx(ctx, func(ctx context.Context) error {
		t, err := s.Tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskNeedsHuman {
			return fmt.Errorf("%w: %s -> pending", domain.ErrInvalidTransition, t.Status)
		}
		if t.AssignedAgentID != nil {
			agentID = *t.AssignedAgentID
		}
		t.Description = t.Description + "\n\nOperator input: " + input
		t.Status = domain.TaskPending
		t.Error = ""
		t.AssignedAgentID = nil
		t.AssignedAt = nil
		if err := s.Tasks.Update(ctx, t); err != nil {
			return err
		}
		if agentID != "" {
			return s.idleAgentTx(ctx, agentID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = s.Locks.ReleaseByTask(ctx, taskID)
	if _, lerr := s.Logs.Append(ctx, domain.ExecutionLog{TaskID: taskID, Action: "human_input", Timestamp: time.Now().UTC()}); lerr != nil {
		slog.Warn("human input log failed", slog.String("task_id", taskID), slog.Any("error", lerr))
	}
	s.publish(domain.EventTaskUpdated, map[string]any{"task_id": taskID, "status": string(domain.TaskPending)})
	return nil
}

// RetryTask re-queues a failed or aborted task with a fresh iteration
// budget.
func (s *QueueService) RetryTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskFailed && t.Status != domain.TaskAborted {
		return domain.Task{}, fmt.Errorf("%w: %s -> pending", domain.ErrInvalidTransition, t.Status)
	}
	t.Status = domain.TaskPending
	t.CurrentIteration = 0
	t.Error = ""
	t.CompletedAt = nil
	if err := s.Tasks.Update(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.publish(domain.EventTaskUpdated, map[string]any{"task_id": taskID, "status": string(t.Status)})
	return t, nil
}

// AbortTask terminates a task from any state. Terminal tasks are a
// no-op; in-flight executions get a best-effort runtime abort.
func (s *QueueService) AbortTask(ctx context.Context, taskID string) error {
	t, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	if t.Status == domain.TaskInProgress {
		if aerr := s.Runtime.Abort(ctx, taskID); aerr != nil {
			slog.Warn("runtime abort failed", slog.String("task_id", taskID), slog.Any("error", aerr))
		}
	}

	var agentID string
	now := time.Now().UTC()
	err = s.Tx.InTx(ctx, func(ctx context.Context) error {
		t, err := s.Tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return nil
		}
		if t.AssignedAgentID != nil {
			agentID = *t.AssignedAgentID
		}
		t.Status = domain.TaskAborted
		t.CompletedAt = &now
		t.AssignedAgentID = nil
		t.AssignedAt = nil
		if err := s.Tasks.Update(ctx, t); err != nil {
			return err
		}
		if agentID != "" {
			return s.idleAgentTx(ctx, agentID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = s.Locks.ReleaseByTask(ctx, taskID)
	s.Pool.Release(taskID)
	s.publish(domain.EventTaskUpdated, map[string]any{"task_id": taskID, "status": string(domain.TaskAborted)})
	if agentID != "" {
		s.publish(domain.EventAgentStatusChanged, map[string]any{"agent_id": agentID, "status": string(domain.AgentIdle)})
	}
	return nil
}

// ReturnToPool puts an active task back to pending without counting an
// iteration, releasing agent, locks and slot. It only un-assigns live
// work; re-queueing a failed or aborted task is RetryTask's job.
func (s *QueueService) ReturnToPool(ctx context.Context, taskID string) error {
	var agentID string
	err := s.Tx.InTx(ctx, func(ctx context.Context) error {
		t, err := s.Tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status == domain.TaskPending {
			return nil
		}
		if !t.Status.Active() {
			return fmt.Errorf("%w: %s -> pending", domain.ErrInvalidTransition, t.Status)
		}
		if t.AssignedAgentID != nil {
			agentID = *t.AssignedAgentID
		}
		t.Status = domain.TaskPending
		t.AssignedAgentID = nil
		t.AssignedAt = nil
		if err := s.Tasks.Update(ctx, t); err != nil {
			return err
		}
		if agentID != "" {
			return s.idleAgentTx(ctx, agentID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = s.Locks.ReleaseByTask(ctx, taskID)
	s.Pool.Release(taskID)
	s.publish(domain.EventTaskUpdated, map[string]any{"task_id": taskID, "status": string(domain.TaskPending)})
	if agentID != "" {
		s.publish(domain.EventAgentStatusChanged, map[string]any{"agent_id": agentID, "status": string(domain.AgentIdle)})
	}
	return nil
}

// idleAgentTx releases an agent inside the current transaction.
func (s *QueueService) idleAgentTx(ctx context.Context, agentID string) error {
	a, err := s.Agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	a.Status = domain.AgentIdle
	a.CurrentTaskID = nil
	if a.Inflight > 0 {
		a.Inflight--
	}
	return s.Agents.Update(ctx, a)
}

// RunAssignLoop sweeps the pending queue on a ticker until ctx ends.
func (s *QueueService) RunAssignLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Assign(ctx, "", ""); err != nil {
				slog.Warn("assign sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Wait blocks until background dispatches finish (shutdown and tests).
func (s *QueueService) Wait() { s.wg.Wait() }

func (s *QueueService) publish(t domain.EventType, payload map[string]any) {
	if s.Events != nil {
		s.Events.Publish(domain.NewEvent(t, payload))
	}
}
