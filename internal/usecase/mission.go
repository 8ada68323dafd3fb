package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/costing"
)

// MissionConfig tunes the mission orchestrator.
type MissionConfig struct {
	AutoApprove  bool
	WaitCap      time.Duration // max stall before the mission fails, default 5m
	PollInterval time.Duration // frontier sweep cadence, default 1s
	MaxParallel  int           // concurrent subtask assignments, default 3
	ReviewPass   bool          // run a closing review over the results
}

func (c *MissionConfig) defaults() {
	if c.WaitCap <= 0 {
		c.WaitCap = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 3
	}
}

// MissionService decomposes a prompt into a task DAG and drives it to a
// terminal state.
type MissionService struct {
	Missions      domain.MissionRepository
	Tasks         domain.TaskRepository
	Conversations domain.ConversationRepository
	Logs          domain.ExecutionLogRepository
	Queue         *QueueService
	Costs         *costing.Calculator
	Runtime       domain.AgentRuntime
	Events        domain.EventPublisher

	cfg MissionConfig
	wg  sync.WaitGroup
}

// NewMissionService constructs the orchestrator with defaults applied.
func NewMissionService(cfg MissionConfig) *MissionService {
	cfg.defaults()
	return &MissionService{cfg: cfg}
}

// subtaskSpec is the decomposition JSON shape produced by the planner.
type subtaskSpec struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Type              string   `json:"type"`
	Priority          int      `json:"priority"`
	RequiredAgent     string   `json:"required_agent"`
	LockedFiles       []string `json:"locked_files"`
	DependsOn         []int    `json:"depends_on"` // indices into the plan
	ValidationCommand string   `json:"validation_command"`
}

const plannerPrompt = `Decompose the following goal into executable subtasks.
Respond with JSON only: an array of objects with fields
title, description, type (code|test|review|debug|refactor), priority (1-10),
required_agent (coder|qa|cto), locked_files (paths), depends_on (indices of
prerequisite subtasks in this array), validation_command.`

// MissionOptions are per-mission overrides of the service defaults.
type MissionOptions struct {
	AutoApprove       bool
	WaitForCompletion bool // block the create call until a terminal state or the wait cap
	ForceComplexity   int  // 1..10 pins every subtask's complexity, 0 leaves the router in charge
}

// CreateMission persists a new mission and starts decomposition in the
// background. With WaitForCompletion the call blocks until the mission
// reaches a terminal state, awaits approval, or the wait cap expires.
func (s *MissionService) CreateMission(ctx context.Context, prompt, language string, opts MissionOptions) (domain.Mission, error) {
	if strings.TrimSpace(prompt) == "" {
		return domain.Mission{}, fmt.Errorf("%w: prompt required", domain.ErrInvalidArgument)
	}
	if opts.ForceComplexity < 0 || opts.ForceComplexity > 10 {
		return domain.Mission{}, fmt.Errorf("%w: force_complexity out of range", domain.ErrInvalidArgument)
	}
	m := domain.Mission{
		Prompt:   prompt,
		Language: language,
		Status:   domain.MissionDecomposing,
	}
	id, err := s.Missions.Create(ctx, m)
	if err != nil {
		return domain.Mission{}, err
	}
	m.ID = id

	convID, err := s.Conversations.CreateConversation(ctx, domain.Conversation{MissionID: &id})
	if err == nil {
		m.ConversationID = &convID
		_ = s.Missions.Update(ctx, m)
	}

	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.decompose(bg, m, opts)
	}()

	if opts.WaitForCompletion {
		return s.waitForOutcome(ctx, id)
	}
	return m, nil
}

// waitForOutcome polls the mission until it stops needing this caller:
// terminal, or parked awaiting operator approval.
func (s *MissionService) waitForOutcome(ctx context.Context, missionID string) (domain.Mission, error) {
	deadline := time.Now().Add(s.cfg.WaitCap)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		m, err := s.Missions.Get(ctx, missionID)
		if err != nil {
			return domain.Mission{}, err
		}
		if m.Status.Terminal() || m.Status == domain.MissionAwaitingApproval {
			return m, nil
		}
		if time.Now().After(deadline) {
			return m, nil // caller sees the in-flight state
		}
		select {
		case <-ctx.Done():
			return m, nil
		case <-ticker.C:
		}
	}
}

// GetMission loads one mission.
func (s *MissionService) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return s.Missions.Get(ctx, id)
}

// ListMissions pages missions newest first.
func (s *MissionService) ListMissions(ctx context.Context, limit, offset int) ([]domain.Mission, error) {
	return s.Missions.List(ctx, limit, offset)
}

// Subtasks returns a mission's task DAG.
func (s *MissionService) Subtasks(ctx context.Context, missionID string) ([]domain.Task, error) {
	if _, err := s.Missions.Get(ctx, missionID); err != nil {
		return nil, err
	}
	return s.Tasks.List(ctx, domain.TaskFilter{ParentID: missionID, Limit: 500})
}

func (s *MissionService) decompose(ctx context.Context, m domain.Mission, opts MissionOptions) {
	var sb strings.Builder
	err := s.Runtime.ChatStream(ctx, domain.ChatRequest{
		AgentType: "cto",
		Stream:    true,
		Messages: []domain.ChatTurn{
			{Role: "system", Content: plannerPrompt},
			{Role: "user", Content: m.Prompt},
		},
		TaskContext: &domain.ChatTaskCtx{MissionID: m.ID},
	}, func(ch domain.ChatChunk) error {
		sb.WriteString(ch.Chunk)
		return nil
	})
	if err != nil {
		s.finishMission(ctx, m.ID, domain.MissionFailed, "decomposition call failed: "+err.Error())
		return
	}

	specs, err := ParsePlan(sb.String())
	if err != nil || len(specs) == 0 {
		s.finishMission(ctx, m.ID, domain.MissionFailed, "unusable decomposition")
		return
	}

	ids := make([]string, len(specs))
	for i, sp := range specs {
		task := domain.Task{
			Title:             sp.Title,
			Description:       sp.Description,
			Type:              taskTypeOrDefault(sp.Type),
			Priority:          sp.Priority,
			RequiredAgent:     sp.RequiredAgent,
			LockedFiles:       sp.LockedFiles,
			ValidationCommand: sp.ValidationCommand,
			ParentTaskID:      &m.ID,
		}
		if opts.ForceComplexity > 0 {
			task.Complexity = opts.ForceComplexity
			task.ComplexitySource = domain.ComplexityFromManual
		}
		for _, dep := range sp.DependsOn {
			if dep >= 0 && dep < i {
				task.DependsOn = append(task.DependsOn, ids[dep])
			}
		}
		created, err := s.Queue.CreateTask(ctx, task)
		if err != nil {
			s.finishMission(ctx, m.ID, domain.MissionFailed, "subtask creation failed: "+err.Error())
			return
		}
		ids[i] = created.ID
	}

	cur, err := s.Missions.Get(ctx, m.ID)
	if err != nil {
		return
	}
	cur.SubtaskIDs = ids
	if s.cfg.AutoApprove || opts.AutoApprove {
		cur.Status = domain.MissionExecuting
	} else {
		cur.Status = domain.MissionAwaitingApproval
	}
	if err := s.Missions.Update(ctx, cur); err != nil {
		return
	}
	s.publish(map[string]any{"mission_id": m.ID, "status": string(cur.Status), "subtasks": len(ids)})

	if cur.ConversationID != nil && cur.Status == domain.MissionAwaitingApproval {
		_, _ = s.Conversations.AppendMessage(ctx, domain.ChatMessage{
			ConversationID: *cur.ConversationID,
			Role:           "assistant",
			Content:        fmt.Sprintf("Planned %d subtasks. Reply 'approve' to start or 'reject' to cancel.", len(ids)),
		})
	}
	if cur.Status == domain.MissionExecuting {
		s.startRun(ctx, m.ID)
	}
}

// ParsePlan tolerantly parses the planner's JSON array, stripping code
// fences and repairing malformed output.
func ParsePlan(raw string) ([]subtaskSpec, error) {
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	text = strings.TrimSpace(text)

	var specs []subtaskSpec
	if err := json.Unmarshal([]byte(text), &specs); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(text)
		if rerr != nil {
			return nil, fmt.Errorf("op=mission.parse_plan: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &specs); err != nil {
			return nil, fmt.Errorf("op=mission.parse_plan: %w", err)
		}
	}
	for i := range specs {
		if specs[i].Priority < 1 || specs[i].Priority > 10 {
			specs[i].Priority = 5
		}
	}
	return specs, nil
}

func taskTypeOrDefault(t string) domain.TaskType {
	switch domain.TaskType(t) {
	case domain.TaskTypeCode, domain.TaskTypeTest, domain.TaskTypeReview,
		domain.TaskTypeDebug, domain.TaskTypeRefactor:
		return domain.TaskType(t)
	default:
		return domain.TaskTypeCode
	}
}

// Approve moves an awaiting mission to executing and starts the run.
func (s *MissionService) Approve(ctx context.Context, missionID string) error {
	m, err := s.Missions.Get(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status != domain.MissionAwaitingApproval {
		return fmt.Errorf("%w: mission is %s", domain.ErrInvalidTransition, m.Status)
	}
	m.Status = domain.MissionExecuting
	if err := s.Missions.Update(ctx, m); err != nil {
		return err
	}
	s.publish(map[string]any{"mission_id": missionID, "status": string(m.Status)})
	s.startRun(context.WithoutCancel(ctx), missionID)
	return nil
}

// Reject cancels a mission before or during execution, cascading aborts
// to its non-terminal subtasks.
func (s *MissionService) Reject(ctx context.Context, missionID string) error {
	m, err := s.Missions.Get(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return nil
	}
	s.cascadeAbort(ctx, m)
	return s.finishMission(ctx, missionID, domain.MissionRejected, "")
}

func (s *MissionService) cascadeAbort(ctx context.Context, m domain.Mission) {
	for _, id := range m.SubtaskIDs {
		t, err := s.Tasks.Get(ctx, id)
		if err != nil || t.Status.Terminal() {
			continue
		}
		if err := s.Queue.AbortTask(ctx, id); err != nil {
			slog.Warn("subtask abort failed", slog.String("task_id", id), slog.Any("error", err))
		}
	}
}

func (s *MissionService) startRun(ctx context.Context, missionID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, missionID)
	}()
}

// run drives the dependency frontier until every subtask is terminal,
// the mission is cancelled, or progress stalls past the wait cap.
func (s *MissionService) run(ctx context.Context, missionID string) {
	lastProgress := time.Now()
	lastTerminal := -1
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m, err := s.Missions.Get(ctx, missionID)
		if err != nil {
			return
		}
		if m.Status != domain.MissionExecuting {
			return // rejected or failed elsewhere
		}

		tasks := make(map[string]domain.Task, len(m.SubtaskIDs))
		terminal := 0
		for _, id := range m.SubtaskIDs {
			t, err := s.Tasks.Get(ctx, id)
			if err != nil {
				continue
			}
			tasks[id] = t
			if t.Status.Terminal() {
				terminal++
			}
		}

		if terminal != lastTerminal {
			lastTerminal = terminal
			lastProgress = time.Now()
			s.updateAggregates(ctx, &m, tasks)
		}

		if terminal == len(m.SubtaskIDs) {
			s.conclude(ctx, m, tasks)
			return
		}
		if time.Since(lastProgress) > s.cfg.WaitCap {
			s.cascadeAbort(ctx, m)
			_ = s.finishMission(ctx, missionID, domain.MissionFailed, "stalled past wait cap")
			return
		}

		s.abortOrphanedDependents(ctx, tasks)
		s.assignFrontier(ctx, tasks)
	}
}

// assignFrontier assigns every pending subtask whose dependencies have
// all completed, bounded by MaxParallel.
func (s *MissionService) assignFrontier(ctx context.Context, tasks map[string]domain.Task) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallel)
	for _, t := range tasks {
		if t.Status != domain.TaskPending || !s.depsCompleted(t, tasks) {
			continue
		}
		id := t.ID
		g.Go(func() error {
			if _, err := s.Queue.Assign(gctx, id, ""); err != nil {
				slog.Debug("frontier assign deferred", slog.String("task_id", id), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *MissionService) depsCompleted(t domain.Task, tasks map[string]domain.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := tasks[dep]
		if !ok || d.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

// abortOrphanedDependents aborts pending subtasks whose dependencies
// can never complete.
func (s *MissionService) abortOrphanedDependents(ctx context.Context, tasks map[string]domain.Task) {
	for _, t := range tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		for _, dep := range t.DependsOn {
			d, ok := tasks[dep]
			if ok && (d.Status == domain.TaskFailed || d.Status == domain.TaskAborted) {
				if err := s.Queue.AbortTask(ctx, t.ID); err != nil {
					slog.Warn("dependent abort failed", slog.String("task_id", t.ID), slog.Any("error", err))
				}
				break
			}
		}
	}
}

func (s *MissionService) updateAggregates(ctx context.Context, m *domain.Mission, tasks map[string]domain.Task) {
	completed, failed := 0, 0
	var cost float64
	for id, t := range tasks {
		switch t.Status {
		case domain.TaskCompleted:
			completed++
		case domain.TaskFailed, domain.TaskAborted:
			failed++
		}
		if logs, err := s.Logs.ListByTask(ctx, id); err == nil {
			for _, l := range logs {
				cost += s.Costs.Cost(l)
			}
		}
	}
	m.CompletedCount = completed
	m.FailedCount = failed
	m.TotalCostCents = cost
	if err := s.Missions.Update(ctx, *m); err != nil {
		slog.Warn("mission aggregate update failed", slog.String("mission_id", m.ID), slog.Any("error", err))
	}
}

// conclude runs the optional review pass and finishes the mission.
func (s *MissionService) conclude(ctx context.Context, m domain.Mission, tasks map[string]domain.Task) {
	s.updateAggregates(ctx, &m, tasks)
	if m.FailedCount > 0 {
		_ = s.finishMission(ctx, m.ID, domain.MissionFailed,
			fmt.Sprintf("%d of %d subtasks failed", m.FailedCount, len(m.SubtaskIDs)))
		return
	}
	if s.cfg.ReviewPass {
		m.Status = domain.MissionReviewing
		_ = s.Missions.Update(ctx, m)
		if score, ok := s.reviewScore(ctx, m, tasks); ok {
			m.ReviewScore = score
			_ = s.Missions.Update(ctx, m)
		}
	}
	_ = s.finishMission(ctx, m.ID, domain.MissionApproved, "")
}

func (s *MissionService) reviewScore(ctx context.Context, m domain.Mission, tasks map[string]domain.Task) (float64, bool) {
	var sb strings.Builder
	sb.WriteString("Score the combined result of these subtasks from 0 to 10. Respond with JSON {\"score\": n, \"summary\": \"...\"}.\n")
	for _, t := range tasks {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Title, t.Status)
	}
	var out strings.Builder
	err := s.Runtime.ChatStream(ctx, domain.ChatRequest{
		AgentType:   "cto",
		Stream:      true,
		Messages:    []domain.ChatTurn{{Role: "user", Content: sb.String()}},
		TaskContext: &domain.ChatTaskCtx{MissionID: m.ID},
	}, func(ch domain.ChatChunk) error {
		out.WriteString(ch.Chunk)
		return nil
	})
	if err != nil {
		return 0, false
	}
	var parsed struct {
		Score   float64 `json:"score"`
		Summary string  `json:"summary"`
	}
	text := strings.TrimSpace(out.String())
	if uerr := json.Unmarshal([]byte(text), &parsed); uerr != nil {
		repaired, rerr := jsonrepair.JSONRepair(text)
		if rerr != nil || json.Unmarshal([]byte(repaired), &parsed) != nil {
			return 0, false
		}
	}
	return parsed.Score, true
}

func (s *MissionService) finishMission(ctx context.Context, missionID string, status domain.MissionStatus, note string) error {
	m, err := s.Missions.Get(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return nil
	}
	m.Status = status
	if err := s.Missions.Update(ctx, m); err != nil {
		return err
	}
	payload := map[string]any{"mission_id": missionID, "status": string(status)}
	if note != "" {
		payload["note"] = note
	}
	s.publish(payload)
	if m.ConversationID != nil && note != "" {
		_, _ = s.Conversations.AppendMessage(ctx, domain.ChatMessage{
			ConversationID: *m.ConversationID,
			Role:           "assistant",
			Content:        note,
		})
	}
	return nil
}

// MissionFile is one output artifact extracted from subtask results.
type MissionFile struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Content     string `json:"content"`
}

// Files collects output artifacts from the mission's subtask results.
// Subtask results carry {"files":[{"path":...,"content":...}]}.
func (s *MissionService) Files(ctx context.Context, missionID string) ([]MissionFile, error) {
	m, err := s.Missions.Get(ctx, missionID)
	if err != nil {
		return nil, err
	}
	var out []MissionFile
	for _, id := range m.SubtaskIDs {
		t, err := s.Tasks.Get(ctx, id)
		if err != nil || len(t.Result) == 0 {
			continue
		}
		var payload struct {
			Files []struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			} `json:"files"`
		}
		if err := json.Unmarshal(t.Result, &payload); err != nil {
			continue
		}
		for _, f := range payload.Files {
			out = append(out, MissionFile{
				Path:        f.Path,
				ContentType: mimetype.Detect([]byte(f.Content)).String(),
				Size:        len(f.Content),
				Content:     f.Content,
			})
		}
	}
	return out, nil
}

// ActiveAwaitingApproval returns the newest mission waiting on operator
// approval, for the chat approval path.
func (s *MissionService) ActiveAwaitingApproval(ctx context.Context) (domain.Mission, bool) {
	missions, err := s.Missions.List(ctx, 20, 0)
	if err != nil {
		return domain.Mission{}, false
	}
	for _, m := range missions {
		if m.Status == domain.MissionAwaitingApproval {
			return m, true
		}
	}
	return domain.Mission{}, false
}

// Wait blocks until background decomposition and runs finish.
func (s *MissionService) Wait() { s.wg.Wait() }

func (s *MissionService) publish(payload map[string]any) {
	if s.Events != nil {
		s.Events.Publish(domain.NewEvent(domain.EventMissionUpdated, payload))
	}
}
