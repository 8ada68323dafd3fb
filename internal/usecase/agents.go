package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// AgentService manages the worker fleet.
type AgentService struct {
	Agents domain.AgentRepository
	Tasks  domain.TaskRepository
	Logs   domain.ExecutionLogRepository
	Queue  *QueueService
	Events domain.EventPublisher
}

var knownAgentKinds = map[string]bool{"coder": true, "qa": true, "cto": true}

// CreateAgent registers a new idle agent.
func (s *AgentService) CreateAgent(ctx context.Context, a domain.Agent) (domain.Agent, error) {
	if strings.TrimSpace(a.Name) == "" {
		return domain.Agent{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if !knownAgentKinds[a.Type] {
		return domain.Agent{}, fmt.Errorf("%w: unknown agent type %q", domain.ErrInvalidArgument, a.Type)
	}
	a.Status = domain.AgentIdle
	a.CurrentTaskID = nil
	a.Inflight = 0
	if a.Config.PreferredTier == "" {
		a.Config.PreferredTier = "auto"
	}
	if a.Config.Concurrency <= 0 {
		a.Config.Concurrency = 1
	}
	id, err := s.Agents.Create(ctx, a)
	if err != nil {
		return domain.Agent{}, err
	}
	a.ID = id
	s.publishStatus(id, a.Status)
	return a, nil
}

// GetAgent loads one agent.
func (s *AgentService) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return s.Agents.Get(ctx, id)
}

// ListAgents lists every agent.
func (s *AgentService) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	return s.Agents.List(ctx)
}

// ListTypes returns the agent-kind catalog.
func (s *AgentService) ListTypes(ctx context.Context) ([]domain.AgentType, error) {
	return s.Agents.ListTypes(ctx)
}

// UpdateConfig rewrites the agent's tuning block.
func (s *AgentService) UpdateConfig(ctx context.Context, id string, cfg domain.AgentConfig) (domain.Agent, error) {
	a, err := s.Agents.Get(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = a.Config.Concurrency
	}
	if cfg.PreferredTier == "" {
		cfg.PreferredTier = a.Config.PreferredTier
	}
	a.Config = cfg
	if err := s.Agents.Update(ctx, a); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// DeleteAgent removes an idle or offline agent. Busy and paused agents
// must be drained first.
func (s *AgentService) DeleteAgent(ctx context.Context, id string) error {
	a, err := s.Agents.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == domain.AgentBusy || a.Status == domain.AgentPaused {
		return fmt.Errorf("%w: agent holds task", domain.ErrConflict)
	}
	if err := s.Agents.Delete(ctx, id); err != nil {
		return err
	}
	if s.Events != nil {
		s.Events.Publish(domain.NewEvent(domain.EventAgentDeleted, map[string]any{"agent_id": id}))
	}
	return nil
}

// Pause marks a busy agent paused. Its task keeps running; paused is
// the operator-visible "stuck" flag.
func (s *AgentService) Pause(ctx context.Context, id string) error {
	a, err := s.Agents.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != domain.AgentBusy {
		return fmt.Errorf("%w: %s -> paused", domain.ErrInvalidTransition, a.Status)
	}
	a.Status = domain.AgentPaused
	if err := s.Agents.Update(ctx, a); err != nil {
		return err
	}
	s.publishStatus(id, a.Status)
	return nil
}

// Resume returns a paused agent to busy.
func (s *AgentService) Resume(ctx context.Context, id string) error {
	a, err := s.Agents.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != domain.AgentPaused {
		return fmt.Errorf("%w: %s -> busy", domain.ErrInvalidTransition, a.Status)
	}
	a.Status = domain.AgentBusy
	if err := s.Agents.Update(ctx, a); err != nil {
		return err
	}
	s.publishStatus(id, a.Status)
	return nil
}

// SetOffline takes an agent out of rotation, aborting its current task.
func (s *AgentService) SetOffline(ctx context.Context, id string) error {
	a, err := s.Agents.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == domain.AgentOffline {
		return nil
	}
	if a.CurrentTaskID != nil {
		if err := s.Queue.AbortTask(ctx, *a.CurrentTaskID); err != nil {
			return err
		}
		a, err = s.Agents.Get(ctx, id)
		if err != nil {
			return err
		}
	}
	a.Status = domain.AgentOffline
	if err := s.Agents.Update(ctx, a); err != nil {
		return err
	}
	s.publishStatus(id, a.Status)
	return nil
}

// SetOnline brings an offline agent back as idle.
func (s *AgentService) SetOnline(ctx context.Context, id string) error {
	a, err := s.Agents.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != domain.AgentOffline {
		return fmt.Errorf("%w: %s -> idle", domain.ErrInvalidTransition, a.Status)
	}
	a.Status = domain.AgentIdle
	a.CurrentTaskID = nil
	if err := s.Agents.Update(ctx, a); err != nil {
		return err
	}
	s.publishStatus(id, a.Status)
	return nil
}

// AbortCurrent aborts whatever the agent is working on.
func (s *AgentService) AbortCurrent(ctx context.Context, id string) error {
	a, err := s.Agents.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.CurrentTaskID == nil {
		return nil
	}
	return s.Queue.AbortTask(ctx, *a.CurrentTaskID)
}

// ResetAll force-idles every agent and aborts their tasks. Recovery
// hammer for a wedged fleet.
func (s *AgentService) ResetAll(ctx context.Context) (int, error) {
	agents, err := s.Agents.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range agents {
		if a.CurrentTaskID != nil {
			_ = s.Queue.AbortTask(ctx, *a.CurrentTaskID)
		}
		cur, err := s.Agents.Get(ctx, a.ID)
		if err != nil {
			continue
		}
		if cur.Status == domain.AgentIdle || cur.Status == domain.AgentOffline {
			continue
		}
		cur.Status = domain.AgentIdle
		cur.CurrentTaskID = nil
		cur.Inflight = 0
		if err := s.Agents.Update(ctx, cur); err != nil {
			continue
		}
		s.publishStatus(cur.ID, cur.Status)
		n++
	}
	return n, nil
}

// AgentStats summarizes one agent's task history.
type AgentStats struct {
	AgentID     string  `json:"agent_id"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Aborted     int     `json:"aborted"`
	TimeSpentMs int64   `json:"time_spent_ms"`
	SuccessRate float64 `json:"success_rate"`
}

// Stats aggregates terminal task outcomes for one agent. Terminal
// tasks hold no agent pointer, so attribution goes through the
// execution log trail.
func (s *AgentService) Stats(ctx context.Context, id string) (AgentStats, error) {
	if _, err := s.Agents.Get(ctx, id); err != nil {
		return AgentStats{}, err
	}
	out := AgentStats{AgentID: id}
	logs, err := s.Logs.ListSince(ctx, time.Time{})
	if err != nil {
		return AgentStats{}, err
	}
	seen := map[string]bool{}
	for _, l := range logs {
		if l.AgentID != id || seen[l.TaskID] {
			continue
		}
		seen[l.TaskID] = true
		t, err := s.Tasks.Get(ctx, l.TaskID)
		if err != nil {
			continue
		}
		switch t.Status {
		case domain.TaskCompleted:
			out.Completed++
		case domain.TaskFailed:
			out.Failed++
		case domain.TaskAborted:
			out.Aborted++
		default:
			continue
		}
		out.TimeSpentMs += t.TimeSpentMs
	}
	if total := out.Completed + out.Failed; total > 0 {
		out.SuccessRate = float64(out.Completed) / float64(total)
	}
	return out, nil
}

func (s *AgentService) publishStatus(id string, status domain.AgentStatus) {
	if s.Events != nil {
		s.Events.Publish(domain.NewEvent(domain.EventAgentStatusChanged,
			map[string]any{"agent_id": id, "status": string(status)}))
	}
}
