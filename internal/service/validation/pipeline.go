// Package validation runs post-completion validation commands off the
// main loop and tracks their outcomes for polling.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// State is the per-task validation state.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StatePassed  State = "passed"
	StateFailed  State = "failed"
)

// Result is one validation outcome.
type Result struct {
	TaskID     string    `json:"task_id"`
	Command    string    `json:"command"`
	State      State     `json:"state"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Runner executes a validation command and returns its output.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Pipeline is the async validation engine. Submissions run in the
// background; callers poll status and results.
type Pipeline struct {
	runner  Runner
	events  domain.EventPublisher
	maxIter int

	mu      sync.Mutex
	results map[string]*Result
	retryMu sync.Mutex // serializes retry-queue runs
	wg      sync.WaitGroup
}

// NewPipeline builds a pipeline. maxIter bounds retry attempts per task.
func NewPipeline(runner Runner, events domain.EventPublisher, maxIter int) *Pipeline {
	if maxIter <= 0 {
		maxIter = 3
	}
	return &Pipeline{
		runner:  runner,
		events:  events,
		maxIter: maxIter,
		results: make(map[string]*Result),
	}
}

// Submit registers a task for validation and runs it in the background.
func (p *Pipeline) Submit(ctx context.Context, taskID, command string) {
	if command == "" {
		return
	}
	p.mu.Lock()
	p.results[taskID] = &Result{TaskID: taskID, Command: command, State: StatePending}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOne(ctx, taskID)
	}()
}

func (p *Pipeline) runOne(ctx context.Context, taskID string) {
	p.mu.Lock()
	r, ok := p.results[taskID]
	if !ok {
		p.mu.Unlock()
		return
	}
	r.State = StateRunning
	r.Attempts++
	command := r.Command
	p.mu.Unlock()

	out, err := p.runner.Run(ctx, command)

	p.mu.Lock()
	r, ok = p.results[taskID]
	if !ok { // cleared mid-run
		p.mu.Unlock()
		return
	}
	r.Output = out
	r.FinishedAt = time.Now().UTC()
	if err != nil {
		r.State = StateFailed
		r.Error = err.Error()
	} else {
		r.State = StatePassed
		r.Error = ""
	}
	state := r.State
	p.mu.Unlock()

	if p.events != nil {
		p.events.Publish(domain.NewEvent(domain.EventExecutionStep, map[string]any{
			"task_id": taskID,
			"step":    "validation",
			"state":   string(state),
		}))
	}
	if err != nil {
		slog.Warn("validation failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// StatusSummary aggregates pipeline state counts.
type StatusSummary struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
}

// GetStatus returns the current state counts.
func (p *Pipeline) GetStatus() StatusSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s StatusSummary
	for _, r := range p.results {
		switch r.State {
		case StatePending:
			s.Pending++
		case StateRunning:
			s.Running++
		case StatePassed:
			s.Passed++
		case StateFailed:
			s.Failed++
		}
	}
	return s
}

// GetResult returns the result for one task.
func (p *Pipeline) GetResult(taskID string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.results[taskID]
	if !ok {
		return Result{}, fmt.Errorf("op=validation.get_result task=%s: %w", taskID, domain.ErrNotFound)
	}
	return *r, nil
}

// Results returns a snapshot of every tracked result.
func (p *Pipeline) Results() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Result, 0, len(p.results))
	for _, r := range p.results {
		out = append(out, *r)
	}
	return out
}

// RetryCandidates returns the failed results still under the attempt
// cap, i.e. what the next retry sweep would pick up.
func (p *Pipeline) RetryCandidates() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Result
	for _, r := range p.results {
		if r.State == StateFailed && r.Attempts < p.maxIter {
			out = append(out, *r)
		}
	}
	return out
}

// StartRetryQueue re-runs failed validations in the background, bounded
// by the per-task attempt cap. It returns immediately; callers poll.
func (p *Pipeline) StartRetryQueue(ctx context.Context) {
	p.mu.Lock()
	var retry []string
	for id, r := range p.results {
		if r.State == StateFailed && r.Attempts < p.maxIter {
			retry = append(retry, id)
		}
	}
	p.mu.Unlock()
	if len(retry) == 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// One retry sweep at a time.
		p.retryMu.Lock()
		defer p.retryMu.Unlock()
		for _, id := range retry {
			if ctx.Err() != nil {
				return
			}
			p.runOne(ctx, id)
		}
	}()
}

// ClearResults drops all tracked results.
func (p *Pipeline) ClearResults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = make(map[string]*Result)
}

// Wait blocks until all background work finishes (tests and shutdown).
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
