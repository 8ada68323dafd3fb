package domain

import (
	"context"
	"encoding/json"
	"time"
)

// TaskFilter narrows task listings. Zero values mean "any".
type TaskFilter struct {
	Status   TaskStatus
	ParentID string
	Limit    int
	Offset   int
}

// TaskRepository persists tasks.
type TaskRepository interface {
	Create(ctx context.Context, t Task) (string, error)
	Get(ctx context.Context, id string) (Task, error)
	Update(ctx context.Context, t Task) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f TaskFilter) ([]Task, error)
	// ListPending returns pending tasks ordered by priority DESC, createdAt ASC.
	ListPending(ctx context.Context, limit int) ([]Task, error)
	// ListActiveOlderThan returns active tasks (needs_human included) whose
	// assignedAt precedes the cutoff, paged for the stuck-task sweeper.
	ListActiveOlderThan(ctx context.Context, cutoff time.Time, limit, offset int) ([]Task, error)
}

// AgentRepository persists agents.
type AgentRepository interface {
	Create(ctx context.Context, a Agent) (string, error)
	Get(ctx context.Context, id string) (Agent, error)
	Update(ctx context.Context, a Agent) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Agent, error)
	ListTypes(ctx context.Context) ([]AgentType, error)
}

// FileLockRepository persists file locks. Acquire must fail with
// ErrConflict when an unexpired lock exists for any of the paths.
type FileLockRepository interface {
	Acquire(ctx context.Context, locks []FileLock) error
	ReleaseByTask(ctx context.Context, taskID string) error
	ListActive(ctx context.Context, now time.Time) ([]FileLock, error)
}

// MissionRepository persists missions.
type MissionRepository interface {
	Create(ctx context.Context, m Mission) (string, error)
	Get(ctx context.Context, id string) (Mission, error)
	Update(ctx context.Context, m Mission) error
	List(ctx context.Context, limit, offset int) ([]Mission, error)
}

// ExecutionLogRepository appends and reads execution logs.
type ExecutionLogRepository interface {
	Append(ctx context.Context, l ExecutionLog) (string, error)
	ListByTask(ctx context.Context, taskID string) ([]ExecutionLog, error)
	ListSince(ctx context.Context, since time.Time) ([]ExecutionLog, error)
}

// BudgetRepository persists the budget singleton and its history.
type BudgetRepository interface {
	Load(ctx context.Context) (BudgetState, error)
	Save(ctx context.Context, s BudgetState) error
	ArchiveDay(ctx context.Context, d BudgetDay) error
	History(ctx context.Context, days int) ([]BudgetDay, error)
}

// ConversationRepository persists conversations and chat messages.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, c Conversation) (string, error)
	AppendMessage(ctx context.Context, m ChatMessage) (string, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error)
}

// CodeReviewRepository persists review outcomes.
type CodeReviewRepository interface {
	Create(ctx context.Context, r CodeReview) (string, error)
	GetByTask(ctx context.Context, taskID string) (CodeReview, error)
}

// TxRunner runs fn inside one store transaction. Repositories called with
// the ctx passed to fn observe the transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ExecuteRequest is the outbound payload for the agents runtime.
type ExecuteRequest struct {
	TaskID          string `json:"task_id"`
	AgentID         string `json:"agent_id"`
	TaskDescription string `json:"task_description"`
	ExpectedOutput  string `json:"expected_output,omitempty"`
	UseCloud        bool   `json:"use_cloud"`
	Model           string `json:"model,omitempty"`
	AllowFallback   bool   `json:"allow_fallback,omitempty"`
}

// ExecuteMetrics carries per-execution resource usage.
type ExecuteMetrics struct {
	APICreditsUsed float64 `json:"api_credits_used"`
	TimeSpentMs    int64   `json:"time_spent_ms"`
	Iterations     int     `json:"iterations"`
	InputTokens    int     `json:"input_tokens,omitempty"`
	OutputTokens   int     `json:"output_tokens,omitempty"`
}

// ExecuteResult is the runtime's terminal answer for one execution.
type ExecuteResult struct {
	Success     bool            `json:"success"`
	ExecutionID string          `json:"execution_id"`
	Output      json.RawMessage `json:"output,omitempty"`
	Metrics     ExecuteMetrics  `json:"metrics"`
	Error       string          `json:"error,omitempty"`
}

// RuntimeHealth reports backend availability of the agents runtime.
type RuntimeHealth struct {
	Status string `json:"status"`
	Local  bool   `json:"local"`
	Cloud  bool   `json:"cloud"`
	Remote bool   `json:"remote,omitempty"`
}

// ChatRequest is the outbound payload for a streamed chat completion.
type ChatRequest struct {
	AgentType   string       `json:"agent_type"`
	Messages    []ChatTurn   `json:"messages"`
	Stream      bool         `json:"stream"`
	TaskContext *ChatTaskCtx `json:"task_context,omitempty"`
}

// ChatTurn is one message of a chat exchange.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatTaskCtx attaches task context to a chat request.
type ChatTaskCtx struct {
	TaskID    string `json:"task_id,omitempty"`
	MissionID string `json:"mission_id,omitempty"`
}

// ChatChunk is one SSE frame from the runtime chat stream.
type ChatChunk struct {
	Chunk string `json:"chunk,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

// AgentRuntime is the external service that actually invokes language
// models. All calls are I/O-bound and honor ctx deadlines.
type AgentRuntime interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
	Abort(ctx context.Context, taskID string) error
	Health(ctx context.Context) (RuntimeHealth, error)
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(ChatChunk) error) error
}

// EventPublisher fans lifecycle events out to subscribers.
type EventPublisher interface {
	Publish(e Event)
}
