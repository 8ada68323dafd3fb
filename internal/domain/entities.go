// Package domain holds the entities, ports and error taxonomy of the
// orchestrator core. It has no dependencies on adapters; repositories,
// the agent runtime and the event bus are expressed as interfaces here
// and wired in cmd/server.
package domain

import (
	"encoding/json"
	"time"
)

// TaskType enumerates the kinds of work a task can carry.
type TaskType string

const (
	TaskTypeCode          TaskType = "code"
	TaskTypeTest          TaskType = "test"
	TaskTypeReview        TaskType = "review"
	TaskTypeDebug         TaskType = "debug"
	TaskTypeRefactor      TaskType = "refactor"
	TaskTypeDecomposition TaskType = "decomposition"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskNeedsHuman TaskStatus = "needs_human"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskAborted    TaskStatus = "aborted"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskAborted
}

// Active reports whether the task holds an agent in this status.
func (s TaskStatus) Active() bool {
	return s == TaskAssigned || s == TaskInProgress || s == TaskNeedsHuman
}

// ComplexitySource records how a task's complexity score was produced.
type ComplexitySource string

const (
	ComplexityFromRouter ComplexitySource = "router"
	ComplexityFromDual   ComplexitySource = "dual"
	ComplexityFromHaiku  ComplexitySource = "haiku"
	ComplexityFromManual ComplexitySource = "manual"
)

// Task is the unit of work.
// Invariants: AssignedAgentID non-nil iff Status is active;
// CurrentIteration <= MaxIterations; at most one owning agent at a time.
type Task struct {
	ID                string
	Title             string
	Description       string
	Type              TaskType
	Priority          int // 1..10, higher assigns first
	RequiredAgent     string
	LockedFiles       []string
	MaxIterations     int
	CurrentIteration  int
	Complexity        int // 1..10
	ComplexitySource  ComplexitySource
	Status            TaskStatus
	AssignedAgentID   *string
	AssignedAt        *time.Time
	CompletedAt       *time.Time
	TimeSpentMs       int64
	Result            json.RawMessage
	Error             string
	ParentTaskID      *string
	DependsOn         []string
	ValidationCommand string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AgentStatus is the lifecycle state of an agent.
// The source system labels a busy-but-paused agent "stuck"; it is
// persisted as paused here and the two are synonyms.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentPaused  AgentStatus = "paused"
	AgentOffline AgentStatus = "offline"
)

// AgentConfig is the per-agent tuning block.
type AgentConfig struct {
	PreferredTier string `json:"preferred_tier"` // auto|local|remote_local|grok|haiku|sonnet|opus
	Concurrency   int    `json:"concurrency"`
	AutoRetry     bool   `json:"auto_retry"`
	ContextBudget int    `json:"context_budget"`
}

// Agent is a persistent worker.
// Invariant: CurrentTaskID non-nil iff Status in {busy, paused}.
type Agent struct {
	ID            string
	Name          string
	Type          string // coder|qa|cto
	Status        AgentStatus
	CurrentTaskID *string
	Config        AgentConfig
	Inflight      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AgentType is a catalog row describing an agent kind.
type AgentType struct {
	Name        string
	Description string
}

// FileLock grants one task exclusive access to a file path.
// At any instant at most one unexpired lock exists per path.
type FileLock struct {
	FilePath   string
	AgentID    string
	TaskID     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	MissionDecomposing      MissionStatus = "decomposing"
	MissionAwaitingApproval MissionStatus = "awaiting_approval"
	MissionExecuting        MissionStatus = "executing"
	MissionReviewing        MissionStatus = "reviewing"
	MissionApproved         MissionStatus = "approved"
	MissionRejected         MissionStatus = "rejected"
	MissionFailed           MissionStatus = "failed"
)

// Terminal reports whether the mission status is absorbing.
func (s MissionStatus) Terminal() bool {
	return s == MissionApproved || s == MissionRejected || s == MissionFailed
}

// Mission is a user-prompted goal decomposed into a DAG of tasks.
type Mission struct {
	ID             string
	Prompt         string
	Language       string
	Status         MissionStatus
	SubtaskIDs     []string
	TotalCostCents float64
	CompletedCount int
	FailedCount    int
	ReviewScore    float64
	ConversationID *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionLog is an append-only record of one runtime action.
type ExecutionLog struct {
	ID           string
	TaskID       string
	AgentID      string
	Timestamp    time.Time
	Action       string
	ModelUsed    string
	InputTokens  int
	OutputTokens int
	DurationMs   int64
}

// BudgetState is the singleton budget counter block. Amounts are cents.
type BudgetState struct {
	DailySpentCents   float64
	AllTimeSpentCents float64
	DayStart          time.Time
	DailyLimitCents   float64
	WarningThreshold  float64 // fraction of the daily cap
	Enabled           bool
}

// BudgetDay is one archived day of spend.
type BudgetDay struct {
	Day        string // YYYY-MM-DD, local
	SpentCents float64
}

// Conversation groups chat messages, optionally tied to a mission.
type Conversation struct {
	ID        string
	MissionID *string
	CreatedAt time.Time
}

// ChatMessage is one message in a conversation. Content is opaque.
type ChatMessage struct {
	ID             string
	ConversationID string
	Role           string // user|assistant|system
	Content        string
	CreatedAt      time.Time
}

// CodeReview is the outcome of a post-completion review pass.
type CodeReview struct {
	ID        string
	TaskID    string
	Score     float64
	Summary   string
	CreatedAt time.Time
}
