package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

type taskRequest struct {
	Title             string   `json:"title"`
	Description       string   `json:"description" validate:"required"`
	TaskType          string   `json:"task_type"`
	Priority          int      `json:"priority" validate:"gte=0,lte=10"`
	RequiredAgent     string   `json:"required_agent"`
	LockedFiles       []string `json:"locked_files"`
	MaxIterations     int      `json:"max_iterations" validate:"gte=0,lte=25"`
	Complexity        int      `json:"complexity" validate:"gte=0,lte=10"`
	DependsOn         []string `json:"depends_on"`
	ValidationCommand string   `json:"validation_command"`
}

type taskResponse struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	TaskType          string          `json:"task_type"`
	Priority          int             `json:"priority"`
	RequiredAgent     string          `json:"required_agent,omitempty"`
	LockedFiles       []string        `json:"locked_files,omitempty"`
	MaxIterations     int             `json:"max_iterations"`
	CurrentIteration  int             `json:"current_iteration"`
	Complexity        int             `json:"complexity"`
	ComplexitySource  string          `json:"complexity_source"`
	Status            string          `json:"status"`
	AssignedAgentID   *string         `json:"assigned_agent_id,omitempty"`
	AssignedAt        *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	TimeSpentMs       int64           `json:"time_spent_ms"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	ParentTaskID      *string         `json:"parent_task_id,omitempty"`
	DependsOn         []string        `json:"depends_on,omitempty"`
	ValidationCommand string          `json:"validation_command,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toTaskResponse(t domain.Task) taskResponse {
	return taskResponse{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		TaskType:          string(t.Type),
		Priority:          t.Priority,
		RequiredAgent:     t.RequiredAgent,
		LockedFiles:       t.LockedFiles,
		MaxIterations:     t.MaxIterations,
		CurrentIteration:  t.CurrentIteration,
		Complexity:        t.Complexity,
		ComplexitySource:  string(t.ComplexitySource),
		Status:            string(t.Status),
		AssignedAgentID:   t.AssignedAgentID,
		AssignedAt:        t.AssignedAt,
		CompletedAt:       t.CompletedAt,
		TimeSpentMs:       t.TimeSpentMs,
		Result:            t.Result,
		Error:             t.Error,
		ParentTaskID:      t.ParentTaskID,
		DependsOn:         t.DependsOn,
		ValidationCommand: t.ValidationCommand,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func (r taskRequest) toDomain() domain.Task {
	return domain.Task{
		Title:             r.Title,
		Description:       r.Description,
		Type:              domain.TaskType(r.TaskType),
		Priority:          r.Priority,
		RequiredAgent:     r.RequiredAgent,
		LockedFiles:       r.LockedFiles,
		MaxIterations:     r.MaxIterations,
		Complexity:        r.Complexity,
		DependsOn:         r.DependsOn,
		ValidationCommand: r.ValidationCommand,
	}
}

// CreateTaskHandler handles POST /tasks.
func (s *Server) CreateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req taskRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		t := req.toDomain()
		if req.Complexity > 0 {
			t.ComplexitySource = domain.ComplexityFromManual
		}
		created, err := s.Queue.CreateTask(r.Context(), t)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toTaskResponse(created))
	}
}

// ListTasksHandler handles GET /tasks?status=&parent_id=&limit=&offset=.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.TaskFilter{
			Status:   domain.TaskStatus(q.Get("status")),
			ParentID: q.Get("parent_id"),
			Limit:    intQuery(q.Get("limit"), 100),
			Offset:   intQuery(q.Get("offset"), 0),
		}
		tasks, err := s.Queue.ListTasks(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, toTaskResponse(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "count": len(out)})
	}
}

// GetTaskHandler handles GET /tasks/{id}.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.Queue.GetTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(t))
	}
}

// UpdateTaskHandler handles PATCH /tasks/{id}.
func (s *Server) UpdateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req taskRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		t := req.toDomain()
		t.ID = chi.URLParam(r, "id")
		updated, err := s.Queue.UpdateTask(r.Context(), t)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(updated))
	}
}

// DeleteTaskHandler handles DELETE /tasks/{id}.
func (s *Server) DeleteTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Queue.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// TaskReviewHandler handles GET /tasks/{id}/review.
func (s *Server) TaskReviewHandler() http.HandlerFunc {
	type reviewResponse struct {
		ID        string    `json:"id"`
		TaskID    string    `json:"task_id"`
		Score     float64   `json:"score"`
		Summary   string    `json:"summary"`
		CreatedAt time.Time `json:"created_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rev, err := s.Queue.ReviewForTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, reviewResponse{
			ID:        rev.ID,
			TaskID:    rev.TaskID,
			Score:     rev.Score,
			Summary:   rev.Summary,
			CreatedAt: rev.CreatedAt,
		})
	}
}

// RetryTaskHandler handles POST /tasks/{id}/retry.
func (s *Server) RetryTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.Queue.RetryTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(t))
	}
}

// AbortTaskHandler handles POST /tasks/{id}/abort.
func (s *Server) AbortTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Queue.AbortTask(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(domain.TaskAborted)})
	}
}

// CompleteTaskHandler handles POST /tasks/{id}/complete, a manual
// completion used when the runtime result arrives out of band.
func (s *Server) CompleteTaskHandler() http.HandlerFunc {
	type completeRequest struct {
		Result  json.RawMessage       `json:"result"`
		Metrics domain.ExecuteMetrics `json:"metrics"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req completeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		id := chi.URLParam(r, "id")
		if err := s.Queue.HandleTaskCompletion(r.Context(), id, req.Result, req.Metrics); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(domain.TaskCompleted)})
	}
}

// HumanInputHandler handles POST /tasks/{id}/human.
func (s *Server) HumanInputHandler() http.HandlerFunc {
	type humanRequest struct {
		Input string `json:"input" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req humanRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id := chi.URLParam(r, "id")
		if err := s.Queue.ProvideHumanInput(r.Context(), id, req.Input); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(domain.TaskPending)})
	}
}

// AssignHandler handles POST /queue/assign.
func (s *Server) AssignHandler() http.HandlerFunc {
	type assignRequest struct {
		TaskID  string `json:"taskId"`
		AgentID string `json:"agentId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req assignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		out, err := s.Queue.Assign(r.Context(), req.TaskID, req.AgentID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if req.TaskID != "" && len(out) == 0 {
			writeError(w, r, fmt.Errorf("%w: no idle agent or lock conflict", domain.ErrAdmissionDenied), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignments": out, "count": len(out)})
	}
}

// QueueStatusHandler handles GET /queue/status.
func (s *Server) QueueStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts := map[string]int{}
		for _, st := range []domain.TaskStatus{
			domain.TaskPending, domain.TaskAssigned, domain.TaskInProgress,
			domain.TaskNeedsHuman, domain.TaskCompleted, domain.TaskFailed, domain.TaskAborted,
		} {
			tasks, err := s.Queue.ListTasks(r.Context(), domain.TaskFilter{Status: st, Limit: 1000})
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			counts[string(st)] = len(tasks)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tasks": counts,
			"slots": map[string]int{
				"local":        s.Pool.ActiveCount(domain.ResourceLocal),
				"cloud":        s.Pool.ActiveCount(domain.ResourceCloud),
				"remote_local": s.Pool.ActiveCount(domain.ResourceRemoteLocal),
			},
		})
	}
}

// ExecuteHandler handles POST /execute: route and dispatch one task now.
func (s *Server) ExecuteHandler() http.HandlerFunc {
	type executeRequest struct {
		TaskID string `json:"taskId" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		out, err := s.Queue.Assign(r.Context(), req.TaskID, "")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if len(out) == 0 {
			writeError(w, r, fmt.Errorf("%w: no idle agent or lock conflict", domain.ErrAdmissionDenied), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, out[0])
	}
}

// ExecuteAbortHandler handles POST /execute/abort.
func (s *Server) ExecuteAbortHandler() http.HandlerFunc {
	type abortRequest struct {
		TaskID string `json:"taskId" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req abortRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Queue.AbortTask(r.Context(), req.TaskID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": req.TaskID, "status": string(domain.TaskAborted)})
	}
}

// ExecuteHealthHandler handles GET /execute/health, proxying the agents
// runtime health probe.
func (s *Server) ExecuteHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := s.Runtime.Health(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
