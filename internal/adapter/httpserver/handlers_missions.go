package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/usecase"
)

type missionResponse struct {
	ID             string    `json:"id"`
	Prompt         string    `json:"prompt"`
	Language       string    `json:"language,omitempty"`
	Status         string    `json:"status"`
	SubtaskIDs     []string  `json:"subtask_ids,omitempty"`
	TotalCostCents float64   `json:"total_cost_cents"`
	CompletedCount int       `json:"completed_count"`
	FailedCount    int       `json:"failed_count"`
	ReviewScore    float64   `json:"review_score,omitempty"`
	ConversationID *string   `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toMissionResponse(m domain.Mission) missionResponse {
	return missionResponse{
		ID:             m.ID,
		Prompt:         m.Prompt,
		Language:       m.Language,
		Status:         string(m.Status),
		SubtaskIDs:     m.SubtaskIDs,
		TotalCostCents: m.TotalCostCents,
		CompletedCount: m.CompletedCount,
		FailedCount:    m.FailedCount,
		ReviewScore:    m.ReviewScore,
		ConversationID: m.ConversationID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// CreateMissionHandler handles POST /missions.
func (s *Server) CreateMissionHandler() http.HandlerFunc {
	type createRequest struct {
		Prompt            string `json:"prompt" validate:"required"`
		Language          string `json:"language"`
		AutoApprove       bool   `json:"auto_approve"`
		WaitForCompletion bool   `json:"wait_for_completion"`
		ForceComplexity   int    `json:"force_complexity" validate:"gte=0,lte=10"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		m, err := s.Missions.CreateMission(r.Context(), req.Prompt, req.Language, usecase.MissionOptions{
			AutoApprove:       req.AutoApprove,
			WaitForCompletion: req.WaitForCompletion,
			ForceComplexity:   req.ForceComplexity,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		// Blocking mode returns the settled mission, not the accepted stub.
		code := http.StatusAccepted
		if req.WaitForCompletion {
			code = http.StatusOK
		}
		writeJSON(w, code, toMissionResponse(m))
	}
}

// ListMissionsHandler handles GET /missions?limit=&offset=.
func (s *Server) ListMissionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		missions, err := s.Missions.ListMissions(r.Context(), intQuery(q.Get("limit"), 50), intQuery(q.Get("offset"), 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]missionResponse, 0, len(missions))
		for _, m := range missions {
			out = append(out, toMissionResponse(m))
		}
		writeJSON(w, http.StatusOK, map[string]any{"missions": out, "count": len(out)})
	}
}

// GetMissionHandler handles GET /missions/{id}.
func (s *Server) GetMissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := s.Missions.GetMission(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toMissionResponse(m))
	}
}

// MissionSubtasksHandler handles GET /missions/{id}/subtasks.
func (s *Server) MissionSubtasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := s.Missions.Subtasks(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, toTaskResponse(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"subtasks": out, "count": len(out)})
	}
}

// MissionFilesHandler handles GET /missions/{id}/files.
func (s *Server) MissionFilesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := s.Missions.Files(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
	}
}

// ApproveMissionHandler handles POST /missions/{id}/approve.
func (s *Server) ApproveMissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Missions.Approve(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"mission_id": id, "status": string(domain.MissionExecuting)})
	}
}

// RejectMissionHandler handles POST /missions/{id}/reject.
func (s *Server) RejectMissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Missions.Reject(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"mission_id": id, "status": string(domain.MissionRejected)})
	}
}

type chatMessageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

func toChatMessageResponse(m domain.ChatMessage) chatMessageResponse {
	return chatMessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

// StartConversationHandler handles POST /chat/conversations.
func (s *Server) StartConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.Chat.StartConversation(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"conversation_id": c.ID})
	}
}

// ChatSendHandler handles POST /chat/send. The reply streams to bus
// subscribers as chunks; the full message returns in the response.
func (s *Server) ChatSendHandler() http.HandlerFunc {
	type sendRequest struct {
		ConversationID string `json:"conversation_id" validate:"required"`
		Content        string `json:"content" validate:"required"`
		AgentType      string `json:"agent_type"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		msg, err := s.Chat.Send(r.Context(), req.ConversationID, req.Content, req.AgentType)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toChatMessageResponse(msg))
	}
}

// ChatHistoryHandler handles GET /chat/{conversationId}/messages.
func (s *Server) ChatHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := s.Chat.History(r.Context(), chi.URLParam(r, "conversationId"), intQuery(r.URL.Query().Get("limit"), 100))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]chatMessageResponse, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, toChatMessageResponse(m))
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": out, "count": len(out)})
	}
}
