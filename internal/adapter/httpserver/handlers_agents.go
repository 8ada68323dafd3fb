package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

type agentResponse struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Type          string             `json:"type"`
	Status        string             `json:"status"`
	CurrentTaskID *string            `json:"current_task_id,omitempty"`
	Config        domain.AgentConfig `json:"config"`
	Inflight      int                `json:"inflight"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func toAgentResponse(a domain.Agent) agentResponse {
	return agentResponse{
		ID:            a.ID,
		Name:          a.Name,
		Type:          a.Type,
		Status:        string(a.Status),
		CurrentTaskID: a.CurrentTaskID,
		Config:        a.Config,
		Inflight:      a.Inflight,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

// CreateAgentHandler handles POST /agents.
func (s *Server) CreateAgentHandler() http.HandlerFunc {
	type createRequest struct {
		Name   string             `json:"name" validate:"required"`
		Type   string             `json:"type" validate:"required"`
		Config domain.AgentConfig `json:"config"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		a, err := s.Agents.CreateAgent(r.Context(), domain.Agent{Name: req.Name, Type: req.Type, Config: req.Config})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toAgentResponse(a))
	}
}

// ListAgentsHandler handles GET /agents.
func (s *Server) ListAgentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, err := s.Agents.ListAgents(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]agentResponse, 0, len(agents))
		for _, a := range agents {
			out = append(out, toAgentResponse(a))
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": out, "count": len(out)})
	}
}

// ListAgentTypesHandler handles GET /agents/types.
func (s *Server) ListAgentTypesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		types, err := s.Agents.ListTypes(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"types": types})
	}
}

// GetAgentHandler handles GET /agents/{id}.
func (s *Server) GetAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.Agents.GetAgent(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toAgentResponse(a))
	}
}

// UpdateAgentHandler handles PATCH /agents/{id}, rewriting the config
// block.
func (s *Server) UpdateAgentHandler() http.HandlerFunc {
	type updateRequest struct {
		Config domain.AgentConfig `json:"config"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		a, err := s.Agents.UpdateConfig(r.Context(), chi.URLParam(r, "id"), req.Config)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toAgentResponse(a))
	}
}

// DeleteAgentHandler handles DELETE /agents/{id}.
func (s *Server) DeleteAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Agents.DeleteAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// AgentOpHandler handles POST /agents/{id}/{op} for the lifecycle verbs.
func (s *Server) AgentOpHandler(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var err error
		switch op {
		case "pause":
			err = s.Agents.Pause(r.Context(), id)
		case "resume":
			err = s.Agents.Resume(r.Context(), id)
		case "abort":
			err = s.Agents.AbortCurrent(r.Context(), id)
		case "offline":
			err = s.Agents.SetOffline(r.Context(), id)
		case "online":
			err = s.Agents.SetOnline(r.Context(), id)
		default:
			http.NotFound(w, r)
			return
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		a, err := s.Agents.GetAgent(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toAgentResponse(a))
	}
}

// AgentStatsHandler handles GET /agents/{id}/stats.
func (s *Server) AgentStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Agents.Stats(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ResetAllAgentsHandler handles POST /agents/reset-all.
func (s *Server) ResetAllAgentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Agents.ResetAll(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reset": n})
	}
}
