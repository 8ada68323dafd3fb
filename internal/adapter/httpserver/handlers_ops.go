package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/budget"
)

// BudgetStatusHandler handles GET /budget/status.
func (s *Server) BudgetStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Ledger.GetStatus(r.Context()))
	}
}

// BudgetCloudBlockedHandler handles GET /budget/cloud-blocked.
func (s *Server) BudgetCloudBlockedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"blocked": s.Ledger.IsCloudBlocked(r.Context())})
	}
}

// BudgetConfigHandler handles GET /budget/config.
func (s *Server) BudgetConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		limit, threshold, enabled := s.Ledger.GetConfig()
		writeJSON(w, http.StatusOK, map[string]any{
			"daily_limit_cents": limit,
			"warning_threshold": threshold,
			"enabled":           enabled,
		})
	}
}

// BudgetConfigUpdateHandler handles PATCH /budget/config.
func (s *Server) BudgetConfigUpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req budget.ConfigUpdate
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Ledger.SetConfig(r.Context(), req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		limit, threshold, enabled := s.Ledger.GetConfig()
		writeJSON(w, http.StatusOK, map[string]any{
			"daily_limit_cents": limit,
			"warning_threshold": threshold,
			"enabled":           enabled,
		})
	}
}

const budgetResetCooldown = 5 * time.Minute

// BudgetResetHandler handles POST /budget/reset. Resets are limited to
// one per five minutes per process.
func (s *Server) BudgetResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.resetMu.Lock()
		if since := time.Since(s.lastReset); since < budgetResetCooldown {
			s.resetMu.Unlock()
			writeError(w, r, fmt.Errorf("%w: reset allowed in %s", domain.ErrRateLimited,
				(budgetResetCooldown-since).Round(time.Second)), nil)
			return
		}
		s.lastReset = time.Now()
		s.resetMu.Unlock()

		if err := s.Ledger.ResetDaily(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, s.Ledger.GetStatus(r.Context()))
	}
}

// BudgetHistoryHandler handles GET /budget/history?days=.
func (s *Server) BudgetHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := intQuery(r.URL.Query().Get("days"), 7)
		hist, err := s.Ledger.GetHistory(r.Context(), days)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": hist, "days": days})
	}
}

// CostSummaryHandler handles GET /cost-metrics/summary.
func (s *Server) CostSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := s.Costs.Summary(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// CostByAgentHandler handles GET /cost-metrics/by-agent.
func (s *Server) CostByAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := s.Costs.ByAgent(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": out})
	}
}

// CostByTaskTypeHandler handles GET /cost-metrics/by-task-type.
func (s *Server) CostByTaskTypeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := s.Costs.ByTaskType(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_types": out})
	}
}

// CostTimelineHandler handles GET /cost-metrics/timeline?hours=.
func (s *Server) CostTimelineHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := intQuery(r.URL.Query().Get("hours"), 24)
		out, err := s.Costs.Timeline(r.Context(), hours)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"timeline": out, "hours": hours})
	}
}

// ValidationStatusHandler handles GET /validation/status.
func (s *Server) ValidationStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Validation.GetStatus())
	}
}

// ValidationResultsHandler handles GET /validation/results and
// GET /validation/results/{taskId}.
func (s *Server) ValidationResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if id := chi.URLParam(r, "taskId"); id != "" {
			res, err := s.Validation.GetResult(id)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": s.Validation.Results()})
	}
}

// ValidationRetryResultsHandler handles GET /validation/retry-results,
// listing the failed validations the next retry sweep would pick up.
func (s *Server) ValidationRetryResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		candidates := s.Validation.RetryCandidates()
		writeJSON(w, http.StatusOK, map[string]any{
			"results": candidates,
			"count":   len(candidates),
		})
	}
}

// ValidationRetryHandler handles POST /validation/retry, kicking the
// background retry queue.
func (s *Server) ValidationRetryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Validation.StartRetryQueue(r.Context())
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "retry queue started"})
	}
}

// ValidationClearHandler handles POST /validation/clear.
func (s *Server) ValidationClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.Validation.ClearResults()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

// LocksHandler handles GET /locks.
func (s *Server) LocksHandler() http.HandlerFunc {
	type lockResponse struct {
		FilePath   string    `json:"file_path"`
		AgentID    string    `json:"agent_id"`
		TaskID     string    `json:"task_id"`
		AcquiredAt time.Time `json:"acquired_at"`
		ExpiresAt  time.Time `json:"expires_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		active, err := s.Locks.ActiveLocks(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]lockResponse, 0, len(active))
		for _, l := range active {
			out = append(out, lockResponse{
				FilePath:   l.FilePath,
				AgentID:    l.AgentID,
				TaskID:     l.TaskID,
				AcquiredAt: l.AcquiredAt,
				ExpiresAt:  l.ExpiresAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"locks": out, "count": len(out)})
	}
}

// RecoveryTriggerHandler handles POST /recovery/check, forcing an
// immediate stuck-task sweep.
func (s *Server) RecoveryTriggerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.TriggerRecovery == nil {
			http.NotFound(w, r)
			return
		}
		n, err := s.TriggerRecovery(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"recovered": n})
	}
}
