// Package app assembles the HTTP surface and the background loops that
// keep the orchestrator healthy.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/mrdushidush/agent-battle-command-center-sub003/internal/adapter/httpserver"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/adapter/observability"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// Health probes, /metrics and the runtime health proxy stay outside the
// API-key guard; everything else requires X-API-Key.
func BuildRouter(cfg config.Config, srv *httpserver.Server, hub *httpserver.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Unauthenticated probes.
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/execute/health", srv.ExecuteHealthHandler())

	r.Group(func(gr chi.Router) {
		gr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		gr.Use(httpserver.APIKeyAuth(cfg.APIKey))

		gr.Route("/tasks", func(tr chi.Router) {
			tr.Get("/", srv.ListTasksHandler())
			tr.Post("/", srv.CreateTaskHandler())
			tr.Get("/{id}", srv.GetTaskHandler())
			tr.Patch("/{id}", srv.UpdateTaskHandler())
			tr.Delete("/{id}", srv.DeleteTaskHandler())
			tr.Get("/{id}/review", srv.TaskReviewHandler())
			tr.Post("/{id}/retry", srv.RetryTaskHandler())
			tr.Post("/{id}/abort", srv.AbortTaskHandler())
			tr.Post("/{id}/complete", srv.CompleteTaskHandler())
			tr.Post("/{id}/human", srv.HumanInputHandler())
		})

		gr.Route("/agents", func(ar chi.Router) {
			ar.Get("/", srv.ListAgentsHandler())
			ar.Post("/", srv.CreateAgentHandler())
			ar.Get("/types", srv.ListAgentTypesHandler())
			ar.Post("/reset-all", srv.ResetAllAgentsHandler())
			ar.Get("/{id}", srv.GetAgentHandler())
			ar.Patch("/{id}", srv.UpdateAgentHandler())
			ar.Delete("/{id}", srv.DeleteAgentHandler())
			ar.Get("/{id}/stats", srv.AgentStatsHandler())
			ar.Post("/{id}/pause", srv.AgentOpHandler("pause"))
			ar.Post("/{id}/resume", srv.AgentOpHandler("resume"))
			ar.Post("/{id}/abort", srv.AgentOpHandler("abort"))
			ar.Post("/{id}/offline", srv.AgentOpHandler("offline"))
			ar.Post("/{id}/online", srv.AgentOpHandler("online"))
		})

		gr.Post("/queue/assign", srv.AssignHandler())
		gr.Get("/queue/status", srv.QueueStatusHandler())
		gr.Post("/execute", srv.ExecuteHandler())
		gr.Post("/execute/abort", srv.ExecuteAbortHandler())

		gr.Route("/budget", func(br chi.Router) {
			br.Get("/status", srv.BudgetStatusHandler())
			br.Get("/config", srv.BudgetConfigHandler())
			br.Patch("/config", srv.BudgetConfigUpdateHandler())
			br.Post("/reset", srv.BudgetResetHandler())
			br.Get("/history", srv.BudgetHistoryHandler())
			br.Get("/cloud-blocked", srv.BudgetCloudBlockedHandler())
		})

		gr.Route("/cost-metrics", func(cr chi.Router) {
			cr.Get("/summary", srv.CostSummaryHandler())
			cr.Get("/by-agent", srv.CostByAgentHandler())
			cr.Get("/by-task-type", srv.CostByTaskTypeHandler())
			cr.Get("/timeline", srv.CostTimelineHandler())
		})

		gr.Route("/validation", func(vr chi.Router) {
			vr.Get("/status", srv.ValidationStatusHandler())
			vr.Get("/results", srv.ValidationResultsHandler())
			vr.Get("/results/{taskId}", srv.ValidationResultsHandler())
			vr.Get("/retry-results", srv.ValidationRetryResultsHandler())
			vr.Post("/retry", srv.ValidationRetryHandler())
			vr.Post("/clear", srv.ValidationClearHandler())
		})

		gr.Route("/missions", func(mr chi.Router) {
			mr.Post("/", srv.CreateMissionHandler())
			mr.Get("/", srv.ListMissionsHandler())
			mr.Get("/{id}", srv.GetMissionHandler())
			mr.Get("/{id}/subtasks", srv.MissionSubtasksHandler())
			mr.Get("/{id}/files", srv.MissionFilesHandler())
			mr.Post("/{id}/approve", srv.ApproveMissionHandler())
			mr.Post("/{id}/reject", srv.RejectMissionHandler())
		})

		gr.Post("/chat/conversations", srv.StartConversationHandler())
		gr.Post("/chat/send", srv.ChatSendHandler())
		gr.Get("/chat/{conversationId}/messages", srv.ChatHistoryHandler())

		gr.Get("/locks", srv.LocksHandler())
		gr.Post("/recovery/check", srv.RecoveryTriggerHandler())

		if hub != nil {
			gr.Get("/ws", hub.Handler())
		}
	})

	return httpserver.SecurityHeaders(r)
}
