package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_transitions_total",
			Help: "Task lifecycle transitions by resulting status",
		},
		[]string{"status"},
	)
	AgentStatusChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_status_changes_total",
			Help: "Agent lifecycle transitions by resulting status",
		},
		[]string{"status"},
	)
	ResourceSlotsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resource_slots_active",
			Help: "Occupied execution slots per tier",
		},
		[]string{"tier"},
	)
	BudgetSpentCents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "budget_spent_cents_total",
			Help: "Cumulative model spend in cents",
		},
	)
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_total",
			Help: "Operator alerts raised by kind",
		},
		[]string{"kind"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TaskTransitionsTotal)
	prometheus.MustRegister(AgentStatusChangesTotal)
	prometheus.MustRegister(ResourceSlotsActive)
	prometheus.MustRegister(BudgetSpentCents)
	prometheus.MustRegister(AlertsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside a chi router.
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
