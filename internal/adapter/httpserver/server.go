package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/config"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/budget"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/eventbus"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/filelock"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/resource"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/validation"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/usecase"
)

// Server holds the usecases and services the handlers dispatch into.
type Server struct {
	Cfg        config.Config
	Queue      *usecase.QueueService
	Missions   *usecase.MissionService
	Agents     *usecase.AgentService
	Chat       *usecase.ChatService
	Costs      *usecase.CostMetricsService
	Ledger     *budget.Ledger
	Validation *validation.Pipeline
	Locks      *filelock.Manager
	Pool       *resource.Pool
	Runtime    domain.AgentRuntime
	Bus        *eventbus.Bus

	// Readiness probes; nil checks are skipped.
	DBCheck    func(context.Context) error
	RedisCheck func(context.Context) error

	// Recovery hooks exposed by the stuck-task sweeper.
	TriggerRecovery func(ctx context.Context) (int, error)

	resetMu   sync.Mutex
	lastReset time.Time
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeValid decodes the JSON body into dst and runs struct validation.
func decodeValid(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(dst); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, strings.ToLower(fe.Field())+":"+fe.Tag())
			}
			return fmt.Errorf("%w: validation failed (%s)", domain.ErrInvalidArgument, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}
	return nil
}

// HealthzHandler is a liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler verifies the dependencies the service cannot run without.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type probe struct {
		name  string
		check func(context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		probes := []probe{{"db", s.DBCheck}, {"redis", s.RedisCheck}}
		status := map[string]string{}
		healthy := true
		for _, p := range probes {
			if p.check == nil {
				continue
			}
			if err := p.check(ctx); err != nil {
				status[p.name] = err.Error()
				healthy = false
			} else {
				status[p.name] = "ok"
			}
		}
		if s.Runtime != nil {
			if _, err := s.Runtime.Health(ctx); err != nil {
				status["agents_runtime"] = err.Error()
				// Runtime unavailability degrades but does not unready the API.
			} else {
				status["agents_runtime"] = "ok"
			}
		}
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}
