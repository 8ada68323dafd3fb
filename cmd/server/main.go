// Command server starts the agent command center HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/adapter/agentrt"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/adapter/eventbridge"
	httpserver "github.com/mrdushidush/agent-battle-command-center-sub003/internal/adapter/httpserver"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/adapter/observability"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/adapter/repo/postgres"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/app"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/config"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/budget"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/costing"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/eventbus"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/filelock"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/ratelimit"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/resource"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/taskrouter"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/tokenest"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/validation"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/usecase"
)

const assessorCacheSize = 512

// redisPinger adapts *redis.Client to the readiness probe interface.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) app.RedisPingResult { return p.rdb.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Persistence is the one dependency the process cannot start without.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema apply failed", slog.Any("error", err))
		os.Exit(1)
	}

	taskRepo := postgres.NewTaskRepo(pool)
	agentRepo := postgres.NewAgentRepo(pool)
	logRepo := postgres.NewExecLogRepo(pool)
	lockRepo := postgres.NewLockRepo(pool)
	budgetRepo := postgres.NewBudgetRepo(pool)
	missionRepo := postgres.NewMissionRepo(pool)
	convRepo := postgres.NewConversationRepo(pool)
	reviewRepo := postgres.NewReviewRepo(pool)
	txRunner := postgres.NewTxRunner(pool)

	bus := eventbus.New()
	defer bus.Close()

	ledger, err := budget.NewLedger(ctx, budgetRepo, bus,
		cfg.DailyBudgetCents, cfg.BudgetWarningThreshold, cfg.BudgetEnabled)
	if err != nil {
		slog.Error("budget ledger init failed", slog.Any("error", err))
		os.Exit(1)
	}

	runtime := agentrt.New(cfg.AgentsURL,
		agentrt.WithTimeouts(cfg.ExecuteTimeout, cfg.AbortTimeout, cfg.HealthTimeout))

	assessor, err := taskrouter.NewCachedAssessor(taskrouter.NewRuntimeAssessor(runtime), assessorCacheSize)
	if err != nil {
		slog.Error("assessor cache init failed", slog.Any("error", err))
		os.Exit(1)
	}

	calc := costing.NewCalculator()
	if cfg.CostRatesPath != "" {
		calc, err = costing.LoadRates(cfg.CostRatesPath)
		if err != nil {
			slog.Error("cost rate table load failed",
				slog.String("path", cfg.CostRatesPath), slog.Any("error", err))
			os.Exit(1)
		}
	}

	pipeline := validation.NewPipeline(validation.NewExecRunner(0, ""), bus, 3)

	queue := usecase.NewQueueService(usecase.QueueConfig{
		RestShort:      cfg.OllamaRest,
		RestLong:       cfg.OllamaExtendedRest,
		CoolEvery:      cfg.OllamaResetEveryN,
		AutoCodeReview: cfg.AutoCodeReview,
	})
	queue.Tasks = taskRepo
	queue.Agents = agentRepo
	queue.Logs = logRepo
	queue.Locks = filelock.NewManager(lockRepo, cfg.FileLockTTL)
	queue.Pool = resource.NewPool(resource.DefaultSlots(), bus)
	queue.Governor = ratelimit.NewGovernor(ratelimit.DefaultLimits(),
		cfg.RateLimitBuffer, cfg.MinAPIDelay, ratelimit.WithDebug(cfg.RateLimitDebug))
	queue.Router = taskrouter.NewRouter(assessor, ledger)
	queue.Ledger = ledger
	queue.Costs = calc
	queue.Tokens = tokenest.NewEstimator()
	queue.Runtime = runtime
	queue.Events = bus
	queue.Tx = txRunner
	queue.Reviews = reviewRepo
	if cfg.AsyncValidationEnabled {
		queue.Validation = pipeline
	}

	missions := usecase.NewMissionService(usecase.MissionConfig{
		WaitCap:      cfg.MissionWaitCap,
		PollInterval: cfg.MissionPollInterval,
		MaxParallel:  cfg.MissionParallelism,
	})
	missions.Missions = missionRepo
	missions.Tasks = taskRepo
	missions.Conversations = convRepo
	missions.Logs = logRepo
	missions.Queue = queue
	missions.Costs = calc
	missions.Runtime = runtime
	missions.Events = bus

	agents := &usecase.AgentService{
		Agents: agentRepo,
		Tasks:  taskRepo,
		Logs:   logRepo,
		Queue:  queue,
		Events: bus,
	}
	chat := &usecase.ChatService{
		Conversations: convRepo,
		Runtime:       runtime,
		Events:        bus,
	}
	chat.BindMissions(missions)
	costMetrics := &usecase.CostMetricsService{
		Logs:   logRepo,
		Tasks:  taskRepo,
		Costs:  calc,
		Ledger: ledger,
	}

	// Optional Redis mirror of the event bus for sibling processes.
	var rdb *redis.Client
	if cfg.UsePubSubBridge {
		opt, err := redis.ParseURL(cfg.PubSubURL)
		if err != nil {
			slog.Error("pubsub url parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		ch, cancel := bus.Subscribe(256)
		go eventbridge.New(rdb, logger).Run(ctx, ch, cancel)
	}

	metricsCh, metricsCancel := bus.Subscribe(256)
	go observability.RecordBusEvents(ctx, metricsCh, metricsCancel)

	var redisCheckTarget app.RedisClient
	if rdb != nil {
		redisCheckTarget = redisPinger{rdb}
	}
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisCheckTarget)

	sweeper := app.NewStuckTaskSweeper(taskRepo, queue,
		cfg.StuckTaskTimeout, cfg.StuckTaskCheckInterval)
	go sweeper.Run(ctx)
	go queue.RunAssignLoop(ctx, 5*time.Second)

	srv := &httpserver.Server{
		Cfg:        cfg,
		Queue:      queue,
		Missions:   missions,
		Agents:     agents,
		Chat:       chat,
		Costs:      costMetrics,
		Ledger:     ledger,
		Validation: pipeline,
		Locks:      queue.Locks,
		Pool:       queue.Pool,
		Runtime:    runtime,
		Bus:        bus,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	}
	if sweeper != nil {
		srv.TriggerRecovery = sweeper.Sweep
	}

	hub := httpserver.NewHub(logger, nil)
	hubCh, hubCancel := bus.Subscribe(256)
	go hub.Run(ctx, hubCh, hubCancel)

	handler := app.BuildRouter(cfg, srv, hub)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Stop the background loops, then drain in-flight dispatch and
	// validation work before the process exits.
	stop()
	queue.Wait()
	missions.Wait()
	pipeline.Wait()
	slog.Info("shutdown complete")
}
