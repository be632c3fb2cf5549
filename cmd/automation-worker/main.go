package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"relay-crm/internal/automation"
	"relay-crm/internal/repos"
	"relay-crm/shared/cachex"
	"relay-crm/shared/clients/messaging"
	"relay-crm/shared/config"
	"relay-crm/shared/dbx"
	"relay-crm/shared/httpx"
	"relay-crm/shared/influxx"
	"relay-crm/shared/logx"
	"relay-crm/shared/metricsx"
	"relay-crm/shared/mqx"
	"relay-crm/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type queueStatusResponse struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

type publishRequest struct {
	Type  string          `json:"type"`
	OrgID string          `json:"org_id"`
	Data  json.RawMessage `json:"data"`
}

func main() {
	cfg, problems := config.Load("automation-worker", 8090)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if cfg.MessagingAPIURL == "" {
		problems = append(problems, config.Problem{Field: "MESSAGING_API_URL", Message: "MESSAGING_API_URL is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	metricsx.Register()

	if cfg.OtelEnabled {
		shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Warn(context.Background(), "otel_init_failed", "tracer init failed, tracing disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	messenger, err := messaging.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "messaging_init_failed", "messaging client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var cacheClient *cachex.Client
	if cfg.RedisAddr != "" {
		cacheClient, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "redis init failed, rule cache disabled",
				slog.String("error", err.Error()),
			)
		}
	}
	if cacheClient != nil {
		defer cacheClient.Close()
	}

	var producer *mqx.Producer
	if cfg.KafkaEnabled {
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			logger.Warn(context.Background(), "kafka_init_failed", "kafka producer init failed, firing stream disabled",
				slog.String("error", err.Error()),
			)
		}
	}
	if producer != nil {
		defer producer.Close()
	}

	var influxClient *influxx.Client
	if cfg.InfluxEnabled {
		influxClient, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed, firing history disabled",
				slog.String("error", err.Error()),
			)
		}
	}
	if influxClient != nil {
		defer influxClient.Close()
	}

	executor := automation.NewExecutor(automation.ExecutorDeps{
		Contacts:   repos.NewContactsRepo(dbPool),
		Deals:      repos.NewDealsRepo(dbPool),
		Pipelines:  repos.NewPipelinesRepo(dbPool),
		Sequences:  repos.NewSequencesRepo(dbPool),
		Actors:     repos.NewUsersRepo(dbPool),
		Activities: repos.NewActivitiesRepo(dbPool),
		Messenger:  messenger,
	})
	ruleSource := automation.NewCachedRuleSource(
		repos.NewRulesRepo(dbPool),
		cacheClient,
		time.Duration(cfg.RuleCacheTTLSec)*time.Second,
	)

	var firings automation.FiringSink
	if producer != nil {
		firings = producer
	}
	var recorder automation.FiringRecorder
	if influxClient != nil {
		recorder = influxClient
	}
	worker := automation.NewWorker(automation.WorkerOptions{
		Rules:         ruleSource,
		Executor:      executor,
		Logger:        logger,
		FiringTopic:   mqx.TopicRuleFirings,
		Firings:       firings,
		Recorder:      recorder,
		ActionTimeout: time.Duration(cfg.ActionTimeoutMS) * time.Millisecond,
	})

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()
	publisher := automation.NewPublisher(queueClient, cfg)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	mux := asynq.NewServeMux()
	mux.HandleFunc(automation.TaskTypeEvent, worker.HandleEvent)
	mux.HandleFunc(automation.TaskTypeDeadLetterScan, func(ctx context.Context, t *asynq.Task) error {
		return sweepDeadLetters(ctx, inspector, cfg.AsynqQueue, logger)
	})

	runner := newWorkerRunner(redisOpt, cfg, mux, logger)
	if err := runner.Start(); err != nil {
		logger.Error(context.Background(), "worker_start_failed", "worker pool start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	defer scheduler.Shutdown()
	if _, err := scheduler.Register(
		"@every "+strconv.Itoa(cfg.DeadLetterScanSec)+"s",
		asynq.NewTask(automation.TaskTypeDeadLetterScan, nil, asynq.Queue(cfg.AsynqQueue)),
	); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetQueueDepth(cfg.AsynqQueue, "pending", info.Pending)
			metricsx.SetQueueDepth(cfg.AsynqQueue, "active", info.Active)
			metricsx.SetQueueDepth(cfg.AsynqQueue, "scheduled", info.Scheduled)
			metricsx.SetQueueDepth(cfg.AsynqQueue, "retry", info.Retry)
			metricsx.SetQueueDepth(cfg.AsynqQueue, "archived", info.Archived)
		}
	}()

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	httpMux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: database unavailable", nil)
			return
		}
		if !runner.Running() {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: worker pool stopped", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	httpMux.Handle("GET /metrics", metricsx.Handler())
	httpMux.HandleFunc("GET /internal/v1/queue/status", func(w http.ResponseWriter, r *http.Request) {
		info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
		if err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "INTERNAL_ERROR", "queue inspection failed", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, queueStatusResponse{
			Queue:     cfg.AsynqQueue,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Completed: info.Completed,
			Processed: info.Processed,
			Failed:    info.Failed,
		})
	})
	httpMux.HandleFunc("POST /internal/v1/workers/start", func(w http.ResponseWriter, r *http.Request) {
		if runner.Running() {
			httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
			return
		}
		if err := runner.Start(); err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "worker pool start failed", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "started"})
	})
	httpMux.HandleFunc("POST /internal/v1/events", func(w http.ResponseWriter, r *http.Request) {
		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
			return
		}
		orgID, err := uuid.Parse(strings.TrimSpace(req.OrgID))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid org_id", nil)
			return
		}
		eventID, err := publisher.Publish(r.Context(), automation.EventType(req.Type), orgID, req.Data)
		if err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "event publish failed", map[string]string{"reason": err.Error()})
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"event_id": eventID.String()})
	})

	handler := metricsx.Instrument(httpMux)
	handler = otelhttp.NewHandler(handler, "http")
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "automation worker started",
			slog.String("addr", server.Addr),
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "ops server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	runner.Stop()
	logger.Info(context.Background(), "service_stop", "automation worker stopped")
}

// workerRunner owns the asynq server lifecycle so the ops surface can
// restart a stopped pool. asynq servers cannot be restarted after Shutdown;
// Start builds a fresh one each time.
type workerRunner struct {
	mu       sync.Mutex
	running  bool
	server   *asynq.Server
	redisOpt asynq.RedisClientOpt
	cfg      config.Config
	mux      *asynq.ServeMux
	logger   logx.Logger
}

func newWorkerRunner(redisOpt asynq.RedisClientOpt, cfg config.Config, mux *asynq.ServeMux, logger logx.Logger) *workerRunner {
	return &workerRunner{redisOpt: redisOpt, cfg: cfg, mux: mux, logger: logger}
}

func (r *workerRunner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	server := asynq.NewServer(r.redisOpt, asynq.Config{
		Concurrency: r.cfg.AsynqConcurrency,
		Queues: map[string]int{
			r.cfg.AsynqQueue: 1,
		},
		RetryDelayFunc: automation.RetryDelay,
	})
	if err := server.Start(r.mux); err != nil {
		return err
	}
	r.server = server
	r.running = true
	r.logger.Info(context.Background(), "worker_pool_start", "worker pool started",
		slog.Int("concurrency", r.cfg.AsynqConcurrency),
		slog.String("queue", r.cfg.AsynqQueue),
	)
	return nil
}

func (r *workerRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.server.Shutdown()
	r.server = nil
	r.running = false
	r.logger.Info(context.Background(), "worker_pool_stop", "worker pool stopped")
}

func (r *workerRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// sweepDeadLetters surfaces archived jobs for operator review. Config-class
// failures are flagged apart from transient ones so operators can tell a
// broken rule from a flaky dependency.
func sweepDeadLetters(ctx context.Context, inspector *asynq.Inspector, queue string, logger logx.Logger) error {
	tasks, err := inspector.ListArchivedTasks(queue, asynq.PageSize(100))
	if err != nil {
		return err
	}
	metricsx.SetQueueDepth(queue, "archived", len(tasks))
	for _, t := range tasks {
		errorCode := "INTERNAL_ERROR"
		if strings.Contains(t.LastErr, automation.ErrActionConfig.Error()) {
			errorCode = "FAILED_PRECONDITION"
		}
		logger.Warn(ctx, "job_dead_lettered", "job exhausted retries",
			slog.String("task_id", t.ID),
			slog.String("error_code", errorCode),
			slog.Int("retried", t.Retried),
			slog.String("last_error", t.LastErr),
		)
	}
	return nil
}
