package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	votepipeline "ballotbox/contexts/vote-ingestion/vote-pipeline"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/adapters/memory"
	postgresadapter "ballotbox/contexts/vote-ingestion/vote-pipeline/adapters/postgres"
	promadapter "ballotbox/contexts/vote-ingestion/vote-pipeline/adapters/prometheus"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/adapters/telemetry"
	application "ballotbox/contexts/vote-ingestion/vote-pipeline/application"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/application/workers"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"
	"ballotbox/internal/platform/config"
	"ballotbox/internal/platform/db"
	"ballotbox/internal/platform/httpserver"
	"ballotbox/internal/platform/messaging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

const shutdownTimeout = 10 * time.Second

type APIApp struct {
	infra           *infrastructure
	server          *httpserver.Server
	embeddedCounter bool
}

type WorkerApp struct {
	infra         *infrastructure
	metricsServer *http.Server
}

// ApplyVoteApp runs the counter for a single delivery per process.
type ApplyVoteApp struct {
	infra *infrastructure
}

// infrastructure holds the adapters shared by every process type.
type infrastructure struct {
	cfg      config.Config
	logger   *slog.Logger
	database *db.Database
	redis    *redis.Client
	broker   votepipeline.Broker
	registry *prometheus.Registry
	tracing  *sdktrace.TracerProvider
	module   votepipeline.Module
}

func BuildAPI() (*APIApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewAPI(cfg, NewLogger(cfg, "api"))
}

func NewAPI(cfg config.Config, logger *slog.Logger) (*APIApp, error) {
	infra, err := buildInfrastructure(cfg, logger)
	if err != nil {
		return nil, err
	}
	server := httpserver.New(infra.module, httpserver.Options{
		Addr:           normalizeAddr(cfg.HTTPPort),
		ServiceName:    cfg.ServiceName,
		RateLimitRPS:   cfg.VoteRateLimitRPS,
		RateLimitBurst: cfg.VoteRateLimitBurst,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Gatherer:       infra.registry,
		Logger:         logger,
	})
	return &APIApp{
		infra:  infra,
		server: server,
		// The memory broker lives inside this process, so nothing else can
		// drain it.
		embeddedCounter: cfg.EnableEmbeddedCounter || cfg.BrokerDriver == config.BrokerMemory,
	}, nil
}

func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWorker(cfg, NewLogger(cfg, "worker"))
}

func NewWorker(cfg config.Config, logger *slog.Logger) (*WorkerApp, error) {
	if cfg.BrokerDriver == config.BrokerMemory {
		return nil, errors.New("BROKER_DRIVER=memory is process-local; run the counter embedded in the api or use redis")
	}
	if cfg.DatabaseDriver == config.DatabaseMemory {
		return nil, errors.New("DATABASE_DRIVER=memory is process-local; use sqlite or postgres for a standalone worker")
	}
	infra, err := buildInfrastructure(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &WorkerApp{
		infra:         infra,
		metricsServer: httpserver.NewMetricsServer(normalizeAddr(cfg.MetricsPort), infra.registry),
	}, nil
}

func BuildApplyVote() (*ApplyVoteApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewApplyVote(cfg, NewLogger(cfg, "applyvote"))
}

func NewApplyVote(cfg config.Config, logger *slog.Logger) (*ApplyVoteApp, error) {
	if cfg.DatabaseDriver == config.DatabaseMemory {
		return nil, errors.New("DATABASE_DRIVER=memory does not survive a single invocation; use sqlite or postgres")
	}
	// Single invocations never touch the broker; the caller owns delivery.
	cfg.BrokerDriver = config.BrokerMemory
	infra, err := buildInfrastructure(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &ApplyVoteApp{infra: infra}, nil
}

func (a *APIApp) Handler() http.Handler {
	return a.server.Handler()
}

func (a *APIApp) Run(ctx context.Context) error {
	logger := a.infra.logger
	group, ctx := errgroup.WithContext(ctx)

	if a.embeddedCounter {
		if err := a.infra.startConsumers(ctx); err != nil {
			return err
		}
	}
	group.Go(a.server.Start)
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	logger.Info("api app started",
		"event", "bootstrap_api_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"database_driver", a.infra.cfg.DatabaseDriver,
		"broker_driver", a.infra.cfg.BrokerDriver,
		"embedded_counter", a.embeddedCounter,
	)
	return group.Wait()
}

func (a *APIApp) Close() error {
	return a.infra.close()
}

func (w *WorkerApp) Run(ctx context.Context) error {
	logger := w.infra.logger
	group, ctx := errgroup.WithContext(ctx)

	if err := w.infra.startConsumers(ctx); err != nil {
		return err
	}
	group.Go(func() error {
		if err := w.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return w.metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"topic", w.infra.cfg.VoteTopic,
		"consumer_group", w.infra.cfg.CounterConsumerGroup,
		"concurrency", w.infra.cfg.CounterConcurrency,
		"metrics_addr", w.metricsServer.Addr,
	)
	return group.Wait()
}

func (w *WorkerApp) Close() error {
	return w.infra.close()
}

// Process applies one vote envelope. Delivery metadata comes from the
// invoking runtime; attempt defaults to 1.
func (a *ApplyVoteApp) Process(ctx context.Context, messageID string, body []byte, attempt int) workers.ProcessResult {
	if attempt <= 0 {
		attempt = 1
	}
	return a.infra.module.Counter.Process(ctx, ports.Delivery{
		MessageID: messageID,
		Topic:     a.infra.cfg.VoteTopic,
		Body:      body,
		Attempt:   attempt,
	})
}

func (a *ApplyVoteApp) Close() error {
	return a.infra.close()
}

// NewLogger builds the process logger: JSON on stdout with service and
// process attributes on every line.
func NewLogger(cfg config.Config, process string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", cfg.ServiceName, "process", process)
}

func buildInfrastructure(cfg config.Config, logger *slog.Logger) (*infrastructure, error) {
	if logger == nil {
		logger = slog.Default()
	}
	infra := &infrastructure{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	infra.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := promadapter.NewMetrics(infra.registry)
	if err != nil {
		return nil, fmt.Errorf("register pipeline metrics: %w", err)
	}

	infra.tracing = sdktrace.NewTracerProvider(
		sdktrace.WithResource(sdkresource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	)

	brokerOptions := messaging.Options{
		MaxRetries:       cfg.BrokerMaxRetries,
		LeaseTimeout:     cfg.BrokerLeaseTimeout,
		RetryDelay:       cfg.BrokerRetryDelay,
		DeadLetterTopics: map[string]string{cfg.VoteTopic: cfg.VoteDeadLetterTopic},
		Logger:           logger,
	}
	switch cfg.BrokerDriver {
	case config.BrokerRedis:
		infra.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := infra.redis.Ping(pingCtx).Err(); err != nil {
			_ = infra.close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		infra.broker = messaging.NewRedisStreams(infra.redis, messaging.RedisOptions{Options: brokerOptions})
	default:
		infra.broker = messaging.NewMemoryBroker(brokerOptions)
	}

	deps := votepipeline.Dependencies{
		Publisher:          infra.broker,
		Subscriber:         infra.broker,
		Propagator:         telemetry.NewPropagator(),
		Metrics:            metrics,
		Tracer:             infra.tracing.Tracer(application.TracerName),
		VoteTopic:          cfg.VoteTopic,
		DeadLetterTopic:    cfg.VoteDeadLetterTopic,
		ConsumerGroup:      cfg.CounterConsumerGroup,
		CounterConcurrency: cfg.CounterConcurrency,
		SourceService:      cfg.ServiceName,
		PublishTimeout:     cfg.PublishTimeout,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		Logger:             logger,
	}

	switch cfg.DatabaseDriver {
	case config.DatabaseSQLite, config.DatabasePostgres:
		database, err := db.Connect(db.Options{
			Driver:      cfg.DatabaseDriver,
			PostgresDSN: cfg.PostgresDSN,
			SQLitePath:  cfg.SQLitePath,
			Debug:       cfg.DBDebug,
		})
		if err != nil {
			_ = infra.close()
			return nil, err
		}
		infra.database = database
		if err := postgresadapter.Migrate(database.DB); err != nil {
			_ = infra.close()
			return nil, fmt.Errorf("migrate vote tables: %w", err)
		}
		repo := postgresadapter.NewRepository(database.DB, logger)
		deps.Ledger = repo
		deps.Withdrawals = repo
		deps.Counters = repo
		deps.Rejections = repo
		deps.Idempotency = repo
		deps.Clock = postgresadapter.SystemClock{}
		deps.IDGen = postgresadapter.UUIDGenerator{}
		infra.module = votepipeline.NewModule(deps)
	default:
		store := memory.NewStore()
		deps.Ledger = store
		deps.Withdrawals = store
		deps.Counters = store
		deps.Rejections = store
		deps.Idempotency = store
		deps.Clock = store
		deps.IDGen = store
		infra.module = votepipeline.NewModule(deps)
		infra.module.Store = store
	}
	return infra, nil
}

func (i *infrastructure) startConsumers(ctx context.Context) error {
	if err := i.module.Counter.Start(ctx); err != nil {
		return err
	}
	if i.cfg.EnableDeadLetterRecorder {
		if err := i.module.DeadLetters.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (i *infrastructure) close() error {
	var errs []error
	if i.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = append(errs, i.tracing.Shutdown(ctx))
	}
	if i.redis != nil {
		errs = append(errs, i.redis.Close())
	}
	if i.database != nil {
		errs = append(errs, i.database.Close())
	}
	return errors.Join(errs...)
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") || strings.Contains(value, ":") {
		return value
	}
	return ":" + value
}
