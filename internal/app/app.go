package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/utafrali/saga-orchestrator/internal/config"
	"github.com/utafrali/saga-orchestrator/internal/event"
	handler "github.com/utafrali/saga-orchestrator/internal/handler/http"
	"github.com/utafrali/saga-orchestrator/internal/metrics"
	"github.com/utafrali/saga-orchestrator/internal/registry"
	"github.com/utafrali/saga-orchestrator/internal/repository"
	"github.com/utafrali/saga-orchestrator/internal/repository/memory"
	"github.com/utafrali/saga-orchestrator/internal/repository/postgres"
	"github.com/utafrali/saga-orchestrator/internal/scheduler"
	"github.com/utafrali/saga-orchestrator/internal/service"
	"github.com/utafrali/saga-orchestrator/migrations"
	"github.com/utafrali/saga-orchestrator/pkg/database"
	"github.com/utafrali/saga-orchestrator/pkg/health"
	"github.com/utafrali/saga-orchestrator/pkg/httpclient"
	pkgkafka "github.com/utafrali/saga-orchestrator/pkg/kafka"
	"github.com/utafrali/saga-orchestrator/pkg/retry"
	"github.com/utafrali/saga-orchestrator/pkg/tracing"
)

// ServiceVersion is reported to the tracing backend.
const ServiceVersion = "0.1.0"

// App wires together all dependencies and runs the saga orchestrator.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	dlq            *pkgkafka.DLQProducer
	consumer       *pkgkafka.Consumer
	orchestrator   *service.Orchestrator
	scheduler      *scheduler.Scheduler
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.closeResources()
		if a.tracerShutdown != nil {
			_ = a.tracerShutdown(ctx)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    handler.ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	collector := metrics.NewCollector()
	healthHandler := health.NewHandler()

	repo, err := a.openStore(ctx, collector)
	if err != nil {
		return err
	}
	healthHandler.RegisterCritical("state_store", repo.Ping)

	idempotency, err := a.openIdempotencyStore(ctx)
	if err != nil {
		return err
	}
	if a.redis != nil {
		healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}

	var kafkaMetrics *pkgkafka.Metrics
	if cfg.KafkaEnabled {
		kafkaMetrics = pkgkafka.NewMetrics(collector.Registry())
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger, kafkaMetrics)
		a.dlq = pkgkafka.NewDLQProducer(cfg.KafkaBrokers, logger)
		if err := retry.WaitFor(ctx, "kafka", a.producer.Ping, brokerRetry(), logger); err != nil {
			logger.Warn("kafka unreachable, continuing in degraded mode",
				slog.String("error", err.Error()),
			)
		}
		healthHandler.RegisterNonCritical("kafka", a.producer.Ping)
	} else {
		logger.Info("kafka disabled, lifecycle events are only logged")
	}

	// Build the dependency graph.
	reg := registry.New()
	if err := registry.RegisterBuiltins(reg, cfg.ServiceURLs()); err != nil {
		return fmt.Errorf("register built-in sagas: %w", err)
	}

	invoker := httpclient.New(cfg.Invoker(), logger, collector.Registry())
	a.orchestrator = service.NewOrchestrator(
		repo,
		reg,
		invoker,
		event.NewProducer(a.producer, logger),
		collector,
		logger,
		service.Options{DefaultTimeout: config.Seconds(cfg.SagaDefaultTimeout)},
	)
	choreography := service.NewChoreography(a.orchestrator, reg, idempotency)
	logger.Info("choreography subscriptions", slog.Any("event_types", choreography.Subscriptions()))

	if cfg.KafkaEnabled {
		a.consumer = event.NewConsumer(cfg.KafkaBrokers, event.NewConsumerHandler(choreography, logger), a.dlq, kafkaMetrics, logger)
	}

	a.scheduler = scheduler.New(repo, a.orchestrator, collector, scheduler.Config{
		Interval:            config.Seconds(cfg.SchedulerInterval),
		CompensationTimeout: config.Seconds(cfg.CompensationTimeout),
	}, logger)

	router := handler.NewRouter(handler.RouterDeps{
		Sagas:      a.orchestrator,
		Events:     choreography,
		Templates:  reg,
		Collector:  collector,
		Health:     healthHandler,
		CORS:       cfg.CORS(),
		PprofCIDRs: cfg.PprofAllowedCIDRs,
		Logger:     logger,
	})

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (a *App) openStore(ctx context.Context, collector *metrics.Collector) (repository.SagaRepository, error) {
	cfg, logger := a.cfg, a.logger
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using the in-memory state store, sagas are lost on restart")
		return memory.New(), nil
	}

	pgCfg := cfg.Postgres()
	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := database.RegisterPoolMetrics(collector.Registry(), pool, handler.ServiceName); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}

	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}
	return postgres.NewSagaRepository(pool), nil
}

func (a *App) openIdempotencyStore(ctx context.Context) (pkgkafka.IdempotencyStore, error) {
	ttl := time.Duration(a.cfg.EventDedupTTL) * time.Hour
	if !a.cfg.RedisEnabled {
		return pkgkafka.NewMemoryIdempotencyStore(ttl), nil
	}
	client, err := database.NewRedisClient(ctx, a.cfg.Redis(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = client
	return pkgkafka.NewRedisIdempotencyStore(client, "saga:events:seen:", ttl), nil
}

// brokerRetry waits up to about 3s for the brokers: 3 attempts, 1s then 2s.
func brokerRetry() retry.Config {
	return retry.Config{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        4 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// Run starts the HTTP server, the inbound consumer and the timeout
// scheduler, then blocks until the context is canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})

	if a.consumer != nil {
		g.Go(func() error {
			if err := a.consumer.Start(gctx); err != nil {
				return fmt.Errorf("inbound event consumer: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			a.logger.Info("shutdown signal received")
		}
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops all components in order:
// 1. HTTP server (drain in-flight requests)
// 2. Saga runs (let in-flight steps finish within the shutdown budget)
// 3. Tracer (flush pending spans)
// 4. Kafka consumer, then producers
// 5. Redis client and PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	runCtx, runCancel := context.WithTimeout(context.Background(), config.Seconds(a.cfg.ShutdownTimeout))
	defer runCancel()
	if err := a.orchestrator.Shutdown(runCtx); err != nil {
		// Interrupted steps stay running; the timeout scheduler of the next
		// instance picks them up.
		a.logger.Warn("saga runs still active at shutdown", slog.String("error", err.Error()))
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	errs = append(errs, a.closeResources()...)

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// closeResources releases the broker and store connections that were opened.
func (a *App) closeResources() []error {
	var errs []error
	closeOne := func(name string, fn func() error) {
		if err := fn(); err != nil {
			a.logger.Error(name+" close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.consumer != nil {
		closeOne("kafka consumer", a.consumer.Close)
	}
	if a.producer != nil {
		closeOne("kafka producer", a.producer.Close)
	}
	if a.dlq != nil {
		closeOne("kafka dlq producer", a.dlq.Close)
	}
	if a.redis != nil {
		closeOne("redis", a.redis.Close)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errs
}
