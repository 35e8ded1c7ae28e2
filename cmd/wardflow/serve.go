package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/wardflow/internal/approval"
	"github.com/pitabwire/wardflow/internal/config"
	"github.com/pitabwire/wardflow/internal/directory"
	"github.com/pitabwire/wardflow/internal/escalation"
	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/internal/idempotency"
	"github.com/pitabwire/wardflow/internal/observability"
	"github.com/pitabwire/wardflow/internal/scheduler"
	"github.com/pitabwire/wardflow/internal/sla"
	"github.com/pitabwire/wardflow/internal/storage"
	"github.com/pitabwire/wardflow/internal/template"
	"github.com/pitabwire/wardflow/internal/transport"
	"github.com/pitabwire/wardflow/internal/workflow"
	"github.com/pitabwire/wardflow/model"
)

var (
	_ workflow.Observer   = (*observability.Metrics)(nil)
	_ escalation.Observer = (*observability.Metrics)(nil)
	_ scheduler.Observer  = (*observability.Metrics)(nil)
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, SLA scheduler and escalation dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// stores groups the persistence backends selected by store.driver.
type stores struct {
	instances workflow.Store
	approvals approval.Store
	sla       sla.Store
	history   history.Store
	pool      *pgxpool.Pool
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	// Step 1: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "wardflow", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Open persistence.
	st, err := openStores(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	// Step 3: Load templates into the registry.
	conds := template.NewConditions()
	registry := template.NewRegistry(template.WithValidator(template.NewValidator(conds)))
	tpls, err := template.NewLoader().LoadAll(cfg.Templates.Directories)
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}
	if err := registry.Load(tpls); err != nil {
		logTemplateErrors(logger, err)
		return fmt.Errorf("templates: %w", err)
	}
	metrics.SetTemplatesLoaded(float64(registry.Len()))

	// Step 4: Build the directory and the engine collaborators.
	dir, err := directory.NewStaticDirectory(cfg.Directory.File)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}

	recorder := history.NewRecorder(st.history, history.WithLogger(logger))
	coordinator := approval.NewCoordinator(st.approvals, dir, approval.WithLogger(logger))

	levels := make([]sla.Level, len(cfg.SLA.Levels))
	for i, l := range cfg.SLA.Levels {
		levels[i] = sla.Level{After: l.After, NotifyRoles: l.NotifyRoles}
	}
	policy, err := sla.NewThresholdPolicy(levels)
	if err != nil {
		return err
	}
	monitor := sla.NewMonitor(st.sla,
		sla.WithLogger(logger),
		sla.WithLevelPolicy(policy),
	)

	idem, err := buildIdempotencyStore(cfg.Idempotency, rdb, logger)
	if err != nil {
		return err
	}

	// Step 5: Build escalation delivery and the SLA scheduler.
	sink, err := buildEscalationSink(cfg.Escalation, rdb, logger)
	if err != nil {
		return err
	}
	dispatcher := escalation.NewDispatcher(sink, escalation.Config{
		QueueSize:        cfg.Escalation.QueueSize,
		MaxTries:         cfg.Escalation.MaxTries,
		InitialInterval:  cfg.Escalation.InitialInterval,
		DeliveryTimeout:  cfg.Escalation.DeliveryTimeout,
		BreakerFailures:  cfg.Escalation.CircuitBreaker.FailureThreshold,
		BreakerOpenFor:   cfg.Escalation.CircuitBreaker.Timeout,
		BreakerHalfOpenN: cfg.Escalation.CircuitBreaker.HalfOpenRequests,
	}, escalation.WithLogger(logger), escalation.WithObserver(metrics))

	engine := workflow.NewEngine(registry, st.instances, coordinator, monitor, recorder,
		workflow.WithLogger(logger),
		workflow.WithConditions(conds),
		workflow.WithIdempotency(idem, cfg.Idempotency.TTL),
		workflow.WithObserver(metrics),
		workflow.WithEscalator(dispatcher),
	)

	sched, err := scheduler.New(monitor, dispatcher, scheduler.Config{
		SweepInterval:  cfg.Scheduler.SweepInterval,
		EscalationCron: cfg.Scheduler.EscalationCron,
		QueueSize:      cfg.Scheduler.QueueSize,
	}, scheduler.WithLogger(logger), scheduler.WithObserver(metrics))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// Step 6: Build the HTTP router.
	key, err := transport.LoadVerificationKey(cfg.Identity)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	readiness := observability.ReadinessChecks{
		TemplatesLoaded: func() bool { return registry.Len() > 0 },
		Scheduler:       sched,
		Escalation:      dispatcher,
	}
	if st.pool != nil {
		readiness.Database = observability.CheckFunc(st.pool.Ping)
	}
	if hc, ok := idem.(observability.HealthChecker); ok {
		readiness.Idempotency = hc
	}

	deps := transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, key),
		Directory:    dir,
		Engine:       engine,
		Registry:     registry,
		OnTemplatesChanged: func(n int) {
			metrics.SetTemplatesLoaded(float64(n))
		},
		HealthHandler: observability.HandleHealth(),
		ReadyHandler:  observability.HandleReady(readiness),
	}
	if cfg.Observability.Metrics.Enabled {
		deps.MetricsHandler = observability.Handler()
	}
	router := transport.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      metrics.MetricsMiddleware(observability.TracingMiddleware(router)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 7: Run everything until a signal or a fatal error.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("templates", registry.Len()),
		zap.String("store", cfg.Store.Driver),
	)

	// The dispatcher outlives ctx so that events raised by the final
	// scheduler pass are still delivered before exit.
	dispatchCtx, dispatchCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer dispatchCancel()
	dispatchErr := make(chan error, 1)
	go func() { dispatchErr <- dispatcher.Run(dispatchCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		watchDirectory(gctx, dir, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()

	// Graceful shutdown: drain escalations, then flush telemetry.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	dispatcher.Close()
	select {
	case <-dispatcher.Done():
	case <-shutdownCtx.Done():
		logger.Warn("escalation queue not drained", zap.Int("pending", dispatcher.Pending()))
		dispatchCancel()
	}
	if err := <-dispatchErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("escalation dispatcher error", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("server error", zap.Error(runErr))
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

// openStores selects the persistence backend for instances, approvals, SLA
// tracking and history.
func openStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		hs := history.NewMemoryStore()
		return stores{
			instances: workflow.NewMemoryStore(hs),
			approvals: approval.NewMemoryStore(hs),
			sla:       sla.NewMemoryStore(hs),
			history:   hs,
		}, nil
	case "postgres":
		pool, err := openPool(ctx, cfg, logger)
		if err != nil {
			return stores{}, err
		}
		if cfg.AutoMigrate {
			if err := storage.Migrate(ctx, pool); err != nil {
				pool.Close()
				return stores{}, err
			}
			logger.Info("schema migrated")
		}
		return stores{
			instances: workflow.NewPgStore(pool),
			approvals: approval.NewPgStore(pool),
			sla:       sla.NewPgStore(pool),
			history:   history.NewPgStore(pool),
			pool:      pool,
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

func openPool(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}
	return storage.Open(ctx, storage.PoolConfig{
		DSN:             dsn,
		MaxConns:        cfg.MaxOpenConns,
		MinConns:        cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
}

func needsRedis(cfg *config.Config) bool {
	if cfg.Idempotency.Driver == "redis" {
		return true
	}
	for _, s := range cfg.Escalation.Sinks {
		if s == "redis_stream" {
			return true
		}
	}
	return false
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.AddrEnv)
	}
	var password string
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func buildIdempotencyStore(cfg config.IdempotencyConfig, rdb *redis.Client, logger *zap.Logger) (idempotency.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil
	case "redis":
		return idempotency.NewRedisStore(rdb), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

func buildEscalationSink(cfg config.EscalationConfig, rdb *redis.Client, logger *zap.Logger) (escalation.Sink, error) {
	sinks := make([]escalation.Sink, 0, len(cfg.Sinks))
	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, escalation.NewLogSink(logger))
		case "webhook":
			client := &http.Client{Timeout: cfg.Webhook.Timeout}
			sinks = append(sinks, escalation.NewWebhookSink(cfg.Webhook.URL, client, cfg.Webhook.Headers))
		case "redis_stream":
			sinks = append(sinks, escalation.NewRedisStreamSink(rdb, cfg.RedisStream.Stream, cfg.RedisStream.MaxLen))
		default:
			return nil, fmt.Errorf("unsupported escalation sink: %q", name)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, escalation.NewLogSink(logger))
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return escalation.NewFanoutSink(sinks...), nil
}

// watchDirectory reloads the role directory on SIGHUP.
func watchDirectory(ctx context.Context, dir *directory.StaticDirectory, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := dir.Sync(); err != nil {
				logger.Error("directory reload failed", zap.Error(err))
				continue
			}
			logger.Info("directory reloaded")
		}
	}
}

func logTemplateErrors(logger *zap.Logger, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		return
	}
	for _, d := range env.Details {
		logger.Error("template validation error",
			zap.String("field", d.Field),
			zap.String("code", d.Code),
			zap.String("message", d.Message),
		)
	}
}
