package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tokenmeter/pkg/api"
	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/config"
	"github.com/platinummonkey/tokenmeter/pkg/entitlements"
	"github.com/platinummonkey/tokenmeter/pkg/ledger"
	"github.com/platinummonkey/tokenmeter/pkg/middleware"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/payments"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/providers"
	"github.com/platinummonkey/tokenmeter/pkg/providers/membership"
	"github.com/platinummonkey/tokenmeter/pkg/providers/stripe"
	"github.com/platinummonkey/tokenmeter/pkg/storage"
	"github.com/platinummonkey/tokenmeter/pkg/storage/memory"
	"github.com/platinummonkey/tokenmeter/pkg/storage/postgres"
	"github.com/platinummonkey/tokenmeter/pkg/webhooks"
)

var version = "dev"

// stores bundles the storage backends selected by configuration
type stores struct {
	subs     storage.SubscriptionStore
	ledger   storage.LedgerStore
	payments storage.PaymentStore
	events   storage.EventLog
	pruner   entitlements.EventPruner
	db       *sql.DB
	redis    *redis.Client
}

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	sweepOnce := flag.Bool("sweep-once", false, "Renew expired free periods once and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger, *migrateOnly, *sweepOnce); err != nil {
		logger.WithError(err).Error("tokenmeter exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, migrateOnly, sweepOnce bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init opentelemetry: %w", err)
	}

	st, err := openStores(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	if migrateOnly {
		logger.Info("Migrations applied")
		return closeStores(st)
	}

	catalog := plans.Default()
	if cfg.Metering.CatalogPath != "" {
		if catalog, err = plans.LoadFile(cfg.Metering.CatalogPath); err != nil {
			return fmt.Errorf("load plan catalog: %w", err)
		}
		logger.WithField("path", cfg.Metering.CatalogPath).Info("Plan catalog loaded")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	gate := ledger.NewGate(st.ledger, st.subs, catalog, logger, metrics)
	reconciler := entitlements.NewReconciler(st.subs, catalog, logger, metrics)
	if err := registerUpstreams(reconciler, cfg.Providers); err != nil {
		return err
	}
	recorder := payments.NewRecorder(st.payments, st.subs, catalog, logger, metrics)

	ingestor := webhooks.NewIngestor(reconciler, recorder, st.events, logger, metrics)
	if cfg.Providers.StripeWebhookSecret != "" {
		ingestor.Register(stripe.NewAdapter(cfg.Providers.StripeWebhookSecret))
	}
	if cfg.Providers.MembershipWebhookSecret != "" {
		ingestor.Register(membership.NewAdapter(cfg.Providers.MembershipWebhookSecret))
	}
	logger.WithField("providers", ingestor.Providers()).Info("Webhook providers registered")

	sweeper := entitlements.NewSweeper(st.subs, cfg.Metering.SweepSchedule, logger, metrics)
	if st.pruner != nil {
		sweeper.WithPruner(st.pruner, cfg.Storage.EventTTL)
	}
	if sweepOnce {
		renewed := sweeper.RunOnce(ctx)
		logger.WithField("renewed", renewed).Info("Free period sweep complete")
		return closeStores(st)
	}

	var limiter *middleware.RateLimiter
	if cfg.Server.WebhookRateLimit > 0 {
		limiter = middleware.NewRateLimiter(&middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Server.WebhookRateLimit,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.Server.WebhookRateBurst,
		})
		limiter.StartCleanup(ctx)
	}

	server := api.NewServer(api.Deps{
		Webhooks:       ingestor,
		Entitlements:   reconciler,
		Gate:           gate,
		Payments:       recorder,
		Logger:         logger,
		Metrics:        metrics,
		WebhookLimiter: limiter,
	})
	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(st.db, st.redis, version).WithMetrics(metrics)
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              cfg.Server.HealthAddr(),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc("storage", func(context.Context) error { return closeStores(st) })
	shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	shutdown.RegisterShutdownFunc("sweeper", sweeper.Stop)

	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(apiServer, logger, "API") })
	g.Go(func() error { return serve(healthServer, logger, "health") })
	g.Go(func() error { return shutdown.WaitForShutdown(gctx) })

	return g.Wait()
}

func serve(srv *http.Server, logger *observability.Logger, name string) error {
	logger.WithField("addr", srv.Addr).Infof("Starting %s server", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func openStores(ctx context.Context, cfg storage.Config, logger *observability.Logger) (*stores, error) {
	st := &stores{}

	switch cfg.Type {
	case "postgres":
		db, err := postgres.Open(postgres.ConnectionConfigFrom(cfg))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		store := postgres.NewStore(db)
		eventLog := postgres.NewEventLog(db)
		st.subs, st.ledger, st.payments = store, store, store
		st.events, st.pruner = eventLog, eventLog
		st.db = db
		logger.Info("Using postgres storage")
	default:
		store := memory.NewStore()
		st.subs, st.ledger, st.payments = store, store, store
		st.events = webhooks.NewMemoryEventLog(cfg.EventCacheSize, cfg.EventTTL)
		logger.Warn("Using in-memory storage; usage and subscriptions are lost on restart")
	}

	// Redis takes over webhook dedup so replicas share it
	if cfg.RedisURL != "" {
		client, err := postgres.NewRedisClient(ctx, cfg)
		if err != nil {
			closeStores(st)
			return nil, err
		}
		st.redis = client
		st.events = postgres.NewRedisEventLog(client, cfg.EventTTL)
		st.pruner = nil
		logger.Info("Using redis for webhook deduplication")
	}

	return st, nil
}

func closeStores(st *stores) error {
	var errs []error
	if st.redis != nil {
		errs = append(errs, st.redis.Close())
	}
	if st.db != nil {
		errs = append(errs, st.db.Close())
	}
	return errors.Join(errs...)
}

func registerUpstreams(r *entitlements.Reconciler, cfg config.ProvidersConfig) error {
	retry := providers.DefaultRetryConfig()

	if cfg.StripeAPIKey != "" {
		r.RegisterUpstream(billing.ProviderStripe, stripe.NewClient(stripe.ClientConfig{
			APIKey:  cfg.StripeAPIKey,
			Timeout: cfg.UpstreamTimeout,
			Retry:   retry,
		}))
	}
	if cfg.MembershipAPIKey != "" {
		client, err := membership.NewClient(membership.ClientConfig{
			BaseURL: cfg.MembershipAPIURL,
			APIKey:  cfg.MembershipAPIKey,
			Timeout: cfg.UpstreamTimeout,
			Retry:   retry,
		})
		if err != nil {
			return err
		}
		r.RegisterUpstream(billing.ProviderMembership, client)
	}
	return nil
}
