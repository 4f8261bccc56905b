package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tally/pkg/api"
	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/payments"
	"github.com/platinummonkey/tally/pkg/storage/postgres"
)

var (
	migrateOnly = flag.Bool("migrate-only", false, "Apply database migrations and exit")
	version     = "dev"
)

func main() {
	flag.Parse()

	cfg := config.Load()
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "tally-api")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("tally API exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.MigrateOnStart || *migrateOnly {
		if err := postgres.Migrate(cfg.Database.URL, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if *migrateOnly {
			return nil
		}
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("init opentelemetry: %w", err)
	}
	if otelProviders != nil {
		shutdown.Register("opentelemetry", otelProviders.Shutdown)
	}

	conns, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:      cfg.Database.URL,
		ReplicaURLs:     cfg.Database.ReplicaURLs,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Timeout:         cfg.Database.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	shutdown.Register("database", func(context.Context) error { return conns.Close() })

	var redisClient *postgres.RedisClient
	if cfg.Redis.URL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, continuing with in-process caches and rate limits")
			redisClient = nil
		} else {
			shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	conns.StartHealthCheckRoutine(ctx, 30*time.Second, metrics)

	planStore := billing.NewPostgresPlanStore(conns.Primary())
	if cfg.Catalog.File != "" {
		added, err := catalog.Sync(ctx, planStore, cfg.Catalog.File)
		if err != nil {
			return fmt.Errorf("sync plan catalog: %w", err)
		}
		logger.WithField("added", added).Info("Plan catalog synced")
	}
	plans := catalog.NewCachedCatalog(planStore, redisClient, cfg.Catalog.CacheTTL, metrics, logger)

	svc := billing.NewPostgresService(conns.Primary(), plans, metrics, logger,
		billing.WithReaderFunc(conns.Replica),
		billing.WithTimeout(cfg.Database.Timeout),
	)

	reconciler := payments.NewReconciler(conns.Primary(), payments.ProviderStripe, metrics, logger)
	reconciler.SetTimeout(cfg.Database.Timeout)

	deps := api.Dependencies{
		Billing:    svc,
		Verifier:   payments.NewStripeVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.WebhookTolerance),
		Reconciler: reconciler,
		Health:     observability.NewHealthChecker(conns.Primary(), nil, version),
		Gatherer:   registry,
		Metrics:    metrics,
		Logger:     logger,
	}
	if redisClient != nil {
		deps.Redis = redisClient.Client()
		deps.Health = observability.NewHealthChecker(conns.Primary(), redisClient.Client(), version)
	}
	if cfg.Stripe.SecretKey != "" {
		initiator := payments.NewInitiator(conns.Primary(), payments.NewStripeProvider(cfg.Stripe.SecretKey), logger)
		initiator.SetTimeout(cfg.Database.Timeout)
		deps.Initiator = initiator
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, payment initiation disabled")
	}

	server := api.NewServer(deps, api.Config{RateLimitPerMinute: cfg.Server.RateLimitPerMinute})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      otelhttp.NewHandler(server, "tally-api"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, deps.Health)
	observability.RegisterMetricsEndpoint(healthMux, registry)
	healthServer := &http.Server{
		Addr:              cfg.Server.HealthAddr,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	shutdown.Register("health server", healthServer.Shutdown)
	shutdown.Register("http server", httpServer.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.Server.Addr).Info("tally API listening")
		return listen(httpServer)
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.Server.HealthAddr).Info("Health server listening")
		return listen(healthServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", srv.Addr, err)
	}
	return nil
}
