package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/tally/pkg/async"
	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/rollover"
	"github.com/platinummonkey/tally/pkg/storage/postgres"
)

var (
	runOnce    = flag.Bool("once", false, "Run a single rollover pass and exit")
	runTimeout = flag.Duration("run-timeout", 30*time.Minute, "Upper bound for a single rollover pass")
	version    = "dev"
)

func main() {
	flag.Parse()

	cfg := config.Load()
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "tally-roller")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("tally roller exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	if err := cfg.ValidateRoller(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName + "-roller",
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("init opentelemetry: %w", err)
	}
	if otelProviders != nil {
		shutdown.Register("opentelemetry", otelProviders.Shutdown)
	}

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.URL, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// The roller only writes, so replicas are not opened.
	conns, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:      cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Timeout:         cfg.Database.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	shutdown.Register("database", func(context.Context) error { return conns.Close() })

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	var plans billing.PlanCatalog = billing.NewPostgresPlanStore(conns.Primary())
	plans = catalog.NewCachedCatalog(plans, nil, cfg.Catalog.CacheTTL, metrics, logger)

	roller := rollover.NewRoller(conns.Primary(), plans, rollover.Config{
		BatchSize:  cfg.Rollover.BatchSize,
		Workers:    cfg.Rollover.Workers,
		MaxCatchUp: cfg.Rollover.MaxCatchUp,
		Pricing:    billing.PricingMode(cfg.Rollover.Pricing),
	}, metrics, logger)

	scheduler, err := rollover.NewScheduler(roller, cfg.Rollover.Schedule, *runTimeout, logger)
	if err != nil {
		return err
	}

	if *runOnce {
		summary, err := scheduler.RunOnce(ctx)
		logSummary(logger, summary)
		if serr := shutdown.Shutdown(context.Background()); serr != nil {
			logger.WithError(serr).Warn("Shutdown after single run failed")
		}
		return err
	}

	health := observability.NewHealthChecker(conns.Primary(), nil, version)
	metricsServer := observability.StartMetricsServer(cfg.Rollover.MetricsAddr, registry, health, logger)
	shutdown.Register("metrics server", metricsServer.Shutdown)
	shutdown.Register("scheduler", scheduler.Stop)

	conns.StartHealthCheckRoutine(ctx, 30*time.Second, metrics)

	// Catch up immediately instead of waiting for the first tick.
	async.SafeGo(ctx, logger, *runTimeout, "startup rollover", func(ctx context.Context) error {
		summary, err := roller.Run(ctx)
		logSummary(logger, summary)
		return err
	})

	scheduler.Start()
	logger.WithField("schedule", cfg.Rollover.Schedule).WithField("pricing", cfg.Rollover.Pricing).Info("tally roller started")

	return shutdown.WaitForSignal(ctx)
}

func logSummary(logger *observability.Logger, s rollover.Summary) {
	logger.WithFields(map[string]interface{}{
		"candidates": s.Candidates,
		"rolled":     s.Rolled,
		"invoiced":   s.Invoiced,
		"skipped":    s.Skipped,
		"failed":     s.Failed,
	}).Info("Rollover pass finished")
}
