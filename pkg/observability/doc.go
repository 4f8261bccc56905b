// Package observability provides structured logging, Prometheus metrics,
// health probes, graceful shutdown and OpenTelemetry tracing.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("subscription_id", id).Info("Period rolled")
//
// Lines are JSON encoded by logrus.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.InvoicesCreatedTotal.WithLabelValues(observability.SourceRollover).Inc()
//
// StartMetricsServer exposes /metrics and the health probes on a separate
// listener. It is guarded by a sync.Once, so the worker process starts it
// exactly once at startup no matter how many times it is called.
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	status := checker.Check(ctx)
//
// # Tracing
//
//	ctx, span := observability.StartSpan(ctx, "billing.GenerateInvoice")
//	defer func() { observability.EndSpan(span, err) }()
//
// Without InitOTel spans go to the global no-op tracer.
package observability
