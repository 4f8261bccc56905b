package observability

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invoice sources used as the "source" label.
const (
	SourceOnDemand = "on_demand"
	SourceRollover = "rollover"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Invoicing
	InvoicesCreatedTotal      *prometheus.CounterVec
	InvoiceGenerationDuration *prometheus.HistogramVec
	UsageEventsTotal          prometheus.Counter
	UnbilledUsageUnitsTotal   prometheus.Counter

	// Period rollover
	RolloverRunsTotal          *prometheus.CounterVec
	RolloverSubscriptionsTotal *prometheus.CounterVec
	RolloverRunDuration        prometheus.Histogram

	// Payments
	PaymentsSucceededTotal prometheus.Counter
	PaymentsFailedTotal    prometheus.Counter
	WebhookEventsTotal     *prometheus.CounterVec

	// Plan catalog cache
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database pool
	DBConnectionsOpen prometheus.Gauge
	DBConnectionsIdle prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_api_latency_seconds",
				Help:    "API request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		InvoicesCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_invoices_created_total",
				Help: "Total number of invoices created",
			},
			[]string{"source"},
		),
		InvoiceGenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_invoice_generation_seconds",
				Help:    "Time spent pricing and persisting one invoice",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"source"},
		),
		UsageEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_usage_events_recorded_total",
				Help: "Total number of usage events recorded",
			},
		),
		UnbilledUsageUnitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_invoice_unbilled_usage_units_total",
				Help: "Usage units recorded in a period after its invoice was issued",
			},
		),

		RolloverRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_rollover_runs_total",
				Help: "Total number of period rollover runs",
			},
			[]string{"status"},
		),
		RolloverSubscriptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_rollover_subscriptions_total",
				Help: "Subscriptions examined by the period roller, by outcome",
			},
			[]string{"outcome"},
		),
		RolloverRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tally_rollover_run_seconds",
				Help:    "Duration of one period rollover run",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		PaymentsSucceededTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_payments_succeeded_total",
				Help: "Total number of successful payment events",
			},
		),
		PaymentsFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_payments_failed_total",
				Help: "Total number of failed payment events",
			},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_webhook_events_total",
				Help: "Payment webhook events by type and result",
			},
			[]string{"type", "result"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache", "tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache", "tier"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InvoicesCreatedTotal,
		m.InvoiceGenerationDuration,
		m.UsageEventsTotal,
		m.UnbilledUsageUnitsTotal,
		m.RolloverRunsTotal,
		m.RolloverSubscriptionsTotal,
		m.RolloverRunDuration,
		m.PaymentsSucceededTotal,
		m.PaymentsFailedTotal,
		m.WebhookEventsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordDBStats copies pool statistics into the DB gauges.
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel prefers the mux route template so ids do not explode label cardinality.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests. Install it with
// router.Use so the matched route is visible.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

var (
	metricsServerOnce sync.Once
	metricsServer     *http.Server
)

// StartMetricsServer starts the process-wide metrics and health listener.
// Only the first call starts a server; later calls return the same one.
func StartMetricsServer(addr string, gatherer prometheus.Gatherer, checker *HealthChecker, logger *Logger) *http.Server {
	metricsServerOnce.Do(func() {
		mux := http.NewServeMux()
		RegisterMetricsEndpoint(mux, gatherer)
		if checker != nil {
			RegisterHealthRoutes(mux, checker)
		}

		metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			defer RecoverPanic(logger, "metrics server")
			logger.Infof("Metrics server listening on %s", addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server stopped")
			}
		}()
	})
	return metricsServer
}
