package api

import (
	"context"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/middleware"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/payments"
)

// DefaultMaxBodyBytes caps JSON request bodies.
const DefaultMaxBodyBytes = 1 << 20

// PaymentEventHandler applies verified payment events
type PaymentEventHandler interface {
	HandlePaymentEvent(ctx context.Context, ev *payments.Event) (payments.Outcome, error)
}

// PaymentInitiator starts payments for invoices
type PaymentInitiator interface {
	InitiatePayment(ctx context.Context, invoiceID string) (*payments.Initiation, error)
}

// Dependencies are the collaborators the server routes to. Initiator,
// Redis, Health and Gatherer are optional.
type Dependencies struct {
	Billing    billing.Service
	Verifier   payments.Verifier
	Reconciler PaymentEventHandler
	Initiator  PaymentInitiator
	Redis      *redis.Client
	Health     *observability.HealthChecker
	Gatherer   prometheus.Gatherer
	Metrics    *observability.Metrics
	Logger     *observability.Logger
}

// Config tunes the HTTP surface
type Config struct {
	RateLimitPerMinute int
	MaxBodyBytes       int64
}

// Server represents our API server
type Server struct {
	router *mux.Router
	logger *observability.Logger
}

// NewServer creates a new API server with every route registered
func NewServer(deps Dependencies, cfg Config) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		router: mux.NewRouter(),
		logger: deps.Logger,
	}
	s.setupRoutes(deps, cfg)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(deps Dependencies, cfg Config) {
	s.router.Use(
		httputil.RecoveryMiddleware(s.logger),
		httputil.RequestIDMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
	)
	if deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Operational routes are registered first and skip rate limiting.
	if deps.Health != nil {
		s.router.HandleFunc("/healthz", deps.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/readyz", deps.Health.Readiness).Methods("GET")
	}
	if deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	paymentHandlers := NewPaymentHandlers(deps.Billing, deps.Initiator, deps.Verifier, deps.Reconciler, s.logger)

	// Webhooks cap their own body size and are authenticated by signature.
	paymentHandlers.RegisterWebhookRoutes(s.router)

	api := s.router.PathPrefix("/").Subrouter()
	limiter := middleware.NewRateLimitMiddleware(deps.Redis, middleware.PerMinute(cfg.RateLimitPerMinute), s.logger)
	api.Use(limiter.Handler, httputil.MaxBytesMiddleware(cfg.MaxBodyBytes))

	NewBillingHandlers(deps.Billing, s.logger).RegisterRoutes(api)
	paymentHandlers.RegisterRoutes(api)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}
