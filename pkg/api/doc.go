// Package api provides the HTTP REST API for the tally billing engine.
//
// # Overview
//
// The API is built on gorilla/mux and organized into handler groups that
// each register their own routes:
//
//   - BillingHandlers: users, plans, subscriptions, usage and invoices
//   - PaymentHandlers: payment initiation, payment listing and the Stripe webhook
//
// Handlers decode and validate requests, call a billing.Service or payments
// collaborator, and map error kinds to status codes:
//
//	billing.ErrNotFound          404
//	billing.ErrValidation        400
//	billing.ErrVerification      400
//	billing.ErrTransientStorage  503 (Retry-After: 1)
//	payments.ErrProvider         502
//	anything else                500
//
// # API Endpoints
//
//	POST   /users                     - Create user
//	GET    /users/{id}                - Get user
//	GET    /plans                     - List plans
//	POST   /subscriptions             - Subscribe a user to a plan
//	GET    /subscriptions/{id}        - Get subscription
//	POST   /subscriptions/{id}/cancel - Cancel subscription
//	POST   /usage                     - Record a usage event (202)
//	POST   /users/{id}/invoices       - Generate the current period's invoice
//	GET    /users/{id}/invoices       - List invoices, newest first
//	GET    /invoices/{id}             - Get invoice
//	POST   /invoices/{id}/payments    - Start a payment for an invoice
//	GET    /users/{id}/payments       - List payments
//	POST   /webhooks/stripe           - Provider events
//	GET    /healthz, /readyz          - Liveness and readiness
//	GET    /metrics                   - Prometheus metrics
//
// Invoice generation answers 201 for a new invoice and 200 when the period
// was already invoiced.
//
// # Usage Example
//
//	server := api.NewServer(api.Dependencies{
//		Billing:    billing.NewPostgresService(db, catalog, metrics, logger),
//		Verifier:   payments.NewStripeVerifier(secret, payments.DefaultTolerance),
//		Reconciler: payments.NewReconciler(db, payments.ProviderStripe, metrics, logger),
//		Logger:     logger,
//	}, api.Config{RateLimitPerMinute: 600})
//	http.ListenAndServe(":8080", server)
//
// Health, metrics, the Stripe webhook and request-id middleware sit on the
// root router. Rate limiting and body size limits apply to the client routes
// only; the webhook caps its own body at MaxWebhookBytes.
package api
