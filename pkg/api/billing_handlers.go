package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
)

// BillingHandlers handles users, plans, subscriptions, usage and invoices
type BillingHandlers struct {
	billingService billing.Service
	logger         *observability.Logger
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(billingService billing.Service, logger *observability.Logger) *BillingHandlers {
	return &BillingHandlers{
		billingService: billingService,
		logger:         logger,
	}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	// Users
	router.HandleFunc("/users", h.CreateUser).Methods("POST")
	router.HandleFunc("/users/{id}", h.GetUser).Methods("GET")

	// Plans
	router.HandleFunc("/plans", h.ListPlans).Methods("GET")

	// Subscriptions
	router.HandleFunc("/subscriptions", h.CreateSubscription).Methods("POST")
	router.HandleFunc("/subscriptions/{id}", h.GetSubscription).Methods("GET")
	router.HandleFunc("/subscriptions/{id}/cancel", h.CancelSubscription).Methods("POST")

	// Usage
	router.HandleFunc("/usage", h.RecordUsage).Methods("POST")

	// Invoices
	router.HandleFunc("/users/{id}/invoices", h.GenerateInvoice).Methods("POST")
	router.HandleFunc("/users/{id}/invoices", h.ListInvoices).Methods("GET")
	router.HandleFunc("/invoices/{id}", h.GetInvoice).Methods("GET")
}

// CreateUser registers a user by email
func (h *BillingHandlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req billing.CreateUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := h.billingService.CreateUser(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, user)
}

// GetUser retrieves a user
func (h *BillingHandlers) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	user, err := h.billingService.GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, user)
}

// ListPlans lists the catalog, cheapest first
func (h *BillingHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.billingService.ListPlans(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if plans == nil {
		plans = []billing.Plan{}
	}
	_ = httputil.WriteSuccess(w, plans)
}

// CreateSubscription subscribes a user to a plan
func (h *BillingHandlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req billing.CreateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	subscription, err := h.billingService.CreateSubscription(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, subscription)
}

// GetSubscription retrieves a subscription
func (h *BillingHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	subscription, err := h.billingService.GetSubscription(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, subscription)
}

// CancelSubscription cancels a subscription. Cancelling twice is not an error.
func (h *BillingHandlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	subscription, err := h.billingService.CancelSubscription(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, subscription)
}

// RecordUsage ingests one usage event
func (h *BillingHandlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req billing.RecordUsageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.billingService.RecordUsage(r.Context(), &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteAccepted(w, map[string]string{"status": "recorded"})
}

// GenerateInvoice invoices the user's current period. A period that was
// already invoiced returns the stored invoice with 200.
func (h *BillingHandlers) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	result, err := h.billingService.GenerateInvoice(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	_ = httputil.WriteJSON(w, status, result)
}

// ListInvoices lists a user's invoices, newest first
func (h *BillingHandlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	invoices, err := h.billingService.ListInvoices(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, invoices)
}

// GetInvoice retrieves an invoice
func (h *BillingHandlers) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	invoice, err := h.billingService.GetInvoice(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, invoice)
}
