package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/payments"
)

// MaxWebhookBytes caps a webhook delivery.
const MaxWebhookBytes = 65536

// PaymentHandlers handles payment initiation, listing and provider webhooks
type PaymentHandlers struct {
	billingService billing.Service
	initiator      PaymentInitiator
	verifier       payments.Verifier
	reconciler     PaymentEventHandler
	logger         *observability.Logger
}

// NewPaymentHandlers creates PaymentHandlers. initiator may be nil when no
// provider is configured.
func NewPaymentHandlers(billingService billing.Service, initiator PaymentInitiator, verifier payments.Verifier, reconciler PaymentEventHandler, logger *observability.Logger) *PaymentHandlers {
	return &PaymentHandlers{
		billingService: billingService,
		initiator:      initiator,
		verifier:       verifier,
		reconciler:     reconciler,
		logger:         logger,
	}
}

// RegisterRoutes registers the client-facing payment routes
func (h *PaymentHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/invoices/{id}/payments", h.InitiatePayment).Methods("POST")
	router.HandleFunc("/users/{id}/payments", h.ListPayments).Methods("GET")
}

// RegisterWebhookRoutes registers provider callbacks. Providers deliver from
// a small pool of addresses, so these routes sit outside per-IP limiting.
func (h *PaymentHandlers) RegisterWebhookRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/stripe", h.StripeWebhook).Methods("POST")
}

// InitiatePayment starts collecting an invoice
func (h *PaymentHandlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if h.initiator == nil {
		httputil.WriteServiceUnavailable(w, "payments are not configured")
		return
	}

	res, err := h.initiator.InitiatePayment(r.Context(), invoiceID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, res)
}

// ListPayments lists payments for a user's invoices, newest first
func (h *PaymentHandlers) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	list, err := h.billingService.ListPayments(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, list)
}

type webhookResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate"`
	EventID   string `json:"event_id"`
}

// StripeWebhook verifies and applies a Stripe event. Verification failures
// are rejected before anything is recorded.
func (h *PaymentHandlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context(), h.logger)
	r.Body = http.MaxBytesReader(w, r.Body, MaxWebhookBytes)

	payload, err := httputil.ReadBody(r)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		httputil.WriteBadRequest(w, "invalid payload")
		return
	}

	ev, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.WithError(err).Warn("Rejected webhook")
		writeServiceError(w, r, h.logger, err)
		return
	}

	out, err := h.reconciler.HandlePaymentEvent(r.Context(), ev)
	if err != nil {
		// A non-2xx makes the provider redeliver; the event id keeps the retry idempotent.
		writeServiceError(w, r, h.logger, err)
		return
	}

	_ = httputil.WriteSuccess(w, webhookResponse{
		Received:  true,
		Duplicate: out.Duplicate,
		EventID:   out.EventID,
	})
}
