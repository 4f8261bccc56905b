package payments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/observability"
)

// Webhook results used as the "result" metric label.
const (
	ResultProcessed = "processed"
	ResultUnlinked  = "unlinked"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultError     = "error"
)

// Outcome reports what handling an event did
type Outcome struct {
	EventID string `json:"event_id"`
	// Duplicate is set for a redelivered event; nothing changed.
	Duplicate bool `json:"duplicate"`
	Ignored   bool `json:"ignored"`
	// Linked is set when the event was matched to a payment row.
	Linked    bool   `json:"linked"`
	PaymentID string `json:"payment_id,omitempty"`
	InvoiceID string `json:"invoice_id,omitempty"`
}

// Reconciler applies verified payment outcomes to payments and invoices
type Reconciler struct {
	db       *sql.DB
	provider string
	metrics  *observability.Metrics
	logger   *observability.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewReconciler creates a Reconciler for events from provider
func NewReconciler(db *sql.DB, provider string, metrics *observability.Metrics, logger *observability.Logger) *Reconciler {
	return &Reconciler{
		db:       db,
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		timeout:  DefaultStorageTimeout,
		now:      time.Now,
	}
}

// SetClock overrides the time source
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// SetTimeout bounds the reconciliation transaction.
func (r *Reconciler) SetTimeout(d time.Duration) {
	r.timeout = d
}

// HandlePaymentEvent records ev and, for payment outcomes, updates the
// matching payment and invoice in the same transaction. Each event id is
// applied at most once. A paid invoice never moves back to failed.
func (r *Reconciler) HandlePaymentEvent(ctx context.Context, ev *Event) (out Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "payments.HandlePaymentEvent")
	span.SetAttributes(attribute.String("event.id", ev.ID), attribute.String("event.type", ev.Type))
	defer func() { observability.EndSpan(span, err) }()

	out.EventID = ev.ID
	logger := observability.LoggerWithTrace(ctx, r.logger).WithFields(map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.countEvent(ev.Type, ResultError)
		return out, billing.ClassifyStorageError("begin reconcile", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.WithError(rbErr).Warn("Rollback failed")
		}
	}()

	now := r.now().UTC()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payment_events (provider, event_id, type, payment_intent_id, received_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		r.provider, ev.ID, ev.Type, ev.PaymentIntentID, now)
	if err != nil {
		r.countEvent(ev.Type, ResultError)
		return out, billing.ClassifyStorageError("record payment event", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		r.countEvent(ev.Type, ResultError)
		return out, billing.ClassifyStorageError("record payment event", err)
	} else if n == 0 {
		out.Duplicate = true
		r.countEvent(ev.Type, ResultDuplicate)
		logger.Info("Duplicate payment event ignored")
		return out, nil
	}

	success := ev.Type == EventPaymentSucceeded
	if !success && ev.Type != EventPaymentFailed {
		if err := tx.Commit(); err != nil {
			r.countEvent(ev.Type, ResultError)
			return out, billing.ClassifyStorageError("commit payment event", err)
		}
		out.Ignored = true
		r.countEvent(ev.Type, ResultIgnored)
		logger.Debug("Unhandled event type acknowledged")
		return out, nil
	}

	payment, err := r.linkPayment(ctx, tx, ev, now)
	if err != nil {
		r.countEvent(ev.Type, ResultError)
		return out, err
	}

	if payment != nil {
		out.Linked = true
		out.PaymentID = payment.ID
		out.InvoiceID = payment.InvoiceID
		if success {
			err = r.applySuccess(ctx, tx, payment, now)
		} else {
			err = r.applyFailure(ctx, tx, payment, ev.FailureReason, now)
		}
		if err != nil {
			r.countEvent(ev.Type, ResultError)
			return out, err
		}
	}

	if err := tx.Commit(); err != nil {
		r.countEvent(ev.Type, ResultError)
		return out, billing.ClassifyStorageError("commit reconcile", err)
	}

	r.countOutcome(success)
	if payment == nil {
		r.countEvent(ev.Type, ResultUnlinked)
		logger.WithField("payment_intent_id", ev.PaymentIntentID).Warn("Payment event matches no payment or invoice")
		return out, nil
	}

	r.countEvent(ev.Type, ResultProcessed)
	logger.WithFields(map[string]interface{}{
		"payment_id": out.PaymentID,
		"invoice_id": out.InvoiceID,
	}).Info("Payment event reconciled")
	return out, nil
}

// linkPayment locks the payment for ev's intent, creating it from the
// intent's invoice metadata when the intent was not started here. It
// returns nil when there is nothing to link to.
func (r *Reconciler) linkPayment(ctx context.Context, tx *sql.Tx, ev *Event, now time.Time) (*billing.Payment, error) {
	if ev.PaymentIntentID == "" {
		return nil, nil
	}

	payment, err := r.lockPayment(ctx, tx, ev.PaymentIntentID)
	if err != nil || payment != nil || ev.InvoiceID == "" {
		return payment, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, invoice_id, provider, provider_payment_id, amount_cents, status, created_at, updated_at)
		SELECT $1, i.id, $2, $3, CASE WHEN $4::bigint > 0 THEN $4::bigint ELSE i.amount_cents END, 'pending', $5, $5
		FROM invoices i
		WHERE i.id = $6
		ON CONFLICT (provider, provider_payment_id) DO NOTHING`,
		uuid.NewString(), r.provider, ev.PaymentIntentID, ev.AmountCents, now, ev.InvoiceID)
	if err != nil {
		return nil, billing.ClassifyStorageError("create payment from event", err)
	}

	return r.lockPayment(ctx, tx, ev.PaymentIntentID)
}

func (r *Reconciler) lockPayment(ctx context.Context, tx *sql.Tx, intentID string) (*billing.Payment, error) {
	payment, err := billing.ScanPayment(tx.QueryRowContext(ctx, `
		SELECT `+billing.PaymentColumns+`
		FROM payments
		WHERE provider = $1 AND provider_payment_id = $2
		FOR UPDATE`, r.provider, intentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, billing.ClassifyStorageError("lock payment", err)
	}
	return payment, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, tx *sql.Tx, payment *billing.Payment, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = 'succeeded', failure_reason = NULL, updated_at = $2
		WHERE id = $1`, payment.ID, now); err != nil {
		return billing.ClassifyStorageError("mark payment succeeded", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE invoices SET status = 'paid', paid_at = $2
		WHERE id = $1 AND status IN ('open', 'failed')`, payment.InvoiceID, now); err != nil {
		return billing.ClassifyStorageError("mark invoice paid", err)
	}
	return nil
}

func (r *Reconciler) applyFailure(ctx context.Context, tx *sql.Tx, payment *billing.Payment, reason string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = 'failed', failure_reason = NULLIF($2, ''), updated_at = $3
		WHERE id = $1 AND status <> 'succeeded'`, payment.ID, reason, now); err != nil {
		return billing.ClassifyStorageError("mark payment failed", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE invoices SET status = 'failed'
		WHERE id = $1 AND status = 'open'`, payment.InvoiceID); err != nil {
		return billing.ClassifyStorageError("mark invoice failed", err)
	}
	return nil
}

func (r *Reconciler) countOutcome(success bool) {
	if r.metrics == nil {
		return
	}
	if success {
		r.metrics.PaymentsSucceededTotal.Inc()
	} else {
		r.metrics.PaymentsFailedTotal.Inc()
	}
}

func (r *Reconciler) countEvent(eventType, result string) {
	if r.metrics != nil {
		r.metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
	}
}
