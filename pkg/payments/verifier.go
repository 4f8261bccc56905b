package payments

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/tally/pkg/billing"
)

// Event types the reconciler acts on. Everything else is acknowledged and ignored.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// DefaultTolerance is how old a signed webhook timestamp may be.
const DefaultTolerance = 5 * time.Minute

// Event is a verified payment notification
type Event struct {
	ID              string
	Type            string
	PaymentIntentID string
	// InvoiceID comes from the intent's metadata and may be empty.
	InvoiceID     string
	AmountCents   int64
	FailureReason string
	Created       time.Time
}

// Verifier authenticates a raw webhook delivery
type Verifier interface {
	Verify(payload []byte, signature string) (*Event, error)
}

// StripeVerifier checks Stripe-Signature headers
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for the endpoint secret. A zero
// tolerance uses DefaultTolerance.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// Verify checks the signature and timestamp, then decodes the event. Any
// signature problem, including a timestamp outside the tolerance window,
// is ErrVerification.
func (v *StripeVerifier) Verify(payload []byte, signature string) (*Event, error) {
	if v.secret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", billing.ErrVerification)
	}
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature", billing.ErrVerification)
	}

	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrVerification, err)
	}

	ev := &Event{
		ID:      stripeEvent.ID,
		Type:    string(stripeEvent.Type),
		Created: time.Unix(stripeEvent.Created, 0).UTC(),
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: event has no id", billing.ErrValidation)
	}

	if ev.Type != EventPaymentSucceeded && ev.Type != EventPaymentFailed {
		return ev, nil
	}
	if stripeEvent.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrValidation, ev.ID)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(stripeEvent.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: decode payment intent: %v", billing.ErrValidation, err)
	}
	ev.PaymentIntentID = intent.ID
	ev.AmountCents = intent.Amount
	ev.InvoiceID = intent.Metadata[MetadataInvoiceID]
	if intent.LastPaymentError != nil {
		ev.FailureReason = intent.LastPaymentError.Msg
	}
	return ev, nil
}
