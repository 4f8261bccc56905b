package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/platinummonkey/tally/pkg/billing"
)

// ProviderStripe is the provider name stored on payment rows.
const ProviderStripe = "stripe"

// StripeProvider creates PaymentIntents through the Stripe API
type StripeProvider struct {
	currency stripe.Currency
}

// NewStripeProvider configures the Stripe client with secretKey
func NewStripeProvider(secretKey string) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{currency: stripe.CurrencyUSD}
}

// Name implements Provider
func (p *StripeProvider) Name() string {
	return ProviderStripe
}

// CreateIntent implements Provider. The idempotency key is derived from the
// invoice id, so retries return the original intent.
func (p *StripeProvider) CreateIntent(ctx context.Context, inv *billing.Invoice) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(inv.AmountCents),
		Currency: stripe.String(string(p.currency)),
	}
	params.Context = ctx
	params.AddMetadata(MetadataInvoiceID, inv.ID)
	params.AddMetadata(MetadataUserID, inv.UserID)
	params.SetIdempotencyKey("invoice-" + inv.ID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, AmountCents: pi.Amount}, nil
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard,
			stripeErr.HTTPStatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: %s", billing.ErrValidation, stripeErr.Msg)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w: %s", ErrProvider, billing.ErrTransientStorage, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s", ErrProvider, stripeErr.Msg)
	}
	return fmt.Errorf("%w: create payment intent: %v", ErrProvider, err)
}
