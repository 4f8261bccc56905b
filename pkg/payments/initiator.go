package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/observability"
)

// Metadata keys attached to provider intents.
const (
	MetadataInvoiceID = "invoice_id"
	MetadataUserID    = "user_id"
)

// ErrProvider marks a failure reported by the payment provider.
var ErrProvider = errors.New("payment provider error")

// DefaultStorageTimeout bounds each group of storage calls.
const DefaultStorageTimeout = 5 * time.Second

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Intent is a provider-side collection attempt
type Intent struct {
	ID           string
	ClientSecret string
	AmountCents  int64
}

// Provider creates collection attempts with a payment processor
type Provider interface {
	Name() string
	// CreateIntent must be idempotent per invoice.
	CreateIntent(ctx context.Context, inv *billing.Invoice) (*Intent, error)
}

// Initiation is the result of starting a payment
type Initiation struct {
	Payment      *billing.Payment `json:"payment"`
	ClientSecret string           `json:"client_secret,omitempty"`
}

// Initiator starts payments for open invoices
type Initiator struct {
	db       *sql.DB
	provider Provider
	logger   *observability.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewInitiator creates an Initiator
func NewInitiator(db *sql.DB, provider Provider, logger *observability.Logger) *Initiator {
	return &Initiator{
		db:       db,
		provider: provider,
		logger:   logger,
		timeout:  DefaultStorageTimeout,
		now:      time.Now,
	}
}

// SetTimeout bounds the storage calls made before and after the provider call.
func (i *Initiator) SetTimeout(d time.Duration) {
	i.timeout = d
}

// InitiatePayment asks the provider to collect invoiceID and records a
// pending payment. Calling it again for the same invoice returns the same
// payment.
func (i *Initiator) InitiatePayment(ctx context.Context, invoiceID string) (res *Initiation, err error) {
	ctx, span := observability.StartSpan(ctx, "payments.InitiatePayment")
	defer func() { observability.EndSpan(span, err) }()

	loadCtx, cancelLoad := withTimeout(ctx, i.timeout)
	inv, err := billing.ScanInvoice(i.db.QueryRowContext(loadCtx,
		`SELECT `+billing.InvoiceColumns+` FROM invoices WHERE id = $1`, invoiceID))
	cancelLoad()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: invoice %s", billing.ErrNotFound, invoiceID)
	}
	if err != nil {
		return nil, billing.ClassifyStorageError("load invoice", err)
	}

	switch {
	case inv.Status == billing.InvoiceStatusPaid:
		return nil, fmt.Errorf("%w: invoice %s is already paid", billing.ErrValidation, invoiceID)
	case inv.AmountCents <= 0:
		return nil, fmt.Errorf("%w: invoice %s has nothing to collect", billing.ErrValidation, invoiceID)
	}

	intent, err := i.provider.CreateIntent(ctx, inv)
	if err != nil {
		return nil, err
	}

	now := i.now().UTC()
	payment := &billing.Payment{
		ID:                uuid.NewString(),
		InvoiceID:         inv.ID,
		Provider:          i.provider.Name(),
		ProviderPaymentID: intent.ID,
		AmountCents:       inv.AmountCents,
		Status:            billing.PaymentStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	storeCtx, cancelStore := withTimeout(ctx, i.timeout)
	defer cancelStore()

	result, err := i.db.ExecContext(storeCtx, `
		INSERT INTO payments (id, invoice_id, provider, provider_payment_id, amount_cents, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, provider_payment_id) DO NOTHING`,
		payment.ID, payment.InvoiceID, payment.Provider, payment.ProviderPaymentID,
		payment.AmountCents, payment.Status, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		return nil, billing.ClassifyStorageError("insert payment", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, billing.ClassifyStorageError("insert payment", err)
	} else if n == 0 {
		payment, err = billing.ScanPayment(i.db.QueryRowContext(storeCtx, `
			SELECT `+billing.PaymentColumns+` FROM payments
			WHERE provider = $1 AND provider_payment_id = $2`, i.provider.Name(), intent.ID))
		if err != nil {
			return nil, billing.ClassifyStorageError("load existing payment", err)
		}
	}

	i.logger.WithFields(map[string]interface{}{
		"invoice_id":        inv.ID,
		"payment_id":        payment.ID,
		"payment_intent_id": intent.ID,
	}).Info("Payment initiated")

	return &Initiation{Payment: payment, ClientSecret: intent.ClientSecret}, nil
}
