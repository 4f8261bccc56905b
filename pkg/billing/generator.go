package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/pricing"
)

// ComputeCharge prices sub's current period. It is the only pricing path;
// on-demand generation and the period roller both call it.
func ComputeCharge(ctx context.Context, q Queryer, catalog PlanCatalog, prices pricing.PlanPrices, sub *Subscription, mode PricingMode) (pricing.Charge, error) {
	base, err := BasePrice(ctx, catalog, prices, sub.PlanCode)
	if err != nil {
		return pricing.Charge{}, err
	}

	charge := pricing.Charge{BaseCents: base}
	if mode == PricingFlat {
		return charge, nil
	}

	quantity, err := SumUsage(ctx, q, sub.UserID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if err != nil {
		return pricing.Charge{}, err
	}
	charge.UsageQuantity = quantity
	charge.UsageCents = pricing.UsageCharge(quantity)
	return charge, nil
}

// BasePrice looks code up in prices and falls back to catalog when the table
// was loaded before the plan existed. Codes unknown to both price at zero.
func BasePrice(ctx context.Context, catalog PlanCatalog, prices pricing.PlanPrices, code string) (int64, error) {
	if price, ok := prices[code]; ok || catalog == nil {
		return price, nil
	}

	plan, err := catalog.GetPlan(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve plan %s: %w", code, err)
	}
	return plan.AmountCents, nil
}

// InsertInvoice writes an open invoice for sub's current period unless one
// already exists. It returns the stored invoice and whether this call created it.
func InsertInvoice(ctx context.Context, q Queryer, sub *Subscription, charge pricing.Charge, now time.Time) (*Invoice, bool, error) {
	inv := &Invoice{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		BaseCents:      charge.BaseCents,
		UsageCents:     charge.UsageCents,
		UsageQuantity:  charge.UsageQuantity,
		AmountCents:    charge.Total(),
		Status:         InvoiceStatusOpen,
		CreatedAt:      now.UTC(),
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO invoices (id, subscription_id, user_id, period_start, period_end,
		                      base_cents, usage_cents, usage_quantity, amount_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (subscription_id, period_start) DO NOTHING`,
		inv.ID, inv.SubscriptionID, inv.UserID, inv.PeriodStart, inv.PeriodEnd,
		inv.BaseCents, inv.UsageCents, inv.UsageQuantity, inv.AmountCents, inv.Status, inv.CreatedAt)
	if err != nil {
		return nil, false, ClassifyStorageError("insert invoice", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, ClassifyStorageError("insert invoice", err)
	}
	if affected == 1 {
		return inv, true, nil
	}

	existing, err := ScanInvoice(q.QueryRowContext(ctx,
		`SELECT `+InvoiceColumns+` FROM invoices WHERE subscription_id = $1 AND period_start = $2`,
		sub.ID, sub.CurrentPeriodStart))
	if err != nil {
		return nil, false, ClassifyStorageError("load existing invoice", err)
	}
	return existing, false, nil
}

// GenerateInvoice bills the user's active subscription for its current
// period without advancing it. A period that was already invoiced returns
// the stored invoice with Existing set.
func (s *PostgresService) GenerateInvoice(ctx context.Context, userID string) (result *InvoiceResult, err error) {
	ctx, span := observability.StartSpan(ctx, "billing.GenerateInvoice")
	span.SetAttributes(attribute.String("user_id", userID))
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sub, err := ActiveSubscription(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	prices, err := s.catalog.Prices(ctx)
	if err != nil {
		return nil, fmt.Errorf("load plan prices: %w", err)
	}

	charge, err := ComputeCharge(ctx, s.db, s.catalog, prices, sub, PricingUsage)
	if err != nil {
		return nil, err
	}

	inv, created, err := InsertInvoice(ctx, s.db, sub, charge, s.now())
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.InvoiceGenerationDuration.WithLabelValues(observability.SourceOnDemand).Observe(time.Since(start).Seconds())
		if created {
			s.metrics.InvoicesCreatedTotal.WithLabelValues(observability.SourceOnDemand).Inc()
		}
	}

	logger := observability.LoggerWithTrace(ctx, s.logger).WithFields(map[string]interface{}{
		"invoice_id":      inv.ID,
		"subscription_id": sub.ID,
		"amount_cents":    inv.AmountCents,
	})
	if created {
		logger.Info("Invoice generated")
	} else {
		logger.Debug("Period already invoiced")
	}

	return &InvoiceResult{
		Invoice:       inv,
		UsageQuantity: inv.UsageQuantity,
		Existing:      !created,
	}, nil
}

// InvoiceColumns is the column list ScanInvoice expects.
const InvoiceColumns = `id, subscription_id, user_id, period_start, period_end, base_cents, usage_cents, usage_quantity, amount_cents, status, created_at, paid_at`

// ScanInvoice reads a row selected with InvoiceColumns.
func ScanInvoice(row Scanner) (*Invoice, error) {
	inv := &Invoice{}
	var paidAt sql.NullTime
	if err := row.Scan(&inv.ID, &inv.SubscriptionID, &inv.UserID, &inv.PeriodStart, &inv.PeriodEnd,
		&inv.BaseCents, &inv.UsageCents, &inv.UsageQuantity, &inv.AmountCents, &inv.Status,
		&inv.CreatedAt, &paidAt); err != nil {
		return nil, err
	}
	if paidAt.Valid {
		t := paidAt.Time
		inv.PaidAt = &t
	}
	return inv, nil
}

// GetInvoice retrieves an invoice by id
func (s *PostgresService) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	inv, err := ScanInvoice(s.reader().QueryRowContext(ctx,
		`SELECT `+InvoiceColumns+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, ClassifyStorageError("get invoice", err)
	}
	return inv, nil
}

// ListInvoices returns a user's invoices, newest first
func (s *PostgresService) ListInvoices(ctx context.Context, userID string) ([]Invoice, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.reader().QueryContext(ctx,
		`SELECT `+InvoiceColumns+` FROM invoices WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, ClassifyStorageError("list invoices", err)
	}
	defer rows.Close()

	invoices := []Invoice{}
	for rows.Next() {
		inv, err := ScanInvoice(rows)
		if err != nil {
			return nil, ClassifyStorageError("scan invoice", err)
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, ClassifyStorageError("list invoices", err)
	}
	return invoices, nil
}
