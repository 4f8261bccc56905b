package billing

import (
	"context"
	"database/sql"
)

// PaymentColumns is the column list ScanPayment expects.
const PaymentColumns = `id, invoice_id, provider, provider_payment_id, amount_cents, status, failure_reason, created_at, updated_at`

// ScanPayment reads a row selected with PaymentColumns.
func ScanPayment(row Scanner) (*Payment, error) {
	p := &Payment{}
	var providerPaymentID, failureReason sql.NullString
	if err := row.Scan(&p.ID, &p.InvoiceID, &p.Provider, &providerPaymentID, &p.AmountCents,
		&p.Status, &failureReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.ProviderPaymentID = providerPaymentID.String
	p.FailureReason = failureReason.String
	return p, nil
}

// ListPayments returns payments for all of a user's invoices, newest first
func (s *PostgresService) ListPayments(ctx context.Context, userID string) ([]Payment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.reader().QueryContext(ctx, `
		SELECT p.id, p.invoice_id, p.provider, p.provider_payment_id, p.amount_cents,
		       p.status, p.failure_reason, p.created_at, p.updated_at
		FROM payments p
		JOIN invoices i ON i.id = p.invoice_id
		WHERE i.user_id = $1
		ORDER BY p.created_at DESC, p.id DESC`, userID)
	if err != nil {
		return nil, ClassifyStorageError("list payments", err)
	}
	defer rows.Close()

	payments := []Payment{}
	for rows.Next() {
		p, err := ScanPayment(rows)
		if err != nil {
			return nil, ClassifyStorageError("scan payment", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, ClassifyStorageError("list payments", err)
	}
	return payments, nil
}
