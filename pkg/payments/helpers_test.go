package payments

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/observability"
)

var fixedNow = time.Date(2026, 4, 5, 12, 0, 0, 0, time.UTC)

var (
	invoiceCols = []string{"id", "subscription_id", "user_id", "period_start", "period_end", "base_cents", "usage_cents", "usage_quantity", "amount_cents", "status", "created_at", "paid_at"}
	paymentCols = []string{"id", "invoice_id", "provider", "provider_payment_id", "amount_cents", "status", "failure_reason", "created_at", "updated_at"}
)

func newMockDB(t *testing.T) (sqlmock.Sqlmock, *Reconciler, *observability.Metrics) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := NewReconciler(db, ProviderStripe, metrics, observability.NopLogger())
	r.SetClock(func() time.Time { return fixedNow })
	return mock, r, metrics
}

func paymentRow(id, invoiceID, intentID, status string) *sqlmock.Rows {
	return sqlmock.NewRows(paymentCols).
		AddRow(id, invoiceID, ProviderStripe, intentID, int64(20900), status, nil, fixedNow, fixedNow)
}
