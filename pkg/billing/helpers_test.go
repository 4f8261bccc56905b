package billing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/pricing"
)

var fixedNow = time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC)

var (
	subscriptionCols = []string{"id", "user_id", "plan_code", "status", "current_period_start", "current_period_end", "created_at", "canceled_at"}
	invoiceCols      = []string{"id", "subscription_id", "user_id", "period_start", "period_end", "base_cents", "usage_cents", "usage_quantity", "amount_cents", "status", "created_at", "paid_at"}
	paymentCols      = []string{"id", "invoice_id", "provider", "provider_payment_id", "amount_cents", "status", "failure_reason", "created_at", "updated_at"}
)

// mockCatalog is a PlanCatalog backed by func fields
type mockCatalog struct {
	listPlansFunc func(ctx context.Context) ([]Plan, error)
	getPlanFunc   func(ctx context.Context, code string) (*Plan, error)
	pricesFunc    func(ctx context.Context) (pricing.PlanPrices, error)
}

func (m *mockCatalog) ListPlans(ctx context.Context) ([]Plan, error) {
	if m.listPlansFunc != nil {
		return m.listPlansFunc(ctx)
	}
	return []Plan{{Code: "basic", Name: "Basic", AmountCents: 9900, Interval: "month"}}, nil
}

func (m *mockCatalog) GetPlan(ctx context.Context, code string) (*Plan, error) {
	if m.getPlanFunc != nil {
		return m.getPlanFunc(ctx, code)
	}
	price := pricing.PriceForPlan(code)
	if price == 0 {
		return nil, ErrNotFound
	}
	return &Plan{Code: code, Name: code, AmountCents: price, Interval: "month"}, nil
}

func (m *mockCatalog) Prices(ctx context.Context) (pricing.PlanPrices, error) {
	if m.pricesFunc != nil {
		return m.pricesFunc(ctx)
	}
	return pricing.DefaultPlanPrices(), nil
}

func newTestService(t *testing.T) (*PostgresService, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	svc := NewPostgresService(db, &mockCatalog{}, metrics, observability.NopLogger(),
		WithClock(func() time.Time { return fixedNow }))
	return svc, mock, metrics
}

func subscriptionRow(id, userID, plan string, start time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(subscriptionCols).
		AddRow(id, userID, plan, "active", start, start.Add(pricing.PeriodLength), start, nil)
}
