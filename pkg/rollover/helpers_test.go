package rollover

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/pricing"
)

var fixedNow = time.Date(2026, 4, 5, 12, 0, 0, 0, time.UTC)

var subscriptionCols = []string{"id", "user_id", "plan_code", "status", "current_period_start", "current_period_end", "created_at", "canceled_at"}

// stubCatalog is a PlanCatalog backed by func fields
type stubCatalog struct {
	pricesFunc func(ctx context.Context) (pricing.PlanPrices, error)
}

func (s *stubCatalog) ListPlans(ctx context.Context) ([]billing.Plan, error) {
	return nil, nil
}

func (s *stubCatalog) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	return nil, billing.ErrNotFound
}

func (s *stubCatalog) Prices(ctx context.Context) (pricing.PlanPrices, error) {
	if s.pricesFunc != nil {
		return s.pricesFunc(ctx)
	}
	return pricing.DefaultPlanPrices(), nil
}

func newTestRoller(t *testing.T, cfg Config) (*Roller, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	return newTestRollerWithCatalog(t, cfg, &stubCatalog{})
}

func newTestRollerWithCatalog(t *testing.T, cfg Config, catalog billing.PlanCatalog) (*Roller, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// Deterministic ordering for sqlmock expectations.
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := NewRoller(db, catalog, cfg, metrics, observability.NopLogger())
	r.SetClock(func() time.Time { return fixedNow })
	return r, mock, metrics
}

func expectCandidates(mock sqlmock.Sqlmock, ids ...string) {
	rows := sqlmock.NewRows([]string{"id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	mock.ExpectQuery("SELECT id FROM subscriptions").
		WithArgs(fixedNow, sqlmock.AnyArg()).
		WillReturnRows(rows)
}

func expectLocked(mock sqlmock.Sqlmock, id, userID, plan string, start time.Time) {
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(id, fixedNow).
		WillReturnRows(sqlmock.NewRows(subscriptionCols).
			AddRow(id, userID, plan, "active", start, start.Add(pricing.PeriodLength), start, nil))
}

func expectNothingDue(mock sqlmock.Sqlmock, id string) {
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(id, fixedNow).
		WillReturnRows(sqlmock.NewRows(subscriptionCols))
	mock.ExpectRollback()
}

func expectAdvance(mock sqlmock.Sqlmock, id string, oldEnd time.Time, affected int64) {
	mock.ExpectExec("UPDATE subscriptions").
		WithArgs(id, oldEnd, oldEnd.Add(pricing.PeriodLength), oldEnd).
		WillReturnResult(sqlmock.NewResult(0, affected))
}
