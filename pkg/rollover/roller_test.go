package rollover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/pricing"
)

func TestNewRoller_Defaults(t *testing.T) {
	r := NewRoller(nil, &stubCatalog{}, Config{}, nil, observability.NopLogger())
	assert.Equal(t, DefaultConfig(), r.cfg)
}

func TestRun_NoCandidates(t *testing.T) {
	r, mock, metrics := newTestRoller(t, Config{})
	expectCandidates(mock)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RolloverRunsTotal.WithLabelValues("success")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_RollsElapsedPeriodWithUsage(t *testing.T) {
	r, mock, metrics := newTestRoller(t, Config{})
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(pricing.PeriodLength)

	expectCandidates(mock, "sub-1")
	mock.ExpectBegin()
	expectLocked(mock, "sub-1", "user-1", "pro", start)
	mock.ExpectQuery("FROM usage_events").
		WithArgs("user-1", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(150000)))
	mock.ExpectExec("INSERT INTO invoices").
		WithArgs(sqlmock.AnyArg(), "sub-1", "user-1", start, end,
			int64(19900), int64(1000), int64(150000), int64(20900), billing.InvoiceStatusOpen, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvance(mock, "sub-1", end, 1)
	mock.ExpectCommit()
	expectNothingDue(mock, "sub-1")

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, 1, summary.Rolled)
	assert.Equal(t, 1, summary.Invoiced)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.InvoicesCreatedTotal.WithLabelValues(observability.SourceRollover)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RolloverSubscriptionsTotal.WithLabelValues(OutcomeRolled)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_FlatPricingSkipsUsage(t *testing.T) {
	r, mock, _ := newTestRoller(t, Config{Pricing: billing.PricingFlat})
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(pricing.PeriodLength)

	expectCandidates(mock, "sub-1")
	mock.ExpectBegin()
	expectLocked(mock, "sub-1", "user-1", "basic", start)
	mock.ExpectExec("INSERT INTO invoices").
		WithArgs(sqlmock.AnyArg(), "sub-1", "user-1", start, end,
			int64(9900), int64(0), int64(0), int64(9900), billing.InvoiceStatusOpen, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvance(mock, "sub-1", end, 1)
	mock.ExpectCommit()
	expectNothingDue(mock, "sub-1")

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Invoiced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_CatchesUpMissedPeriods(t *testing.T) {
	r, mock, _ := newTestRoller(t, Config{Pricing: billing.PricingFlat})
	first := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(pricing.PeriodLength)
	third := second.Add(pricing.PeriodLength)

	expectCandidates(mock, "sub-1")

	mock.ExpectBegin()
	expectLocked(mock, "sub-1", "user-1", "basic", first)
	mock.ExpectExec("INSERT INTO invoices").
		WithArgs(sqlmock.AnyArg(), "sub-1", "user-1", first, second,
			int64(9900), int64(0), int64(0), int64(9900), billing.InvoiceStatusOpen, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvance(mock, "sub-1", second, 1)
	mock.ExpectCommit()

	mock.ExpectBegin()
	expectLocked(mock, "sub-1", "user-1", "basic", second)
	mock.ExpectExec("INSERT INTO invoices").
		WithArgs(sqlmock.AnyArg(), "sub-1", "user-1", second, third,
			int64(9900), int64(0), int64(0), int64(9900), billing.InvoiceStatusOpen, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvance(mock, "sub-1", third, 1)
	mock.ExpectCommit()

	expectNothingDue(mock, "sub-1")

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Rolled)
	assert.Equal(t, 2, summary.Invoiced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_CatchUpIsBounded(t *testing.T) {
	r, mock, _ := newTestRoller(t, Config{Pricing: billing.PricingFlat, MaxCatchUp: 1})
	first := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(pricing.PeriodLength)

	expectCandidates(mock, "sub-1")
	mock.ExpectBegin()
	expectLocked(mock, "sub-1", "user-1", "basic", first)
	mock.ExpectExec("INSERT INTO invoices").WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvance(mock, "sub-1", second, 1)
	mock.ExpectCommit()

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rolled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PeriodAlreadyInvoicedOnDemand(t *testing.T) {
	r, mock, metrics := newTestRoller(t, Config{Pricing: billing.PricingFlat})
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(pricing.PeriodLength)

	expectCandidates(mock, "sub-1")
	mock.ExpectBegin()
	expectLocked(mock, "sub-1", "user-1", "basic", start)
	mock.ExpectExec("INSERT INTO invoices").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM invoices WHERE subscription_id").
		WithArgs("sub-1", start).
		WillReturnRows(sqlmock.NewRows([]string{"id", "subscription_id", "user_id", "period_start", "period_end", "base_cents", "usage_cents", "usage_quantity", "amount_cents", "status", "created_at", "paid_at"}).
			AddRow("inv-early", "sub-1", "user-1", start, end, int64(9900), int64(0), int64(0), int64(9900), "paid", start, start))
	expectAdvance(mock, "sub-1", end, 1)
	mock.ExpectCommit()
	expectNothingDue(mock, "sub-1")

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rolled)
	assert.Zero(t, summary.Invoiced)
	assert.Zero(t, testutil.ToFloat64(metrics.InvoicesCreatedTotal.WithLabelValues(observability.SourceRollover)))
	assert.Zero(t, testutil.ToFloat64(metrics.UnbilledUsageUnitsTotal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_CountsUsageRecordedAfterOnDemandInvoice(t *testing.T) {
	r, mock, metrics := newTestRoller(t, Config{})
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(pricing.PeriodLength)

	expectCandidates(mock, "sub-1")
	mock.ExpectBegin()
	expectLocked(mock, "sub-1", "user-1", "pro", start)
	mock.ExpectQuery("FROM usage_events").
		WithArgs("user-1", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(150000)))
	mock.ExpectExec("INSERT INTO invoices").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM invoices WHERE subscription_id").
		WithArgs("sub-1", start).
		WillReturnRows(sqlmock.NewRows([]string{"id", "subscription_id", "user_id", "period_start", "period_end", "base_cents", "usage_cents", "usage_quantity", "amount_cents", "status", "created_at", "paid_at"}).
			AddRow("inv-early", "sub-1", "user-1", start, end, int64(19900), int64(0), int64(50000), int64(19900), "open", start, nil))
	expectAdvance(mock, "sub-1", end, 1)
	mock.ExpectCommit()
	expectNothingDue(mock, "sub-1")

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rolled)
	assert.Zero(t, summary.Invoiced)
	assert.Equal(t, float64(100000), testutil.ToFloat64(metrics.UnbilledUsageUnitsTotal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_LockedByAnotherWorker(t *testing.T) {
	r, mock, metrics := newTestRoller(t, Config{})

	expectCandidates(mock, "sub-1")
	expectNothingDue(mock, "sub-1")

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Rolled)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RolloverSubscriptionsTotal.WithLabelValues(OutcomeSkipped)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_LostRaceIsDiscarded(t *testing.T) {
	r, mock, metrics := newTestRoller(t, Config{Pricing: billing.PricingFlat})
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(pricing.PeriodLength)

	expectCandidates(mock, "sub-1")
	mock.ExpectBegin()
	expectLocked(mock, "sub-1", "user-1", "basic", start)
	mock.ExpectExec("INSERT INTO invoices").WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvance(mock, "sub-1", end, 0)
	mock.ExpectRollback()

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Rolled)
	assert.Zero(t, summary.Invoiced)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, testutil.ToFloat64(metrics.InvoicesCreatedTotal.WithLabelValues(observability.SourceRollover)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_FailureDoesNotStopOthers(t *testing.T) {
	r, mock, metrics := newTestRoller(t, Config{Pricing: billing.PricingFlat})
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(pricing.PeriodLength)

	expectCandidates(mock, "sub-1", "sub-2")

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("sub-1", fixedNow).
		WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	expectLocked(mock, "sub-2", "user-2", "basic", start)
	mock.ExpectExec("INSERT INTO invoices").WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvance(mock, "sub-2", end, 1)
	mock.ExpectCommit()
	expectNothingDue(mock, "sub-2")

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Candidates)
	assert.Equal(t, 1, summary.Rolled)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.ErrorIs(t, summary.Errors[0], billing.ErrTransientStorage)
	assert.Contains(t, summary.Errors[0].Error(), "sub-1")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RolloverRunsTotal.WithLabelValues("partial")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RolloverSubscriptionsTotal.WithLabelValues(OutcomeFailed)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_SecondRunIsNoop(t *testing.T) {
	r, mock, metrics := newTestRoller(t, Config{Pricing: billing.PricingFlat})
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(pricing.PeriodLength)

	expectCandidates(mock, "sub-1")
	mock.ExpectBegin()
	expectLocked(mock, "sub-1", "user-1", "basic", start)
	mock.ExpectExec("INSERT INTO invoices").WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvance(mock, "sub-1", end, 1)
	mock.ExpectCommit()
	expectNothingDue(mock, "sub-1")

	// The advanced subscription is no longer due.
	expectCandidates(mock)

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	second, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{}, second)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.InvoicesCreatedTotal.WithLabelValues(observability.SourceRollover)))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RolloverRunsTotal.WithLabelValues("success")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_StartupErrors(t *testing.T) {
	t.Run("prices unavailable", func(t *testing.T) {
		catalog := &stubCatalog{pricesFunc: func(ctx context.Context) (pricing.PlanPrices, error) {
			return nil, errors.New("catalog down")
		}}
		r, mock, metrics := newTestRollerWithCatalog(t, Config{}, catalog)

		_, err := r.Run(context.Background())
		assert.ErrorContains(t, err, "catalog down")
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RolloverRunsTotal.WithLabelValues("error")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("candidate query fails", func(t *testing.T) {
		r, mock, _ := newTestRoller(t, Config{})
		mock.ExpectQuery("SELECT id FROM subscriptions").
			WillReturnError(&pq.Error{Code: "08006"})

		_, err := r.Run(context.Background())
		assert.ErrorIs(t, err, billing.ErrTransientStorage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
