package billing

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var planCols = []string{"code", "name", "amount_cents", "interval", "trial_days"}

func newPlanStore(t *testing.T) (*PostgresPlanStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresPlanStore(db), mock
}

func TestPlanStore_ListAndPrices(t *testing.T) {
	store, mock := newPlanStore(t)
	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows(planCols).
			AddRow("basic", "Basic", int64(9900), "month", 0).
			AddRow("pro", "Pro", int64(19900), "month", 14).
			AddRow("ent", "Enterprise", int64(49900), "month", 30)
	}
	mock.ExpectQuery("FROM plans ORDER BY amount_cents ASC, code ASC").WillReturnRows(rows())
	mock.ExpectQuery("FROM plans ORDER BY amount_cents ASC, code ASC").WillReturnRows(rows())

	plans, err := store.ListPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Equal(t, "basic", plans[0].Code)
	assert.Equal(t, 14, plans[1].TrialDays)

	prices, err := store.Prices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(49900), prices.PriceForPlan("ent"))
	assert.Zero(t, prices.PriceForPlan("missing"))
}

func TestPlanStore_GetPlanNotFound(t *testing.T) {
	store, mock := newPlanStore(t)
	mock.ExpectQuery("FROM plans WHERE code").
		WithArgs("gold").
		WillReturnRows(sqlmock.NewRows(planCols))

	_, err := store.GetPlan(context.Background(), "gold")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlanStore_EnsurePlans(t *testing.T) {
	store, mock := newPlanStore(t)
	mock.ExpectExec("INSERT INTO plans").
		WithArgs("team", "Team", int64(29900), "month", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO plans").
		WithArgs("pro", "Pro", int64(1), "month", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.EnsurePlans(context.Background(), []Plan{
		{Code: "team", Name: "Team", AmountCents: 29900, TrialDays: 7},
		{Code: "pro", Name: "Pro", AmountCents: 1, Interval: "month"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidatePlan(t *testing.T) {
	assert.NoError(t, ValidatePlan(Plan{Code: "basic", Name: "Basic", AmountCents: 0}))
	assert.ErrorIs(t, ValidatePlan(Plan{Name: "x"}), ErrValidation)
	assert.ErrorIs(t, ValidatePlan(Plan{Code: "x"}), ErrValidation)
	assert.ErrorIs(t, ValidatePlan(Plan{Code: "x", Name: "X", AmountCents: -1}), ErrValidation)
	assert.ErrorIs(t, ValidatePlan(Plan{Code: "x", Name: "X", TrialDays: -1}), ErrValidation)
}
