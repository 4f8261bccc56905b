package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/tally/pkg/pricing"
)

// PostgresPlanStore reads the plan catalog from the plans table
type PostgresPlanStore struct {
	db *sql.DB
}

// NewPostgresPlanStore creates a new PostgresPlanStore
func NewPostgresPlanStore(db *sql.DB) *PostgresPlanStore {
	return &PostgresPlanStore{db: db}
}

// ListPlans returns all plans ordered by price, then code
func (s *PostgresPlanStore) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, amount_cents, "interval", trial_days FROM plans ORDER BY amount_cents ASC, code ASC`)
	if err != nil {
		return nil, ClassifyStorageError("list plans", err)
	}
	defer rows.Close()

	plans := []Plan{}
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.Code, &p.Name, &p.AmountCents, &p.Interval, &p.TrialDays); err != nil {
			return nil, ClassifyStorageError("scan plan", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, ClassifyStorageError("list plans", err)
	}
	return plans, nil
}

// GetPlan returns a single plan
func (s *PostgresPlanStore) GetPlan(ctx context.Context, code string) (*Plan, error) {
	p := &Plan{}
	err := s.db.QueryRowContext(ctx,
		`SELECT code, name, amount_cents, "interval", trial_days FROM plans WHERE code = $1`, code).
		Scan(&p.Code, &p.Name, &p.AmountCents, &p.Interval, &p.TrialDays)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, ClassifyStorageError("get plan", err)
	}
	return p, nil
}

// Prices returns the price table for every stored plan
func (s *PostgresPlanStore) Prices(ctx context.Context) (pricing.PlanPrices, error) {
	plans, err := s.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	return PricesFromPlans(plans), nil
}

// EnsurePlans inserts plans that do not exist yet. Existing plans are left
// untouched. It returns how many were inserted.
func (s *PostgresPlanStore) EnsurePlans(ctx context.Context, plans []Plan) (int, error) {
	inserted := 0
	for _, p := range plans {
		if err := ValidatePlan(p); err != nil {
			return inserted, err
		}
		interval := p.Interval
		if interval == "" {
			interval = "month"
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO plans (code, name, amount_cents, "interval", trial_days)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (code) DO NOTHING`,
			p.Code, p.Name, p.AmountCents, interval, p.TrialDays)
		if err != nil {
			return inserted, ClassifyStorageError(fmt.Sprintf("ensure plan %s", p.Code), err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted++
		}
	}
	return inserted, nil
}

// ValidatePlan checks a catalog entry before it is stored
func ValidatePlan(p Plan) error {
	switch {
	case p.Code == "":
		return fmt.Errorf("plan code is required: %w", ErrValidation)
	case p.Name == "":
		return fmt.Errorf("plan %s: name is required: %w", p.Code, ErrValidation)
	case p.AmountCents < 0:
		return fmt.Errorf("plan %s: negative amount: %w", p.Code, ErrValidation)
	case p.TrialDays < 0:
		return fmt.Errorf("plan %s: negative trial days: %w", p.Code, ErrValidation)
	}
	return nil
}

// PricesFromPlans builds a price table from catalog entries.
func PricesFromPlans(plans []Plan) pricing.PlanPrices {
	prices := make(pricing.PlanPrices, len(plans))
	for _, p := range plans {
		prices[p.Code] = p.AmountCents
	}
	return prices
}

var _ PlanCatalog = (*PostgresPlanStore)(nil)
