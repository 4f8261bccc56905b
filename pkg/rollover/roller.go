package rollover

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tally/pkg/async"
	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/pricing"
)

// Subscription outcomes used as the "outcome" metric label.
const (
	OutcomeRolled  = "rolled"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Config tunes a Roller
type Config struct {
	// BatchSize caps how many due subscriptions one run picks up.
	BatchSize int
	// Workers is the number of subscriptions rolled concurrently.
	Workers int
	// MaxCatchUp caps how many elapsed periods one subscription advances per run.
	MaxCatchUp int
	Pricing    billing.PricingMode
	// SubscriptionTimeout bounds the work for a single subscription.
	SubscriptionTimeout time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:           500,
		Workers:             8,
		MaxCatchUp:          12,
		Pricing:             billing.PricingUsage,
		SubscriptionTimeout: 30 * time.Second,
	}
}

// Summary describes one run
type Summary struct {
	Candidates int
	// Rolled counts periods advanced.
	Rolled int
	// Invoiced counts invoices created. It is lower than Rolled when a period
	// had already been invoiced on demand.
	Invoiced int
	// Skipped counts subscriptions another worker owned or already advanced.
	Skipped int
	Failed  int
	Errors  []error
}

// Roller closes elapsed subscription periods: it invoices each one exactly
// once and moves the subscription to the next contiguous period.
type Roller struct {
	db      *sql.DB
	catalog billing.PlanCatalog
	cfg     Config
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewRoller creates a Roller
func NewRoller(db *sql.DB, catalog billing.PlanCatalog, cfg Config, metrics *observability.Metrics, logger *observability.Logger) *Roller {
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.MaxCatchUp <= 0 {
		cfg.MaxCatchUp = defaults.MaxCatchUp
	}
	if cfg.Pricing == "" {
		cfg.Pricing = defaults.Pricing
	}
	if cfg.SubscriptionTimeout <= 0 {
		cfg.SubscriptionTimeout = defaults.SubscriptionTimeout
	}

	return &Roller{
		db:      db,
		catalog: catalog,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source
func (r *Roller) SetClock(now func() time.Time) {
	r.now = now
}

// Run performs one pass over every due subscription. A failing subscription
// is logged and counted; it never stops the others. The returned error is
// only set when the run could not start.
func (r *Roller) Run(ctx context.Context) (summary Summary, err error) {
	ctx, span := observability.StartSpan(ctx, "rollover.Run")
	defer func() {
		span.SetAttributes(
			attribute.Int("candidates", summary.Candidates),
			attribute.Int("rolled", summary.Rolled),
			attribute.Int("failed", summary.Failed),
		)
		observability.EndSpan(span, err)
	}()

	start := time.Now()
	defer func() {
		r.recordRun(summary, err, time.Since(start))
	}()

	now := r.now().UTC()

	prices, err := r.catalog.Prices(ctx)
	if err != nil {
		return summary, fmt.Errorf("load plan prices: %w", err)
	}

	ids, err := r.dueSubscriptions(ctx, now)
	if err != nil {
		return summary, err
	}
	summary.Candidates = len(ids)
	if len(ids) == 0 {
		r.logger.Debug("No subscriptions due for rollover")
		return summary, nil
	}

	var mu sync.Mutex
	summary.Errors = async.Batch(ctx, ids, r.cfg.Workers, r.cfg.SubscriptionTimeout, func(ctx context.Context, id string) error {
		rolled, invoiced, err := r.RollSubscription(ctx, id, prices, now)

		mu.Lock()
		summary.Rolled += rolled
		summary.Invoiced += invoiced
		if err == nil && rolled == 0 {
			summary.Skipped++
		}
		mu.Unlock()

		switch {
		case err != nil:
			r.countSubscription(OutcomeFailed)
			r.logger.WithField("subscription_id", id).WithError(err).Error("Subscription rollover failed")
			return fmt.Errorf("subscription %s: %w", id, err)
		case rolled == 0:
			r.countSubscription(OutcomeSkipped)
		default:
			r.countSubscription(OutcomeRolled)
		}
		return nil
	})
	summary.Failed = len(summary.Errors)

	r.logger.WithFields(map[string]interface{}{
		"candidates": summary.Candidates,
		"rolled":     summary.Rolled,
		"invoiced":   summary.Invoiced,
		"skipped":    summary.Skipped,
		"failed":     summary.Failed,
	}).Info("Rollover run completed")

	return summary, nil
}

func (r *Roller) dueSubscriptions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM subscriptions
		WHERE status = 'active' AND current_period_end <= $1
		ORDER BY current_period_end, id
		LIMIT $2`, now, r.cfg.BatchSize)
	if err != nil {
		return nil, billing.ClassifyStorageError("select due subscriptions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, billing.ClassifyStorageError("scan due subscription", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, billing.ClassifyStorageError("select due subscriptions", err)
	}
	return ids, nil
}

// RollSubscription advances one subscription through every period that
// ended at or before now, up to MaxCatchUp periods. It returns how many
// periods were advanced and how many invoices were created.
func (r *Roller) RollSubscription(ctx context.Context, id string, prices pricing.PlanPrices, now time.Time) (rolled, invoiced int, err error) {
	for i := 0; i < r.cfg.MaxCatchUp; i++ {
		advanced, created, err := r.rollPeriod(ctx, id, prices, now)
		if err != nil {
			return rolled, invoiced, err
		}
		if !advanced {
			break
		}
		rolled++
		if created {
			invoiced++
		}
	}

	if rolled == r.cfg.MaxCatchUp {
		r.logger.WithField("subscription_id", id).Warn("Catch-up limit reached; remaining periods roll next run")
	}
	return rolled, invoiced, nil
}

// rollPeriod closes a single elapsed period in one transaction. It reports
// false without error when the subscription is locked by another worker, no
// longer due, or was advanced concurrently.
func (r *Roller) rollPeriod(ctx context.Context, id string, prices pricing.PlanPrices, now time.Time) (advanced, created bool, err error) {
	start := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, billing.ClassifyStorageError("begin rollover", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.WithField("subscription_id", id).WithError(rbErr).Warn("Rollback failed")
		}
	}()

	sub, err := billing.ScanSubscription(tx.QueryRowContext(ctx, `
		SELECT `+billing.SubscriptionColumns+`
		FROM subscriptions
		WHERE id = $1 AND status = 'active' AND current_period_end <= $2
		FOR UPDATE SKIP LOCKED`, id, now))
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, billing.ClassifyStorageError("lock subscription", err)
	}

	charge, err := billing.ComputeCharge(ctx, tx, r.catalog, prices, sub, r.cfg.Pricing)
	if err != nil {
		return false, false, err
	}

	inv, created, err := billing.InsertInvoice(ctx, tx, sub, charge, r.now())
	if err != nil {
		return false, false, err
	}

	nextStart, nextEnd := pricing.NextPeriod(sub.CurrentPeriodEnd)
	res, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET current_period_start = $2, current_period_end = $3
		WHERE id = $1 AND current_period_end = $4 AND status = 'active'`,
		id, nextStart, nextEnd, sub.CurrentPeriodEnd)
	if err != nil {
		return false, false, billing.ClassifyStorageError("advance period", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, false, billing.ClassifyStorageError("advance period", err)
	} else if n != 1 {
		r.logger.WithField("subscription_id", id).Debug("Period advanced concurrently, discarding")
		return false, false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, false, billing.ClassifyStorageError("commit rollover", err)
	}

	// An earlier on-demand invoice fixed this period's amount; usage recorded
	// after it stays unbilled.
	var unbilled int64
	if !created && r.cfg.Pricing == billing.PricingUsage && charge.UsageQuantity > inv.UsageQuantity {
		unbilled = charge.UsageQuantity - inv.UsageQuantity
		r.logger.WithFields(map[string]interface{}{
			"subscription_id": id,
			"invoice_id":      inv.ID,
			"period_start":    sub.CurrentPeriodStart,
			"invoiced_units":  inv.UsageQuantity,
			"recorded_units":  charge.UsageQuantity,
		}).Warn("Usage recorded after the period was invoiced is not billed")
	}

	if r.metrics != nil {
		r.metrics.InvoiceGenerationDuration.WithLabelValues(observability.SourceRollover).Observe(time.Since(start).Seconds())
		if created {
			r.metrics.InvoicesCreatedTotal.WithLabelValues(observability.SourceRollover).Inc()
		}
		if unbilled > 0 {
			r.metrics.UnbilledUsageUnitsTotal.Add(float64(unbilled))
		}
	}

	r.logger.WithFields(map[string]interface{}{
		"subscription_id": id,
		"invoice_id":      inv.ID,
		"period_start":    sub.CurrentPeriodStart,
		"amount_cents":    inv.AmountCents,
		"new_invoice":     created,
	}).Info("Period rolled")

	return true, created, nil
}

func (r *Roller) countSubscription(outcome string) {
	if r.metrics != nil {
		r.metrics.RolloverSubscriptionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Roller) recordRun(summary Summary, err error, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case summary.Failed > 0:
		status = "partial"
	}
	r.metrics.RolloverRunsTotal.WithLabelValues(status).Inc()
	r.metrics.RolloverRunDuration.Observe(elapsed.Seconds())
}
