package catalog

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/pricing"
	"github.com/platinummonkey/tally/pkg/storage/postgres"
)

const (
	cacheName = "plans"
	plansKey  = "tally:plans:v1"
)

// CachedCatalog serves plans from an in-process LRU, then Redis, then the
// database. Plans are insert-only, so a stale entry can only be missing a
// plan; GetPlan falls through to the source for codes it does not know.
type CachedCatalog struct {
	source  billing.PlanCatalog
	local   *lru.LRU[string, []billing.Plan]
	redis   *postgres.RedisClient
	ttl     time.Duration
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewCachedCatalog wraps source. redis may be nil.
func NewCachedCatalog(source billing.PlanCatalog, redis *postgres.RedisClient, ttl time.Duration, metrics *observability.Metrics, logger *observability.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{
		source:  source,
		local:   lru.NewLRU[string, []billing.Plan](1, nil, ttl),
		redis:   redis,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}
}

// ListPlans returns all plans ordered by price
func (c *CachedCatalog) ListPlans(ctx context.Context) ([]billing.Plan, error) {
	if plans, ok := c.local.Get(plansKey); ok {
		c.hit("l1")
		return clonePlans(plans), nil
	}
	c.miss("l1")

	v, err, _ := c.group.Do(plansKey, func() (interface{}, error) {
		return c.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return clonePlans(v.([]billing.Plan)), nil
}

func (c *CachedCatalog) load(ctx context.Context) ([]billing.Plan, error) {
	if c.redis != nil {
		var plans []billing.Plan
		found, err := c.redis.GetJSON(ctx, plansKey, &plans)
		if err != nil {
			c.logger.WithError(err).Warn("Plan cache read failed, using database")
		}
		if found {
			c.hit("l2")
			c.local.Add(plansKey, plans)
			return plans, nil
		}
		c.miss("l2")
	}

	plans, err := c.source.ListPlans(ctx)
	if err != nil {
		return nil, err
	}

	c.local.Add(plansKey, plans)
	if c.redis != nil {
		if err := c.redis.SetJSON(ctx, plansKey, plans, c.ttl); err != nil {
			c.logger.WithError(err).Warn("Plan cache write failed")
		}
	}
	return plans, nil
}

// GetPlan returns a single plan, or an error wrapping billing.ErrNotFound
func (c *CachedCatalog) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	plans, err := c.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		if p.Code == code {
			plan := p
			return &plan, nil
		}
	}

	plan, err := c.source.GetPlan(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := c.Invalidate(ctx); err != nil {
		c.logger.WithError(err).Warn("Plan cache invalidation failed")
	}
	return plan, nil
}

// Prices returns the price table for the cached plans
func (c *CachedCatalog) Prices(ctx context.Context) (pricing.PlanPrices, error) {
	plans, err := c.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	return billing.PricesFromPlans(plans), nil
}

// Invalidate drops both cache tiers
func (c *CachedCatalog) Invalidate(ctx context.Context) error {
	c.local.Purge()
	if c.redis == nil {
		return nil
	}
	return c.redis.Delete(ctx, plansKey)
}

func (c *CachedCatalog) hit(tier string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(cacheName, tier).Inc()
	}
}

func (c *CachedCatalog) miss(tier string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(cacheName, tier).Inc()
	}
}

func clonePlans(plans []billing.Plan) []billing.Plan {
	out := make([]billing.Plan, len(plans))
	copy(out, plans)
	return out
}

var _ billing.PlanCatalog = (*CachedCatalog)(nil)
