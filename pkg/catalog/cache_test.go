package catalog

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/pricing"
	"github.com/platinummonkey/tally/pkg/storage/postgres"
)

// countingSource is a PlanCatalog that records how often it is queried
type countingSource struct {
	plans []billing.Plan
	lists atomic.Int32
	gets  atomic.Int32
	err   error
}

func (s *countingSource) ListPlans(ctx context.Context) ([]billing.Plan, error) {
	s.lists.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.plans, nil
}

func (s *countingSource) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	s.gets.Add(1)
	for _, p := range s.plans {
		if p.Code == code {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("plan %s: %w", code, billing.ErrNotFound)
}

func (s *countingSource) Prices(ctx context.Context) (pricing.PlanPrices, error) {
	return billing.PricesFromPlans(s.plans), nil
}

func seededPlans() []billing.Plan {
	return []billing.Plan{
		{Code: "basic", Name: "Basic", AmountCents: 9900, Interval: "month"},
		{Code: "pro", Name: "Pro", AmountCents: 19900, Interval: "month", TrialDays: 14},
	}
}

func newRedis(t *testing.T) (*postgres.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return postgres.NewRedisClientFromClient(client), mr
}

func TestCachedCatalog_L1ServesRepeatLookups(t *testing.T) {
	source := &countingSource{plans: seededPlans()}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c := NewCachedCatalog(source, nil, time.Minute, metrics, observability.NopLogger())

	for i := 0; i < 3; i++ {
		plans, err := c.ListPlans(context.Background())
		require.NoError(t, err)
		assert.Len(t, plans, 2)
	}

	assert.Equal(t, int32(1), source.lists.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("plans", "l1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("plans", "l1")))
}

func TestCachedCatalog_SharesThroughRedis(t *testing.T) {
	rc, mr := newRedis(t)
	source := &countingSource{plans: seededPlans()}

	first := NewCachedCatalog(source, rc, time.Minute, nil, observability.NopLogger())
	_, err := first.ListPlans(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists(plansKey))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	second := NewCachedCatalog(source, rc, time.Minute, metrics, observability.NopLogger())
	prices, err := second.Prices(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(19900), prices.PriceForPlan("pro"))
	assert.Equal(t, int32(1), source.lists.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("plans", "l2")))
}

func TestCachedCatalog_RedisFailureFallsBackToSource(t *testing.T) {
	rc, mr := newRedis(t)
	mr.Close()
	source := &countingSource{plans: seededPlans()}

	c := NewCachedCatalog(source, rc, time.Minute, nil, observability.NopLogger())
	plans, err := c.ListPlans(context.Background())

	require.NoError(t, err)
	assert.Len(t, plans, 2)
}

func TestCachedCatalog_GetPlan(t *testing.T) {
	source := &countingSource{plans: seededPlans()}
	c := NewCachedCatalog(source, nil, time.Minute, nil, observability.NopLogger())

	plan, err := c.GetPlan(context.Background(), "pro")
	require.NoError(t, err)
	assert.Equal(t, 14, plan.TrialDays)
	assert.Zero(t, source.gets.Load())

	_, err = c.GetPlan(context.Background(), "gold")
	assert.ErrorIs(t, err, billing.ErrNotFound)

	source.plans = append(source.plans, billing.Plan{Code: "team", Name: "Team", AmountCents: 29900})
	plan, err = c.GetPlan(context.Background(), "team")
	require.NoError(t, err)
	assert.Equal(t, int64(29900), plan.AmountCents)

	plans, err := c.ListPlans(context.Background())
	require.NoError(t, err)
	assert.Len(t, plans, 3, "finding a new plan refreshes the cache")
}

func TestCachedCatalog_SourceError(t *testing.T) {
	source := &countingSource{err: fmt.Errorf("list plans: %w", billing.ErrTransientStorage)}
	c := NewCachedCatalog(source, nil, time.Minute, nil, observability.NopLogger())

	_, err := c.Prices(context.Background())
	assert.ErrorIs(t, err, billing.ErrTransientStorage)
}

func TestCachedCatalog_ReturnsCopies(t *testing.T) {
	source := &countingSource{plans: seededPlans()}
	c := NewCachedCatalog(source, nil, time.Minute, nil, observability.NopLogger())

	plans, err := c.ListPlans(context.Background())
	require.NoError(t, err)
	plans[0].AmountCents = 1

	again, err := c.ListPlans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9900), again[0].AmountCents)
}
