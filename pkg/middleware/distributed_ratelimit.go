package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
)

// windowIncr counts a request and starts the window on the first one.
var windowIncr = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// DistributedRateLimiter implements fixed-window rate limiting in Redis
// This allows rate limits to be shared across multiple instances
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "tally:ratelimit"
	}

	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow counts a request against key's window and reports whether it is
// within the limit. The window starts with the first request.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := rl.key(key)

	count, err := windowIncr.Run(ctx, rl.redis, []string{redisKey}, rl.config.WindowDuration.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}

	return count <= int64(rl.config.RequestsPerWindow+rl.config.BurstSize), nil
}

// Remaining returns the number of remaining requests in the window
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, rl.key(key)).Int()
	if errors.Is(err, redis.Nil) {
		return rl.config.RequestsPerWindow + rl.config.BurstSize, nil
	} else if err != nil {
		return 0, err
	}

	remaining := rl.config.RequestsPerWindow + rl.config.BurstSize - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// TTL returns the time until the rate limit window resets
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, rl.key(key)).Result()
}

// Reset clears the rate limit for a key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// RateLimitMiddleware limits requests per client IP. It uses Redis when
// available so all instances share one budget, and falls back to an
// in-process limiter when Redis is absent or failing.
type RateLimitMiddleware struct {
	distributed *DistributedRateLimiter
	local       *RateLimiter
	config      *RateLimitConfig
	logger      *observability.Logger
}

// NewRateLimitMiddleware creates the middleware. redisClient may be nil.
func NewRateLimitMiddleware(redisClient *redis.Client, config *RateLimitConfig, logger *observability.Logger) *RateLimitMiddleware {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	m := &RateLimitMiddleware{
		local:  NewRateLimiter(config),
		config: config,
		logger: logger,
	}
	if redisClient != nil {
		m.distributed = NewDistributedRateLimiter(redisClient, config, "tally:ratelimit:ip")
	}
	return m
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := getClientIP(r)
		limit := m.config.RequestsPerWindow + m.config.BurstSize

		allowed, remaining, retryAfter := m.check(ctx, key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) check(ctx context.Context, key string) (allowed bool, remaining int, retryAfter time.Duration) {
	retryAfter = m.config.WindowDuration

	if m.distributed != nil {
		allowed, err := m.distributed.Allow(ctx, key)
		if err == nil {
			remaining, _ = m.distributed.Remaining(ctx, key)
			if !allowed {
				if ttl, err := m.distributed.TTL(ctx, key); err == nil && ttl > 0 {
					retryAfter = ttl
				}
			}
			return allowed, remaining, retryAfter
		}
		observability.FromContext(ctx, m.logger).WithError(err).Warn("Distributed rate limiter unavailable, using local limiter")
	}

	allowed = m.local.Allow(key)
	return allowed, m.local.Remaining(key), retryAfter
}
