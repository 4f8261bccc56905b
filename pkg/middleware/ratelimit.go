package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns default rate limit settings
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         60,
	}
}

// PerMinute returns a config allowing n requests per minute per client
func PerMinute(n int) *RateLimitConfig {
	if n <= 0 {
		return DefaultRateLimitConfig()
	}
	burst := n / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimitConfig{
		RequestsPerWindow: n,
		WindowDuration:    time.Minute,
		BurstSize:         burst,
	}
}

const maxTrackedClients = 10000

// RateLimiter is an in-process token bucket per key. Keys beyond
// maxTrackedClients are evicted least recently used first.
type RateLimiter struct {
	config  *RateLimitConfig
	limit   rate.Limit
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	// Only fails for a non-positive size.
	buckets, _ := lru.New[string, *rate.Limiter](maxTrackedClients)

	return &RateLimiter{
		config:  config,
		limit:   rate.Limit(float64(config.RequestsPerWindow) / config.WindowDuration.Seconds()),
		buckets: buckets,
	}
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	if b, ok := rl.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(rl.limit, rl.config.RequestsPerWindow+rl.config.BurstSize)
	if existing, ok, _ := rl.buckets.PeekOrAdd(key, b); ok {
		return existing
	}
	return b
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	return rl.bucket(key).Allow()
}

// Remaining returns the number of whole tokens left for a key
func (rl *RateLimiter) Remaining(key string) int {
	b, ok := rl.buckets.Peek(key)
	if !ok {
		return rl.config.RequestsPerWindow + rl.config.BurstSize
	}
	remaining := int(b.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Len reports how many keys are tracked
func (rl *RateLimiter) Len() int {
	return rl.buckets.Len()
}

func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (if behind proxy); the first hop is the client
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	// Check X-Real-IP header
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	// Use remote address without the port
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
