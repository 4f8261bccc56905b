// Package middleware provides HTTP rate limiting.
//
// RateLimitMiddleware limits requests per client IP. With Redis it uses a
// fixed window shared by every instance; without Redis, or while Redis is
// failing, each instance enforces the same budget with in-process token
// buckets.
//
//	limiter := middleware.NewRateLimitMiddleware(redisClient, middleware.PerMinute(600), logger)
//	router.Use(limiter.Handler)
//
// Rejected requests get 429 with Retry-After and X-RateLimit-* headers.
package middleware
