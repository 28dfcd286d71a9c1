// Package middleware provides per-client rate limiting for public endpoints.
//
// The webhook route is reachable from the internet and every delivery costs a
// signature check, so callers are limited per client IP with a token bucket:
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//	limiter.StartCleanup(ctx)
//	router.Handle("/webhooks/{provider}", middleware.RateLimitMiddleware(limiter)(handler))
//
// A bucket holds RequestsPerWindow+BurstSize tokens and refills at
// RequestsPerWindow per WindowDuration. Rejected requests get a 429 with
// Retry-After and X-RateLimit-* headers.
package middleware
