// Package security holds the HTTP-facing safety helpers shared by the OAuth
// endpoints and the bearer authentication middleware: response headers,
// client IP extraction, per-client rate limiting, request IDs and the
// security audit trail.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client IP).
// The set of tracked identifiers is bounded; when it is full the least
// recently seen identifier is dropped. Idle identifiers are removed by a
// background loop that stops with Stop.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//		Name:      "register",
//		PerMinute: 10,
//		Burst:     5,
//	})
//	defer limiter.Stop()
//
//	if !limiter.Allow(ctx, security.GetClientIP(r, false, 0)) {
//		// 429
//	}
//
// # Audit
//
// Auditor writes one structured log record per security event. Principal
// names are hashed before they are logged; token values are never passed to
// it.
package security
