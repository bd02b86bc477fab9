// Package security provides the protective plumbing of the authorization
// server: per-IP rate limiting, client IP extraction behind proxies,
// security response headers, request ids, AES-GCM sealing of at-rest
// secrets and the security audit log.
//
// # Rate Limiting
//
// RateLimiter keeps a token bucket per key in a bounded LRU. Buckets idle
// longer than IdleTimeout are swept in the background.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{Rate: 10, Burst: 20})
//	defer limiter.Stop()
//
//	proxies := security.ProxyPolicy{TrustHeaders: true, Hops: 1}
//	if !limiter.Allow(proxies.ClientIP(r)) {
//	    // 429
//	}
//
// # Audit
//
// Auditor writes security events (token issuance, refresh token reuse,
// replayed DPoP proofs, client authentication failures) to a dedicated
// structured logger. A nil *Auditor discards events. Token values and
// secrets are never logged; identifiers that need correlating are hashed.
package security
