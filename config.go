package oauth

import (
	"log/slog"

	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/security"
)

// Config configures a Handler. The zero value serves every endpoint with
// no rate limit and sends no user to a login page.
type Config struct {
	// LoginURL receives the user agent, with the authorization request
	// query appended, when a request needs a logged in user or consent.
	// Without it such requests fail with access_denied.
	LoginURL string

	RateLimit RateLimitConfig

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// RateLimitConfig limits requests per client IP.
type RateLimitConfig struct {
	// Rate is the sustained requests per second per IP. Zero turns the
	// limiter off.
	Rate  int
	Burst int

	// TrustProxy takes the client IP from X-Forwarded-For or X-Real-IP.
	// Only set it behind a reverse proxy that overwrites those headers.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	// Default: 1
	TrustedProxyCount int
}
