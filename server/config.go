package server

import (
	"log/slog"
	"time"

	"github.com/giantswarm/pod-oauth/internal/util"
)

// Default lifetimes
const (
	DefaultAuthorizationCodeTTL    = 10 * time.Minute
	DefaultAccessTokenTTL          = time.Hour
	DefaultRefreshTokenTTL         = 30 * 24 * time.Hour
	DefaultAuthCodeRefreshTokenTTL = 14 * 24 * time.Hour
	DefaultDPoPProofWindow         = 5 * time.Minute
)

// DefaultAccessTokenAudience is the aud claim of access tokens for Solid
// resource servers.
const DefaultAccessTokenAudience = "solid"

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 10 minutes

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL time.Duration // default: 1 hour

	// RefreshTokenTTL is the lifetime of refresh tokens issued on rotation
	RefreshTokenTTL time.Duration // default: 30 days

	// AuthCodeRefreshTokenTTL is the lifetime of refresh tokens issued by
	// the authorization_code grant
	AuthCodeRefreshTokenTTL time.Duration // default: 14 days

	// DPoPProofWindow is the maximum age of a DPoP proof and the replay
	// window for its jti
	DPoPProofWindow time.Duration // default: 5 minutes

	// KeepFamilyOnRefreshReuse rejects only the presented token when a
	// rotated refresh token is reused, instead of revoking its whole family.
	// WARNING: leaves tokens minted from a stolen refresh token valid
	// Default: false (family is revoked)
	KeepFamilyOnRefreshReuse bool

	// RequirePKCE requires a code_challenge from confidential clients too.
	// Public clients always need one.
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false
	AllowPKCEPlain bool

	// AccessTokenAudience is the aud claim of issued access tokens
	AccessTokenAudience []string // default: ["solid"]

	// Discovery overrides the published discovery metadata. Endpoint keys
	// derived from Issuer are added unless set here.
	Discovery map[string]any

	// DiscoveryStrict requires the recommended discovery keys as well
	DiscoveryStrict bool

	// AllowInsecureHTTP allows an http:// issuer outside localhost
	// WARNING: exposes tokens and credentials to interception
	AllowInsecureHTTP bool

	// MaxStateLength bounds the state parameter echoed in redirects
	MaxStateLength int // default: 512

	// DisableRegistration turns off dynamic client registration (RFC 7591)
	// and drops registration_endpoint from discovery.
	DisableRegistration bool
}

// applySecureDefaults fills unset values and warns about insecure ones.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	// Endpoints are derived by appending paths to the issuer.
	config.Issuer = util.NormalizeURL(config.Issuer)

	if len(config.AccessTokenAudience) == 0 {
		config.AccessTokenAudience = []string{DefaultAccessTokenAudience}
	}
	if config.MaxStateLength == 0 {
		config.MaxStateLength = 512
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.AuthCodeRefreshTokenTTL == 0 {
		config.AuthCodeRefreshTokenTTL = DefaultAuthCodeRefreshTokenTTL
	}
	if config.DPoPProofWindow == 0 {
		config.DPoPProofWindow = DefaultDPoPProofWindow
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.KeepFamilyOnRefreshReuse {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token reuse does not revoke the token family",
			"risk", "Tokens minted from a stolen refresh token stay valid after reuse is detected",
			"recommendation", "Set KeepFamilyOnRefreshReuse=false",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc9700#section-4.14.2")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.DPoPProofWindow > 10*time.Minute {
		logger.Warn("⚠️  SECURITY NOTICE: Long DPoP proof window",
			"window", config.DPoPProofWindow,
			"risk", "Pre-generated proofs stay usable for longer",
			"recommendation", "Keep the proof window at a few minutes")
	}
}
