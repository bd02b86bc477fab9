package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/pod-oauth/grant"
	"github.com/giantswarm/pod-oauth/internal/util"
	"github.com/giantswarm/pod-oauth/storage"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// rfc3986Scheme matches scheme = ALPHA *( ALPHA / DIGIT / "+" / "-" / "." )
	rfc3986Scheme = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)
)

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// validateHTTPSEnforcement ensures that the server is running over HTTPS
// outside localhost development.
//
// The validation logic:
// - HTTPS URLs: Always allowed
// - HTTP on localhost: Allowed with warning (development)
// - HTTP on non-localhost: Blocked unless AllowInsecureHTTP=true
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if issuerURL.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL")
	}
	if issuerURL.RawQuery != "" || issuerURL.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !s.config.AllowInsecureHTTP {
			s.logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	if !s.config.AllowInsecureHTTP {
		return fmt.Errorf("issuer must use HTTPS in production (got %s://%s); set AllowInsecureHTTP=true for development", issuerURL.Scheme, hostname)
	}

	s.logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"action_required", "Switch to HTTPS immediately",
		"learn_more", oauth21SecurityBestPracticesURL)
	return nil
}

// isLocalhostHostname checks if a hostname refers to the local machine:
// the 127.0.0.0/8 range, ::1, localhost and 0.0.0.0.
func isLocalhostHostname(hostname string) bool {
	return hostname == "0.0.0.0" || util.IsLoopbackHost(hostname)
}

// ValidateRedirectURI checks a redirect URI before a client is registered
// with it (OAuth 2.0 Security BCP Section 4.1): it must be absolute, carry
// no fragment, use HTTPS unless it points at a loopback host, and custom
// schemes must be well formed and not dangerous.
func ValidateRedirectURI(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect_uri must be absolute")
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("redirect_uri must have a host")
		}
		if addr, ok := util.ParseHostAddr(parsed.Hostname()); ok {
			switch scope := util.ScopeOf(addr); scope {
			case util.ScopeLinkLocal, util.ScopeUnspecified:
				return fmt.Errorf("redirect_uri must not target a %s address", scope)
			}
		}
		return nil
	case SchemeHTTP:
		if !isLocalhostHostname(parsed.Hostname()) {
			return fmt.Errorf("redirect_uri must use HTTPS unless it targets a loopback address")
		}
		return nil
	}

	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", parsed.Scheme)
	}
	if !rfc3986Scheme.MatchString(scheme) {
		return fmt.Errorf("redirect_uri scheme '%s' is not a valid URI scheme", parsed.Scheme)
	}
	return nil
}

// resolveScopes splits a scope parameter and checks every value against the
// registered scope set and the client's allowance. Identifiers are matched
// case-sensitively.
func (s *Server) resolveScopes(ctx context.Context, client *storage.Client, scope string) ([]string, error) {
	requested := strings.Fields(scope)
	seen := make(map[string]bool, len(requested))
	scopes := make([]string, 0, len(requested))

	for _, id := range requested {
		if seen[id] {
			continue
		}
		seen[id] = true

		sc, err := s.repos.Scopes().Find(ctx, id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && sc.Revoked) {
			return nil, grant.Errorf(grant.ErrInvalidScope, "unknown scope %q", id)
		}
		if err != nil {
			return nil, err
		}
		if !client.AllowsScope(id) {
			return nil, grant.Errorf(grant.ErrInvalidScope, "client is not authorized for scope %q", id)
		}
		scopes = append(scopes, id)
	}
	return scopes, nil
}

// validateState bounds the state parameter. It is optional but echoed
// back verbatim.
func (s *Server) validateState(state string) error {
	if len(state) > s.config.MaxStateLength {
		return grant.Errorf(grant.ErrInvalidRequest, "state must be at most %d characters", s.config.MaxStateLength)
	}
	return nil
}
