package server

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/giantswarm/pod-oauth/grant"
	"github.com/giantswarm/pod-oauth/keys"
	"github.com/giantswarm/pod-oauth/storage"
)

// Claims added to signed tokens beyond the registered ones
const (
	ClaimClientID = "client_id"
	ClaimScope    = "scope"
	ClaimWebID    = "webid"
	ClaimCnf      = "cnf"
	ClaimAzp      = "azp"
	ClaimNonce    = "nonce"
)

// scopeOpenID triggers an ID token when granted to a user.
const scopeOpenID = "openid"

// signAccessToken signs the JWT form of a persisted access token. The jti
// is the repository id. Without a user the client is the subject.
func (s *Server) signAccessToken(at *storage.AccessToken) (string, error) {
	subject := at.UserID
	if subject == "" {
		subject = at.ClientID
	}

	b := jwt.NewBuilder().
		Issuer(s.config.Issuer).
		Subject(subject).
		Audience(s.config.AccessTokenAudience).
		IssuedAt(at.IssuedAt).
		NotBefore(at.IssuedAt).
		Expiration(at.ExpiresAt).
		JwtID(at.ID).
		Claim(ClaimClientID, at.ClientID)
	if len(at.Scopes) > 0 {
		b = b.Claim(ClaimScope, at.ScopeString())
	}
	if at.UserID != "" {
		b = b.Claim(ClaimWebID, at.UserID)
	}
	if at.JKT != "" {
		b = b.Claim(ClaimCnf, map[string]any{"jkt": at.JKT})
	}

	token, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build access token: %w", err)
	}
	return s.keys.SignToken(token, keys.TypeAccessToken)
}

// signIDToken signs an OpenID Connect ID token for the user behind at.
func (s *Server) signIDToken(at *storage.AccessToken, nonce string) (string, error) {
	b := jwt.NewBuilder().
		Issuer(s.config.Issuer).
		Subject(at.UserID).
		Audience([]string{at.ClientID}).
		IssuedAt(at.IssuedAt).
		Expiration(at.ExpiresAt).
		JwtID(storage.NewID()).
		Claim(ClaimAzp, at.ClientID).
		Claim(ClaimWebID, at.UserID)
	if nonce != "" {
		b = b.Claim(ClaimNonce, nonce)
	}
	if at.JKT != "" {
		b = b.Claim(ClaimCnf, map[string]any{"jkt": at.JKT})
	}

	token, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build id token: %w", err)
	}
	return s.keys.SignToken(token, keys.TypeIDToken)
}

// wantsIDToken reports whether an ID token accompanies at.
func wantsIDToken(at *storage.AccessToken) bool {
	return at.UserID != "" && at.HasScope(scopeOpenID)
}

// discard revokes what a strategy persisted for a request that failed
// afterwards, so the request fails as a whole.
func (s *Server) discard(ctx context.Context, res *grant.Result) {
	if res == nil {
		return
	}
	if res.AccessToken != nil {
		if err := s.repos.AccessTokens().Revoke(ctx, res.AccessToken.ID); err != nil {
			s.logger.Error("Failed to discard access token", "error", err, "client_id", res.AccessToken.ClientID)
		}
	}
	if res.RefreshToken != nil {
		if err := s.repos.RefreshTokens().Revoke(ctx, res.RefreshToken.ID); err != nil {
			s.logger.Error("Failed to discard refresh token", "error", err, "client_id", res.RefreshToken.ClientID)
		}
	}
}

// fail logs err with full context when it hides a server side failure and
// returns its protocol form.
func (s *Server) fail(err error, operation, clientID string) *ProtocolError {
	pe := Translate(err)
	if pe.Internal() {
		attrs := []any{"operation", operation, "client_id", clientID, "error", err}
		if isConfigurationError(err) {
			s.logger.Error("Configuration failure while handling request", attrs...)
		} else {
			s.logger.Error("Internal failure while handling request", attrs...)
		}
	}
	return pe
}
