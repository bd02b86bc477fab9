// Package grant implements the OAuth2 grant types as strategies over the
// storage repositories.
//
// The Engine builds one strategy per supported grant type at construction
// and dispatches on the parsed Type or ResponseType. Strategies mint and
// persist codes and tokens; signing the access token and building the
// protocol response is left to the caller. Errors are the package sentinels
// (usually wrapped in *Error) or storage errors.
package grant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/storage"
)

// Config wires the strategies to their collaborators and lifetimes.
type Config struct {
	Repositories *storage.Factory
	Sealer       Sealer

	AuthorizationCodeTTL time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration

	// AuthCodeRefreshTokenTTL is the lifetime of refresh tokens minted by
	// the authorization_code grant. Rotation uses RefreshTokenTTL.
	AuthCodeRefreshTokenTTL time.Duration

	// RevokeFamilyOnRefreshReuse revokes the whole token family when a
	// rotated refresh token is presented again.
	RevokeFamilyOnRefreshReuse bool

	// RequirePKCE requires a code_challenge from confidential clients too.
	RequirePKCE bool

	// AllowPKCEPlain accepts the plain challenge method.
	AllowPKCEPlain bool

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	// Now replaces time.Now.
	Now func() time.Time
}

// AuthorizeRequest is a validated authorization request. Client, redirect
// URI and scopes have been checked by the caller.
type AuthorizeRequest struct {
	Client      *storage.Client
	User        *storage.User
	RedirectURI string
	Scopes      []string

	// RedirectURIProvided is false when RedirectURI is the client's only
	// registered URI, filled in because the request did not name one.
	RedirectURIProvided bool

	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// TokenRequest is a token endpoint request from an authenticated client.
type TokenRequest struct {
	Client *storage.Client

	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string

	// Scopes is the requested scope list, empty when not sent.
	Scopes []string

	// JKT is the thumbprint of a verified DPoP proof, if any.
	JKT string
}

// Result holds what a strategy minted. Values are the opaque strings handed
// to the client; AccessToken is still unsigned.
type Result struct {
	Code      *storage.AuthorizationCode
	CodeValue string

	AccessToken *storage.AccessToken

	RefreshToken      *storage.RefreshToken
	RefreshTokenValue string

	// Nonce from the authorization request, echoed in the ID token.
	Nonce string
}

// AuthorizeStrategy answers the authorization endpoint for a response type.
type AuthorizeStrategy interface {
	Authorize(ctx context.Context, req *AuthorizeRequest) (*Result, error)
}

// TokenStrategy answers the token endpoint for a grant type.
type TokenStrategy interface {
	Exchange(ctx context.Context, req *TokenRequest) (*Result, error)
}

// Engine holds one strategy per grant type.
type Engine struct {
	base              *base
	authorizationCode *AuthorizationCode
	implicit          *Implicit
	clientCredentials *ClientCredentials
	refreshToken      *RefreshToken
}

// NewEngine builds every strategy over the shared repositories.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Repositories == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if cfg.Sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	for name, ttl := range map[string]time.Duration{
		"authorization code TTL":               cfg.AuthorizationCodeTTL,
		"access token TTL":                     cfg.AccessTokenTTL,
		"refresh token TTL":                    cfg.RefreshTokenTTL,
		"authorization code refresh token TTL": cfg.AuthCodeRefreshTokenTTL,
	} {
		if ttl <= 0 {
			return nil, fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	b := &base{cfg: cfg, repos: cfg.Repositories, logger: cfg.Logger, now: cfg.Now}

	return &Engine{
		base:              b,
		authorizationCode: &AuthorizationCode{base: b, refreshTTL: cfg.AuthCodeRefreshTokenTTL},
		implicit:          &Implicit{base: b},
		clientCredentials: &ClientCredentials{base: b},
		refreshToken:      &RefreshToken{base: b, familyOnReuse: cfg.RevokeFamilyOnRefreshReuse},
	}, nil
}

// Authorizer returns the strategy for a response type.
func (e *Engine) Authorizer(rt ResponseType) (AuthorizeStrategy, error) {
	switch rt {
	case ResponseTypeCode:
		return e.authorizationCode, nil
	case ResponseTypeToken:
		return e.implicit, nil
	}
	return nil, Errorf(ErrUnsupportedResponseType, "response_type %s is not supported", rt)
}

// Exchanger returns the strategy for a grant type.
func (e *Engine) Exchanger(t Type) (TokenStrategy, error) {
	switch t {
	case TypeAuthorizationCode:
		return e.authorizationCode, nil
	case TypeClientCredentials:
		return e.clientCredentials, nil
	case TypeRefreshToken:
		return e.refreshToken, nil
	}
	return nil, Errorf(ErrUnsupportedGrantType, "grant_type %s is not supported", t)
}

// base holds what every strategy shares.
type base struct {
	cfg    Config
	repos  *storage.Factory
	logger *slog.Logger
	now    func() time.Time
}

// newToken returns token state issued now for ttl.
func (b *base) newToken(clientID, userID string, scopes []string, familyID string, ttl time.Duration) storage.Token {
	now := b.now()
	return storage.Token{
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    append([]string(nil), scopes...),
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// mintAccessToken persists an access token.
func (b *base) mintAccessToken(ctx context.Context, tok storage.Token, jkt string) (*storage.AccessToken, error) {
	at := &storage.AccessToken{Token: tok, JKT: jkt}
	if _, err := b.repos.AccessTokens().Create(ctx, at); err != nil {
		return nil, fmt.Errorf("failed to persist access token: %w", err)
	}
	return at, nil
}

// mintPair persists an access token and a refresh token. If the refresh
// token cannot be persisted the access token is revoked again so the
// request fails as a whole.
func (b *base) mintPair(ctx context.Context, tok storage.Token, jkt string, refreshTTL time.Duration) (*Result, error) {
	at, err := b.mintAccessToken(ctx, tok, jkt)
	if err != nil {
		return nil, err
	}

	rtTok := tok
	rtTok.Scopes = append([]string(nil), tok.Scopes...)
	rtTok.ExpiresAt = tok.IssuedAt.Add(refreshTTL)
	rt := &storage.RefreshToken{Token: rtTok, AccessTokenID: at.ID, JKT: jkt}

	var value string
	if _, err = b.repos.RefreshTokens().Create(ctx, rt); err == nil {
		value, err = seal(b.cfg.Sealer, PurposeRefreshToken, rt.ID, rt.ClientID, rt.ExpiresAt)
		if err != nil {
			_ = b.repos.RefreshTokens().Revoke(ctx, rt.ID)
		}
	}
	if err != nil {
		b.rollback(ctx, at)
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return &Result{AccessToken: at, RefreshToken: rt, RefreshTokenValue: value}, nil
}

// rollback revokes an access token whose request failed after it was
// persisted.
func (b *base) rollback(ctx context.Context, at *storage.AccessToken) {
	if err := b.repos.AccessTokens().Revoke(ctx, at.ID); err != nil {
		b.logger.Error("Failed to roll back access token",
			"error", err,
			"client_id", at.ClientID)
		return
	}
	b.cfg.Auditor.TokenRevoked(ctx, at.UserID, at.ClientID, "access_token", "rollback")
}

// revokeFamily revokes every access and refresh token of familyID.
func (b *base) revokeFamily(ctx context.Context, familyID, userID, clientID, reason string) {
	if familyID == "" {
		return
	}

	total := 0
	access, err := b.repos.AccessTokens().RevokeFamily(ctx, familyID)
	if err != nil {
		b.logger.Error("Failed to revoke access token family", "error", err, "client_id", clientID, "reason", reason)
	}
	total += access

	refresh, err := b.repos.RefreshTokens().RevokeFamily(ctx, familyID)
	if err != nil {
		b.logger.Error("Failed to revoke refresh token family", "error", err, "client_id", clientID, "reason", reason)
	}
	total += refresh

	b.logger.Warn("Token family revoked",
		"client_id", clientID,
		"reason", reason,
		"revoked", total)
	b.cfg.Auditor.FamilyRevoked(ctx, userID, clientID, reason, total)
	if b.cfg.Instrumentation != nil {
		b.cfg.Instrumentation.Metrics().RecordFamilyRevoked(ctx, reason)
	}
}

// checkScopes returns requested if it is a subset of granted, and granted
// when nothing was requested.
func checkScopes(requested, granted []string) ([]string, error) {
	if len(requested) == 0 {
		return granted, nil
	}
	allowed := make(map[string]bool, len(granted))
	for _, s := range granted {
		allowed[s] = true
	}
	for _, s := range requested {
		if !allowed[s] {
			return nil, Errorf(ErrInvalidScope, "requested scope exceeds the original grant")
		}
	}
	return requested, nil
}
