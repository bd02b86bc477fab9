package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/pod-oauth/internal/util"
	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/storage"
)

// AuthorizationCode implements the authorization_code grant: the authorize
// step mints a single-use code, the token step exchanges it for a token
// pair.
type AuthorizationCode struct {
	*base
	refreshTTL time.Duration
}

var (
	_ AuthorizeStrategy = (*AuthorizationCode)(nil)
	_ TokenStrategy     = (*AuthorizationCode)(nil)
)

// Authorize mints and persists a code for the authenticated user. Public
// clients must send a PKCE challenge.
func (g *AuthorizationCode) Authorize(ctx context.Context, req *AuthorizeRequest) (*Result, error) {
	if req.User == nil || req.User.Subject == "" {
		return nil, Errorf(ErrAccessDenied, "no authenticated user")
	}

	method := ""
	if req.CodeChallenge != "" {
		var err error
		if method, err = ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod, g.cfg.AllowPKCEPlain); err != nil {
			return nil, err
		}
	} else if !req.Client.Confidential() || g.cfg.RequirePKCE {
		g.cfg.Auditor.Record(ctx, security.Event{
			Type:     security.EventPKCEMissing,
			Subject:  req.User.Subject,
			ClientID: req.Client.ID,
		})
		return nil, Errorf(ErrInvalidRequest, "code_challenge is required")
	}

	id := storage.NewID()
	code := &storage.AuthorizationCode{
		Token:               g.newToken(req.Client.ID, req.User.Subject, req.Scopes, id, g.cfg.AuthorizationCodeTTL),
		RedirectURI:         req.RedirectURI,
		RedirectURIProvided: req.RedirectURIProvided,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               req.Nonce,
	}
	code.ID = id

	if _, err := g.repos.AuthorizationCodes().Create(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to persist authorization code: %w", err)
	}

	value, err := seal(g.cfg.Sealer, PurposeAuthorizationCode, code.ID, code.ClientID, code.ExpiresAt)
	if err != nil {
		_ = g.repos.AuthorizationCodes().Revoke(ctx, code.ID)
		return nil, err
	}

	g.cfg.Auditor.Record(ctx, security.Event{
		Type:     security.EventCodeIssued,
		Subject:  code.UserID,
		ClientID: code.ClientID,
		Details:  map[string]any{"scope": code.ScopeString()},
	})

	return &Result{Code: code, CodeValue: value, Nonce: req.Nonce}, nil
}

// Exchange redeems a code. The code is consumed before any other check so
// a second exchange always observes it as used; reuse revokes every token
// minted from the code.
func (g *AuthorizationCode) Exchange(ctx context.Context, req *TokenRequest) (*Result, error) {
	env, err := open(g.cfg.Sealer, PurposeAuthorizationCode, req.Code)
	if err != nil {
		return nil, err
	}
	if env.ClientID != req.Client.ID {
		g.logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"client_id", req.Client.ID)
		return nil, Errorf(ErrInvalidGrant, "invalid authorization code")
	}

	code, err := g.repos.AuthorizationCodes().Consume(ctx, env.ID)
	switch {
	case errors.Is(err, storage.ErrAlreadyUsed):
		g.codeReused(ctx, code)
		return nil, Errorf(ErrInvalidGrant, "invalid authorization code")
	case errors.Is(err, storage.ErrNotFound):
		g.logger.Debug("Authorization code validation failed",
			"reason", "unknown_or_expired",
			"client_id", req.Client.ID,
			"code_prefix", util.Prefix(env.ID, 8))
		return nil, Errorf(ErrInvalidGrant, "invalid authorization code")
	case err != nil:
		return nil, err
	}

	if code.ClientID != req.Client.ID {
		return nil, Errorf(ErrInvalidGrant, "invalid authorization code")
	}
	// RFC 6749 Section 4.1.3: redirect_uri is required only if the
	// authorization request included it, but a value sent anyway must match.
	if (code.RedirectURIProvided || req.RedirectURI != "") && code.RedirectURI != req.RedirectURI {
		g.logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", req.Client.ID)
		return nil, Errorf(ErrInvalidGrant, "redirect_uri does not match the authorization request")
	}

	if code.CodeChallenge != "" {
		if err := VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
			g.cfg.Auditor.Record(ctx, security.Event{
				Type:     security.EventPKCEFailed,
				Subject:  code.UserID,
				ClientID: req.Client.ID,
				Details:  map[string]any{"reason": err.Error()},
			})
			if g.cfg.Instrumentation != nil {
				g.cfg.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			}
			return nil, Errorf(ErrInvalidGrant, "PKCE verification failed")
		}
	} else if req.CodeVerifier != "" {
		return nil, Errorf(ErrInvalidGrant, "code_verifier sent without a code_challenge")
	}

	tok := g.newToken(code.ClientID, code.UserID, code.Scopes, code.ID, g.cfg.AccessTokenTTL)

	if !req.Client.AllowsGrant(storage.GrantTypeRefreshToken) {
		at, err := g.mintAccessToken(ctx, tok, req.JKT)
		if err != nil {
			return nil, err
		}
		return &Result{AccessToken: at, Nonce: code.Nonce}, nil
	}

	res, err := g.mintPair(ctx, tok, req.JKT, g.refreshTTL)
	if err != nil {
		return nil, err
	}
	res.Nonce = code.Nonce
	return res, nil
}

func (g *AuthorizationCode) codeReused(ctx context.Context, code *storage.AuthorizationCode) {
	if code == nil {
		return
	}

	g.logger.Error("Authorization code reuse detected - revoking all tokens",
		"client_id", code.ClientID,
		"oauth_spec", "OAuth 2.1 Section 4.1.2")
	g.cfg.Auditor.Record(ctx, security.Event{
		Type:     security.EventCodeReused,
		Subject:  code.UserID,
		ClientID: code.ClientID,
		Details: map[string]any{
			"severity": "critical",
			"action":   "token_family_revoked",
		},
	})
	if g.cfg.Instrumentation != nil {
		g.cfg.Instrumentation.Metrics().RecordCodeReuseDetected(ctx)
	}

	g.revokeFamily(ctx, code.FamilyID, code.UserID, code.ClientID, "authorization_code_reuse")
}
