package grant

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/storage"
)

// RefreshToken implements the refresh_token grant with rotation: every
// refresh token can be exchanged once, which revokes it together with the
// access token it was issued with.
type RefreshToken struct {
	*base
	familyOnReuse bool
}

var _ TokenStrategy = (*RefreshToken)(nil)

// Exchange rotates a refresh token into a new pair. A token bound to a
// DPoP key requires a proof from the same key. Presenting a rotated token
// again revokes its family when configured to.
func (g *RefreshToken) Exchange(ctx context.Context, req *TokenRequest) (*Result, error) {
	env, err := open(g.cfg.Sealer, PurposeRefreshToken, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if env.ClientID != req.Client.ID {
		return nil, Errorf(ErrInvalidGrant, "invalid refresh token")
	}

	current, err := g.repos.RefreshTokens().Find(ctx, env.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Errorf(ErrInvalidGrant, "invalid refresh token")
	}
	if err != nil {
		return nil, err
	}
	if current.ClientID != req.Client.ID {
		return nil, Errorf(ErrInvalidGrant, "invalid refresh token")
	}
	if current.JKT != "" && subtle.ConstantTimeCompare([]byte(current.JKT), []byte(req.JKT)) != 1 {
		g.cfg.Auditor.Record(ctx, security.Event{
			Type:     security.EventProofKeyMismatch,
			Subject:  current.UserID,
			ClientID: current.ClientID,
		})
		return nil, Errorf(ErrInvalidGrant, "refresh token is bound to another key")
	}

	scopes, err := checkScopes(req.Scopes, current.Scopes)
	if err != nil {
		return nil, err
	}

	old, err := g.repos.RefreshTokens().Rotate(ctx, env.ID)
	switch {
	case errors.Is(err, storage.ErrAlreadyUsed):
		g.reused(ctx, old)
		return nil, Errorf(ErrInvalidGrant, "invalid refresh token")
	case errors.Is(err, storage.ErrNotFound):
		return nil, Errorf(ErrInvalidGrant, "invalid refresh token")
	case err != nil:
		return nil, err
	}

	if old.AccessTokenID != "" {
		if err := g.repos.AccessTokens().Revoke(ctx, old.AccessTokenID); err != nil {
			return nil, err
		}
	}

	jkt := old.JKT
	if jkt == "" {
		jkt = req.JKT
	}

	tok := g.newToken(old.ClientID, old.UserID, scopes, old.FamilyID, g.cfg.AccessTokenTTL)
	res, err := g.mintPair(ctx, tok, jkt, g.cfg.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	g.cfg.Auditor.TokenRefreshed(ctx, old.UserID, old.ClientID)
	return res, nil
}

func (g *RefreshToken) reused(ctx context.Context, token *storage.RefreshToken) {
	if token == nil {
		return
	}

	g.logger.Error("Refresh token reuse detected",
		"client_id", token.ClientID,
		"revoke_family", g.familyOnReuse)
	g.cfg.Auditor.Record(ctx, security.Event{
		Type:     security.EventRefreshTokenReused,
		Subject:  token.UserID,
		ClientID: token.ClientID,
		Details: map[string]any{
			"severity":      "critical",
			"revoke_family": g.familyOnReuse,
		},
	})
	if g.cfg.Instrumentation != nil {
		g.cfg.Instrumentation.Metrics().RecordTokenReuseDetected(ctx)
	}

	if g.familyOnReuse {
		g.revokeFamily(ctx, token.FamilyID, token.UserID, token.ClientID, "refresh_token_reuse")
	}
}
