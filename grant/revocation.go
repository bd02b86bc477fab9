package grant

import (
	"context"

	"github.com/giantswarm/pod-oauth/storage"
)

// LookupRefreshToken resolves a refresh token value to its record. Values
// not sealed by this server and unknown or expired ids are reported as
// storage.ErrNotFound.
func (e *Engine) LookupRefreshToken(ctx context.Context, value string) (*storage.RefreshToken, error) {
	env, err := open(e.base.cfg.Sealer, PurposeRefreshToken, value)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	token, err := e.base.repos.RefreshTokens().Find(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	if token.ClientID != env.ClientID {
		return nil, storage.ErrNotFound
	}
	return token, nil
}

// RevokeRefreshToken revokes token and everything issued from the same
// grant (RFC 7009 Section 2.1).
func (e *Engine) RevokeRefreshToken(ctx context.Context, token *storage.RefreshToken, reason string) error {
	if err := e.base.repos.RefreshTokens().Revoke(ctx, token.ID); err != nil {
		return err
	}
	if token.AccessTokenID != "" {
		if err := e.base.repos.AccessTokens().Revoke(ctx, token.AccessTokenID); err != nil {
			return err
		}
	}
	e.base.cfg.Auditor.TokenRevoked(ctx, token.UserID, token.ClientID, "refresh_token", reason)
	e.base.revokeFamily(ctx, token.FamilyID, token.UserID, token.ClientID, reason)
	return nil
}
