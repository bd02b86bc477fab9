package grant

import (
	"context"

	"github.com/giantswarm/pod-oauth/storage"
)

// Implicit implements the implicit grant: the authorize step mints an
// access token directly. It never issues a refresh token.
type Implicit struct {
	*base
}

var _ AuthorizeStrategy = (*Implicit)(nil)

// Authorize mints an access token for the authenticated user.
func (g *Implicit) Authorize(ctx context.Context, req *AuthorizeRequest) (*Result, error) {
	if req.User == nil || req.User.Subject == "" {
		return nil, Errorf(ErrAccessDenied, "no authenticated user")
	}
	if !req.Client.AllowsGrant(storage.GrantTypeImplicit) {
		return nil, Errorf(ErrUnauthorizedClient, "client may not use the implicit grant")
	}

	at, err := g.mintAccessToken(ctx, g.newToken(req.Client.ID, req.User.Subject, req.Scopes, "", g.cfg.AccessTokenTTL), "")
	if err != nil {
		return nil, err
	}
	return &Result{AccessToken: at, Nonce: req.Nonce}, nil
}
