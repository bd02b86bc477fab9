package grant

import (
	"context"
)

// ClientCredentials implements the client_credentials grant: a
// confidential client obtains an access token for itself. There is no user
// and no refresh token.
type ClientCredentials struct {
	*base
}

var _ TokenStrategy = (*ClientCredentials)(nil)

// Exchange mints an access token for the authenticated client. Requested
// scopes must be allowed for the client; none means all of them.
func (g *ClientCredentials) Exchange(ctx context.Context, req *TokenRequest) (*Result, error) {
	if !req.Client.Confidential() {
		return nil, Errorf(ErrUnauthorizedClient, "public clients may not use client_credentials")
	}

	scopes := req.Scopes
	for _, s := range scopes {
		if !req.Client.AllowsScope(s) {
			return nil, Errorf(ErrInvalidScope, "client is not authorized for one or more requested scopes")
		}
	}
	if len(scopes) == 0 {
		scopes = req.Client.Scopes
	}

	at, err := g.mintAccessToken(ctx, g.newToken(req.Client.ID, "", scopes, "", g.cfg.AccessTokenTTL), req.JKT)
	if err != nil {
		return nil, err
	}
	return &Result{AccessToken: at}, nil
}
