package server

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/pod-oauth/grant"
	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/replay"
	"github.com/giantswarm/pod-oauth/storage"
)

// TokenRequest carries the token endpoint parameters. ClientID and
// ClientSecret come from HTTP Basic authentication or the form body.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string

	// DPoPProof is the DPoP header value; Method and URI describe the
	// request it was sent with.
	DPoPProof string
	Method    string
	URI       string

	ClientIP string
}

// TokenResponse is the successful token endpoint response (RFC 6749
// Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// HandleTokenRequest authenticates the client, verifies a DPoP proof if one
// was sent and exchanges the grant for signed tokens. The proof, including
// its replay check, is verified before the strategy persists anything.
//
// Errors are always *ProtocolError.
func (s *Server) HandleTokenRequest(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.token")
	defer span.End()
	span.SetAttributes(
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientIP, req.ClientIP),
	)

	resp, err := s.handleTokenRequest(ctx, req)
	if err != nil {
		pe := s.fail(err, "token", req.ClientID)
		span.SetAttributes(attribute.String(instrumentation.AttrError, pe.Code))
		instrumentation.RecordError(span, err)
		s.instrumentation.Metrics().RecordTokenFailure(ctx, req.GrantType, pe.Code)
		return nil, pe
	}

	instrumentation.AddGrantAttributes(span, req.GrantType, resp.TokenType)
	instrumentation.SetSpanSuccess(span)
	s.instrumentation.Metrics().RecordTokenIssued(ctx, req.GrantType, resp.TokenType)
	return resp, nil
}

func (s *Server) handleTokenRequest(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	gt, err := grant.ParseType(req.GrantType)
	if err != nil {
		return nil, err
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(gt.String()) {
		return nil, grant.Errorf(grant.ErrUnauthorizedClient, "client may not use grant_type %s", gt)
	}

	jkt := ""
	if req.DPoPProof != "" {
		proof, err := s.proofs.Verify(ctx, req.DPoPProof, req.Method, req.URI, "")
		if err != nil {
			if replay.IsReplay(err) {
				s.auditor.ProofReplayed(ctx, client.ID, req.ClientIP)
			}
			return nil, err
		}
		jkt = proof.Thumbprint
	}

	var scopes []string
	if gt == grant.TypeClientCredentials {
		if scopes, err = s.resolveScopes(ctx, client, req.Scope); err != nil {
			return nil, err
		}
	} else {
		scopes = strings.Fields(req.Scope)
	}

	strategy, err := s.engine.Exchanger(gt)
	if err != nil {
		return nil, err
	}
	res, err := strategy.Exchange(ctx, &grant.TokenRequest{
		Client:       client,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
		RefreshToken: req.RefreshToken,
		Scopes:       scopes,
		JKT:          jkt,
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.tokenResponse(res)
	if err != nil {
		s.discard(ctx, res)
		return nil, err
	}

	at := res.AccessToken
	if gt != grant.TypeRefreshToken {
		s.auditor.TokenIssued(ctx, at.UserID, client.ID, req.ClientIP, gt.String(), resp.Scope)
	}
	s.logger.Debug("Issued tokens",
		"client_id", client.ID,
		"grant_type", gt.String(),
		"token_type", resp.TokenType,
		"refresh_token", resp.RefreshToken != "")
	return resp, nil
}

// authenticateClient resolves the client and checks its secret. Public
// clients identify themselves by id only. Every failure looks the same to
// the caller.
func (s *Server) authenticateClient(ctx context.Context, clientID, secret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		s.auditor.AuthFailure(ctx, "", clientIP, "missing_client_id")
		return nil, ErrInvalidClient()
	}

	client, err := s.repos.Clients().Find(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		s.auditor.AuthFailure(ctx, clientID, clientIP, "unknown_client")
		return nil, ErrInvalidClient()
	}
	if err != nil {
		return nil, err
	}
	if client.Revoked {
		s.auditor.AuthFailure(ctx, client.ID, clientIP, "revoked_client")
		return nil, ErrInvalidClient()
	}

	if client.Confidential() {
		if !client.VerifySecret(secret) {
			s.auditor.AuthFailure(ctx, client.ID, clientIP, "invalid_client_secret")
			return nil, ErrInvalidClient()
		}
	} else if secret != "" {
		s.auditor.AuthFailure(ctx, client.ID, clientIP, "secret_for_public_client")
		return nil, ErrInvalidClient()
	}
	return client, nil
}

// tokenResponse signs the minted tokens.
func (s *Server) tokenResponse(res *grant.Result) (*TokenResponse, error) {
	at := res.AccessToken
	accessToken, err := s.signAccessToken(at)
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(at.ExpiresAt.Sub(at.IssuedAt).Seconds()),
		RefreshToken: res.RefreshTokenValue,
		Scope:        at.ScopeString(),
	}
	if at.JKT != "" {
		resp.TokenType = tokenTypeDPoP
	}

	if wantsIDToken(at) {
		if resp.IDToken, err = s.signIDToken(at, res.Nonce); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
