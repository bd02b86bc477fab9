package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/pod-oauth/dpop"
	"github.com/giantswarm/pod-oauth/grant"
	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/storage"
)

// AuthorizeRequest carries the authorization endpoint parameters together
// with what the session collaborator knows about the end user.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string

	// User is the authenticated resource owner, nil when nobody is logged in.
	User *storage.User

	// Approved reports whether the user consented to this client and scope.
	Approved bool

	ClientIP string
}

// AuthorizeResponse is the outcome of an authorization request that could
// be answered by redirect or needs user interaction first.
type AuthorizeResponse struct {
	// RedirectURL is set when the user agent is sent back to the client,
	// with either the grant or an error.
	RedirectURL string

	// ConsentRequired is set when the user must log in or approve first.
	// Client and Scopes describe what is being asked for.
	ConsentRequired bool
	Client          *storage.Client
	Scopes          []string
}

// HandleAuthorizeRequest validates an authorization request and, once the
// user has approved it, mints a code or token through the grant strategy.
//
// The returned error is a *ProtocolError and is only used while the client
// or redirect URI cannot be trusted; every later failure is delivered to
// the redirect URI.
func (s *Server) HandleAuthorizeRequest(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.authorize")
	defer span.End()
	span.SetAttributes(
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
		attribute.String(instrumentation.AttrClientIP, req.ClientIP),
	)

	client, redirectURI, pe := s.authorizeTarget(ctx, req)
	if pe != nil {
		instrumentation.RecordError(span, pe)
		s.instrumentation.Metrics().RecordAuthorizationRequest(ctx, req.ResponseType, pe.Code)
		return nil, pe
	}
	instrumentation.AddFlowAttributes(span, client.ID, "", req.Scope)

	fragment := req.ResponseType == grant.ResponseTypeToken.String()
	redirectError := func(err error) (*AuthorizeResponse, error) {
		pe := s.fail(err, "authorize", client.ID)
		instrumentation.RecordError(span, pe)
		s.instrumentation.Metrics().RecordAuthorizationRequest(ctx, req.ResponseType, pe.Code)
		return &AuthorizeResponse{RedirectURL: buildRedirect(redirectURI, fragment, errorParams(pe, req.State))}, nil
	}

	rt, err := grant.ParseResponseType(req.ResponseType)
	if err != nil {
		return redirectError(err)
	}
	if !client.AllowsGrant(rt.Grant().String()) {
		return redirectError(grant.Errorf(grant.ErrUnauthorizedClient, "client may not use response_type %s", rt))
	}
	if err := s.validateState(req.State); err != nil {
		return redirectError(err)
	}

	scopes, err := s.resolveScopes(ctx, client, req.Scope)
	if err != nil {
		if errors.Is(err, grant.ErrInvalidScope) {
			s.auditor.Record(ctx, security.Event{
				Type:     security.EventScopeEscalation,
				ClientID: client.ID,
				ClientIP: req.ClientIP,
				Details:  map[string]any{"scope": req.Scope},
			})
		}
		return redirectError(err)
	}

	if req.User == nil || req.User.Subject == "" || !req.Approved {
		s.instrumentation.Metrics().RecordAuthorizationRequest(ctx, rt.String(), "consent_required")
		return &AuthorizeResponse{ConsentRequired: true, Client: client, Scopes: scopes}, nil
	}
	instrumentation.AddFlowAttributes(span, client.ID, req.User.Subject, req.Scope)

	strategy, err := s.engine.Authorizer(rt)
	if err != nil {
		return redirectError(err)
	}
	res, err := strategy.Authorize(ctx, &grant.AuthorizeRequest{
		Client:              client,
		User:                req.User,
		RedirectURI:         redirectURI,
		RedirectURIProvided: req.RedirectURI != "",
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
	})
	if err != nil {
		return redirectError(err)
	}

	params := url.Values{}
	if res.Code != nil {
		params.Set("code", res.CodeValue)
		params.Set("iss", s.config.Issuer)
	} else {
		accessToken, err := s.signAccessToken(res.AccessToken)
		if err != nil {
			s.discard(ctx, res)
			return redirectError(err)
		}
		params.Set("access_token", accessToken)
		params.Set("token_type", tokenTypeBearer)
		params.Set("expires_in", strconv.FormatInt(int64(s.config.AccessTokenTTL.Seconds()), 10))
		params.Set("scope", res.AccessToken.ScopeString())
		s.instrumentation.Metrics().RecordTokenIssued(ctx, grant.TypeImplicit.String(), tokenTypeBearer)
		s.auditor.TokenIssued(ctx, req.User.Subject, client.ID, req.ClientIP, grant.TypeImplicit.String(), res.AccessToken.ScopeString())
	}
	if req.State != "" {
		params.Set("state", req.State)
	}

	instrumentation.SetSpanSuccess(span)
	s.instrumentation.Metrics().RecordAuthorizationRequest(ctx, rt.String(), "success")
	return &AuthorizeResponse{RedirectURL: buildRedirect(redirectURI, rt.Fragment(), params)}, nil
}

// authorizeTarget resolves the client and the redirect URI. Failures here
// must not redirect anywhere.
func (s *Server) authorizeTarget(ctx context.Context, req *AuthorizeRequest) (*storage.Client, string, *ProtocolError) {
	if req.ClientID == "" {
		return nil, "", protocolError(ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
	}

	client, err := s.repos.Clients().Find(ctx, req.ClientID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && client.Revoked) {
		s.auditor.AuthFailure(ctx, req.ClientID, req.ClientIP, "unknown_client")
		return nil, "", protocolError(ErrorCodeInvalidClient, "unknown client", http.StatusBadRequest)
	}
	if err != nil {
		return nil, "", s.fail(err, "authorize", req.ClientID)
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			return nil, "", protocolError(ErrorCodeInvalidRequest, "redirect_uri is required", http.StatusBadRequest)
		}
		redirectURI = client.RedirectURIs[0]
	}
	if !client.HasRedirectURI(redirectURI) {
		s.auditor.Record(ctx, security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: client.ID,
			ClientIP: req.ClientIP,
		})
		return nil, "", protocolError(ErrorCodeInvalidRequest, "redirect_uri is not registered for this client", http.StatusBadRequest)
	}
	return client, redirectURI, nil
}

func errorParams(pe *ProtocolError, state string) url.Values {
	params := url.Values{}
	params.Set("error", pe.Code)
	if pe.Description != "" {
		params.Set("error_description", pe.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	return params
}

// buildRedirect adds params to the query of redirectURI, or replaces its
// fragment with them.
func buildRedirect(redirectURI string, fragment bool, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	if fragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Token types returned at the token endpoint
const (
	tokenTypeBearer = "Bearer"
	tokenTypeDPoP   = dpop.TokenType
)
