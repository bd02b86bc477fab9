package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/lestrrat-go/jwx/v3/jwt"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/storage"
)

// Token type hints (RFC 7009 Section 2.1, RFC 7662 Section 2.1)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// IntrospectionRequest carries the introspection endpoint parameters.
type IntrospectionRequest struct {
	ClientID      string
	ClientSecret  string
	Token         string
	TokenTypeHint string
	ClientIP      string
}

// Confirmation is the cnf member of an introspection response (RFC 9449
// Section 6.2).
type Confirmation struct {
	JKT string `json:"jkt"`
}

// IntrospectionResponse is the RFC 7662 Section 2.2 response. Only Active
// is set for a token that is not active.
type IntrospectionResponse struct {
	Active    bool          `json:"active"`
	Scope     string        `json:"scope,omitempty"`
	ClientID  string        `json:"client_id,omitempty"`
	Subject   string        `json:"sub,omitempty"`
	TokenType string        `json:"token_type,omitempty"`
	ExpiresAt int64         `json:"exp,omitempty"`
	IssuedAt  int64         `json:"iat,omitempty"`
	Issuer    string        `json:"iss,omitempty"`
	JTI       string        `json:"jti,omitempty"`
	Cnf       *Confirmation `json:"cnf,omitempty"`
}

// Introspect reports whether a token is active (RFC 7662). Only confidential
// clients may introspect. Access tokens are described to any of them, so a
// resource server can check tokens it was handed; refresh tokens only to
// the client they were issued to.
//
// Errors are always *ProtocolError.
func (s *Server) Introspect(ctx context.Context, req *IntrospectionRequest) (*IntrospectionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.introspect")
	defer span.End()
	span.SetAttributes(attribute.String(instrumentation.AttrClientIP, req.ClientIP))

	resp, err := s.introspect(ctx, req)
	if err != nil {
		pe := s.fail(err, "introspect", req.ClientID)
		span.SetAttributes(attribute.String(instrumentation.AttrError, pe.Code))
		instrumentation.RecordError(span, err)
		return nil, pe
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (s *Server) introspect(ctx context.Context, req *IntrospectionRequest) (*IntrospectionResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if !client.Confidential() {
		s.auditor.AuthFailure(ctx, client.ID, req.ClientIP, "public_client_introspection")
		return nil, ErrInvalidClient()
	}
	if req.Token == "" {
		return nil, protocolError(ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
	}

	access, refresh, err := s.lookupToken(ctx, req.Token, req.TokenTypeHint)
	if err != nil {
		return nil, err
	}

	switch {
	case access != nil:
		resp := s.describe(&access.Token)
		resp.JTI = access.ID
		resp.TokenType = tokenTypeBearer
		if access.JKT != "" {
			resp.TokenType = tokenTypeDPoP
			resp.Cnf = &Confirmation{JKT: access.JKT}
		}
		return resp, nil
	case refresh != nil && refresh.ClientID == client.ID:
		resp := s.describe(&refresh.Token)
		resp.TokenType = TokenTypeHintRefreshToken
		if refresh.JKT != "" {
			resp.Cnf = &Confirmation{JKT: refresh.JKT}
		}
		return resp, nil
	}
	return &IntrospectionResponse{}, nil
}

func (s *Server) describe(t *storage.Token) *IntrospectionResponse {
	subject := t.UserID
	if subject == "" {
		subject = t.ClientID
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     t.ScopeString(),
		ClientID:  t.ClientID,
		Subject:   subject,
		ExpiresAt: t.ExpiresAt.Unix(),
		IssuedAt:  t.IssuedAt.Unix(),
		Issuer:    s.config.Issuer,
	}
}

// lookupToken resolves an active access or refresh token. The hint only
// decides which kind is tried first. Both results are nil for a value that
// is not an active token of this server.
func (s *Server) lookupToken(ctx context.Context, value, hint string) (*storage.AccessToken, *storage.RefreshToken, error) {
	if hint == TokenTypeHintRefreshToken {
		refresh, err := s.lookupRefreshToken(ctx, value)
		if refresh != nil || err != nil {
			return nil, refresh, err
		}
		access, err := s.lookupAccessToken(ctx, value)
		return access, nil, err
	}

	access, err := s.lookupAccessToken(ctx, value)
	if access != nil || err != nil {
		return access, nil, err
	}
	refresh, err := s.lookupRefreshToken(ctx, value)
	return nil, refresh, err
}

// lookupAccessToken verifies the signature and lifetime of a signed access
// token and returns its record. Revoked tokens are not returned.
func (s *Server) lookupAccessToken(ctx context.Context, value string) (*storage.AccessToken, error) {
	token, err := s.keys.ParseToken(value,
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithClock(jwt.ClockFunc(s.now)))
	if err != nil {
		return nil, nil
	}
	jti, ok := token.JwtID()
	if !ok || jti == "" {
		return nil, nil
	}

	at, err := s.repos.AccessTokens().Find(ctx, jti)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	revoked, err := s.repos.AccessTokens().IsRevoked(ctx, jti)
	if err != nil {
		return nil, err
	}
	if revoked || at.Expired(s.now()) {
		return nil, nil
	}
	return at, nil
}

// lookupRefreshToken returns the record of an active refresh token value.
func (s *Server) lookupRefreshToken(ctx context.Context, value string) (*storage.RefreshToken, error) {
	rt, err := s.engine.LookupRefreshToken(ctx, value)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	revoked, err := s.repos.RefreshTokens().IsRevoked(ctx, rt.ID)
	if err != nil {
		return nil, err
	}
	if revoked || rt.Expired(s.now()) {
		return nil, nil
	}
	return rt, nil
}
