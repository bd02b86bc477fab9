package server

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/pod-oauth/dpop"
	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/replay"
	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/storage"
)

// ResourceRequest is a request to a protected resource of this server.
// Authorization is the raw Authorization header; Method and URI describe
// the request a DPoP proof must match.
type ResourceRequest struct {
	Authorization string
	DPoPProof     string
	Method        string
	URI           string
	ClientIP      string
}

// UserInfoResponse is the userinfo endpoint response.
type UserInfoResponse struct {
	Subject string `json:"sub"`
	WebID   string `json:"webid"`
}

// ValidateAccessToken authenticates a resource request. A token bound to a
// DPoP key must be presented with the DPoP scheme and a proof from that key
// covering the token (RFC 9449 Section 7). An unbound token must use the
// Bearer scheme.
//
// Errors are always *ProtocolError.
func (s *Server) ValidateAccessToken(ctx context.Context, req *ResourceRequest) (*storage.AccessToken, error) {
	ctx, span := s.tracer.Start(ctx, "server.validate_access_token")
	defer span.End()
	span.SetAttributes(attribute.String(instrumentation.AttrClientIP, req.ClientIP))

	at, err := s.validateAccessToken(ctx, req)
	if err != nil {
		pe := resourceError(s.fail(err, "validate_access_token", ""))
		span.SetAttributes(attribute.String(instrumentation.AttrError, pe.Code))
		instrumentation.RecordError(span, err)
		return nil, pe
	}
	span.SetAttributes(attribute.Bool(instrumentation.AttrDPoPBound, at.JKT != ""))
	instrumentation.SetSpanSuccess(span)
	return at, nil
}

func (s *Server) validateAccessToken(ctx context.Context, req *ResourceRequest) (*storage.AccessToken, error) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(req.Authorization), " ")
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return nil, ErrInvalidToken("access token is required")
	}
	bound := strings.EqualFold(scheme, tokenTypeDPoP)
	if !bound && !strings.EqualFold(scheme, tokenTypeBearer) {
		return nil, ErrInvalidToken("unsupported authorization scheme")
	}

	at, err := s.lookupAccessToken(ctx, value)
	if err != nil {
		return nil, err
	}
	if at == nil {
		return nil, ErrInvalidToken("access token is not active")
	}

	if at.JKT == "" {
		if bound {
			return nil, ErrInvalidToken("access token is not bound to a DPoP key")
		}
		return at, nil
	}
	if !bound {
		return nil, ErrInvalidToken("access token requires the DPoP scheme")
	}
	if req.DPoPProof == "" {
		return nil, protocolError(ErrorCodeInvalidDPoPProof, "DPoP proof is required", http.StatusUnauthorized)
	}

	proof, err := s.proofs.Verify(ctx, req.DPoPProof, req.Method, req.URI, value)
	if err != nil {
		if replay.IsReplay(err) {
			s.auditor.ProofReplayed(ctx, at.ClientID, req.ClientIP)
		}
		return nil, err
	}
	if err := dpop.CheckBinding(proof, at.JKT); err != nil {
		s.auditor.Record(ctx, security.Event{
			Type:     security.EventProofKeyMismatch,
			Subject:  at.UserID,
			ClientID: at.ClientID,
			ClientIP: req.ClientIP,
		})
		return nil, err
	}
	return at, nil
}

// resourceError reports proof failures at a protected resource with 401
// (RFC 9449 Section 7.1). The token endpoint answers them with 400.
func resourceError(pe *ProtocolError) *ProtocolError {
	if pe.Code != ErrorCodeInvalidDPoPProof || pe.Status == http.StatusUnauthorized {
		return pe
	}
	return protocolError(pe.Code, pe.Description, http.StatusUnauthorized)
}

// UserInfo returns the WebID of the user an access token was issued for.
// The token must carry the openid scope.
func (s *Server) UserInfo(ctx context.Context, req *ResourceRequest) (*UserInfoResponse, error) {
	at, err := s.ValidateAccessToken(ctx, req)
	if err != nil {
		return nil, err
	}
	if at.UserID == "" || !at.HasScope(scopeOpenID) {
		return nil, protocolError(ErrorCodeInsufficientScope, "the openid scope is required", http.StatusForbidden)
	}
	return &UserInfoResponse{Subject: at.UserID, WebID: at.UserID}, nil
}
