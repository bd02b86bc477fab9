package server

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/pod-oauth/instrumentation"
)

// RevocationRequest carries the revocation endpoint parameters.
type RevocationRequest struct {
	ClientID      string
	ClientSecret  string
	Token         string
	TokenTypeHint string
	ClientIP      string
}

// revocationReason is recorded in audit events for client initiated
// revocation.
const revocationReason = "client_request"

// Revoke invalidates a token on request of the client it was issued to
// (RFC 7009). Revoking a refresh token also revokes every token issued from
// the same grant. Unknown, expired and already revoked tokens succeed.
//
// Errors are always *ProtocolError.
func (s *Server) Revoke(ctx context.Context, req *RevocationRequest) error {
	ctx, span := s.tracer.Start(ctx, "server.revoke")
	defer span.End()
	span.SetAttributes(attribute.String(instrumentation.AttrClientIP, req.ClientIP))

	if err := s.revoke(ctx, req); err != nil {
		pe := s.fail(err, "revoke", req.ClientID)
		span.SetAttributes(attribute.String(instrumentation.AttrError, pe.Code))
		instrumentation.RecordError(span, err)
		return pe
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

func (s *Server) revoke(ctx context.Context, req *RevocationRequest) error {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return protocolError(ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
	}

	access, refresh, err := s.lookupToken(ctx, req.Token, req.TokenTypeHint)
	if err != nil {
		return err
	}

	switch {
	case access != nil:
		if access.ClientID != client.ID {
			return protocolError(ErrorCodeUnauthorizedClient, "token was issued to another client", http.StatusBadRequest)
		}
		if err := s.repos.AccessTokens().Revoke(ctx, access.ID); err != nil {
			return err
		}
		s.auditor.TokenRevoked(ctx, access.UserID, client.ID, TokenTypeHintAccessToken, revocationReason)
	case refresh != nil:
		if refresh.ClientID != client.ID {
			return protocolError(ErrorCodeUnauthorizedClient, "token was issued to another client", http.StatusBadRequest)
		}
		if err := s.engine.RevokeRefreshToken(ctx, refresh, revocationReason); err != nil {
			return err
		}
	default:
		s.logger.Debug("Revocation of unknown or inactive token", "client_id", client.ID)
		return nil
	}

	s.logger.Info("Token revoked on client request", "client_id", client.ID)
	return nil
}
