package server

import (
	"errors"
	"net/http"

	"github.com/giantswarm/pod-oauth/config"
	"github.com/giantswarm/pod-oauth/dpop"
	"github.com/giantswarm/pod-oauth/grant"
	"github.com/giantswarm/pod-oauth/keys"
	"github.com/giantswarm/pod-oauth/replay"
)

// OAuth 2.0 error codes (RFC 6749 Section 5.2, RFC 6750 Section 3.1,
// RFC 7591 Section 3.2.2, RFC 9449 Section 5)
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeInvalidDPoPProof        = dpop.CodeInvalidProof
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
)

// ProtocolError is the only error type handed to the transport. Description
// is safe to show to clients.
type ProtocolError struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Internal reports whether the error hides a server side failure.
func (e *ProtocolError) Internal() bool {
	return e.Code == ErrorCodeServerError
}

func protocolError(code, description string, status int) *ProtocolError {
	return &ProtocolError{Code: code, Description: description, Status: status}
}

// ErrInvalidClient is returned whenever client authentication fails. The
// description does not reveal whether the client exists.
func ErrInvalidClient() *ProtocolError {
	return protocolError(ErrorCodeInvalidClient, "client authentication failed", http.StatusUnauthorized)
}

// ErrInvalidToken is returned for a missing, unknown, expired or revoked
// access token at a protected resource.
func ErrInvalidToken(description string) *ProtocolError {
	return protocolError(ErrorCodeInvalidToken, description, http.StatusUnauthorized)
}

var grantCodes = []struct {
	sentinel error
	code     string
	status   int
}{
	{grant.ErrInvalidRequest, ErrorCodeInvalidRequest, http.StatusBadRequest},
	{grant.ErrInvalidGrant, ErrorCodeInvalidGrant, http.StatusBadRequest},
	{grant.ErrInvalidScope, ErrorCodeInvalidScope, http.StatusBadRequest},
	{grant.ErrUnauthorizedClient, ErrorCodeUnauthorizedClient, http.StatusBadRequest},
	{grant.ErrUnsupportedGrantType, ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
	{grant.ErrUnsupportedResponseType, ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
	{grant.ErrAccessDenied, ErrorCodeAccessDenied, http.StatusForbidden},
}

// Translate maps any error into the protocol vocabulary. Grant and proof
// rejections keep their code and description; a replayed proof becomes
// invalid_dpop_proof with a fixed description; everything else, including
// storage, key and configuration failures, becomes server_error.
func Translate(err error) *ProtocolError {
	if err == nil {
		return nil
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}

	if replay.IsReplay(err) {
		return protocolError(ErrorCodeInvalidDPoPProof, "DPoP proof has already been used", http.StatusUnauthorized)
	}

	var de *dpop.Error
	if errors.As(err, &de) {
		return protocolError(de.Code, de.Description, de.Status)
	}

	for _, gc := range grantCodes {
		if errors.Is(err, gc.sentinel) {
			return protocolError(gc.code, grant.Description(err), gc.status)
		}
	}

	return protocolError(ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
}

// isConfigurationError reports failures that must stop the server.
func isConfigurationError(err error) bool {
	var ce *config.ConfigurationError
	var ke *keys.KeyMaterialError
	return errors.As(err, &ce) || errors.As(err, &ke)
}
