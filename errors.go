package oauth

import (
	"net/http"

	"github.com/giantswarm/pod-oauth/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant         = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient        = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope         = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient   = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError          = server.ErrorCodeServerError
	ErrorCodeAccessDenied         = server.ErrorCodeAccessDenied
	ErrorCodeInvalidDPoPProof     = server.ErrorCodeInvalidDPoPProof
	ErrorCodeInvalidToken         = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope    = server.ErrorCodeInsufficientScope
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// Errors produced by the transport itself
var (
	errMethodNotAllowed = &server.ProtocolError{
		Code:        ErrorCodeInvalidRequest,
		Description: "method not allowed",
		Status:      http.StatusMethodNotAllowed,
	}
	errRateLimited = &server.ProtocolError{
		Code:        ErrorCodeRateLimitExceeded,
		Description: "rate limit exceeded, please try again later",
		Status:      http.StatusTooManyRequests,
	}
	errMalformedForm = &server.ProtocolError{
		Code:        ErrorCodeInvalidRequest,
		Description: "failed to parse request",
		Status:      http.StatusBadRequest,
	}
	errMalformedMetadata = &server.ProtocolError{
		Code:        server.ErrorCodeInvalidClientMetadata,
		Description: "client metadata must be a JSON object",
		Status:      http.StatusBadRequest,
	}
	errLoginRequired = &server.ProtocolError{
		Code:        ErrorCodeAccessDenied,
		Description: "user authentication required",
		Status:      http.StatusForbidden,
	}
)
