package grant

import (
	"errors"
	"fmt"
)

// Sentinel errors named after the OAuth2 error codes they translate to.
var (
	ErrInvalidRequest          = errors.New("invalid_request")
	ErrInvalidGrant            = errors.New("invalid_grant")
	ErrInvalidScope            = errors.New("invalid_scope")
	ErrUnauthorizedClient      = errors.New("unauthorized_client")
	ErrUnsupportedGrantType    = errors.New("unsupported_grant_type")
	ErrUnsupportedResponseType = errors.New("unsupported_response_type")
	ErrAccessDenied            = errors.New("access_denied")
)

// Error carries a client-safe description for one of the sentinels.
type Error struct {
	Err         error
	Description string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Description
}

// Unwrap returns the sentinel
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf returns an *Error for sentinel with a formatted description.
func Errorf(sentinel error, format string, args ...any) error {
	return &Error{Err: sentinel, Description: fmt.Sprintf(format, args...)}
}

// Description returns the client-safe description of err, if any.
func Description(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Description
	}
	return ""
}
