package dpop

import (
	"fmt"
	"net/http"
)

// Error is a proof rejection in the RFC 9449 error vocabulary.
type Error struct {
	Status      int
	Code        string
	Description string
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// CodeInvalidProof is the error code for every proof rejection.
const CodeInvalidProof = "invalid_dpop_proof"

func invalidProof(format string, args ...any) *Error {
	return &Error{
		Status:      http.StatusBadRequest,
		Code:        CodeInvalidProof,
		Description: fmt.Sprintf(format, args...),
	}
}

var (
	// ErrMultipleProofs is returned when a request carries more than one
	// DPoP header.
	ErrMultipleProofs = &Error{
		Status:      http.StatusBadRequest,
		Code:        CodeInvalidProof,
		Description: "multiple DPoP proofs",
	}

	// ErrKeyMismatch is returned when the proof key differs from the key a
	// token is bound to.
	ErrKeyMismatch = &Error{
		Status:      http.StatusBadRequest,
		Code:        CodeInvalidProof,
		Description: "proof key does not match the bound key",
	}

	// ErrMissingAccessTokenHash is returned when a proof presented with an
	// access token has no ath claim.
	ErrMissingAccessTokenHash = &Error{
		Status:      http.StatusBadRequest,
		Code:        CodeInvalidProof,
		Description: "missing access token hash",
	}

	// ErrInvalidAccessTokenHash is returned when ath does not match the
	// presented access token.
	ErrInvalidAccessTokenHash = &Error{
		Status:      http.StatusBadRequest,
		Code:        CodeInvalidProof,
		Description: "invalid access token hash",
	}
)
