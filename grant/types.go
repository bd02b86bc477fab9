package grant

import (
	"fmt"

	"github.com/giantswarm/pod-oauth/storage"
)

// Type is a token endpoint grant type.
type Type int

// Supported grant types
const (
	TypeAuthorizationCode Type = iota + 1
	TypeImplicit
	TypeClientCredentials
	TypeRefreshToken
)

// String returns the wire name of the grant type
func (t Type) String() string {
	switch t {
	case TypeAuthorizationCode:
		return storage.GrantTypeAuthorizationCode
	case TypeImplicit:
		return storage.GrantTypeImplicit
	case TypeClientCredentials:
		return storage.GrantTypeClientCredentials
	case TypeRefreshToken:
		return storage.GrantTypeRefreshToken
	}
	return fmt.Sprintf("grant(%d)", int(t))
}

// ParseType parses the grant_type parameter. The implicit grant has no
// token endpoint form and is rejected like any unknown value.
func ParseType(s string) (Type, error) {
	switch s {
	case storage.GrantTypeAuthorizationCode:
		return TypeAuthorizationCode, nil
	case storage.GrantTypeClientCredentials:
		return TypeClientCredentials, nil
	case storage.GrantTypeRefreshToken:
		return TypeRefreshToken, nil
	case "":
		return 0, Errorf(ErrInvalidRequest, "grant_type is required")
	}
	return 0, Errorf(ErrUnsupportedGrantType, "grant_type %q is not supported", s)
}

// ResponseType is an authorization endpoint response type.
type ResponseType int

// Supported response types
const (
	ResponseTypeCode ResponseType = iota + 1
	ResponseTypeToken
)

// String returns the wire name of the response type
func (r ResponseType) String() string {
	switch r {
	case ResponseTypeCode:
		return "code"
	case ResponseTypeToken:
		return "token"
	}
	return fmt.Sprintf("response_type(%d)", int(r))
}

// Grant returns the grant type a response type belongs to.
func (r ResponseType) Grant() Type {
	if r == ResponseTypeToken {
		return TypeImplicit
	}
	return TypeAuthorizationCode
}

// Fragment reports whether the response is delivered in the redirect URI
// fragment instead of the query.
func (r ResponseType) Fragment() bool {
	return r == ResponseTypeToken
}

// ParseResponseType parses the response_type parameter.
func ParseResponseType(s string) (ResponseType, error) {
	switch s {
	case "code":
		return ResponseTypeCode, nil
	case "token":
		return ResponseTypeToken, nil
	case "":
		return 0, Errorf(ErrInvalidRequest, "response_type is required")
	}
	return 0, Errorf(ErrUnsupportedResponseType, "response_type %q is not supported", s)
}
