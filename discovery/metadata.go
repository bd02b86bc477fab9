// Package discovery assembles the OpenID Connect discovery document
// (OpenID Connect Discovery 1.0, RFC 8414).
//
// Metadata is built from operator overrides merged over Defaults. A document
// is only produced once every required key is set; in strict mode the
// recommended keys are required as well. Validation failures list every
// missing key at once.
package discovery

import (
	"encoding/json"
	"maps"
	"reflect"
	"slices"

	"github.com/giantswarm/pod-oauth/config"
	"github.com/giantswarm/pod-oauth/dpop"
)

// WellKnownPath is where the document is served.
const WellKnownPath = "/.well-known/openid-configuration"

// Endpoint paths relative to the issuer
const (
	AuthorizationPath = "/authorize"
	TokenPath         = "/token"
	UserinfoPath      = "/userinfo"
	RegistrationPath  = "/register"
	IntrospectionPath = "/introspect"
	RevocationPath    = "/revoke"
	JWKSPath          = "/.well-known/jwks.json"
)

// Metadata keys
const (
	KeyIssuer                      = "issuer"
	KeyAuthorizationEndpoint       = "authorization_endpoint"
	KeyTokenEndpoint               = "token_endpoint"
	KeyUserinfoEndpoint            = "userinfo_endpoint"
	KeyRegistrationEndpoint        = "registration_endpoint"
	KeyIntrospectionEndpoint       = "introspection_endpoint"
	KeyRevocationEndpoint          = "revocation_endpoint"
	KeyJWKSURI                     = "jwks_uri"
	KeyScopesSupported             = "scopes_supported"
	KeyResponseTypesSupported      = "response_types_supported"
	KeyResponseModesSupported      = "response_modes_supported"
	KeyGrantTypesSupported         = "grant_types_supported"
	KeySubjectTypesSupported       = "subject_types_supported"
	KeyIDTokenSigningAlgs          = "id_token_signing_alg_values_supported"
	KeyTokenEndpointAuthMethods    = "token_endpoint_auth_methods_supported"
	KeyIntrospectionAuthMethods    = "introspection_endpoint_auth_methods_supported"
	KeyRevocationAuthMethods       = "revocation_endpoint_auth_methods_supported"
	KeyClaimsSupported             = "claims_supported"
	KeyCodeChallengeMethods        = "code_challenge_methods_supported"
	KeyDPoPSigningAlgs             = "dpop_signing_alg_values_supported"
	KeyRequestParameterSupported   = "request_parameter_supported"
	KeyClaimsParameterSupported    = "claims_parameter_supported"
	KeyAuthorizationResponseIssuer = "authorization_response_iss_parameter_supported"
)

// Required lists the keys every document must carry.
var Required = []string{
	KeyIssuer,
	KeyAuthorizationEndpoint,
	KeyJWKSURI,
	KeyIDTokenSigningAlgs,
	KeySubjectTypesSupported,
	KeyResponseTypesSupported,
}

// Recommended lists the keys strict mode requires in addition to Required.
var Recommended = []string{
	KeyClaimsSupported,
	KeyRegistrationEndpoint,
	KeyScopesSupported,
	KeyUserinfoEndpoint,
}

// Defaults returns the values published unless overridden.
func Defaults() map[string]any {
	return map[string]any{
		KeyResponseTypesSupported:      []string{"code", "token"},
		KeyResponseModesSupported:      []string{"query", "fragment"},
		KeyGrantTypesSupported:         []string{"authorization_code", "implicit", "client_credentials", "refresh_token"},
		KeySubjectTypesSupported:       []string{"public"},
		KeyIDTokenSigningAlgs:          []string{"RS256"},
		KeyTokenEndpointAuthMethods:    []string{"client_secret_basic", "client_secret_post", "none"},
		KeyIntrospectionAuthMethods:    []string{"client_secret_basic", "client_secret_post"},
		KeyRevocationAuthMethods:       []string{"client_secret_basic", "client_secret_post", "none"},
		KeyCodeChallengeMethods:        []string{"S256"},
		KeyDPoPSigningAlgs:             slices.Clone(dpop.SupportedAlgorithms),
		KeyClaimsSupported:             []string{"iss", "sub", "aud", "azp", "iat", "exp", "nonce", "webid", "cnf"},
		KeyRequestParameterSupported:   false,
		KeyClaimsParameterSupported:    false,
		KeyAuthorizationResponseIssuer: false,
	}
}

// Endpoints returns the endpoint keys for a server rooted at issuer.
func Endpoints(issuer string) map[string]any {
	return map[string]any{
		KeyIssuer:                issuer,
		KeyAuthorizationEndpoint: issuer + AuthorizationPath,
		KeyTokenEndpoint:         issuer + TokenPath,
		KeyUserinfoEndpoint:      issuer + UserinfoPath,
		KeyRegistrationEndpoint:  issuer + RegistrationPath,
		KeyIntrospectionEndpoint: issuer + IntrospectionPath,
		KeyRevocationEndpoint:    issuer + RevocationPath,
		KeyJWKSURI:               issuer + JWKSPath,
	}
}

// Metadata is an immutable discovery document under construction.
type Metadata struct {
	values map[string]any
	strict bool
}

// New merges overrides over Defaults. A nil override value removes the key.
func New(overrides map[string]any, strict bool) *Metadata {
	values := Defaults()
	for k, v := range overrides {
		if v == nil {
			delete(values, k)
			continue
		}
		values[k] = v
	}
	return &Metadata{values: values, strict: strict}
}

// Strict reports whether recommended keys are required.
func (m *Metadata) Strict() bool {
	return m.strict
}

// Get returns the value of key.
func (m *Metadata) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Missing returns every required key that is unset, in declaration order.
func (m *Metadata) Missing() []string {
	var missing []string
	check := func(keys []string) {
		for _, k := range keys {
			if isEmpty(m.values[k]) {
				missing = append(missing, k)
			}
		}
	}

	check(Required)
	if m.strict {
		check(Recommended)
	}
	return missing
}

// Validate reports whether every required key is set.
func (m *Metadata) Validate() bool {
	return len(m.Missing()) == 0
}

// Document returns a copy of the validated document. It fails with a
// *config.ConfigurationError naming every missing key.
func (m *Metadata) Document() (map[string]any, error) {
	if missing := m.Missing(); len(missing) > 0 {
		return nil, config.NewConfigurationError("discovery metadata is missing required keys", missing...)
	}
	return maps.Clone(m.values), nil
}

// MarshalJSON encodes the validated document.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	doc, err := m.Document()
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// isEmpty treats nil, empty strings and empty lists as unset.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}
