package discovery

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/giantswarm/pod-oauth/config"
)

const issuer = "https://auth.example"

func complete() map[string]any {
	return Endpoints(issuer)
}

func TestNew_MergesOverDefaults(t *testing.T) {
	m := New(map[string]any{
		KeyIssuer:               issuer,
		KeyIDTokenSigningAlgs:   []string{"ES256"},
		KeyCodeChallengeMethods: nil,
	}, false)

	if v, _ := m.Get(KeyIDTokenSigningAlgs); !slices.Equal(v.([]string), []string{"ES256"}) {
		t.Errorf("%s = %v, want [ES256]", KeyIDTokenSigningAlgs, v)
	}
	if v, _ := m.Get(KeySubjectTypesSupported); !slices.Equal(v.([]string), []string{"public"}) {
		t.Errorf("%s = %v, want the default [public]", KeySubjectTypesSupported, v)
	}
	if _, ok := m.Get(KeyCodeChallengeMethods); ok {
		t.Errorf("%s should be removed by a nil override", KeyCodeChallengeMethods)
	}
}

func TestMetadata_Validate(t *testing.T) {
	tests := []struct {
		name        string
		overrides   map[string]any
		strict      bool
		wantValid   bool
		wantMissing []string
	}{
		{
			name:      "complete",
			overrides: complete(),
			wantValid: true,
		},
		{
			name:        "defaults only",
			overrides:   nil,
			wantMissing: []string{KeyIssuer, KeyAuthorizationEndpoint, KeyJWKSURI},
		},
		{
			name: "no issuer",
			overrides: map[string]any{
				KeyAuthorizationEndpoint: issuer + "/authorize",
				KeyJWKSURI:               issuer + "/jwks",
			},
			wantMissing: []string{KeyIssuer},
		},
		{
			name: "empty values count as missing",
			overrides: map[string]any{
				KeyIssuer:                 "",
				KeyAuthorizationEndpoint:  issuer + "/authorize",
				KeyJWKSURI:                issuer + "/jwks",
				KeyResponseTypesSupported: []string{},
			},
			wantMissing: []string{KeyIssuer, KeyResponseTypesSupported},
		},
		{
			name:        "strict requires recommended keys",
			overrides:   complete(),
			strict:      true,
			wantMissing: []string{KeyScopesSupported},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.overrides, tt.strict)
			if got := m.Validate(); got != tt.wantValid {
				t.Errorf("Validate() = %v, want %v", got, tt.wantValid)
			}
			if got := m.Missing(); !slices.Equal(got, tt.wantMissing) {
				t.Errorf("Missing() = %v, want %v", got, tt.wantMissing)
			}
		})
	}
}

func TestMetadata_StrictComplete(t *testing.T) {
	overrides := complete()
	overrides[KeyScopesSupported] = []string{"openid", "webid"}

	m := New(overrides, true)
	if !m.Validate() {
		t.Fatalf("Validate() = false, missing %v", m.Missing())
	}
}

func TestMetadata_DocumentListsEveryMissingKey(t *testing.T) {
	m := New(map[string]any{KeyJWKSURI: issuer + "/jwks"}, false)

	_, err := m.Document()
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Document() error = %v, want *config.ConfigurationError", err)
	}
	want := []string{KeyIssuer, KeyAuthorizationEndpoint}
	if !slices.Equal(cfgErr.Fields, want) {
		t.Errorf("Fields = %v, want %v", cfgErr.Fields, want)
	}

	if _, err := json.Marshal(m); !errors.As(err, &cfgErr) {
		t.Errorf("json.Marshal() error = %v, want *config.ConfigurationError", err)
	}
}

func TestMetadata_MarshalJSON(t *testing.T) {
	m := New(complete(), false)

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if doc[KeyIssuer] != issuer {
		t.Errorf("issuer = %v, want %q", doc[KeyIssuer], issuer)
	}
	if doc[KeyTokenEndpoint] != issuer+"/token" {
		t.Errorf("token_endpoint = %v", doc[KeyTokenEndpoint])
	}
	for key, want := range map[string]string{
		KeyRegistrationEndpoint:  issuer + "/register",
		KeyUserinfoEndpoint:      issuer + "/userinfo",
		KeyIntrospectionEndpoint: issuer + "/introspect",
		KeyRevocationEndpoint:    issuer + "/revoke",
	} {
		if doc[key] != want {
			t.Errorf("%s = %v, want %q", key, doc[key], want)
		}
	}
	if _, ok := doc[KeyDPoPSigningAlgs]; !ok {
		t.Errorf("%s should be published", KeyDPoPSigningAlgs)
	}
}

func TestMetadata_DocumentIsACopy(t *testing.T) {
	m := New(complete(), false)

	doc, err := m.Document()
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	delete(doc, KeyIssuer)

	if !m.Validate() {
		t.Error("mutating a returned document must not change the metadata")
	}
}
