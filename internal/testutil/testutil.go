package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/pod-oauth/keys"
	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/storage"
	"github.com/giantswarm/pod-oauth/storage/memory"
)

// Fixture values used across tests
const (
	TestClientID     = "abc"
	TestClientSecret = "s3cret"
	TestPublicClient = "public-app"
	TestRedirectURI  = "https://app.example/cb"
	TestSubject      = "https://alice.pod.example/profile/card#me"
	TestIssuer       = "https://auth.example"
)

// Clock is a settable time source for expiry tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now is passed wherever a func() time.Time is expected.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewKeyMaterial generates a signing key for alg and a random at-rest key.
func NewKeyMaterial(t *testing.T, alg string) *keys.Material {
	t.Helper()

	pemBytes, err := keys.GenerateSigningKeyPEM(alg)
	if err != nil {
		t.Fatalf("GenerateSigningKeyPEM() error = %v", err)
	}
	encKey, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	m, err := keys.New(keys.Config{SigningKeyPEM: pemBytes, EncryptionKey: encKey})
	if err != nil {
		t.Fatalf("keys.New() error = %v", err)
	}
	return m
}

// NewFactory returns a repository factory over a fresh memory store that
// reads time from now.
func NewFactory(t *testing.T, now func() time.Time) *storage.Factory {
	t.Helper()

	f, err := storage.NewFactory(memory.New(memory.WithClock(now)))
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// TestClient returns the confidential fixture client. The secret hash uses
// the minimum bcrypt cost.
func TestClient() *storage.Client {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test secret: %v", err))
	}
	return &storage.Client{
		ID:           TestClientID,
		Name:         "Test App",
		SecretHash:   string(hash),
		RedirectURIs: []string{TestRedirectURI},
		GrantTypes: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeRefreshToken,
			storage.GrantTypeClientCredentials,
		},
		CreatedAt: time.Now(),
	}
}

// TestPublicClientFixture returns a public client allowed to use the
// authorization code and implicit grants.
func TestPublicClientFixture() *storage.Client {
	return &storage.Client{
		ID:           TestPublicClient,
		Name:         "Public App",
		RedirectURIs: []string{TestRedirectURI},
		GrantTypes: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeRefreshToken,
			storage.GrantTypeImplicit,
		},
		CreatedAt: time.Now(),
	}
}

// TestUser returns the fixture resource owner.
func TestUser() *storage.User {
	return &storage.User{Subject: TestSubject}
}

// SeedClients stores clients in f.
func SeedClients(t *testing.T, f *storage.Factory, clients ...*storage.Client) {
	t.Helper()

	for _, c := range clients {
		if _, err := f.Clients().Create(context.Background(), c); err != nil {
			t.Fatalf("Clients().Create(%s) error = %v", c.ID, err)
		}
	}
}

// SeedScopes stores scope identifiers in f.
func SeedScopes(t *testing.T, f *storage.Factory, identifiers ...string) {
	t.Helper()

	for _, id := range identifiers {
		if _, err := f.Scopes().Create(context.Background(), &storage.Scope{Identifier: id}); err != nil {
			t.Fatalf("Scopes().Create(%s) error = %v", id, err)
		}
	}
}

// GeneratePKCEPair generates a valid S256 PKCE challenge and verifier pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// HTTPRequest builds a request against a handler.
type HTTPRequest struct {
	req *http.Request
}

func NewHTTPRequest(method, target string) *HTTPRequest {
	return &HTTPRequest{req: httptest.NewRequest(method, target, nil)}
}

func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.req.Header.Set(key, value)
	return r
}

// WithForm sends body as application/x-www-form-urlencoded.
func (r *HTTPRequest) WithForm(body string) *HTTPRequest {
	r.req.Body = io.NopCloser(strings.NewReader(body))
	r.req.ContentLength = int64(len(body))
	r.req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

// WithJSON sends body as application/json.
func (r *HTTPRequest) WithJSON(body string) *HTTPRequest {
	r.req.Body = io.NopCloser(strings.NewReader(body))
	r.req.ContentLength = int64(len(body))
	r.req.Header.Set("Content-Type", "application/json")
	return r
}

// Do serves the request and returns the recorded response.
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r.req)
	return rr
}
