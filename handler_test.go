package oauth

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/pod-oauth/dpop"
	"github.com/giantswarm/pod-oauth/internal/testutil"
	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/server"
	"github.com/giantswarm/pod-oauth/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loggedIn is a session provider with an approved fixture user.
var loggedIn = SessionFunc(func(*http.Request) (*storage.User, bool) {
	return testutil.TestUser(), true
})

func newTestHandler(t *testing.T, sessions SessionProvider, config *Config) *Handler {
	t.Helper()

	repos := testutil.NewFactory(t, time.Now)
	testutil.SeedClients(t, repos, testutil.TestClient(), testutil.TestPublicClientFixture())
	testutil.SeedScopes(t, repos, "openid", "webid")

	srv, err := server.New(testutil.NewKeyMaterial(t, "ES256"), repos, &server.Config{Issuer: testutil.TestIssuer}, discardLogger())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	if config == nil {
		config = &Config{}
	}
	config.Logger = discardLogger()
	h := NewHandler(srv, sessions, config)
	t.Cleanup(h.Close)
	return h
}

func authorizeURL(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return AuthorizationPath + "?" + q.Encode()
}

func codeRequestURL() string {
	return authorizeURL(map[string]string{
		"response_type": "code",
		"client_id":     testutil.TestClientID,
		"redirect_uri":  testutil.TestRedirectURI,
		"scope":         "openid webid",
		"state":         "af0ifjsldkj",
	})
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json.Unmarshal(%q) error = %v", rr.Body.String(), err)
	}
	return resp
}

// obtainCode runs an approved authorization request and returns the code.
func obtainCode(t *testing.T, h *Handler) string {
	t.Helper()

	rr := testutil.NewHTTPRequest(http.MethodGet, codeRequestURL()).Do(http.HandlerFunc(h.ServeAuthorization))
	if rr.Code != http.StatusFound {
		t.Fatalf("ServeAuthorization() status = %d, want %d: %s", rr.Code, http.StatusFound, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("url.Parse(Location) error = %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("Location %q has no code", loc)
	}
	return code
}

func codeExchangeForm(code string) string {
	return url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testutil.TestRedirectURI},
	}.Encode()
}

func TestServeAuthorization_RedirectsWithCode(t *testing.T) {
	h := newTestHandler(t, loggedIn, nil)

	rr := testutil.NewHTTPRequest(http.MethodGet, codeRequestURL()).Do(http.HandlerFunc(h.ServeAuthorization))
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusFound, rr.Body.String())
	}

	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("url.Parse(Location) error = %v", err)
	}
	if !strings.HasPrefix(loc.String(), testutil.TestRedirectURI+"?") {
		t.Errorf("Location = %q, want the registered redirect URI", loc)
	}
	if loc.Query().Get("code") == "" {
		t.Error("Location has no code")
	}
	if got := loc.Query().Get("state"); got != "af0ifjsldkj" {
		t.Errorf("state = %q, want af0ifjsldkj", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestServeAuthorization_Post(t *testing.T) {
	h := newTestHandler(t, loggedIn, nil)

	u, _ := url.Parse(codeRequestURL())
	rr := testutil.NewHTTPRequest(http.MethodPost, AuthorizationPath).
		WithForm(u.RawQuery).
		Do(http.HandlerFunc(h.ServeAuthorization))
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusFound, rr.Body.String())
	}
}

func TestServeAuthorization_LoginRequired(t *testing.T) {
	t.Run("login page", func(t *testing.T) {
		h := newTestHandler(t, nil, &Config{LoginURL: "https://pod.example/login?lang=en"})

		rr := testutil.NewHTTPRequest(http.MethodGet, codeRequestURL()).Do(http.HandlerFunc(h.ServeAuthorization))
		if rr.Code != http.StatusFound {
			t.Fatalf("status = %d, want %d", rr.Code, http.StatusFound)
		}
		loc, err := url.Parse(rr.Header().Get("Location"))
		if err != nil {
			t.Fatalf("url.Parse(Location) error = %v", err)
		}
		if loc.Host != "pod.example" || loc.Path != "/login" {
			t.Errorf("Location = %q, want the login page", loc)
		}
		q := loc.Query()
		if q.Get("lang") != "en" || q.Get("client_id") != testutil.TestClientID || q.Get("state") != "af0ifjsldkj" {
			t.Errorf("login query = %v, want the original request carried over", q)
		}
	})

	t.Run("not approved", func(t *testing.T) {
		pending := SessionFunc(func(*http.Request) (*storage.User, bool) {
			return testutil.TestUser(), false
		})
		h := newTestHandler(t, pending, &Config{LoginURL: "https://pod.example/consent"})

		rr := testutil.NewHTTPRequest(http.MethodGet, codeRequestURL()).Do(http.HandlerFunc(h.ServeAuthorization))
		if rr.Code != http.StatusFound || !strings.HasPrefix(rr.Header().Get("Location"), "https://pod.example/consent?") {
			t.Errorf("status = %d, Location = %q, want the consent page", rr.Code, rr.Header().Get("Location"))
		}
	})

	t.Run("no login page", func(t *testing.T) {
		h := newTestHandler(t, nil, nil)

		rr := testutil.NewHTTPRequest(http.MethodGet, codeRequestURL()).Do(http.HandlerFunc(h.ServeAuthorization))
		if rr.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want %d", rr.Code, http.StatusForbidden)
		}
		if got := decodeError(t, rr).Error; got != ErrorCodeAccessDenied {
			t.Errorf("error = %q, want %q", got, ErrorCodeAccessDenied)
		}
	})
}

func TestServeAuthorization_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown client",
			method:     http.MethodGet,
			target:     authorizeURL(map[string]string{"response_type": "code", "client_id": "nobody"}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name:       "missing client id",
			method:     http.MethodGet,
			target:     authorizeURL(map[string]string{"response_type": "code"}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:   "unregistered redirect uri",
			method: http.MethodGet,
			target: authorizeURL(map[string]string{
				"response_type": "code",
				"client_id":     testutil.TestClientID,
				"redirect_uri":  "https://evil.example/cb",
			}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:       "method not allowed",
			method:     http.MethodPut,
			target:     codeRequestURL(),
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   ErrorCodeInvalidRequest,
		},
	}

	h := newTestHandler(t, loggedIn, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := testutil.NewHTTPRequest(tt.method, tt.target).Do(http.HandlerFunc(h.ServeAuthorization))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if rr.Header().Get("Location") != "" {
				t.Errorf("Location = %q, want no redirect", rr.Header().Get("Location"))
			}
			if got := decodeError(t, rr).Error; got != tt.wantCode {
				t.Errorf("error = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestServeAuthorization_RedirectedError(t *testing.T) {
	h := newTestHandler(t, loggedIn, nil)

	target := authorizeURL(map[string]string{
		"response_type": "code",
		"client_id":     testutil.TestClientID,
		"redirect_uri":  testutil.TestRedirectURI,
		"scope":         "openid admin",
		"state":         "s1",
	})
	rr := testutil.NewHTTPRequest(http.MethodGet, target).Do(http.HandlerFunc(h.ServeAuthorization))
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusFound)
	}
	loc, _ := url.Parse(rr.Header().Get("Location"))
	if got := loc.Query().Get("error"); got != ErrorCodeInvalidScope {
		t.Errorf("error = %q, want %q", got, ErrorCodeInvalidScope)
	}
	if got := loc.Query().Get("state"); got != "s1" {
		t.Errorf("state = %q, want s1", got)
	}
}

func TestServeToken_AuthorizationCode(t *testing.T) {
	h := newTestHandler(t, loggedIn, nil)
	code := obtainCode(t, h)

	rr := testutil.NewHTTPRequest(http.MethodPost, TokenPath).
		WithForm(codeExchangeForm(code)).
		WithHeader("Authorization", basicAuth(testutil.TestClientID, testutil.TestClientSecret)).
		Do(http.HandlerFunc(h.ServeToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := rr.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}

	var resp server.TokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.IDToken == "" {
		t.Errorf("response = %+v, want access, refresh and id tokens", resp)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}

	t.Run("code reuse", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodPost, TokenPath).
			WithForm(codeExchangeForm(code)).
			WithHeader("Authorization", basicAuth(testutil.TestClientID, testutil.TestClientSecret)).
			Do(http.HandlerFunc(h.ServeToken))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
		}
		if got := decodeError(t, rr).Error; got != ErrorCodeInvalidGrant {
			t.Errorf("error = %q, want %q", got, ErrorCodeInvalidGrant)
		}
	})
}

func TestServeToken_FormCredentials(t *testing.T) {
	h := newTestHandler(t, nil, nil)

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {testutil.TestClientID},
		"client_secret": {testutil.TestClientSecret},
	}
	rr := testutil.NewHTTPRequest(http.MethodPost, TokenPath).
		WithForm(form.Encode()).
		Do(http.HandlerFunc(h.ServeToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
}

func TestServeToken_InvalidClient(t *testing.T) {
	h := newTestHandler(t, nil, nil)

	rr := testutil.NewHTTPRequest(http.MethodPost, TokenPath).
		WithForm("grant_type=client_credentials").
		WithHeader("Authorization", basicAuth(testutil.TestClientID, "wrong")).
		Do(http.HandlerFunc(h.ServeToken))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if got := decodeError(t, rr).Error; got != ErrorCodeInvalidClient {
		t.Errorf("error = %q, want %q", got, ErrorCodeInvalidClient)
	}
	challenge := rr.Header().Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, `Basic realm="https://auth.example", error="invalid_client"`) {
		t.Errorf("WWW-Authenticate = %q", challenge)
	}
}

func TestServeToken_Rejections(t *testing.T) {
	h := newTestHandler(t, nil, nil)

	t.Run("GET", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodGet, TokenPath).Do(http.HandlerFunc(h.ServeToken))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
		}
	})

	t.Run("unsupported grant type", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodPost, TokenPath).
			WithForm("grant_type=password").
			WithHeader("Authorization", basicAuth(testutil.TestClientID, testutil.TestClientSecret)).
			Do(http.HandlerFunc(h.ServeToken))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
		}
		if got := decodeError(t, rr).Error; got != ErrorCodeUnsupportedGrantType {
			t.Errorf("error = %q, want %q", got, ErrorCodeUnsupportedGrantType)
		}
	})

	t.Run("multiple DPoP proofs", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader("grant_type=client_credentials"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(testutil.TestClientID, testutil.TestClientSecret)
		req.Header.Add(dpop.HeaderName, "a.b.c")
		req.Header.Add(dpop.HeaderName, "d.e.f")
		rr := httptest.NewRecorder()
		h.ServeToken(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
		}
		if got := decodeError(t, rr).Error; got != ErrorCodeInvalidDPoPProof {
			t.Errorf("error = %q, want %q", got, ErrorCodeInvalidDPoPProof)
		}
	})
}

func TestServeToken_DPoP(t *testing.T) {
	h := newTestHandler(t, nil, nil)

	key, err := dpop.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	proof, err := (&dpop.Proof{
		Method:   http.MethodPost,
		URI:      testutil.TestIssuer + TokenPath,
		IssuedAt: time.Now(),
	}).Sign(key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	send := func() *httptest.ResponseRecorder {
		return testutil.NewHTTPRequest(http.MethodPost, TokenPath).
			WithForm("grant_type=client_credentials").
			WithHeader("Authorization", basicAuth(testutil.TestClientID, testutil.TestClientSecret)).
			WithHeader(dpop.HeaderName, proof).
			Do(http.HandlerFunc(h.ServeToken))
	}

	rr := send()
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var resp server.TokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if resp.TokenType != dpop.TokenType {
		t.Errorf("token_type = %q, want %q", resp.TokenType, dpop.TokenType)
	}

	rr = send()
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replayed proof status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if got := decodeError(t, rr).Error; got != ErrorCodeInvalidDPoPProof {
		t.Errorf("error = %q, want %q", got, ErrorCodeInvalidDPoPProof)
	}
	if challenge := rr.Header().Get("WWW-Authenticate"); !strings.HasPrefix(challenge, "DPoP ") || !strings.Contains(challenge, "algs=") {
		t.Errorf("WWW-Authenticate = %q, want a DPoP challenge", challenge)
	}
}

func TestServeDiscovery(t *testing.T) {
	h := newTestHandler(t, nil, nil)

	rr := testutil.NewHTTPRequest(http.MethodGet, DiscoveryPath).Do(http.HandlerFunc(h.ServeDiscovery))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q, want public, max-age=3600", got)
	}
	if got := rr.Header().Get("Pragma"); got != "" {
		t.Errorf("Pragma = %q, want none", got)
	}

	var doc map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if doc["issuer"] != testutil.TestIssuer {
		t.Errorf("issuer = %v, want %s", doc["issuer"], testutil.TestIssuer)
	}
	if doc["token_endpoint"] != testutil.TestIssuer+TokenPath {
		t.Errorf("token_endpoint = %v, want %s", doc["token_endpoint"], testutil.TestIssuer+TokenPath)
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, DiscoveryPath).Do(http.HandlerFunc(h.ServeDiscovery))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestServeJWKS(t *testing.T) {
	h := newTestHandler(t, nil, nil)

	rr := testutil.NewHTTPRequest(http.MethodGet, JWKSPath).Do(http.HandlerFunc(h.ServeJWKS))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &set); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(set.Keys))
	}
	if _, ok := set.Keys[0]["d"]; ok {
		t.Error("JWKS exposes the private key")
	}
}

func TestHandler_RateLimit(t *testing.T) {
	h := newTestHandler(t, nil, &Config{RateLimit: RateLimitConfig{Rate: 1, Burst: 1}})

	first := testutil.NewHTTPRequest(http.MethodGet, JWKSPath).Do(http.HandlerFunc(h.ServeJWKS))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want %d", first.Code, http.StatusOK)
	}
	second := testutil.NewHTTPRequest(http.MethodGet, JWKSPath).Do(http.HandlerFunc(h.ServeJWKS))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want %d", second.Code, http.StatusTooManyRequests)
	}
	if got := decodeError(t, second).Error; got != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want %q", got, ErrorCodeRateLimitExceeded)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h := newTestHandler(t, nil, nil)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	for _, path := range []string{DiscoveryPath, JWKSPath} {
		rr := testutil.NewHTTPRequest(http.MethodGet, path).
			WithHeader(security.RequestIDHeader, "req-123").
			Do(mux)
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, rr.Code, http.StatusOK)
		}
		if got := rr.Header().Get(security.RequestIDHeader); got != "req-123" {
			t.Errorf("GET %s %s = %q, want req-123", path, security.RequestIDHeader, got)
		}
	}

	// A wrong method reaches the handler rather than the mux's 404.
	for _, path := range []string{TokenPath, RegistrationPath, IntrospectionPath, RevocationPath} {
		rr := testutil.NewHTTPRequest(http.MethodPut, path).Do(mux)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("PUT %s status = %d, want %d", path, rr.Code, http.StatusMethodNotAllowed)
		}
	}
	rr := testutil.NewHTTPRequest(http.MethodGet, UserinfoPath).Do(mux)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET %s status = %d, want %d", UserinfoPath, rr.Code, http.StatusUnauthorized)
	}
}

func TestUnescapeCredential(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc", "abc"},
		{"a%3Ab", "a:b"},
		{"s%2B1", "s+1"},
		{"100%", "100%"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := unescapeCredential(tt.in); got != tt.want {
				t.Errorf("unescapeCredential(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func basicAuth(id, secret string) string {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(url.QueryEscape(id), url.QueryEscape(secret))
	return req.Header.Get("Authorization")
}

func TestHeaderSession(t *testing.T) {
	sessions := HeaderSession("X-Forwarded-User")

	req := httptest.NewRequest(http.MethodGet, AuthorizationPath, nil)
	if user, approved := sessions.Session(req); user != nil || approved {
		t.Errorf("Session() = %v, %v, want no user", user, approved)
	}

	req.Header.Set("X-Forwarded-User", " "+testutil.TestSubject+" ")
	user, approved := sessions.Session(req)
	if user == nil || user.Subject != testutil.TestSubject || !approved {
		t.Errorf("Session() = %v, %v, want an approved %s", user, approved, testutil.TestSubject)
	}
}
