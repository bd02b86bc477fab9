package server

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/giantswarm/pod-oauth/internal/testutil"
	"github.com/giantswarm/pod-oauth/storage"
)

func TestHandleAuthorizeRequest_Code(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.srv.HandleAuthorizeRequest(context.Background(), &AuthorizeRequest{
		ResponseType: "code",
		ClientID:     "abc",
		RedirectURI:  "https://app.example/cb",
		Scope:        "webid",
		State:        "af0ifjsldkj",
		User:         testutil.TestUser(),
		Approved:     true,
	})
	if err != nil {
		t.Fatalf("HandleAuthorizeRequest() error = %v", err)
	}
	if !strings.HasPrefix(resp.RedirectURL, "https://app.example/cb?") {
		t.Fatalf("RedirectURL = %q, want redirect to the registered URI", resp.RedirectURL)
	}

	q := redirectQuery(t, resp.RedirectURL)
	if q.Get("code") == "" {
		t.Error("redirect has no code")
	}
	if got := q.Get("state"); got != "af0ifjsldkj" {
		t.Errorf("state = %q, want %q", got, "af0ifjsldkj")
	}
	if got := q.Get("iss"); got != testutil.TestIssuer {
		t.Errorf("iss = %q, want %q", got, testutil.TestIssuer)
	}
}

func TestHandleAuthorizeRequest_DefaultRedirectURI(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.srv.HandleAuthorizeRequest(context.Background(), &AuthorizeRequest{
		ResponseType: "code",
		ClientID:     testutil.TestClientID,
		User:         testutil.TestUser(),
		Approved:     true,
	})
	if err != nil {
		t.Fatalf("HandleAuthorizeRequest() error = %v", err)
	}
	if !strings.HasPrefix(resp.RedirectURL, testutil.TestRedirectURI+"?") {
		t.Errorf("RedirectURL = %q, want the single registered URI", resp.RedirectURL)
	}
}

func TestHandleAuthorizeRequest_NotRedirected(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		req  *AuthorizeRequest
		code string
	}{
		{
			name: "missing client_id",
			req:  &AuthorizeRequest{ResponseType: "code", RedirectURI: testutil.TestRedirectURI},
			code: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown client",
			req:  &AuthorizeRequest{ResponseType: "code", ClientID: "nobody", RedirectURI: testutil.TestRedirectURI},
			code: ErrorCodeInvalidClient,
		},
		{
			name: "unregistered redirect_uri",
			req:  &AuthorizeRequest{ResponseType: "code", ClientID: testutil.TestClientID, RedirectURI: "https://evil.example/cb"},
			code: ErrorCodeInvalidRequest,
		},
		{
			name: "redirect_uri prefix",
			req:  &AuthorizeRequest{ResponseType: "code", ClientID: testutil.TestClientID, RedirectURI: testutil.TestRedirectURI + "/more"},
			code: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ts.srv.HandleAuthorizeRequest(context.Background(), tt.req)
			if resp != nil {
				t.Errorf("HandleAuthorizeRequest() response = %+v, want none", resp)
			}
			wantProtocolError(t, err, tt.code, http.StatusBadRequest)
		})
	}
}

func TestHandleAuthorizeRequest_RedirectedErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name     string
		req      AuthorizeRequest
		code     string
		fragment bool
	}{
		{
			name: "unknown scope",
			req:  AuthorizeRequest{ResponseType: "code", Scope: "webid admin"},
			code: ErrorCodeInvalidScope,
		},
		{
			name: "unsupported response_type",
			req:  AuthorizeRequest{ResponseType: "id_token"},
			code: ErrorCodeUnsupportedResponseType,
		},
		{
			name: "missing response_type",
			req:  AuthorizeRequest{},
			code: ErrorCodeInvalidRequest,
		},
		{
			name:     "grant not allowed for client",
			req:      AuthorizeRequest{ResponseType: "token"},
			code:     ErrorCodeUnauthorizedClient,
			fragment: true,
		},
		{
			name: "state too long",
			req:  AuthorizeRequest{ResponseType: "code", State: strings.Repeat("s", 513)},
			code: ErrorCodeInvalidRequest,
		},
		{
			name: "bad PKCE method",
			req:  AuthorizeRequest{ResponseType: "code", CodeChallenge: strings.Repeat("a", 43), CodeChallengeMethod: "S512"},
			code: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.ClientID = testutil.TestClientID
			req.RedirectURI = testutil.TestRedirectURI
			if req.State == "" {
				req.State = "st"
			}
			req.User = testutil.TestUser()
			req.Approved = true

			resp, err := ts.srv.HandleAuthorizeRequest(context.Background(), &req)
			if err != nil {
				t.Fatalf("HandleAuthorizeRequest() error = %v, want redirect", err)
			}

			params := redirectQuery(t, resp.RedirectURL)
			if tt.fragment {
				params = redirectFragment(t, resp.RedirectURL)
			}
			if got := params.Get("error"); got != tt.code {
				t.Errorf("error = %q, want %q (%s)", got, tt.code, params.Get("error_description"))
			}
			if got := params.Get("state"); got != req.State {
				t.Errorf("state = %q, want %q", got, req.State)
			}
			if params.Get("code") != "" || params.Get("access_token") != "" {
				t.Error("error redirect carries a grant")
			}
		})
	}
}

func TestHandleAuthorizeRequest_ConsentRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name     string
		user     *storage.User
		approved bool
	}{
		{name: "no user", approved: true},
		{name: "empty subject", user: &storage.User{}, approved: true},
		{name: "not approved", user: testutil.TestUser()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ts.srv.HandleAuthorizeRequest(context.Background(), &AuthorizeRequest{
				ResponseType: "code",
				ClientID:     testutil.TestClientID,
				RedirectURI:  testutil.TestRedirectURI,
				Scope:        "openid webid",
				User:         tt.user,
				Approved:     tt.approved,
			})
			if err != nil {
				t.Fatalf("HandleAuthorizeRequest() error = %v", err)
			}
			if !resp.ConsentRequired {
				t.Fatalf("ConsentRequired = false, redirect %q", resp.RedirectURL)
			}
			if resp.RedirectURL != "" {
				t.Errorf("RedirectURL = %q, want none", resp.RedirectURL)
			}
			if resp.Client == nil || resp.Client.ID != testutil.TestClientID {
				t.Errorf("Client = %+v", resp.Client)
			}
			if strings.Join(resp.Scopes, " ") != "openid webid" {
				t.Errorf("Scopes = %v", resp.Scopes)
			}
		})
	}
}

func TestHandleAuthorizeRequest_PublicClientNeedsPKCE(t *testing.T) {
	ts := newTestServer(t, nil)

	req := &AuthorizeRequest{
		ResponseType: "code",
		ClientID:     testutil.TestPublicClient,
		RedirectURI:  testutil.TestRedirectURI,
		User:         testutil.TestUser(),
		Approved:     true,
	}
	resp, err := ts.srv.HandleAuthorizeRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleAuthorizeRequest() error = %v", err)
	}
	if got := redirectQuery(t, resp.RedirectURL).Get("error"); got != ErrorCodeInvalidRequest {
		t.Errorf("error = %q, want %q", got, ErrorCodeInvalidRequest)
	}

	challenge, _ := testutil.GeneratePKCEPair()
	req.CodeChallenge = challenge
	req.CodeChallengeMethod = "S256"
	resp, err = ts.srv.HandleAuthorizeRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleAuthorizeRequest() error = %v", err)
	}
	if redirectQuery(t, resp.RedirectURL).Get("code") == "" {
		t.Errorf("RedirectURL = %q, want a code", resp.RedirectURL)
	}
}

func TestHandleAuthorizeRequest_Implicit(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.srv.HandleAuthorizeRequest(context.Background(), &AuthorizeRequest{
		ResponseType: "token",
		ClientID:     testutil.TestPublicClient,
		RedirectURI:  testutil.TestRedirectURI,
		Scope:        "webid",
		State:        "st",
		User:         testutil.TestUser(),
		Approved:     true,
	})
	if err != nil {
		t.Fatalf("HandleAuthorizeRequest() error = %v", err)
	}
	if redirectQuery(t, resp.RedirectURL).Get("access_token") != "" {
		t.Fatal("implicit token leaked into the query")
	}

	frag := redirectFragment(t, resp.RedirectURL)
	if got := frag.Get("token_type"); got != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", got)
	}
	if got := frag.Get("expires_in"); got != "3600" {
		t.Errorf("expires_in = %q, want 3600", got)
	}
	if got := frag.Get("state"); got != "st" {
		t.Errorf("state = %q, want st", got)
	}
	if frag.Get("refresh_token") != "" {
		t.Error("implicit grant issued a refresh token")
	}

	token := ts.parse(t, frag.Get("access_token"))
	if sub, _ := token.Subject(); sub != testutil.TestSubject {
		t.Errorf("sub = %q, want %q", sub, testutil.TestSubject)
	}
	var scope string
	if err := token.Get(ClaimScope, &scope); err != nil || scope != "webid" {
		t.Errorf("scope claim = %q (%v), want webid", scope, err)
	}

	jti, _ := token.JwtID()
	if _, err := ts.repos.AccessTokens().Find(context.Background(), jti); err != nil {
		t.Errorf("AccessTokens().Find(jti) error = %v", err)
	}
}

func TestBuildRedirect(t *testing.T) {
	params := map[string][]string{"code": {"c1"}, "state": {"s 1"}}

	tests := []struct {
		name     string
		uri      string
		fragment bool
		want     string
	}{
		{name: "query", uri: "https://app.example/cb", want: "https://app.example/cb?code=c1&state=s+1"},
		{name: "keeps existing query", uri: "https://app.example/cb?x=1", want: "https://app.example/cb?code=c1&state=s+1&x=1"},
		{name: "fragment", uri: "https://app.example/cb", fragment: true, want: "https://app.example/cb#code=c1&state=s+1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildRedirect(tt.uri, tt.fragment, params); got != tt.want {
				t.Errorf("buildRedirect() = %q, want %q", got, tt.want)
			}
		})
	}
}
