// Package oauth is the HTTP transport of the pod-oauth authorization server.
//
// Handler adapts requests to the protocol logic in the server package:
// authorization, token, userinfo, registration, introspection, revocation,
// discovery and JWKS endpoints. It owns rate
// limiting, security headers, request ids and the hand-off to the login
// page. Every error reaching a client is a *server.ProtocolError.
//
//	h := oauth.NewHandler(srv, sessions, &oauth.Config{LoginURL: "https://pod.example/login"})
//	mux := http.NewServeMux()
//	h.RegisterRoutes(mux)
package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/pod-oauth/discovery"
	"github.com/giantswarm/pod-oauth/dpop"
	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/server"
)

// Endpoint paths relative to the issuer, as published in the discovery
// document
const (
	AuthorizationPath = discovery.AuthorizationPath
	TokenPath         = discovery.TokenPath
	UserinfoPath      = discovery.UserinfoPath
	RegistrationPath  = discovery.RegistrationPath
	IntrospectionPath = discovery.IntrospectionPath
	RevocationPath    = discovery.RevocationPath
	JWKSPath          = discovery.JWKSPath
	DiscoveryPath     = discovery.WellKnownPath
)

// metadataMaxAge is the Cache-Control max-age of discovery and JWKS
// responses, in seconds.
const metadataMaxAge = "3600"

// Handler is a thin HTTP adapter for the authorization server.
// It handles HTTP requests and delegates to the Server for protocol logic.
type Handler struct {
	server          *server.Server
	sessions        SessionProvider
	config          *Config
	issuer          string
	rateLimiter     *security.RateLimiter
	proxies         security.ProxyPolicy
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
	tracer          trace.Tracer
}

// NewHandler creates a new HTTP handler. sessions may be nil, in which
// case every authorization request needs a login.
func NewHandler(srv *server.Server, sessions SessionProvider, config *Config) *Handler {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		server:          srv,
		sessions:        sessions,
		config:          config,
		issuer:          srv.Config().Issuer,
		auditor:         config.Auditor,
		instrumentation: config.Instrumentation,
		logger:          logger,
	}
	h.proxies = security.ProxyPolicy{
		TrustHeaders: config.RateLimit.TrustProxy,
		Hops:         config.RateLimit.TrustedProxyCount,
	}
	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(security.RateLimitConfig{
			Rate:   float64(config.RateLimit.Rate),
			Burst:  config.RateLimit.Burst,
			Logger: logger,
		})
	}

	// Initialize tracer if instrumentation is enabled
	if h.instrumentation != nil {
		h.tracer = h.instrumentation.Tracer("http")
	}

	return h
}

// Close stops background work of the handler.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes registers every endpoint on mux, wrapped in the request
// id middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(AuthorizationPath, security.RequestID(http.HandlerFunc(h.ServeAuthorization)))
	mux.Handle(TokenPath, security.RequestID(http.HandlerFunc(h.ServeToken)))
	mux.Handle(UserinfoPath, security.RequestID(http.HandlerFunc(h.ServeUserInfo)))
	mux.Handle(RegistrationPath, security.RequestID(http.HandlerFunc(h.ServeRegistration)))
	mux.Handle(IntrospectionPath, security.RequestID(http.HandlerFunc(h.ServeIntrospection)))
	mux.Handle(RevocationPath, security.RequestID(http.HandlerFunc(h.ServeRevocation)))
	mux.Handle(DiscoveryPath, security.RequestID(http.HandlerFunc(h.ServeDiscovery)))
	mux.Handle(JWKSPath, security.RequestID(http.HandlerFunc(h.ServeJWKS)))
}

// ServeAuthorization handles the authorization endpoint. Parameters are
// read from the query, or from the form body of a POST.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.authorize")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.fail(w, r, "authorize", errMethodNotAllowed, startTime)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(ctx, clientIP, "authorize") {
		h.fail(w, r, "authorize", errRateLimited, startTime)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.fail(w, r, "authorize", errMalformedForm, startTime)
		return
	}

	req := &server.AuthorizeRequest{
		ResponseType:        r.Form.Get("response_type"),
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		Nonce:               r.Form.Get("nonce"),
		ClientIP:            clientIP,
	}
	if h.sessions != nil {
		req.User, req.Approved = h.sessions.Session(r)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)

	resp, err := h.server.HandleAuthorizeRequest(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.fail(w, r, "authorize", err, startTime)
		return
	}

	if resp.ConsentRequired {
		loginURL, ok := h.loginRedirect(r)
		if !ok {
			h.fail(w, r, "authorize", errLoginRequired, startTime)
			return
		}
		h.logger.Debug("Authorization request needs login or consent",
			"client_id", req.ClientID,
			"scopes", len(resp.Scopes))
		h.redirect(w, r, loginURL, "authorize", startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.redirect(w, r, resp.RedirectURL, "authorize", startTime)
}

// ServeToken handles the token endpoint. Client credentials are taken from
// HTTP Basic authentication first and the form body second.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.token")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.fail(w, r, "token", errMethodNotAllowed, startTime)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(ctx, clientIP, "token") {
		h.fail(w, r, "token", errRateLimited, startTime)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.fail(w, r, "token", errMalformedForm, startTime)
		return
	}

	proofs := r.Header.Values(dpop.HeaderName)
	if len(proofs) > 1 {
		h.fail(w, r, "token", dpop.ErrMultipleProofs, startTime)
		return
	}

	req := &server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		Method:       r.Method,
		URI:          h.issuer + TokenPath,
		ClientIP:     clientIP,
	}
	if len(proofs) == 1 {
		req.DPoPProof = proofs[0]
	}
	req.ClientID, req.ClientSecret = clientCredentials(r)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.Bool(instrumentation.AttrDPoPBound, req.DPoPProof != ""),
	)

	resp, err := h.server.HandleTokenRequest(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.fail(w, r, "token", err, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)
}

// ServeUserInfo handles the userinfo endpoint. The access token is taken
// from the Authorization header with the Bearer or DPoP scheme.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.userinfo")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.fail(w, r, "userinfo", errMethodNotAllowed, startTime)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(ctx, clientIP, "userinfo") {
		h.fail(w, r, "userinfo", errRateLimited, startTime)
		return
	}

	proofs := r.Header.Values(dpop.HeaderName)
	if len(proofs) > 1 {
		h.fail(w, r, "userinfo", dpop.ErrMultipleProofs, startTime)
		return
	}

	req := &server.ResourceRequest{
		Authorization: r.Header.Get("Authorization"),
		Method:        r.Method,
		URI:           h.issuer + UserinfoPath,
		ClientIP:      clientIP,
	}
	if len(proofs) == 1 {
		req.DPoPProof = proofs[0]
	}

	resp, err := h.server.UserInfo(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.failResource(w, r, "userinfo", err, resourceScheme(req.Authorization), startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
	h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusOK, startTime)
}

// maxRegistrationBody bounds the client metadata document.
const maxRegistrationBody = 64 << 10

// ServeRegistration handles dynamic client registration (RFC 7591). The
// client metadata is a JSON document.
func (h *Handler) ServeRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.register")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.fail(w, r, "register", errMethodNotAllowed, startTime)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(ctx, clientIP, "register") {
		h.fail(w, r, "register", errRateLimited, startTime)
		return
	}

	var req server.RegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
		h.fail(w, r, "register", errMalformedMetadata, startTime)
		return
	}

	resp, err := h.server.RegisterClient(ctx, &req, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.fail(w, r, "register", err, startTime)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, resp.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusCreated, resp)
	h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusCreated, startTime)
}

// ServeIntrospection handles token introspection (RFC 7662) for
// confidential clients.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.introspect")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.fail(w, r, "introspect", errMethodNotAllowed, startTime)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(ctx, clientIP, "introspect") {
		h.fail(w, r, "introspect", errRateLimited, startTime)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.fail(w, r, "introspect", errMalformedForm, startTime)
		return
	}

	req := &server.IntrospectionRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		ClientIP:      clientIP,
	}
	req.ClientID, req.ClientSecret = clientCredentials(r)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	resp, err := h.server.Introspect(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.fail(w, r, "introspect", err, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
	h.recordHTTPMetrics(ctx, "introspect", r.Method, http.StatusOK, startTime)
}

// ServeRevocation handles token revocation (RFC 7009). Unknown tokens are
// answered with 200 like revoked ones.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.revoke")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.fail(w, r, "revoke", errMethodNotAllowed, startTime)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(ctx, clientIP, "revoke") {
		h.fail(w, r, "revoke", errRateLimited, startTime)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.fail(w, r, "revoke", errMalformedForm, startTime)
		return
	}

	req := &server.RevocationRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		ClientIP:      clientIP,
	}
	req.ClientID, req.ClientSecret = clientCredentials(r)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	if err := h.server.Revoke(ctx, req); err != nil {
		instrumentation.RecordError(span, err)
		h.fail(w, r, "revoke", err, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.issuer)
	security.SetNoStore(w)
	w.WriteHeader(http.StatusOK)
	h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusOK, startTime)
}

// ServeDiscovery serves the OpenID Connect discovery document. An
// incomplete document is never published; the request fails instead.
func (h *Handler) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	h.serveMetadata(w, r, "discovery", h.server.RespondToDiscoveryRequest)
}

// ServeJWKS serves the public signing keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	h.serveMetadata(w, r, "jwks", func(context.Context) ([]byte, error) {
		return h.server.JWKS()
	})
}

func (h *Handler) serveMetadata(w http.ResponseWriter, r *http.Request, endpoint string, document func(context.Context) ([]byte, error)) {
	startTime := time.Now()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.fail(w, r, endpoint, errMethodNotAllowed, startTime)
		return
	}
	if h.checkIPRateLimit(r.Context(), h.clientIP(r), endpoint) {
		h.fail(w, r, endpoint, errRateLimited, startTime)
		return
	}

	data, err := document(r.Context())
	if err != nil {
		h.logger.Error("Failed to build metadata document", "endpoint", endpoint, "error", err)
		h.fail(w, r, endpoint, err, startTime)
		return
	}

	security.SetSecurityHeaders(w, h.issuer)
	w.Header().Set("Cache-Control", "public, max-age="+metadataMaxAge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	h.recordHTTPMetrics(r.Context(), endpoint, r.Method, http.StatusOK, startTime)
}

// loginRedirect returns the login URL carrying the original authorization
// request query.
func (h *Handler) loginRedirect(r *http.Request) (string, bool) {
	if h.config.LoginURL == "" {
		return "", false
	}
	u, err := url.Parse(h.config.LoginURL)
	if err != nil {
		h.logger.Error("Invalid login URL", "error", err)
		return "", false
	}

	q := u.Query()
	for k, vs := range r.Form {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), true
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, location, endpoint string, startTime time.Time) {
	security.SetSecurityHeaders(w, h.issuer)
	security.SetNoStore(w)
	http.Redirect(w, r, location, http.StatusFound)
	h.recordHTTPMetrics(r.Context(), endpoint, r.Method, http.StatusFound, startTime)
}

// fail translates err and writes it as a JSON error response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, endpoint string, err error, startTime time.Time) {
	h.failResource(w, r, endpoint, err, "", startTime)
}

// failResource is fail for protected resources: a challenge for scheme is
// sent with invalid_token and insufficient_scope errors (RFC 6750 Section 3).
func (h *Handler) failResource(w http.ResponseWriter, r *http.Request, endpoint string, err error, scheme string, startTime time.Time) {
	pe := server.Translate(err)
	if pe.Internal() {
		h.logger.Error("Request failed",
			"endpoint", endpoint,
			"request_id", security.RequestIDFromContext(r.Context()),
			"error", err)
	}
	h.writeError(w, pe, scheme)
	h.recordHTTPMetrics(r.Context(), endpoint, r.Method, pe.Status, startTime)
}

func (h *Handler) writeError(w http.ResponseWriter, pe *server.ProtocolError, scheme string) {
	if pe.Status == http.StatusUnauthorized || pe.Code == ErrorCodeInsufficientScope {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(pe, scheme))
	}
	h.writeJSON(w, pe.Status, ErrorResponse{Error: pe.Code, ErrorDescription: pe.Description})
}

// formatWWWAuthenticate builds the challenge for a 401 response: DPoP for
// proof failures (RFC 9449 Section 7.1), the presented scheme at protected
// resources and Basic for client authentication.
func (h *Handler) formatWWWAuthenticate(pe *server.ProtocolError, scheme string) string {
	switch {
	case pe.Code == ErrorCodeInvalidDPoPProof:
		scheme = dpop.TokenType
	case scheme == "":
		scheme = "Basic"
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString(` realm="`)
	b.WriteString(escapeQuoted(h.issuer))
	b.WriteString(`", error="`)
	b.WriteString(escapeQuoted(pe.Code))
	b.WriteString(`"`)
	if pe.Description != "" {
		b.WriteString(`, error_description="`)
		b.WriteString(escapeQuoted(pe.Description))
		b.WriteString(`"`)
	}
	if scheme == dpop.TokenType {
		b.WriteString(`, algs="`)
		b.WriteString(strings.Join(dpop.SupportedAlgorithms, " "))
		b.WriteString(`"`)
	}
	return b.String()
}

// resourceScheme returns the challenge scheme for a protected resource
// request: DPoP when the client presented a DPoP token, Bearer otherwise.
func resourceScheme(authorization string) string {
	scheme, _, _ := strings.Cut(strings.TrimSpace(authorization), " ")
	if strings.EqualFold(scheme, dpop.TokenType) {
		return dpop.TokenType
	}
	return "Bearer"
}

// clientCredentials reads client authentication from HTTP Basic first and
// the form body second (RFC 6749 Section 2.3.1). The form must be parsed.
func clientCredentials(r *http.Request) (id, secret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return unescapeCredential(id), unescapeCredential(secret)
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.issuer)
	security.SetNoStore(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) clientIP(r *http.Request) string {
	return h.proxies.ClientIP(r)
}

// checkIPRateLimit reports whether the request must be rejected.
func (h *Handler) checkIPRateLimit(ctx context.Context, clientIP, endpoint string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.auditor.RateLimited(ctx, clientIP, endpoint)
	if h.instrumentation != nil {
		h.instrumentation.Metrics().RecordRateLimitExceeded(ctx, "ip")
	}
	return true
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, nil
	}
	ctx, span := h.tracer.Start(ctx, name)
	if id := security.RequestIDFromContext(ctx); id != "" {
		span.SetAttributes(attribute.String(instrumentation.AttrRequestID, id))
	}
	return ctx, span
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.instrumentation == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

// unescapeCredential decodes a form-urlencoded Basic credential (RFC 6749
// Section 2.3.1). Values that do not decode are used as sent.
func unescapeCredential(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

func escapeQuoted(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
