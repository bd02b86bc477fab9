package dpop

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/giantswarm/pod-oauth/instrumentation"
)

// DefaultLeeway tolerates clients whose clocks run slightly ahead.
const DefaultLeeway = 5 * time.Second

// ReplayChecker records a jti and fails if it was used within window.
type ReplayChecker interface {
	Check(ctx context.Context, jti, resourceURI string, window time.Duration) error
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Replay is consulted for every otherwise valid proof. Required.
	Replay ReplayChecker

	// Window is the maximum proof age and the replay window. Required.
	Window time.Duration

	// Leeway is how far iat may lie in the future (default 5s).
	Leeway time.Duration

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// Now replaces time.Now.
	Now func() time.Time
}

// Verifier validates proofs. It is safe for concurrent use.
type Verifier struct {
	replay          ReplayChecker
	window          time.Duration
	leeway          time.Duration
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Replay == nil {
		return nil, fmt.Errorf("replay checker is required")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("proof window must be positive")
	}

	v := &Verifier{
		replay:          cfg.Replay,
		window:          cfg.Window,
		leeway:          cfg.Leeway,
		logger:          cfg.Logger,
		instrumentation: cfg.Instrumentation,
		now:             cfg.Now,
	}
	if v.leeway <= 0 {
		v.leeway = DefaultLeeway
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// Verify checks proof for a request with the given method and URI. When
// accessToken is not empty the proof must carry its hash. The replay check
// runs last, so only proofs that are otherwise valid consume their jti.
//
// Rejections are *Error values; a replayed jti yields the checker's error
// unchanged.
func (v *Verifier) Verify(ctx context.Context, proof, method, uri, accessToken string) (*Proof, error) {
	p, err := v.verify(proof, method, uri, accessToken)
	if err != nil {
		if v.instrumentation != nil {
			v.instrumentation.Metrics().RecordProofRejected(ctx, "invalid")
		}
		return nil, err
	}

	if err := v.replay.Check(ctx, p.JTI, p.URI, v.window); err != nil {
		return nil, err
	}
	return p, nil
}

func (v *Verifier) verify(proof, method, uri, accessToken string) (*Proof, error) {
	if proof == "" {
		return nil, invalidProof("missing DPoP proof")
	}

	// Parsed without verification to read the embedded key.
	msg, err := jws.Parse([]byte(proof))
	if err != nil {
		return nil, invalidProof("malformed proof")
	}
	if len(msg.Signatures()) != 1 {
		return nil, invalidProof("proof must carry exactly one signature")
	}
	headers := msg.Signatures()[0].ProtectedHeaders()
	if headers == nil {
		return nil, invalidProof("no protected headers found")
	}

	if typ, _ := headers.Type(); typ != JWTType {
		return nil, invalidProof("invalid proof type %q", typ)
	}

	alg, ok := headers.Algorithm()
	if !ok || alg.IsSymmetric() || !slices.Contains(SupportedAlgorithms, alg.String()) {
		return nil, invalidProof("unsupported proof algorithm")
	}

	key, ok := headers.JWK()
	if !ok {
		return nil, invalidProof("no JWK found in protected headers")
	}
	if private, err := jwk.IsPrivateKey(key); err != nil || private {
		return nil, invalidProof("proof key must be a public asymmetric key")
	}

	token, err := jwt.Parse([]byte(proof), jwt.WithKey(alg, key), jwt.WithValidate(false))
	if err != nil {
		return nil, invalidProof("invalid proof signature")
	}

	p := &Proof{Key: key}

	if p.JTI, ok = token.JwtID(); !ok || p.JTI == "" {
		return nil, invalidProof("claim jti is required")
	}
	if err := token.Get("htm", &p.Method); err != nil {
		return nil, invalidProof("claim htm is required")
	}
	if err := token.Get("htu", &p.URI); err != nil {
		return nil, invalidProof("claim htu is required")
	}
	if p.IssuedAt, ok = token.IssuedAt(); !ok {
		return nil, invalidProof("claim iat is required")
	}
	if token.Has("ath") {
		if err := token.Get("ath", &p.AccessTokenHash); err != nil {
			return nil, invalidProof("invalid ath claim")
		}
	}
	if token.Has("nonce") {
		if err := token.Get("nonce", &p.Nonce); err != nil {
			return nil, invalidProof("invalid nonce claim")
		}
	}

	if p.Method != method {
		return nil, invalidProof("htm does not match the request method")
	}

	want, err := NormalizeURI(uri)
	if err != nil {
		return nil, invalidProof("invalid request URI")
	}
	got, err := NormalizeURI(p.URI)
	if err != nil || got != want {
		return nil, invalidProof("htu does not match the request URI")
	}
	p.URI = got

	now := v.now()
	if p.IssuedAt.After(now.Add(v.leeway)) {
		return nil, invalidProof("proof issued in the future")
	}
	if now.Sub(p.IssuedAt) > v.window {
		return nil, invalidProof("proof is too old")
	}

	if accessToken != "" {
		if p.AccessTokenHash == "" {
			return nil, ErrMissingAccessTokenHash
		}
		if subtle.ConstantTimeCompare([]byte(p.AccessTokenHash), []byte(AccessTokenHash(accessToken))) != 1 {
			return nil, ErrInvalidAccessTokenHash
		}
	}

	if p.Thumbprint, err = Thumbprint(key); err != nil {
		return nil, invalidProof("invalid proof key")
	}
	return p, nil
}

// NormalizeURI returns the htu comparison form of raw: scheme and host
// lower-cased, default ports removed, query and fragment dropped.
func NormalizeURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("URI %q is not absolute", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, nil
}

// CheckBinding verifies that p was made with the key identified by jkt.
func CheckBinding(p *Proof, jkt string) error {
	if p == nil || subtle.ConstantTimeCompare([]byte(p.Thumbprint), []byte(jkt)) != 1 {
		return ErrKeyMismatch
	}
	return nil
}
