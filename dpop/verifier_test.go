package dpop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/pod-oauth/replay"
	"github.com/giantswarm/pod-oauth/storage/memory"
)

const tokenURI = "https://pod.example/oauth/token"

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()

	now := func() time.Time { return testNow }
	detector, err := replay.NewDetector(memory.New(memory.WithClock(now)).NewReplayRepository(), replay.WithClock(now))
	require.NoError(t, err)

	v, err := NewVerifier(VerifierConfig{Replay: detector, Window: time.Minute, Now: now})
	require.NoError(t, err)
	return v
}

func newTestKey(t *testing.T) *PrivateKey {
	t.Helper()

	key, err := NewPrivateKey()
	require.NoError(t, err)
	return key
}

func signProof(t *testing.T, key *PrivateKey, p Proof) string {
	t.Helper()

	if p.IssuedAt.IsZero() {
		p.IssuedAt = testNow
	}
	signed, err := p.Sign(key)
	require.NoError(t, err)
	return signed
}

func TestVerify_Valid(t *testing.T) {
	v := newTestVerifier(t)
	key := newTestKey(t)

	proof := signProof(t, key, Proof{Method: "POST", URI: tokenURI})

	p, err := v.Verify(context.Background(), proof, "POST", tokenURI, "")
	require.NoError(t, err)
	assert.Equal(t, key.Thumbprint, p.Thumbprint)
	assert.Equal(t, tokenURI, p.URI)
	assert.NotEmpty(t, p.JTI)
}

func TestVerify_ReplayedProof(t *testing.T) {
	v := newTestVerifier(t)
	key := newTestKey(t)
	proof := signProof(t, key, Proof{Method: "POST", URI: tokenURI})

	_, err := v.Verify(context.Background(), proof, "POST", tokenURI, "")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), proof, "POST", tokenURI, "")
	require.Error(t, err)
	assert.True(t, replay.IsReplay(err))
}

func TestVerify_InvalidProofDoesNotConsumeJTI(t *testing.T) {
	v := newTestVerifier(t)
	key := newTestKey(t)
	proof := signProof(t, key, Proof{JTI: "fixed", Method: "POST", URI: tokenURI})

	_, err := v.Verify(context.Background(), proof, "GET", tokenURI, "")
	require.Error(t, err)

	_, err = v.Verify(context.Background(), proof, "POST", tokenURI, "")
	assert.NoError(t, err)
}

func TestVerify_Rejections(t *testing.T) {
	key := newTestKey(t)

	tests := []struct {
		name        string
		proof       func(t *testing.T) string
		method      string
		uri         string
		accessToken string
	}{
		{
			name:   "empty",
			proof:  func(t *testing.T) string { return "" },
			method: "POST",
			uri:    tokenURI,
		},
		{
			name:   "garbage",
			proof:  func(t *testing.T) string { return "not.a.jwt" },
			method: "POST",
			uri:    tokenURI,
		},
		{
			name: "method mismatch",
			proof: func(t *testing.T) string {
				return signProof(t, key, Proof{Method: "GET", URI: tokenURI})
			},
			method: "POST",
			uri:    tokenURI,
		},
		{
			name: "uri mismatch",
			proof: func(t *testing.T) string {
				return signProof(t, key, Proof{Method: "POST", URI: "https://other.example/oauth/token"})
			},
			method: "POST",
			uri:    tokenURI,
		},
		{
			name: "too old",
			proof: func(t *testing.T) string {
				return signProof(t, key, Proof{Method: "POST", URI: tokenURI, IssuedAt: testNow.Add(-2 * time.Minute)})
			},
			method: "POST",
			uri:    tokenURI,
		},
		{
			name: "issued in the future",
			proof: func(t *testing.T) string {
				return signProof(t, key, Proof{Method: "POST", URI: tokenURI, IssuedAt: testNow.Add(time.Minute)})
			},
			method: "POST",
			uri:    tokenURI,
		},
		{
			name: "missing ath",
			proof: func(t *testing.T) string {
				return signProof(t, key, Proof{Method: "GET", URI: "https://pod.example/alice/"})
			},
			method:      "GET",
			uri:         "https://pod.example/alice/",
			accessToken: "token-value",
		},
		{
			name: "wrong ath",
			proof: func(t *testing.T) string {
				return signProof(t, key, Proof{Method: "GET", URI: "https://pod.example/alice/", AccessTokenHash: AccessTokenHash("other")})
			},
			method:      "GET",
			uri:         "https://pod.example/alice/",
			accessToken: "token-value",
		},
		{
			name: "wrong typ",
			proof: func(t *testing.T) string {
				return signRaw(t, key, jwa.ES256(), "JWT")
			},
			method: "POST",
			uri:    tokenURI,
		},
		{
			name: "symmetric algorithm",
			proof: func(t *testing.T) string {
				return signRaw(t, key, jwa.HS256(), JWTType)
			},
			method: "POST",
			uri:    tokenURI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVerifier(t)

			_, err := v.Verify(context.Background(), tt.proof(t), tt.method, tt.uri, tt.accessToken)
			var de *Error
			if !errors.As(err, &de) {
				t.Fatalf("Verify() error = %v, want *Error", err)
			}
			assert.Equal(t, CodeInvalidProof, de.Code)
		})
	}
}

// signRaw signs a proof with arbitrary alg and typ. HMAC proofs use a fixed
// secret while still embedding the public key.
func signRaw(t *testing.T, key *PrivateKey, alg jwa.SignatureAlgorithm, typ string) string {
	t.Helper()

	token := jwt.New()
	require.NoError(t, token.Set(jwt.JwtIDKey, "raw"))
	require.NoError(t, token.Set("htm", "POST"))
	require.NoError(t, token.Set("htu", tokenURI))
	require.NoError(t, token.Set(jwt.IssuedAtKey, testNow.Unix()))

	headers := jws.NewHeaders()
	require.NoError(t, headers.Set(jws.TypeKey, typ))
	require.NoError(t, headers.Set(jws.JWKKey, key.Public))

	var signingKey any = key.Private
	if alg.IsSymmetric() {
		signingKey = []byte("0123456789abcdef0123456789abcdef")
	}

	signed, err := jwt.Sign(token, jwt.WithKey(alg, signingKey, jws.WithProtectedHeaders(headers)))
	require.NoError(t, err)
	return string(signed)
}

func TestVerify_AccessTokenHash(t *testing.T) {
	v := newTestVerifier(t)
	key := newTestKey(t)
	uri := "https://pod.example/alice/"

	proof := signProof(t, key, Proof{Method: "GET", URI: uri, AccessTokenHash: AccessTokenHash("token-value")})

	_, err := v.Verify(context.Background(), proof, "GET", uri, "token-value")
	assert.NoError(t, err)
}

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://pod.example/oauth/token", want: "https://pod.example/oauth/token"},
		{in: "HTTPS://Pod.Example/oauth/token", want: "https://pod.example/oauth/token"},
		{in: "https://pod.example:443/oauth/token?x=1#frag", want: "https://pod.example/oauth/token"},
		{in: "http://pod.example:80", want: "http://pod.example/"},
		{in: "http://pod.example:8080/a", want: "http://pod.example:8080/a"},
		{in: "https://[::1]:8443/token", want: "https://[::1]:8443/token"},
		{in: "/relative", wantErr: true},
		{in: "://bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeURI(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeURI() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeURI() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckBinding(t *testing.T) {
	key := newTestKey(t)
	other := newTestKey(t)

	p := &Proof{Thumbprint: key.Thumbprint}
	assert.NoError(t, CheckBinding(p, key.Thumbprint))
	assert.ErrorIs(t, CheckBinding(p, other.Thumbprint), ErrKeyMismatch)
	assert.ErrorIs(t, CheckBinding(nil, key.Thumbprint), ErrKeyMismatch)
}

func TestNewVerifier_Validation(t *testing.T) {
	_, err := NewVerifier(VerifierConfig{Window: time.Minute})
	assert.Error(t, err)

	detector, err := replay.NewDetector(memory.New().NewReplayRepository())
	require.NoError(t, err)
	_, err = NewVerifier(VerifierConfig{Replay: detector})
	assert.Error(t, err)
}
