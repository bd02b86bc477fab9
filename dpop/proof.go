// Package dpop verifies RFC 9449 proof-of-possession proofs.
//
// A proof is a JWT with typ "dpop+jwt" signed by the key embedded in its
// own header. The Verifier checks header, signature and claims against the
// request, then records the proof's jti with a replay checker before the
// proof is accepted.
package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/segmentio/ksuid"
)

const (
	// HeaderName is the request header carrying the proof
	HeaderName = "DPoP"

	// JWTType is the required "typ" header of a proof
	JWTType = "dpop+jwt"

	// TokenType is the token_type of DPoP-bound access tokens
	TokenType = "DPoP"
)

// SupportedAlgorithms lists the proof signing algorithms accepted by the
// Verifier. Symmetric algorithms and "none" are never accepted.
var SupportedAlgorithms = []string{"ES256", "ES384", "ES512", "RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "EdDSA"}

// Proof is a parsed DPoP proof.
type Proof struct {
	JTI             string
	Method          string
	URI             string
	IssuedAt        time.Time
	AccessTokenHash string
	Nonce           string

	// Key is the public key from the proof header.
	Key jwk.Key

	// Thumbprint is the RFC 7638 SHA-256 thumbprint of Key, base64url
	// encoded. Tokens bound to the proof carry it as cnf.jkt.
	Thumbprint string
}

// PrivateKey is a client-held proof key.
type PrivateKey struct {
	Private    jwk.Key
	Public     jwk.Key
	Thumbprint string
}

// NewPrivateKey creates an ephemeral P-256 proof key.
func NewPrivateKey() (*PrivateKey, error) {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key, err := jwk.Import(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK: %w", err)
	}
	public, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}
	thumbprint, err := Thumbprint(public)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{Private: key, Public: public, Thumbprint: thumbprint}, nil
}

// Thumbprint returns the base64url RFC 7638 thumbprint of key.
func Thumbprint(key jwk.Key) (string, error) {
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// AccessTokenHash returns the ath value for accessToken.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Sign serializes the proof signed with ES256 by key. A missing jti or iat
// is filled in.
func (p *Proof) Sign(key *PrivateKey) (string, error) {
	if p.JTI == "" {
		p.JTI = ksuid.New().String()
	}
	if p.IssuedAt.IsZero() {
		p.IssuedAt = time.Now()
	}
	if p.Method == "" || p.URI == "" {
		return "", fmt.Errorf("htm and htu are required")
	}

	token := jwt.New()
	claims := map[string]any{
		jwt.JwtIDKey:    p.JTI,
		"htm":           p.Method,
		"htu":           p.URI,
		jwt.IssuedAtKey: p.IssuedAt.Unix(),
	}
	if p.AccessTokenHash != "" {
		claims["ath"] = p.AccessTokenHash
	}
	if p.Nonce != "" {
		claims["nonce"] = p.Nonce
	}
	for name, value := range claims {
		if err := token.Set(name, value); err != nil {
			return "", fmt.Errorf("failed to set claim %s: %w", name, err)
		}
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.TypeKey, JWTType); err != nil {
		return "", fmt.Errorf("failed to set type header: %w", err)
	}
	if err := headers.Set(jws.JWKKey, key.Public); err != nil {
		return "", fmt.Errorf("failed to set jwk header: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256(), key.Private, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("unable to sign proof: %w", err)
	}
	return string(signed), nil
}
