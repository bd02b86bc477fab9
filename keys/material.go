// Package keys holds the server's key material: the asymmetric signing key
// used for tokens and the JWKS document, and the symmetric key that protects
// values handed out to clients or persisted at rest.
//
// Key bytes are supplied by the caller; this package performs no I/O.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/giantswarm/pod-oauth/security"
)

const minRSAKeyBits = 2048

// Token types placed in the JWS "typ" header
const (
	TypeAccessToken = "at+jwt"
	TypeIDToken     = "JWT"
)

var selfCheckPayload = []byte("pod-oauth key material self-check")

// Config carries the raw key bytes.
type Config struct {
	// SigningKeyPEM is a PEM encoded RSA, ECDSA or Ed25519 private key.
	SigningKeyPEM []byte

	// Algorithm optionally pins the JWS algorithm. It must match the key
	// type. When empty it is derived from the key (RS256 for RSA).
	Algorithm string

	// KeyID overrides the published "kid". Defaults to the RFC 7638
	// thumbprint of the public key.
	KeyID string

	// EncryptionKey is the 32 byte AES-256 at-rest key.
	EncryptionKey []byte
}

// Material signs and verifies with the signing key pair and encrypts with
// the at-rest key. It is immutable after New and safe for concurrent use.
type Material struct {
	alg       jwa.SignatureAlgorithm
	keyID     string
	private   jwk.Key
	public    jwk.Key
	set       jwk.Set
	encryptor *security.Encryptor
}

// New parses and validates the configured keys. Any failure is a
// *KeyMaterialError.
func New(cfg Config) (*Material, error) {
	signer, err := parseSigningKey(cfg.SigningKeyPEM)
	if err != nil {
		return nil, keyError("parse signing key", err)
	}

	alg, err := algorithmFor(signer, cfg.Algorithm)
	if err != nil {
		return nil, keyError("select algorithm", err)
	}

	private, err := jwk.Import(signer)
	if err != nil {
		return nil, keyError("import signing key", err)
	}

	public, err := jwk.PublicKeyOf(private)
	if err != nil {
		return nil, keyError("derive public key", err)
	}

	keyID := cfg.KeyID
	if keyID == "" {
		thumbprint, err := public.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, keyError("compute key thumbprint", err)
		}
		keyID = base64.RawURLEncoding.EncodeToString(thumbprint)
	}

	for _, k := range []jwk.Key{private, public} {
		if err := k.Set(jwk.KeyIDKey, keyID); err != nil {
			return nil, keyError("set key id", err)
		}
		if err := k.Set(jwk.AlgorithmKey, alg); err != nil {
			return nil, keyError("set key algorithm", err)
		}
	}
	if err := public.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, keyError("set key usage", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(public); err != nil {
		return nil, keyError("build key set", err)
	}

	encryptor, err := security.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, keyError("load encryption key", err)
	}

	m := &Material{
		alg:       alg,
		keyID:     keyID,
		private:   private,
		public:    public,
		set:       set,
		encryptor: encryptor,
	}

	signature, err := m.Sign(selfCheckPayload)
	if err != nil {
		return nil, keyError("sign self-check", err)
	}
	if !m.Verify(selfCheckPayload, signature) {
		return nil, keyError("verify self-check", errors.New("public key does not validate signatures of the private key"))
	}

	return m, nil
}

// Algorithm returns the JWS algorithm used for signing.
func (m *Material) Algorithm() jwa.SignatureAlgorithm {
	return m.alg
}

// KeyID returns the published key id.
func (m *Material) KeyID() string {
	return m.keyID
}

// PublicKey returns the public signing key.
func (m *Material) PublicKey() jwk.Key {
	return m.public
}

// Sign signs payload and returns a compact JWS carrying it.
func (m *Material) Sign(payload []byte) ([]byte, error) {
	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.KeyIDKey, m.keyID); err != nil {
		return nil, fmt.Errorf("failed to set key id header: %w", err)
	}

	signed, err := jws.Sign(payload, jws.WithKey(m.alg, m.private, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	return signed, nil
}

// Verify reports whether signature is a valid JWS over payload made by this
// key pair.
func (m *Material) Verify(payload, signature []byte) bool {
	verified, err := jws.Verify(signature, jws.WithKey(m.alg, m.public))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(verified, payload) == 1
}

// SignToken serializes and signs a JWT with the given "typ" header.
func (m *Material) SignToken(token jwt.Token, typ string) (string, error) {
	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.KeyIDKey, m.keyID); err != nil {
		return "", fmt.Errorf("failed to set key id header: %w", err)
	}
	if typ != "" {
		if err := hdrs.Set(jws.TypeKey, typ); err != nil {
			return "", fmt.Errorf("failed to set type header: %w", err)
		}
	}

	signed, err := jwt.Sign(token, jwt.WithKey(m.alg, m.private, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// ParseToken verifies a JWT signed by this key pair and validates its
// standard time claims. Extra options (issuer, audience) are appended.
func (m *Material) ParseToken(data string, opts ...jwt.ParseOption) (jwt.Token, error) {
	opts = append([]jwt.ParseOption{jwt.WithKey(m.alg, m.public), jwt.WithValidate(true)}, opts...)
	token, err := jwt.ParseString(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}
	return token, nil
}

// Encrypt seals plaintext with the at-rest key. purpose is bound to the
// ciphertext so a value sealed for one use cannot be replayed as another.
func (m *Material) Encrypt(plaintext []byte, purpose string) (string, error) {
	return m.encryptor.Seal(plaintext, []byte(purpose))
}

// Decrypt opens a value produced by Encrypt with the same purpose.
func (m *Material) Decrypt(ciphertext, purpose string) ([]byte, error) {
	return m.encryptor.Open(ciphertext, []byte(purpose))
}

// JWKS returns the public key set.
func (m *Material) JWKS() jwk.Set {
	return m.set
}

// JWKSDocument returns the JSON encoded public key set.
func (m *Material) JWKSDocument() ([]byte, error) {
	data, err := json.Marshal(m.set)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key set: %w", err)
	}
	return data, nil
}

// algorithmFor validates requested against the key type, deriving the
// algorithm when none is requested.
func algorithmFor(signer crypto.Signer, requested string) (jwa.SignatureAlgorithm, error) {
	var none jwa.SignatureAlgorithm

	switch k := signer.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < minRSAKeyBits {
			return none, fmt.Errorf("RSA key must be at least %d bits, got %d", minRSAKeyBits, k.N.BitLen())
		}
		switch requested {
		case "", "RS256":
			return jwa.RS256(), nil
		case "RS384":
			return jwa.RS384(), nil
		case "RS512":
			return jwa.RS512(), nil
		case "PS256":
			return jwa.PS256(), nil
		}
	case *ecdsa.PrivateKey:
		var alg jwa.SignatureAlgorithm
		switch k.Curve {
		case elliptic.P256():
			alg = jwa.ES256()
		case elliptic.P384():
			alg = jwa.ES384()
		case elliptic.P521():
			alg = jwa.ES512()
		default:
			return none, fmt.Errorf("unsupported EC curve: %s", k.Curve.Params().Name)
		}
		if requested == "" || requested == alg.String() {
			return alg, nil
		}
	case ed25519.PrivateKey:
		if requested == "" || requested == "EdDSA" {
			return jwa.EdDSA(), nil
		}
	default:
		return none, fmt.Errorf("unsupported key type: %T", signer)
	}

	return none, fmt.Errorf("algorithm %s does not match key type %T", requested, signer)
}
