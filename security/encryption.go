package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// EncryptionKeySize is the AES-256 key size in bytes
const EncryptionKeySize = 32

const minPassphraseLength = 16

// ErrDecrypt is returned for every value that does not open, so tampered
// and corrupt values cannot be told apart.
var ErrDecrypt = errors.New("failed to decrypt")

// Encryptor seals values with AES-256-GCM. A sealed value is the random
// nonce followed by the ciphertext, in unpadded URL-safe base64.
type Encryptor struct {
	aead cipher.AEAD
}

func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key is %d bytes, want %d", len(key), EncryptionKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead}, nil
}

// Seal encrypts plaintext bound to additionalData, which Open must be given
// unchanged.
func (e *Encryptor) Seal(plaintext, additionalData []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("reading nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(e.aead.Seal(nonce, nonce, plaintext, additionalData)), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(sealed string, additionalData []byte) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(raw) < e.aead.NonceSize()+e.aead.Overhead() {
		return nil, ErrDecrypt
	}
	n := e.aead.NonceSize()
	plaintext, err := e.aead.Open(nil, raw[:n], raw[n:], additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// GenerateKey returns a random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, EncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("reading random key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a standard base64 AES-256 key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), EncryptionKeySize)
	}
	return key, nil
}

// KeyToBase64 is the inverse of KeyFromBase64.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DeriveKey turns a configured secret into an AES-256 key. A base64 encoded
// 32 byte key is used as is; any other secret of sufficient length is
// stretched with HKDF-SHA256.
func DeriveKey(secret, info string) ([]byte, error) {
	if key, err := KeyFromBase64(secret); err == nil {
		return key, nil
	}

	if len(secret) < minPassphraseLength {
		return nil, fmt.Errorf("encryption secret must be a base64 %d byte key or at least %d characters", EncryptionKeySize, minPassphraseLength)
	}

	key := make([]byte, EncryptionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
