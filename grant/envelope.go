package grant

import (
	"encoding/json"
	"fmt"
	"time"
)

// Purposes bound to encrypted values
const (
	PurposeAuthorizationCode = "authorization_code"
	PurposeRefreshToken      = "refresh_token"
)

// Sealer encrypts values handed to clients. *keys.Material implements it.
type Sealer interface {
	Encrypt(plaintext []byte, purpose string) (string, error)
	Decrypt(ciphertext, purpose string) ([]byte, error)
}

// envelope is the plaintext of an authorization code or refresh token
// value. Only the id is looked up in storage.
type envelope struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	ExpiresAt int64  `json:"expires_at"`
}

func seal(s Sealer, purpose, id, clientID string, expiresAt time.Time) (string, error) {
	data, err := json.Marshal(envelope{ID: id, ClientID: clientID, ExpiresAt: expiresAt.Unix()})
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", purpose, err)
	}
	value, err := s.Encrypt(data, purpose)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt %s: %w", purpose, err)
	}
	return value, nil
}

// open decrypts a value sealed for purpose. Any failure means the value was
// not issued by this server and is reported as invalid_grant.
func open(s Sealer, purpose, value string) (*envelope, error) {
	if value == "" {
		return nil, Errorf(ErrInvalidRequest, "%s is required", purpose)
	}
	data, err := s.Decrypt(value, purpose)
	if err != nil {
		return nil, Errorf(ErrInvalidGrant, "invalid %s", purpose)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.ID == "" {
		return nil, Errorf(ErrInvalidGrant, "invalid %s", purpose)
	}
	return &env, nil
}
