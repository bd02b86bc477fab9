package security

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if len(key) != EncryptionKeySize {
		t.Errorf("GenerateKey() returned key of length %d, want %d", len(key), EncryptionKeySize)
	}

	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if bytes.Equal(key, key2) {
		t.Error("GenerateKey() returned identical keys")
	}
}

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32)},
		{name: "nil key", key: nil, wantErr: true},
		{name: "invalid key length (16 bytes)", key: make([]byte, 16), wantErr: true},
		{name: "invalid key length (64 bytes)", key: make([]byte, 64), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := []byte(`{"id":"2Fz7","client_id":"abc"}`)
	aad := []byte("refresh_token")

	sealed, err := enc.Seal(plaintext, aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.ContainsAny(sealed, "+/=") {
		t.Errorf("Seal() output %q is not URL safe", sealed)
	}

	opened, err := enc.Open(sealed, aad)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}

	again, _ := enc.Seal(plaintext, aad)
	if again == sealed {
		t.Error("Seal() produced identical ciphertexts for the same plaintext")
	}
}

func TestEncryptor_OpenRejects(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)
	sealed, _ := enc.Seal([]byte("payload"), []byte("authorization_code"))

	otherKey, _ := GenerateKey()
	other, _ := NewEncryptor(otherKey)

	tampered := []byte(sealed)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}

	tests := []struct {
		name  string
		enc   *Encryptor
		input string
		aad   []byte
	}{
		{name: "wrong purpose", enc: enc, input: sealed, aad: []byte("refresh_token")},
		{name: "wrong key", enc: other, input: sealed, aad: []byte("authorization_code")},
		{name: "tampered", enc: enc, input: string(tampered), aad: []byte("authorization_code")},
		{name: "not base64", enc: enc, input: "***", aad: nil},
		{name: "too short", enc: enc, input: "AAAA", aad: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.enc.Open(tt.input, tt.aad)
			if !errors.Is(err, ErrDecrypt) {
				t.Errorf("Open() error = %v, want ErrDecrypt", err)
			}
		})
	}
}

func TestKeyFromBase64(t *testing.T) {
	key, _ := GenerateKey()

	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("KeyFromBase64() did not return the encoded key")
	}

	if _, err := KeyFromBase64(KeyToBase64([]byte("short"))); err == nil {
		t.Error("KeyFromBase64() expected error for short key")
	}
}

func TestDeriveKey(t *testing.T) {
	raw, _ := GenerateKey()

	tests := []struct {
		name    string
		secret  string
		want    []byte
		wantErr bool
	}{
		{name: "base64 key used as is", secret: KeyToBase64(raw), want: raw},
		{name: "passphrase", secret: "correct horse battery staple"},
		{name: "too short", secret: "short", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveKey(tt.secret, "test")
			if (err != nil) != tt.wantErr {
				t.Fatalf("DeriveKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != EncryptionKeySize {
				t.Errorf("DeriveKey() length = %d, want %d", len(got), EncryptionKeySize)
			}
			if tt.want != nil && !bytes.Equal(got, tt.want) {
				t.Error("DeriveKey() changed a raw key")
			}
		})
	}

	a, _ := DeriveKey("correct horse battery staple", "test")
	b, _ := DeriveKey("correct horse battery staple", "test")
	if !bytes.Equal(a, b) {
		t.Error("DeriveKey() is not deterministic")
	}
}
