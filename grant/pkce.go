package grant

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// PKCE challenge methods (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ChallengeMethods lists the code_challenge_method values accepted at the
// authorize step.
func ChallengeMethods(allowPlain bool) []string {
	if allowPlain {
		return []string{PKCEMethodS256, PKCEMethodPlain}
	}
	return []string{PKCEMethodS256}
}

// RFC 7636 verifier and challenge length bounds
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// ValidateChallenge checks a code_challenge and method at the authorize
// step. An empty method means S256.
func ValidateChallenge(challenge, method string, allowPlain bool) (string, error) {
	if method == "" {
		method = PKCEMethodS256
	}
	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !allowPlain {
			return "", Errorf(ErrInvalidRequest, "code_challenge_method plain is not allowed")
		}
	default:
		return "", Errorf(ErrInvalidRequest, "unsupported code_challenge_method")
	}

	if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength || !isUnreserved(challenge) {
		return "", Errorf(ErrInvalidRequest, "invalid code_challenge")
	}
	return method, nil
}

// VerifyPKCE checks a code_verifier against the stored challenge.
func VerifyPKCE(challenge, method, verifier string) error {
	switch {
	case verifier == "":
		return errors.New("code_verifier is required")
	case len(verifier) < MinCodeVerifierLength, len(verifier) > MaxCodeVerifierLength:
		return fmt.Errorf("code_verifier must be %d to %d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	case !isUnreserved(verifier):
		return errors.New("code_verifier may only use [A-Za-z0-9-._~]")
	}

	expected := verifier
	switch method {
	case PKCEMethodS256, "":
		expected = S256Challenge(verifier)
	case PKCEMethodPlain:
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return errors.New("code_verifier does not match code_challenge")
	}
	return nil
}

// S256Challenge returns BASE64URL(SHA256(verifier)).
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// isUnreserved reports whether s only holds the RFC 3986 unreserved
// characters.
func isUnreserved(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		}
		return !strings.ContainsRune("-._~", r)
	})
}
