package storage

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Grant type identifiers as they appear on the wire and in client records.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeImplicit          = "implicit"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// defaultGrantTypes applies to clients registered without explicit grant types.
var defaultGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}

// Token is the state shared by every issued credential. Token kinds embed
// it and expose it through Base.
type Token struct {
	ID       string
	ClientID string

	// UserID is the subject (WebID). Empty for client_credentials tokens.
	UserID string
	Scopes []string

	// FamilyID links every credential descended from one grant so that a
	// detected replay can revoke all of them.
	FamilyID string

	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Base returns the shared token state.
func (t *Token) Base() *Token {
	return t
}

// Expired reports whether the token lifetime has passed at now.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ScopeString returns the scopes space separated, as used on the wire.
func (t *Token) ScopeString() string {
	return strings.Join(t.Scopes, " ")
}

// HasScope reports whether scope was granted. Scopes are case-sensitive.
func (t *Token) HasScope(scope string) bool {
	return slices.Contains(t.Scopes, scope)
}

// Issued is implemented by every token kind.
type Issued interface {
	Base() *Token
}

// AuthorizationCode is a single-use code minted by the authorize step.
type AuthorizationCode struct {
	Token

	RedirectURI string

	// RedirectURIProvided is set when the authorization request named the
	// redirect URI. Only then must the token request repeat it.
	RedirectURIProvided bool

	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string

	// Used is set once the code has been exchanged.
	Used bool
}

// AccessToken is the persisted record behind a signed access token. ID is
// the token's jti.
type AccessToken struct {
	Token

	// JKT is the RFC 7638 thumbprint of the DPoP key the token is bound to.
	JKT string
}

// RefreshToken is the persisted record behind a refresh token value.
type RefreshToken struct {
	Token

	AccessTokenID string
	JKT           string
}

var (
	_ Issued = (*AuthorizationCode)(nil)
	_ Issued = (*AccessToken)(nil)
	_ Issued = (*RefreshToken)(nil)
)

// Client is a registered OAuth client.
type Client struct {
	ID   string
	Name string

	// SecretHash is the bcrypt hash of the client secret. Empty for public
	// clients.
	SecretHash string

	RedirectURIs []string
	GrantTypes   []string

	// Scopes restricts what the client may request. Empty allows every
	// scope known to the server.
	Scopes []string

	Revoked   bool
	CreatedAt time.Time
}

// Confidential reports whether the client authenticates with a secret.
func (c *Client) Confidential() bool {
	return c.SecretHash != ""
}

// HasRedirectURI reports whether uri exactly matches a registered URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrant reports whether the client may use grantType.
func (c *Client) AllowsGrant(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return slices.Contains(defaultGrantTypes, grantType)
	}
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsScope reports whether the client may request scope.
func (c *Client) AllowsScope(scope string) bool {
	return len(c.Scopes) == 0 || slices.Contains(c.Scopes, scope)
}

// VerifySecret checks secret against the stored hash in constant time.
func (c *Client) VerifySecret(secret string) bool {
	if c.SecretHash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// HashSecret hashes a client secret for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Scope is a grantable scope identifier.
type Scope struct {
	Identifier  string
	Description string
	Revoked     bool
}

// User is the resource owner. The subject is opaque to the server.
type User struct {
	Subject string
}

// ReplayRecord remembers the first use of a proof jti.
type ReplayRecord struct {
	JTI         string
	ResourceURI string
	SeenAt      time.Time
}
