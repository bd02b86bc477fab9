package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/giantswarm/pod-oauth/storage"
)

type scanner interface {
	Scan(dest ...any) error
}

// schema maps one entity kind onto its table.
type schema[T any] struct {
	kind    storage.Kind
	table   string
	key     string
	columns []string
	expires bool

	id     func(*T) *string
	values func(*T) ([]any, error)
	scan   func(scanner) (*T, error)

	insertSQL string
	selectSQL string
}

func newSchema[T any](s schema[T]) *schema[T] {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(s.columns)), ", ")
	cols := strings.Join(s.columns, ", ")

	s.insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.table, cols, placeholders)
	s.selectSQL = fmt.Sprintf("SELECT %s FROM %s", cols, s.table)
	return &s
}

var tokenColumns = []string{"id", "client_id", "user_id", "scopes", "family_id", "issued_at", "expires_at", "revoked"}

func tokenValues(t *storage.Token) ([]any, error) {
	scopes, err := encodeList(t.Scopes)
	if err != nil {
		return nil, err
	}
	return []any{t.ID, t.ClientID, t.UserID, scopes, t.FamilyID, unixNano(t.IssuedAt), unixNano(t.ExpiresAt), t.Revoked}, nil
}

// tokenDest returns scan targets for tokenColumns. finish decodes them into t.
func tokenDest(t *storage.Token) (dest []any, finish func() error) {
	var scopes string
	var issuedAt, expiresAt int64
	dest = []any{&t.ID, &t.ClientID, &t.UserID, &scopes, &t.FamilyID, &issuedAt, &expiresAt, &t.Revoked}
	finish = func() error {
		var err error
		t.Scopes, err = decodeList(scopes)
		t.IssuedAt = fromUnixNano(issuedAt)
		t.ExpiresAt = fromUnixNano(expiresAt)
		return err
	}
	return dest, finish
}

var clientSchema = newSchema(schema[storage.Client]{
	kind:    storage.KindClient,
	table:   "clients",
	key:     "id",
	columns: []string{"id", "name", "secret_hash", "redirect_uris", "grant_types", "scopes", "revoked", "created_at"},
	id:      func(c *storage.Client) *string { return &c.ID },
	values: func(c *storage.Client) ([]any, error) {
		redirects, err := encodeList(c.RedirectURIs)
		if err != nil {
			return nil, err
		}
		grants, err := encodeList(c.GrantTypes)
		if err != nil {
			return nil, err
		}
		scopes, err := encodeList(c.Scopes)
		if err != nil {
			return nil, err
		}
		return []any{c.ID, c.Name, c.SecretHash, redirects, grants, scopes, c.Revoked, unixNano(c.CreatedAt)}, nil
	},
	scan: func(row scanner) (*storage.Client, error) {
		var c storage.Client
		var redirects, grants, scopes string
		var createdAt int64
		if err := row.Scan(&c.ID, &c.Name, &c.SecretHash, &redirects, &grants, &scopes, &c.Revoked, &createdAt); err != nil {
			return nil, err
		}
		var err error
		if c.RedirectURIs, err = decodeList(redirects); err != nil {
			return nil, err
		}
		if c.GrantTypes, err = decodeList(grants); err != nil {
			return nil, err
		}
		if c.Scopes, err = decodeList(scopes); err != nil {
			return nil, err
		}
		c.CreatedAt = fromUnixNano(createdAt)
		return &c, nil
	},
})

var scopeSchema = newSchema(schema[storage.Scope]{
	kind:    storage.KindScope,
	table:   "scopes",
	key:     "identifier",
	columns: []string{"identifier", "description", "revoked"},
	id:      func(s *storage.Scope) *string { return &s.Identifier },
	values: func(s *storage.Scope) ([]any, error) {
		return []any{s.Identifier, s.Description, s.Revoked}, nil
	},
	scan: func(row scanner) (*storage.Scope, error) {
		var s storage.Scope
		if err := row.Scan(&s.Identifier, &s.Description, &s.Revoked); err != nil {
			return nil, err
		}
		return &s, nil
	},
})

var codeSchema = newSchema(schema[storage.AuthorizationCode]{
	kind:    storage.KindAuthorizationCode,
	table:   "authorization_codes",
	key:     "id",
	columns: append(tokenColumns[:len(tokenColumns):len(tokenColumns)], "redirect_uri", "code_challenge", "code_challenge_method", "nonce", "used", "redirect_uri_provided"),
	expires: true,
	id:      func(c *storage.AuthorizationCode) *string { return &c.ID },
	values: func(c *storage.AuthorizationCode) ([]any, error) {
		values, err := tokenValues(&c.Token)
		if err != nil {
			return nil, err
		}
		return append(values, c.RedirectURI, c.CodeChallenge, c.CodeChallengeMethod, c.Nonce, c.Used, c.RedirectURIProvided), nil
	},
	scan: func(row scanner) (*storage.AuthorizationCode, error) {
		var c storage.AuthorizationCode
		dest, finish := tokenDest(&c.Token)
		dest = append(dest, &c.RedirectURI, &c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce, &c.Used, &c.RedirectURIProvided)
		if err := row.Scan(dest...); err != nil {
			return nil, err
		}
		return &c, finish()
	},
})

var accessTokenSchema = newSchema(schema[storage.AccessToken]{
	kind:    storage.KindAccessToken,
	table:   "access_tokens",
	key:     "id",
	columns: append(tokenColumns[:len(tokenColumns):len(tokenColumns)], "jkt"),
	expires: true,
	id:      func(t *storage.AccessToken) *string { return &t.ID },
	values: func(t *storage.AccessToken) ([]any, error) {
		values, err := tokenValues(&t.Token)
		if err != nil {
			return nil, err
		}
		return append(values, t.JKT), nil
	},
	scan: func(row scanner) (*storage.AccessToken, error) {
		var t storage.AccessToken
		dest, finish := tokenDest(&t.Token)
		if err := row.Scan(append(dest, &t.JKT)...); err != nil {
			return nil, err
		}
		return &t, finish()
	},
})

var refreshTokenSchema = newSchema(schema[storage.RefreshToken]{
	kind:    storage.KindRefreshToken,
	table:   "refresh_tokens",
	key:     "id",
	columns: append(tokenColumns[:len(tokenColumns):len(tokenColumns)], "access_token_id", "jkt"),
	expires: true,
	id:      func(t *storage.RefreshToken) *string { return &t.ID },
	values: func(t *storage.RefreshToken) ([]any, error) {
		values, err := tokenValues(&t.Token)
		if err != nil {
			return nil, err
		}
		return append(values, t.AccessTokenID, t.JKT), nil
	},
	scan: func(row scanner) (*storage.RefreshToken, error) {
		var t storage.RefreshToken
		dest, finish := tokenDest(&t.Token)
		if err := row.Scan(append(dest, &t.AccessTokenID, &t.JKT)...); err != nil {
			return nil, err
		}
		return &t, finish()
	},
})

// encodeList stores a string slice as a JSON array.
func encodeList(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

func decodeList(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return result, nil
}
