package storage

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies an entity kind and its repository.
type Kind int

// Entity kinds
const (
	KindClient Kind = iota + 1
	KindScope
	KindAuthorizationCode
	KindAccessToken
	KindRefreshToken
	KindReplayRecord
)

var kindNames = map[Kind]string{
	KindClient:            "client",
	KindScope:             "scope",
	KindAuthorizationCode: "authorization_code",
	KindAccessToken:       "access_token",
	KindRefreshToken:      "refresh_token",
	KindReplayRecord:      "replay_record",
}

// String returns the kind name
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a kind name to its Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Repository is the contract shared by every entity kind.
//
// Create is atomic and fails with ErrDuplicate for an existing id; it
// assigns an id when the entity has none and returns it. Find returns
// ErrNotFound for unknown or expired ids; expired rows are kept until a
// maintenance pass removes them. Revoke is idempotent and succeeds for
// unknown ids. IsRevoked reports true for unknown ids.
type Repository[T any] interface {
	Create(ctx context.Context, entity *T) (string, error)
	Find(ctx context.Context, id string) (*T, error)
	Revoke(ctx context.Context, id string) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// ClientRepository persists registered clients.
type ClientRepository interface {
	Repository[Client]
}

// ScopeRepository persists the grantable scope set.
type ScopeRepository interface {
	Repository[Scope]

	// List returns every scope that is not revoked.
	List(ctx context.Context) ([]*Scope, error)
}

// AuthorizationCodeRepository persists authorization codes.
type AuthorizationCodeRepository interface {
	Repository[AuthorizationCode]

	// Consume atomically marks an unused code as used and returns it. If the
	// code was already used it returns the code together with
	// ErrAlreadyUsed so the caller can revoke what was issued from it.
	Consume(ctx context.Context, id string) (*AuthorizationCode, error)
}

// AccessTokenRepository persists access token records.
type AccessTokenRepository interface {
	Repository[AccessToken]

	// RevokeFamily revokes every access token of familyID and returns how
	// many were newly revoked.
	RevokeFamily(ctx context.Context, familyID string) (int, error)
}

// RefreshTokenRepository persists refresh token records.
type RefreshTokenRepository interface {
	Repository[RefreshToken]

	// Rotate atomically revokes an active refresh token and returns it. A
	// token that was already revoked is returned with ErrAlreadyUsed.
	Rotate(ctx context.Context, id string) (*RefreshToken, error)

	// RevokeFamily revokes every refresh token of familyID.
	RevokeFamily(ctx context.Context, familyID string) (int, error)
}

// ReplayRepository persists the proof replay log.
type ReplayRepository interface {
	// InsertIfAbsent records rec unless a record with the same jti was seen
	// within window before rec.SeenAt. It reports whether rec was recorded.
	// Check and insert are a single atomic step.
	InsertIfAbsent(ctx context.Context, rec *ReplayRecord, window time.Duration) (bool, error)

	// Prune deletes records seen before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// ExpiredPruner is implemented by backends that do not expire rows on their
// own. PruneExpired deletes token rows whose lifetime ended before cutoff.
type ExpiredPruner interface {
	PruneExpired(ctx context.Context, cutoff time.Time) (int, error)
}
