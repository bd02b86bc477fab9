package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Backend builds repositories over an already connected storage client.
// Each constructor is called at most once per Factory.
type Backend interface {
	Name() string
	NewClientRepository() ClientRepository
	NewScopeRepository() ScopeRepository
	NewAuthorizationCodeRepository() AuthorizationCodeRepository
	NewAccessTokenRepository() AccessTokenRepository
	NewRefreshTokenRepository() RefreshTokenRepository
	NewReplayRepository() ReplayRepository
}

// Factory hands out one repository per Kind for the lifetime of a server.
// Grant strategies that share a Factory observe the same repositories.
type Factory struct {
	backend Backend
	replay  ReplayRepository

	mu    sync.Mutex
	built map[Kind]any
}

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

// WithReplayRepository serves replay records from r instead of the backend.
func WithReplayRepository(r ReplayRepository) FactoryOption {
	return func(f *Factory) {
		f.replay = r
	}
}

// NewFactory creates a factory over backend.
func NewFactory(backend Backend, opts ...FactoryOption) (*Factory, error) {
	if backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}

	f := &Factory{
		backend: backend,
		built:   make(map[Kind]any),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Backend returns the name of the underlying backend.
func (f *Factory) Backend() string {
	return f.backend.Name()
}

// Repository returns the memoized repository for kind, building it on first
// use. Callers type-assert to the kind's repository interface.
func (f *Factory) Repository(kind Kind) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if repo, ok := f.built[kind]; ok {
		return repo, nil
	}

	var repo any
	switch kind {
	case KindClient:
		repo = f.backend.NewClientRepository()
	case KindScope:
		repo = f.backend.NewScopeRepository()
	case KindAuthorizationCode:
		repo = f.backend.NewAuthorizationCodeRepository()
	case KindAccessToken:
		repo = f.backend.NewAccessTokenRepository()
	case KindRefreshToken:
		repo = f.backend.NewRefreshTokenRepository()
	case KindReplayRecord:
		if f.replay != nil {
			repo = f.replay
		} else {
			repo = f.backend.NewReplayRepository()
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	f.built[kind] = repo
	return repo, nil
}

// Clients returns the client repository.
func (f *Factory) Clients() ClientRepository {
	return mustRepository[ClientRepository](f, KindClient)
}

// Scopes returns the scope repository.
func (f *Factory) Scopes() ScopeRepository {
	return mustRepository[ScopeRepository](f, KindScope)
}

// AuthorizationCodes returns the authorization code repository.
func (f *Factory) AuthorizationCodes() AuthorizationCodeRepository {
	return mustRepository[AuthorizationCodeRepository](f, KindAuthorizationCode)
}

// AccessTokens returns the access token repository.
func (f *Factory) AccessTokens() AccessTokenRepository {
	return mustRepository[AccessTokenRepository](f, KindAccessToken)
}

// RefreshTokens returns the refresh token repository.
func (f *Factory) RefreshTokens() RefreshTokenRepository {
	return mustRepository[RefreshTokenRepository](f, KindRefreshToken)
}

// ReplayRecords returns the replay log repository.
func (f *Factory) ReplayRecords() ReplayRepository {
	return mustRepository[ReplayRepository](f, KindReplayRecord)
}

// PruneExpired deletes expired codes and tokens when the backend needs it.
// Backends that expire rows themselves report zero.
func (f *Factory) PruneExpired(ctx context.Context, cutoff time.Time) (int, error) {
	p, ok := f.backend.(ExpiredPruner)
	if !ok {
		return 0, nil
	}
	return p.PruneExpired(ctx, cutoff)
}

// Close closes the backend and the replay repository if they hold
// connections.
func (f *Factory) Close() error {
	var firstErr error
	for _, v := range []any{f.replay, f.backend} {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// mustRepository is only called with kinds handled by Repository, so the
// lookup cannot fail.
func mustRepository[T any](f *Factory, kind Kind) T {
	repo, err := f.Repository(kind)
	if err != nil {
		panic(err)
	}
	return repo.(T)
}
