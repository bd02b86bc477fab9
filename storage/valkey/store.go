package valkey

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/storage"
)

// Name is the backend name reported by Store.Name.
const Name = "valkey"

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "pod-oauth:"

const pingTimeout = 5 * time.Second

// Config configures the Valkey backend. Only Address is required.
type Config struct {
	// Address is host:port of the server.
	Address  string
	Password string
	DB       int

	// KeyPrefix replaces DefaultKeyPrefix, so several deployments can
	// share one database.
	KeyPrefix string

	TLS *tls.Config

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// Now replaces time.Now for expiry checks.
	Now func() time.Time
}

// Store keeps every entity as a hash holding its JSON encoding and a
// revoked flag. Expiring entities carry a TTL, and token families are
// indexed by a set per family.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
	obs    *storage.Observer
}

var _ storage.Backend = (*Store)(nil)

// New connects to cfg.Address and checks the connection with a PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkey: address is required")
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
		TLSConfig:   cfg.TLS,
		// state changes must be visible to every replica of the server at once
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey: creating client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey: connecting to %s: %w", cfg.Address, err)
	}

	s := &Store{
		client: client,
		prefix: cmp.Or(cfg.KeyPrefix, DefaultKeyPrefix),
		logger: cmp.Or(cfg.Logger, slog.Default()),
		now:    cfg.Now,
		obs:    storage.NewObserver(Name, cfg.Instrumentation),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.logger.Info("Connected to Valkey storage", "address", cfg.Address, "db", cfg.DB, "prefix", s.prefix)
	return s, nil
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// Name returns "valkey".
func (s *Store) Name() string {
	return Name
}

// NewClientRepository returns the client repository.
func (s *Store) NewClientRepository() storage.ClientRepository {
	return &repository[storage.Client]{s: s, sc: clientSchema}
}

// NewScopeRepository returns the scope repository.
func (s *Store) NewScopeRepository() storage.ScopeRepository {
	return &scopeRepository{repository[storage.Scope]{s: s, sc: scopeSchema}}
}

// NewAuthorizationCodeRepository returns the authorization code repository.
func (s *Store) NewAuthorizationCodeRepository() storage.AuthorizationCodeRepository {
	return &codeRepository{repository[storage.AuthorizationCode]{s: s, sc: codeSchema}}
}

// NewAccessTokenRepository returns the access token repository.
func (s *Store) NewAccessTokenRepository() storage.AccessTokenRepository {
	return &accessTokenRepository{repository[storage.AccessToken]{s: s, sc: accessTokenSchema}}
}

// NewRefreshTokenRepository returns the refresh token repository.
func (s *Store) NewRefreshTokenRepository() storage.RefreshTokenRepository {
	return &refreshTokenRepository{repository[storage.RefreshToken]{s: s, sc: refreshTokenSchema}}
}

// NewReplayRepository returns the replay log repository.
func (s *Store) NewReplayRepository() storage.ReplayRepository {
	return &replayRepository{s: s}
}

func (s *Store) entityKey(kind storage.Kind, id string) string {
	return s.prefix + kind.String() + ":" + id
}

func (s *Store) familyKey(kind storage.Kind, familyID string) string {
	return s.prefix + "family:" + kind.String() + ":" + familyID
}

func (s *Store) scopeIndexKey() string {
	return s.prefix + "scope-index"
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
