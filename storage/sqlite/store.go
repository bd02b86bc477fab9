// Package sqlite is the SQL storage backend, built on the pure Go
// modernc.org/sqlite driver. The schema is managed with goose migrations
// embedded in the binary and applied on Open.
//
// SQLite allows a single writer, so the pool is limited to one connection.
// Single-use transitions are conditional UPDATE statements whose affected
// row count decides the winner.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/storage"
)

// Name is the backend name reported by Store.Name.
const Name = "sqlite"

const defaultBusyTimeout = 5 * time.Second

// Config holds the SQLite backend configuration
type Config struct {
	// DSN is a file path or "file:" URI. ":memory:" gives a private
	// in-memory database.
	DSN string

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// Now replaces time.Now for expiry checks.
	Now func() time.Time
}

// Store owns the database handle and hands out repositories over it.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
	obs    *storage.Observer
}

var (
	_ storage.Backend       = (*Store)(nil)
	_ storage.ExpiredPruner = (*Store)(nil)
)

// Open opens the database and migrates it to the current schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite DSN is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure sqlite database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	cfg.Logger.Info("SQLite storage ready", "dsn", cfg.DSN)

	return &Store{
		db:     db,
		now:    cfg.Now,
		logger: cfg.Logger,
		obs:    storage.NewObserver(Name, cfg.Instrumentation),
	}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Name returns "sqlite".
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

// PruneExpired deletes codes and tokens that expired before cutoff.
func (s *Store) PruneExpired(ctx context.Context, cutoff time.Time) (n int, err error) {
	ctx, done := s.obs.Start(ctx, "prune_expired", storage.KindAccessToken)
	defer func() { done(err) }()

	for _, table := range []string{codeSchema.table, accessTokenSchema.table, refreshTokenSchema.table} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE expires_at < ?", unixNano(cutoff))
		if err != nil {
			return n, storage.Wrap("prune_expired", storage.KindAccessToken, fmt.Errorf("pruning %s: %w", table, err))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return n, storage.Wrap("prune_expired", storage.KindAccessToken, err)
		}
		n += int(affected)
	}

	if n > 0 {
		s.logger.Debug("Pruned expired tokens", "count", n)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
