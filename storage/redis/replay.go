// Package redis keeps the DPoP replay log in a dedicated Redis.
//
// Each jti is a single key written with SET NX PX, so the check and the
// insert are one command and the key expires when its window closes. The
// server uses this store through storage.WithReplayRepository while the
// remaining entities stay in the main backend.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/storage"
)

// Name is the backend name reported in storage spans.
const Name = "redis"

// DefaultKeyPrefix is the default prefix for replay keys
const DefaultKeyPrefix = "pod-oauth:jti:"

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int

	// KeyPrefix is prepended to every jti (default "pod-oauth:jti:").
	KeyPrefix string

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// Now replaces time.Now when computing key lifetimes.
	Now func() time.Time
}

// ReplayStore is a storage.ReplayRepository on Redis.
type ReplayStore struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
	now    func() time.Time
	obs    *storage.Observer
}

var _ storage.ReplayRepository = (*ReplayStore)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*ReplayStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Redis replay log", "address", cfg.Address, "db", cfg.DB)
	return s, nil
}

// NewWithClient wraps a pre-configured client. Connection fields of cfg
// are ignored.
func NewWithClient(client goredis.UniversalClient, cfg Config) *ReplayStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &ReplayStore{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    now,
		obs:    storage.NewObserver(Name, cfg.Instrumentation),
	}
}

// Close closes the client.
func (s *ReplayStore) Close() error {
	return s.client.Close()
}

// InsertIfAbsent stores the jti until rec.SeenAt+window. A record whose
// window already closed is accepted without being stored.
func (s *ReplayStore) InsertIfAbsent(ctx context.Context, rec *storage.ReplayRecord, window time.Duration) (inserted bool, err error) {
	ctx, done := s.obs.Start(ctx, "insert_if_absent", storage.KindReplayRecord)
	defer func() { done(err) }()

	if rec == nil || rec.JTI == "" {
		return false, storage.Wrap("insert_if_absent", storage.KindReplayRecord, fmt.Errorf("jti is required"))
	}

	ttl := rec.SeenAt.Add(window).Sub(s.now())
	if ttl <= 0 {
		return true, nil
	}

	// Use SetNX for atomic check-and-set to prevent race conditions.
	value := strconv.FormatInt(rec.SeenAt.UnixMilli(), 10) + " " + rec.ResourceURI
	ok, err := s.client.SetNX(ctx, s.prefix+rec.JTI, value, ttl).Result()
	if err != nil {
		return false, storage.Wrap("insert_if_absent", storage.KindReplayRecord, fmt.Errorf("failed to store jti: %w", err))
	}
	return ok, nil
}

// Prune is a no-op: Redis expires replay keys when their window closes.
func (s *ReplayStore) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}
