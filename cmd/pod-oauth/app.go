package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/giantswarm/pod-oauth/config"
	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/keys"
	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/server"
	"github.com/giantswarm/pod-oauth/storage"
	"github.com/giantswarm/pod-oauth/storage/memory"
	"github.com/giantswarm/pod-oauth/storage/redis"
	"github.com/giantswarm/pod-oauth/storage/sqlite"
	"github.com/giantswarm/pod-oauth/storage/valkey"
)

// encryptionKeyInfo separates the at-rest key from other keys derived from
// the same passphrase.
const encryptionKeyInfo = "pod-oauth at-rest encryption"

// loadConfig reads the configuration file named by --config and applies
// the environment and flag overrides bound through viper.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if level := viper.GetString("log_level"); level != "" {
		cfg.Log.Level = level
	}
	if viper.IsSet("listen") {
		cfg.Listen = viper.GetString("listen")
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func newInstrumentation(cfg config.MetricsConfig) (*instrumentation.Instrumentation, error) {
	return instrumentation.New(instrumentation.Config{
		ServiceName:     cfg.ServiceName,
		ServiceVersion:  version,
		Enabled:         cfg.Enabled,
		MetricsExporter: cfg.Exporter,
	})
}

// newKeyMaterial loads the signing key and derives the at-rest key.
func newKeyMaterial(cfg *config.Config) (*keys.Material, error) {
	pemBytes, err := cfg.SigningKeyPEM()
	if err != nil {
		return nil, err
	}
	encKey, err := security.DeriveKey(cfg.Keys.EncryptionKey, encryptionKeyInfo)
	if err != nil {
		return nil, config.NewConfigurationError(fmt.Sprintf("invalid encryption key: %v", err), "keys.encryption_key")
	}
	return keys.New(keys.Config{
		SigningKeyPEM: pemBytes,
		Algorithm:     cfg.Keys.Algorithm,
		EncryptionKey: encKey,
	})
}

// openStorage connects the configured backend and, when configured, the
// dedicated Redis replay log.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (*storage.Factory, error) {
	var backend storage.Backend
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		backend = memory.New(memory.WithLogger(logger), memory.WithInstrumentation(inst))
	case config.StorageSQLite:
		store, err := sqlite.Open(ctx, sqlite.Config{
			DSN:             cfg.Storage.DSN,
			Logger:          logger,
			Instrumentation: inst,
		})
		if err != nil {
			return nil, err
		}
		backend = store
	case config.StorageValkey:
		store, err := valkey.New(ctx, valkey.Config{
			Address:         cfg.Storage.Valkey.Address,
			Password:        cfg.Storage.Valkey.Password,
			DB:              cfg.Storage.Valkey.DB,
			KeyPrefix:       cfg.Storage.Valkey.KeyPrefix,
			Logger:          logger,
			Instrumentation: inst,
		})
		if err != nil {
			return nil, err
		}
		backend = store
	default:
		return nil, config.NewConfigurationError(fmt.Sprintf("unknown storage driver %q", cfg.Storage.Driver), "storage.driver")
	}

	var opts []storage.FactoryOption
	if cfg.Replay.Driver == config.ReplayRedis {
		replayStore, err := redis.New(ctx, redis.Config{
			Address:         cfg.Replay.Redis.Address,
			Password:        cfg.Replay.Redis.Password,
			DB:              cfg.Replay.Redis.DB,
			Logger:          logger,
			Instrumentation: inst,
		})
		if err != nil {
			closeBackend(backend)
			return nil, err
		}
		opts = append(opts, storage.WithReplayRepository(replayStore))
	}

	return storage.NewFactory(backend, opts...)
}

func closeBackend(b storage.Backend) {
	if c, ok := b.(io.Closer); ok {
		_ = c.Close()
	}
}

// serverConfig maps the file configuration onto the protocol server.
func serverConfig(cfg *config.Config) *server.Config {
	return &server.Config{
		Issuer:                   cfg.Issuer,
		AuthorizationCodeTTL:     cfg.TTL.AuthorizationCode.Duration,
		AccessTokenTTL:           cfg.TTL.AccessToken.Duration,
		RefreshTokenTTL:          cfg.TTL.RefreshToken.Duration,
		AuthCodeRefreshTokenTTL:  cfg.TTL.AuthCodeRefreshToken.Duration,
		DPoPProofWindow:          cfg.TTL.DPoPProofWindow.Duration,
		KeepFamilyOnRefreshReuse: !cfg.RevokeFamily(),
		RequirePKCE:              cfg.RequirePKCE,
		Discovery:                cfg.Discovery,
		DiscoveryStrict:          cfg.DiscoveryStrict,
		DisableRegistration:      cfg.DisableRegistration,
	}
}

func registrations(clients []config.ClientConfig) []server.ClientRegistration {
	regs := make([]server.ClientRegistration, 0, len(clients))
	for _, c := range clients {
		regs = append(regs, server.ClientRegistration{
			ID:           c.ID,
			Name:         c.Name,
			Secret:       c.Secret,
			RedirectURIs: c.RedirectURIs,
			GrantTypes:   c.GrantTypes,
			Scopes:       c.Scopes,
		})
	}
	return regs
}

// newServer builds the protocol server and seeds the configured scopes
// and clients. The discovery document is checked last so an incomplete
// configuration stops startup.
func newServer(ctx context.Context, cfg *config.Config, material *keys.Material, repos *storage.Factory, logger *slog.Logger, auditor *security.Auditor, inst *instrumentation.Instrumentation) (*server.Server, error) {
	srv, err := server.New(material, repos, serverConfig(cfg), logger,
		server.WithAuditor(auditor),
		server.WithInstrumentation(inst))
	if err != nil {
		return nil, err
	}
	if err := srv.SeedScopes(ctx, cfg.Scopes); err != nil {
		return nil, err
	}
	if err := srv.SeedClients(ctx, registrations(cfg.Clients)); err != nil {
		return nil, err
	}
	if _, err := srv.RespondToDiscoveryRequest(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}
