// Package config loads the authorization server configuration from YAML.
//
// Values are validated with go-playground/validator and every failure is
// reported at once through a ConfigurationError. TTLs are ISO-8601 durations.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageValkey = "valkey"
)

// Replay log drivers. ReplayStorage keeps replay records next to the
// other entities, ReplayRedis moves them to a dedicated Redis.
const (
	ReplayStorage = "storage"
	ReplayRedis   = "redis"
)

// Default values applied by Load
const (
	DefaultListen               = ":8080"
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultAuthCodeRefreshTTL   = 14 * 24 * time.Hour
	DefaultDPoPProofWindow      = 5 * time.Minute
	DefaultPruneInterval        = 10 * time.Minute
)

// DefaultScopes is the scope set used when none is configured.
var DefaultScopes = []string{"openid", "webid", "offline_access"}

// Config is the file-level configuration of the server.
type Config struct {
	Issuer   string `yaml:"issuer" validate:"required,url"`
	Listen   string `yaml:"listen"`
	LoginURL string `yaml:"login_url" validate:"omitempty,url"`

	// SessionHeader names the header an authenticating reverse proxy uses
	// to forward the logged in WebID. Empty sends every user to LoginURL.
	SessionHeader string `yaml:"session_header"`

	Keys      KeysConfig      `yaml:"keys"`
	TTL       TTLConfig       `yaml:"ttl"`
	Storage   StorageConfig   `yaml:"storage"`
	Replay    ReplayConfig    `yaml:"replay"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Scopes  []string       `yaml:"scopes" validate:"dive,required"`
	Clients []ClientConfig `yaml:"clients" validate:"dive"`

	// RevokeFamilyOnRefreshReuse revokes every token descended from the same
	// grant when an already rotated refresh token is presented again.
	// Default: true
	RevokeFamilyOnRefreshReuse *bool `yaml:"revoke_family_on_refresh_reuse"`

	// RequirePKCE forces PKCE on every authorization code request, not only
	// for public clients.
	RequirePKCE bool `yaml:"require_pkce"`

	// DisableRegistration turns off dynamic client registration. Clients
	// are then only those listed under clients.
	DisableRegistration bool `yaml:"disable_registration"`

	// Discovery is merged over the built-in discovery defaults.
	Discovery       map[string]any `yaml:"discovery"`
	DiscoveryStrict bool           `yaml:"discovery_strict"`

	TrustProxy        bool `yaml:"trust_proxy"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count" validate:"gte=0"`
}

// KeysConfig locates the signing key and the at-rest encryption key.
type KeysConfig struct {
	SigningKeyFile string `yaml:"signing_key_file" validate:"required_without=SigningKey"`
	SigningKey     string `yaml:"signing_key"`
	Algorithm      string `yaml:"algorithm" validate:"omitempty,oneof=RS256 RS384 RS512 PS256 ES256 ES384 ES512 EdDSA"`
	EncryptionKey  string `yaml:"encryption_key" validate:"required"`
}

// TTLConfig holds per-grant token lifetimes.
type TTLConfig struct {
	AuthorizationCode Duration `yaml:"authorization_code"`
	AccessToken       Duration `yaml:"access_token"`
	RefreshToken      Duration `yaml:"refresh_token"`

	// AuthCodeRefreshToken is the refresh token lifetime for tokens minted
	// by the authorization_code grant.
	AuthCodeRefreshToken Duration `yaml:"auth_code_refresh_token"`

	// DPoPProofWindow bounds both proof freshness and the replay window.
	DPoPProofWindow Duration `yaml:"dpop_proof_window"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Driver string       `yaml:"driver" validate:"omitempty,oneof=memory sqlite valkey"`
	DSN    string       `yaml:"dsn"`
	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the Valkey backend.
type ValkeyConfig struct {
	Address   string `yaml:"address" validate:"omitempty,hostname_port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ReplayConfig selects where DPoP replay records live.
type ReplayConfig struct {
	Driver        string      `yaml:"driver" validate:"omitempty,oneof=storage redis"`
	Redis         RedisConfig `yaml:"redis"`
	PruneInterval Duration    `yaml:"prune_interval"`
}

// RedisConfig configures the dedicated Redis replay log.
type RedisConfig struct {
	Address  string `yaml:"address" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// ClientConfig is a statically registered client.
type ClientConfig struct {
	ID           string   `yaml:"id" validate:"required"`
	Name         string   `yaml:"name"`
	Secret       string   `yaml:"secret"`
	RedirectURIs []string `yaml:"redirect_uris" validate:"dive,uri"`
	GrantTypes   []string `yaml:"grant_types" validate:"dive,oneof=authorization_code implicit client_credentials refresh_token"`
	Scopes       []string `yaml:"scopes"`
}

// LogConfig configures the slog handler built by the binary.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
	Audit  bool   `yaml:"audit"`
}

// MetricsConfig configures OpenTelemetry metrics.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter" validate:"omitempty,oneof=prometheus none"`
	ServiceName string `yaml:"service_name"`
}

// RateLimitConfig configures the per-IP limiter on protocol endpoints.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int `yaml:"burst" validate:"gte=0"`
}

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes. ${VAR} references are expanded from the
// environment before decoding so secrets can stay out of the file.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("failed to parse configuration: %v", err))
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset value with its default.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.TTL.AuthorizationCode = c.TTL.AuthorizationCode.orDefault(DefaultAuthorizationCodeTTL)
	c.TTL.AccessToken = c.TTL.AccessToken.orDefault(DefaultAccessTokenTTL)
	c.TTL.RefreshToken = c.TTL.RefreshToken.orDefault(DefaultRefreshTokenTTL)
	c.TTL.AuthCodeRefreshToken = c.TTL.AuthCodeRefreshToken.orDefault(DefaultAuthCodeRefreshTTL)
	c.TTL.DPoPProofWindow = c.TTL.DPoPProofWindow.orDefault(DefaultDPoPProofWindow)
	c.Replay.PruneInterval = c.Replay.PruneInterval.orDefault(DefaultPruneInterval)

	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Replay.Driver == "" {
		c.Replay.Driver = ReplayStorage
	}
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.RevokeFamilyOnRefreshReuse == nil {
		enabled := true
		c.RevokeFamilyOnRefreshReuse = &enabled
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Exporter == "" {
		c.Metrics.Exporter = "prometheus"
	}
	if c.TrustedProxyCount == 0 {
		c.TrustedProxyCount = 1
	}
}

// Validate checks struct tags and cross-field rules and returns a single
// ConfigurationError naming every invalid field.
func (c *Config) Validate() error {
	var fields []string

	var verrs validator.ValidationErrors
	if err := newValidator().Struct(c); err != nil {
		if !errors.As(err, &verrs) {
			return NewConfigurationError(err.Error())
		}
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
		}
	}

	if c.Storage.Driver == StorageSQLite && c.Storage.DSN == "" {
		fields = append(fields, "storage.dsn (required for sqlite)")
	}
	if c.Storage.Driver == StorageValkey && c.Storage.Valkey.Address == "" {
		fields = append(fields, "storage.valkey.address (required for valkey)")
	}
	if c.Replay.Driver == ReplayRedis && c.Replay.Redis.Address == "" {
		fields = append(fields, "replay.redis.address (required for redis)")
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, cl := range c.Clients {
		if seen[cl.ID] {
			fields = append(fields, fmt.Sprintf("clients[%d].id (duplicate %q)", i, cl.ID))
		}
		seen[cl.ID] = true
	}

	if len(fields) > 0 {
		return NewConfigurationError("invalid configuration", fields...)
	}
	return nil
}

// RevokeFamily reports whether refresh token reuse revokes the whole family.
func (c *Config) RevokeFamily() bool {
	return c.RevokeFamilyOnRefreshReuse == nil || *c.RevokeFamilyOnRefreshReuse
}

// SigningKeyPEM returns the configured signing key, reading it from disk
// when configured as a file.
func (c *Config) SigningKeyPEM() ([]byte, error) {
	if c.Keys.SigningKey != "" {
		return []byte(c.Keys.SigningKey), nil
	}
	data, err := os.ReadFile(c.Keys.SigningKeyFile)
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("failed to read signing key: %v", err), "keys.signing_key_file")
	}
	return data, nil
}

// newValidator returns a validator that reports yaml field names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
