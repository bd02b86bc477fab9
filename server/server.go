package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/pod-oauth/dpop"
	"github.com/giantswarm/pod-oauth/grant"
	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/keys"
	"github.com/giantswarm/pod-oauth/replay"
	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/storage"
)

// Server implements the authorization server protocol logic. It validates
// requests, delegates to the grant strategies and signs what they mint.
// It is safe for concurrent use.
type Server struct {
	config          *Config
	keys            *keys.Material
	repos           *storage.Factory
	engine          *grant.Engine
	replay          *replay.Detector
	proofs          *dpop.Verifier
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures a Server
type Option func(*Server)

// WithAuditor sets the security auditor. Without one, audit events are
// dropped.
func WithAuditor(a *security.Auditor) Option {
	return func(s *Server) {
		s.auditor = a
	}
}

// WithInstrumentation enables spans and metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Server) {
		s.instrumentation = inst
	}
}

// WithClock replaces time.Now. Signed tokens still carry times from this
// clock, but their verification uses wall time.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new authorization server over the given key material and
// repositories.
func New(material *keys.Material, repos *storage.Factory, config *Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if material == nil {
		return nil, fmt.Errorf("key material is required")
	}
	if repos == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		keys:   material,
		repos:  repos,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.instrumentation == nil {
		s.instrumentation = instrumentation.NewDisabled()
	}
	s.tracer = s.instrumentation.Tracer("server")

	s.config = applySecureDefaults(config, logger)

	if s.config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if err := s.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	engine, err := grant.NewEngine(grant.Config{
		Repositories:               repos,
		Sealer:                     material,
		AuthorizationCodeTTL:       s.config.AuthorizationCodeTTL,
		AccessTokenTTL:             s.config.AccessTokenTTL,
		RefreshTokenTTL:            s.config.RefreshTokenTTL,
		AuthCodeRefreshTokenTTL:    s.config.AuthCodeRefreshTokenTTL,
		RevokeFamilyOnRefreshReuse: !s.config.KeepFamilyOnRefreshReuse,
		RequirePKCE:                s.config.RequirePKCE,
		AllowPKCEPlain:             s.config.AllowPKCEPlain,
		Logger:                     logger,
		Auditor:                    s.auditor,
		Instrumentation:            s.instrumentation,
		Now:                        s.now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build grant engine: %w", err)
	}
	s.engine = engine

	s.replay, err = replay.NewDetector(repos.ReplayRecords(),
		replay.WithLogger(logger),
		replay.WithClock(s.now),
		replay.WithInstrumentation(s.instrumentation))
	if err != nil {
		return nil, fmt.Errorf("failed to build replay detector: %w", err)
	}

	s.proofs, err = dpop.NewVerifier(dpop.VerifierConfig{
		Replay:          s.replay,
		Window:          s.config.DPoPProofWindow,
		Logger:          logger,
		Instrumentation: s.instrumentation,
		Now:             s.now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build DPoP verifier: %w", err)
	}

	return s, nil
}

// Config returns the effective configuration with defaults applied.
func (s *Server) Config() Config {
	return *s.config
}

// Repositories returns the repository factory the server was built with.
func (s *Server) Repositories() *storage.Factory {
	return s.repos
}

// PruneReplayLog deletes replay records older than the DPoP proof window.
func (s *Server) PruneReplayLog(ctx context.Context) (int, error) {
	return s.replay.Prune(ctx, s.config.DPoPProofWindow)
}
