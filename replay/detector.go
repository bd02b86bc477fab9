// Package replay rejects reuse of proof identifiers (jti) within a window.
//
// The detector records the first use of a jti in a storage.ReplayRepository
// and reports every later use inside the window as a replay. Check and
// record are a single atomic repository call, so of two concurrent requests
// carrying the same jti at most one is accepted.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/storage"
)

// ReplayDetectedError is returned by Check when a jti was already used.
// Its message is identical for genuine replays and for lost races.
type ReplayDetectedError struct {
	// JTI is kept for logging and never sent to clients.
	JTI string
}

// Error implements the error interface
func (e *ReplayDetectedError) Error() string {
	return "proof has already been used"
}

// IsReplay reports whether err is a *ReplayDetectedError.
func IsReplay(err error) bool {
	var re *ReplayDetectedError
	return errors.As(err, &re)
}

// Detector records jti first use.
type Detector struct {
	repo            storage.ReplayRepository
	logger          *slog.Logger
	now             func() time.Time
	instrumentation *instrumentation.Instrumentation
}

// Option configures a Detector
type Option func(*Detector)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// WithInstrumentation reports detected replays as metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(d *Detector) {
		d.instrumentation = inst
	}
}

// NewDetector creates a detector over repo.
func NewDetector(repo storage.ReplayRepository, opts ...Option) (*Detector, error) {
	if repo == nil {
		return nil, fmt.Errorf("replay repository is required")
	}

	d := &Detector{
		repo:   repo,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Detect reports whether jti was already used within window before now.
// A jti seen for the first time is recorded and reported as no replay.
// Storage failures are returned as errors; callers must treat them as a
// rejection.
func (d *Detector) Detect(ctx context.Context, jti, resourceURI string, window time.Duration) (bool, error) {
	if jti == "" {
		return false, fmt.Errorf("jti is required")
	}
	if window <= 0 {
		return false, fmt.Errorf("replay window must be positive, got %s", window)
	}

	inserted, err := d.repo.InsertIfAbsent(ctx, &storage.ReplayRecord{
		JTI:         jti,
		ResourceURI: resourceURI,
		SeenAt:      d.now(),
	}, window)
	if err != nil {
		return false, fmt.Errorf("failed to record jti: %w", err)
	}

	if !inserted {
		d.logger.Warn("Replayed proof detected",
			"resource_uri", resourceURI,
			"window", window)
		if d.instrumentation != nil {
			d.instrumentation.Metrics().RecordProofReplayDetected(ctx)
		}
		return true, nil
	}
	return false, nil
}

// Check is Detect returning a *ReplayDetectedError for a replay.
func (d *Detector) Check(ctx context.Context, jti, resourceURI string, window time.Duration) error {
	replayed, err := d.Detect(ctx, jti, resourceURI, window)
	if err != nil {
		return err
	}
	if replayed {
		return &ReplayDetectedError{JTI: jti}
	}
	return nil
}

// Prune deletes records seen more than window before now and returns how
// many were removed.
func (d *Detector) Prune(ctx context.Context, window time.Duration) (int, error) {
	n, err := d.repo.Prune(ctx, d.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to prune replay records: %w", err)
	}
	if n > 0 && d.instrumentation != nil {
		d.instrumentation.Metrics().RecordReplayPruned(ctx, n)
	}
	return n, nil
}
