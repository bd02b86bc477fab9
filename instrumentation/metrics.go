package instrumentation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument the authorization server records to.
type Metrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	AuthorizationRequests metric.Int64Counter
	TokensIssued          metric.Int64Counter
	TokenRequestFailures  metric.Int64Counter
	FamiliesRevoked       metric.Int64Counter

	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	ProofReplayDetected  metric.Int64Counter
	ProofRejected        metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageEntities          metric.Int64ObservableGauge
	ReplayRecordsPruned      metric.Int64Counter
}

// instruments creates instruments on one meter and keeps the first error,
// so a block of definitions needs a single check.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.fail(name, err)
	return c
}

func (b *instruments) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	b.fail(name, err)
	return h
}

func (b *instruments) gauge(name, desc, unit string) metric.Int64ObservableGauge {
	g, err := b.meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.fail(name, err)
	return g
}

func (b *instruments) fail(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("creating %s: %w", name, err)
	}
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	web := &instruments{meter: inst.Meter("http")}
	m.HTTPRequestsTotal = web.counter("http.requests.total", "HTTP requests by endpoint and status", "{request}")
	m.HTTPRequestDuration = web.histogram("http.request.duration", "HTTP request duration")

	srv := &instruments{meter: inst.Meter("server")}
	m.AuthorizationRequests = srv.counter("oauth.authorization.requests", "Authorization requests by response type and outcome", "{request}")
	m.TokensIssued = srv.counter("oauth.tokens.issued", "Access tokens issued by grant and token type", "{token}")
	m.TokenRequestFailures = srv.counter("oauth.token.failures", "Failed token requests by grant type and error code", "{request}")
	m.FamiliesRevoked = srv.counter("oauth.token.families_revoked", "Token families revoked after credential reuse", "{family}")

	sec := &instruments{meter: inst.Meter("security")}
	m.RateLimitExceeded = sec.counter("oauth.rate_limit.exceeded", "Requests rejected by the rate limiter", "{request}")
	m.PKCEValidationFailed = sec.counter("oauth.pkce.validation_failed", "PKCE verifier mismatches", "{failure}")
	m.CodeReuseDetected = sec.counter("oauth.code.reuse_detected", "Authorization codes presented more than once", "{attempt}")
	m.TokenReuseDetected = sec.counter("oauth.token.reuse_detected", "Rotated refresh tokens presented again", "{attempt}")
	m.ProofReplayDetected = sec.counter("oauth.dpop.replay_detected", "DPoP proofs rejected as replays", "{proof}")
	m.ProofRejected = sec.counter("oauth.dpop.rejected", "DPoP proofs rejected as invalid", "{proof}")
	m.AuditEventsTotal = sec.counter("oauth.audit.events.total", "Audit events by type", "{event}")

	st := &instruments{meter: inst.Meter("storage")}
	m.StorageOperationTotal = st.counter("storage.operation.total", "Repository calls by backend, kind and result", "{operation}")
	m.StorageOperationDuration = st.histogram("storage.operation.duration", "Repository call duration")
	m.StorageEntities = st.gauge("storage.entities", "Stored entities by kind", "{entity}")
	m.ReplayRecordsPruned = st.counter("storage.replay.pruned", "Replay records deleted by pruning", "{record}")

	if err := errors.Join(web.err, srv.err, sec.err, st.err); err != nil {
		return nil, err
	}
	return m, nil
}

func kindAttribute(kind string) attribute.KeyValue {
	return attribute.String("kind", kind)
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, status int, durationMs float64) {
	ep := attribute.String("endpoint", endpoint)
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(ep,
		attribute.String("method", method),
		attribute.Int("status", status),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(ep))
}

// RecordAuthorizationRequest counts an authorization request. outcome is an
// error code, "redirect" or "consent_required".
func (m *Metrics) RecordAuthorizationRequest(ctx context.Context, responseType, outcome string) {
	m.AuthorizationRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("response_type", responseType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, tokenType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("token_type", tokenType),
	))
}

func (m *Metrics) RecordTokenFailure(ctx context.Context, grantType, errorCode string) {
	m.TokenRequestFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", errorCode),
	))
}

func (m *Metrics) RecordFamilyRevoked(ctx context.Context, reason string) {
	m.FamiliesRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRateLimitExceeded counts a rejected request. scope says what was
// limited, e.g. "ip".
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, scope string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

func (m *Metrics) RecordProofReplayDetected(ctx context.Context) {
	m.ProofReplayDetected.Add(ctx, 1)
}

func (m *Metrics) RecordProofRejected(ctx context.Context, reason string) {
	m.ProofRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventType)))
}

// RecordStorageOperation counts one repository call and its duration.
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, kind, operation, result string, durationMs float64) {
	op := attribute.String("operation", operation)
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(op,
		attribute.String("backend", backend),
		kindAttribute(kind),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(op, attribute.String("backend", backend)))
}

func (m *Metrics) RecordReplayPruned(ctx context.Context, n int) {
	m.ReplayRecordsPruned.Add(ctx, int64(n))
}
