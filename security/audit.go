package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/google/uuid"

	"github.com/giantswarm/pod-oauth/instrumentation"
)

// Event is one audit record. Subject is hashed before it is written.
type Event struct {
	Type     EventType
	Subject  string
	ClientID string
	ClientIP string
	Details  map[string]any
}

// Auditor writes security events to their own structured log. A nil
// *Auditor discards every event.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	inst    *instrumentation.Instrumentation
}

// NewAuditor returns an auditor writing to logger, or slog.Default when
// logger is nil.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// SetInstrumentation counts recorded events per type.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.inst = inst
}

// Record writes e. The request id of ctx, when present, is attached.
func (a *Auditor) Record(ctx context.Context, e Event) {
	if a == nil || !a.enabled {
		return
	}

	attrs := []slog.Attr{
		slog.String("event_id", uuid.NewString()),
		slog.String("event", string(e.Type)),
	}
	if e.Subject != "" {
		attrs = append(attrs, slog.String("subject_hash", subjectDigest(e.Subject)))
	}
	if e.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", e.ClientID))
	}
	if e.ClientIP != "" {
		attrs = append(attrs, slog.String("client_ip", e.ClientIP))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	a.logger.LogAttrs(ctx, e.Type.Level(), "security_audit", attrs...)

	if a.inst != nil {
		a.inst.Metrics().RecordAuditEvent(ctx, string(e.Type))
	}
}

// TokenIssued records tokens minted at the token endpoint for a grant.
func (a *Auditor) TokenIssued(ctx context.Context, subject, clientID, clientIP, grantType, scope string) {
	a.Record(ctx, Event{
		Type:     EventTokenIssued,
		Subject:  subject,
		ClientID: clientID,
		ClientIP: clientIP,
		Details:  map[string]any{"grant_type": grantType, "scope": scope},
	})
}

// TokenRefreshed records a refresh token rotation.
func (a *Auditor) TokenRefreshed(ctx context.Context, subject, clientID string) {
	a.Record(ctx, Event{Type: EventTokenRefreshed, Subject: subject, ClientID: clientID})
}

// TokenRevoked records the revocation of a single token. tokenKind names
// the token type, reason what triggered it.
func (a *Auditor) TokenRevoked(ctx context.Context, subject, clientID, tokenKind, reason string) {
	a.Record(ctx, Event{
		Type:     EventTokenRevoked,
		Subject:  subject,
		ClientID: clientID,
		Details:  map[string]any{"token": tokenKind, "reason": reason},
	})
}

// FamilyRevoked records that the tokens descending from one grant were
// revoked together.
func (a *Auditor) FamilyRevoked(ctx context.Context, subject, clientID, reason string, revoked int) {
	a.Record(ctx, Event{
		Type:     EventTokenFamilyRevoked,
		Subject:  subject,
		ClientID: clientID,
		Details:  map[string]any{"reason": reason, "revoked": revoked},
	})
}

// AuthFailure records a failed client authentication. clientID is empty
// when the request named no client.
func (a *Auditor) AuthFailure(ctx context.Context, clientID, clientIP, reason string) {
	a.Record(ctx, Event{
		Type:     EventAuthFailure,
		ClientID: clientID,
		ClientIP: clientIP,
		Details:  map[string]any{"reason": reason},
	})
}

// RateLimited records a request rejected by the per-IP rate limit.
func (a *Auditor) RateLimited(ctx context.Context, clientIP, endpoint string) {
	a.Record(ctx, Event{
		Type:     EventRateLimitExceeded,
		ClientIP: clientIP,
		Details:  map[string]any{"endpoint": endpoint},
	})
}

// ProofReplayed records a DPoP proof whose jti was already seen.
func (a *Auditor) ProofReplayed(ctx context.Context, clientID, clientIP string) {
	a.Record(ctx, Event{Type: EventProofReplayed, ClientID: clientID, ClientIP: clientIP})
}

// ClientRegistered records a new client, seeded or dynamically
// registered. clientType is confidential or public.
func (a *Auditor) ClientRegistered(ctx context.Context, clientID, clientType string) {
	a.Record(ctx, Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details:  map[string]any{"client_type": clientType},
	})
}

// subjectDigest returns the first 16 hex digits of the SHA-256 of s. WebIDs
// identify people and stay out of the log.
func subjectDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
