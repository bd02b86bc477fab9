package security

import "log/slog"

// EventType names an audit event.
type EventType string

// Token lifecycle
const (
	EventTokenIssued        EventType = "token_issued"
	EventTokenRefreshed     EventType = "token_refreshed"
	EventTokenRevoked       EventType = "token_revoked"
	EventTokenFamilyRevoked EventType = "token_family_revoked"
	EventCodeIssued         EventType = "authorization_code_issued"
	EventClientRegistered   EventType = "client_registered"
)

// Rejected or suspicious requests
const (
	EventAuthFailure        EventType = "auth_failure"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventPKCEFailed         EventType = "pkce_validation_failed"
	EventPKCEMissing        EventType = "pkce_required_for_public_client"
	EventInvalidRedirect    EventType = "invalid_redirect"
	EventScopeEscalation    EventType = "scope_escalation_attempt"
	EventProofKeyMismatch   EventType = "dpop_proof_key_mismatch"
	EventProofReplayed      EventType = "dpop_proof_replay_detected"
	EventCodeReused         EventType = "authorization_code_reuse_detected"
	EventRefreshTokenReused EventType = "refresh_token_reuse_detected"
)

// Level is the log level the event is written at. Credential reuse and
// replays point at stolen material and are logged as warnings.
func (t EventType) Level() slog.Level {
	switch t {
	case EventProofReplayed, EventCodeReused, EventRefreshTokenReused, EventTokenFamilyRevoked:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
