package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Tokens, codes, secrets and proofs are never
// recorded, only the metadata around them.
const (
	AttrClientID     = "oauth.client_id"
	AttrSubject      = "oauth.subject"
	AttrScope        = "oauth.scope"
	AttrGrantType    = "oauth.grant_type"
	AttrResponseType = "oauth.response_type"
	AttrTokenType    = "oauth.token_type" //nolint:gosec // Bearer or DPoP
	AttrDPoPBound    = "oauth.dpop.bound"
	AttrError        = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"
	AttrStorageKind      = "storage.kind"

	AttrClientIP  = "security.client_ip"
	AttrRequestID = "http.request_id"
)

// The helpers below accept a nil span, which is what callers hold when
// tracing is off.

// RecordError marks span failed with err.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil && len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes records who is authorizing what. Empty values are
// skipped.
func AddFlowAttributes(span trace.Span, clientID, subject, scope string) {
	SetSpanAttributes(span, nonEmpty(
		AttrClientID, clientID,
		AttrSubject, subject,
		AttrScope, scope,
	)...)
}

// AddGrantAttributes records the grant and the type of the issued token.
func AddGrantAttributes(span trace.Span, grantType, tokenType string) {
	attrs := nonEmpty(AttrGrantType, grantType, AttrTokenType, tokenType)
	if tokenType != "" {
		attrs = append(attrs, attribute.Bool(AttrDPoPBound, tokenType == "DPoP"))
	}
	SetSpanAttributes(span, attrs...)
}

func AddStorageAttributes(span trace.Span, operation, storageType, kind string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
		attribute.String(AttrStorageKind, kind),
	)
}

// nonEmpty turns key, value pairs into string attributes, dropping pairs
// whose value is empty.
func nonEmpty(kv ...string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
		}
	}
	return attrs
}
