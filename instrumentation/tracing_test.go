package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder, tp
}

func attributeMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestRecordError(t *testing.T) {
	recorder, tp := newRecorder(t)

	_, span := tp.Tracer("test").Start(context.Background(), "failing")
	RecordError(span, errors.New("storage unavailable"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got := spans[0].Status(); got.Code != codes.Error || got.Description != "storage unavailable" {
		t.Errorf("status = %+v, want error with description", got)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("RecordError() must add an exception event")
	}
}

func TestSpanHelpers_NilSpan(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddFlowAttributes(nil, "app", "https://alice.pod.example/profile/card#me", "openid")
	AddGrantAttributes(nil, "refresh_token", "Bearer")
	AddStorageAttributes(nil, "find", "memory", "client")
}

func TestSpanAttributeHelpers(t *testing.T) {
	recorder, tp := newRecorder(t)

	_, span := tp.Tracer("test").Start(context.Background(), "token")
	AddFlowAttributes(span, "app", "", "openid webid")
	AddGrantAttributes(span, "authorization_code", "DPoP")
	AddStorageAttributes(span, "consume", "memory", "authorization_code")
	SetSpanSuccess(span)
	span.End()

	got := attributeMap(recorder.Ended()[0].Attributes())

	want := map[string]attribute.Value{
		AttrClientID:         attribute.StringValue("app"),
		AttrScope:            attribute.StringValue("openid webid"),
		AttrGrantType:        attribute.StringValue("authorization_code"),
		AttrTokenType:        attribute.StringValue("DPoP"),
		AttrDPoPBound:        attribute.BoolValue(true),
		AttrStorageOperation: attribute.StringValue("consume"),
		AttrStorageKind:      attribute.StringValue("authorization_code"),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("attribute %q = %v, want %v", k, got[k].Emit(), v.Emit())
		}
	}
	if _, ok := got[AttrSubject]; ok {
		t.Error("empty subject must not be recorded")
	}
}

func TestNonEmpty(t *testing.T) {
	got := nonEmpty("a", "1", "b", "", "c", "3", "dangling")
	if len(got) != 2 || got[0].Key != "a" || got[1].Key != "c" {
		t.Errorf("nonEmpty() = %v, want a and c", got)
	}
}
