package storage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/pod-oauth/instrumentation"
)

// Observer records a span and the operation metrics for each repository
// call. The zero value and a nil *Observer record nothing.
type Observer struct {
	backend         string
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewObserver returns an observer for backend. inst may be nil.
func NewObserver(backend string, inst *instrumentation.Instrumentation) *Observer {
	o := &Observer{backend: backend, instrumentation: inst}
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
	return o
}

// Instrumentation returns the instrumentation the observer reports to.
func (o *Observer) Instrumentation() *instrumentation.Instrumentation {
	if o == nil {
		return nil
	}
	return o.instrumentation
}

// Start opens a span for operation on kind. The returned function ends it
// and is deferred with the named error result:
//
//	ctx, done := obs.Start(ctx, "find", storage.KindClient)
//	defer func() { done(err) }()
func (o *Observer) Start(ctx context.Context, operation string, kind Kind) (context.Context, func(error)) {
	if o == nil || o.tracer == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, o.backend, kind.String())

	return ctx, func(err error) {
		defer span.End()

		result := "success"
		if err != nil {
			result = "error"
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}

		durationMs := float64(time.Since(start).Microseconds()) / 1000
		o.instrumentation.Metrics().RecordStorageOperation(ctx, o.backend, kind.String(), operation, result, durationMs)
	}
}
