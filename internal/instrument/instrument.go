// Package instrument wraps the public pipeline operations with tracing spans
// and Prometheus metrics. The wrapped packages know nothing about either.
package instrument

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/observability/metrics"
	"github.com/aym-n/pixl/internal/observability/tracing"
)

// Instrumenter holds the tracer and recorder shared by the decorators.
type Instrumenter struct {
	tracer   trace.Tracer
	recorder *metrics.Recorder
}

// New returns an Instrumenter. A nil provider uses the global tracer
// provider and a nil recorder uses metrics.Default().
func New(provider trace.TracerProvider, recorder *metrics.Recorder) *Instrumenter {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Instrumenter{tracer: tracing.Tracer(provider), recorder: recorder}
}

// observe runs fn inside a span named after operation and records its
// outcome and latency.
func (i *Instrumenter) observe(ctx context.Context, operation string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := i.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.SetAttributes(attribute.String("error.kind", apperrors.KindOf(err).String()))
	}
	tracing.RecordError(span, err)
	i.recorder.ObserveOperation(operation, err, time.Since(start))
	return err
}
