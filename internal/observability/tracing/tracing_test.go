package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestIDsRoundTripThroughRemoteParent(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	const spanID = "00f067aa0ba902b7"

	ctx := ContextWithRemoteParent(context.Background(), traceID, spanID)
	gotTrace, gotSpan := IDs(ctx)
	if gotTrace != traceID || gotSpan != spanID {
		t.Fatalf("unexpected ids %q %q", gotTrace, gotSpan)
	}
	if !trace.SpanContextFromContext(ctx).IsRemote() {
		t.Fatalf("expected remote span context")
	}
}

func TestContextWithRemoteParentIgnoresMalformedIDs(t *testing.T) {
	ctx := context.Background()
	for _, pair := range [][2]string{{"", ""}, {"zz", "00f067aa0ba902b7"}, {"4bf92f3577b34da6a3ce929d0e0e4736", "nope"}} {
		if got := ContextWithRemoteParent(ctx, pair[0], pair[1]); got != ctx {
			t.Fatalf("expected unchanged context for %v", pair)
		}
	}
	if traceID, spanID := IDs(ctx); traceID != "" || spanID != "" {
		t.Fatalf("expected empty ids without a span")
	}
}

func TestNoopTracerKeepsParent(t *testing.T) {
	parent := ContextWithRemoteParent(context.Background(), "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")
	ctx, span := Tracer(noop.NewTracerProvider()).Start(parent, "work")
	defer span.End()
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)

	traceID, _ := IDs(ctx)
	if traceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected trace id to survive a noop span, got %q", traceID)
	}
}
