// Package telemetry wraps OpenTelemetry span creation for a single
// provider attempt, matching the call-site shape used throughout the
// teacher's provider package (StartProviderSpan / RecordLatency /
// RecordError), over go.opentelemetry.io/otel/trace.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nghyane/llm-relay"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartProviderSpan opens a span for one upstream attempt, tagged with
// the provider and target model.
func StartProviderSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "upstream.dispatch",
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
		),
	)
}

// StartQueueSpan opens a span covering time spent waiting in the
// request queue (spec §4.4).
func StartQueueSpan(ctx context.Context, requestID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "queue.wait", trace.WithAttributes(attribute.String("request_id", requestID)))
}

// RecordLatency records the elapsed time since start as a span
// attribute, called from the attempt's defer alongside span.End().
func RecordLatency(span trace.Span, start time.Time) {
	span.SetAttributes(attribute.Int64("latency_ms", time.Since(start).Milliseconds()))
}

// RecordError marks the span as failed with err's message, matching
// every call site's `telemetry.RecordError(span, err)` shape.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
