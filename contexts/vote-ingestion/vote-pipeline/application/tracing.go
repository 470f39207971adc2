package application

import (
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const TracerName = "ballotbox/vote-pipeline"

// ResolveTracer falls back to a no-op tracer. Providers are always passed in.
func ResolveTracer(tracer trace.Tracer) trace.Tracer {
	if tracer == nil {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	return tracer
}
