package telemetry

import (
	"context"
	"encoding/json"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"

	"go.opentelemetry.io/otel/propagation"
)

// Propagator carries W3C trace context through the vote envelope. The carrier
// is the JSON encoding of the traceparent/tracestate header map.
type Propagator struct {
	propagator propagation.TextMapPropagator
}

func NewPropagator() Propagator {
	return Propagator{
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

func (p Propagator) Inject(ctx context.Context) []byte {
	carrier := propagation.MapCarrier{}
	p.textMap().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	payload, err := json.Marshal(carrier)
	if err != nil {
		return nil
	}
	return payload
}

func (p Propagator) Extract(ctx context.Context, payload []byte) context.Context {
	if len(payload) == 0 {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if err := json.Unmarshal(payload, &carrier); err != nil {
		return ctx
	}
	return p.textMap().Extract(ctx, carrier)
}

func (p Propagator) textMap() propagation.TextMapPropagator {
	if p.propagator == nil {
		return propagation.TraceContext{}
	}
	return p.propagator
}

var _ ports.TracePropagator = Propagator{}
