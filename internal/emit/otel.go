package emit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating an OpenTelemetry span per
// event. Each span is started and immediately ended since pipeline events
// represent points in time rather than durations.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using the given tracer, e.g.
// otel.Tracer("ripple-pipeline").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", event.Collection),
		attribute.String("stage", event.Stage),
		attribute.String("entity_id", event.EntityID),
	)
	for k, v := range event.Meta {
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String(k, val))
		case bool:
			span.SetAttributes(attribute.Bool(k, val))
		case int:
			span.SetAttributes(attribute.Int(k, val))
		case int64:
			span.SetAttributes(attribute.Int64(k, val))
		case float64:
			span.SetAttributes(attribute.Float64(k, val))
		default:
			span.SetAttributes(attribute.String(k, "unsupported_meta_type"))
		}
	}
	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, "")
		if errStr, ok := errVal.(string); ok {
			span.SetAttributes(attribute.String("error.message", errStr))
		}
	}
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		o.Emit(event)
	}
	return nil
}

// Flush is a no-op: spans are ended synchronously as they are created; the
// configured span processor/exporter owns batching and export.
func (o *OTelEmitter) Flush(_ context.Context) error {
	return nil
}
