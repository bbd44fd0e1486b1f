package broadcast

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OTelSink converts broadcast events into OpenTelemetry spans. Each event
// becomes a short span named after its type, carrying the event fields as
// orchestra.* attributes, so existing tracing backends can render a turn's
// node transitions and agent activity without bespoke tooling.
type OTelSink struct {
	tracer trace.Tracer
	tp     trace.TracerProvider
}

// NewOTelSink returns a sink emitting through the given provider.
func NewOTelSink(tp trace.TracerProvider) *OTelSink {
	return &OTelSink{
		tracer: tp.Tracer("orchestra/broadcast"),
		tp:     tp,
	}
}

// Handle records one event as a span.
func (s *OTelSink) Handle(ctx context.Context, e Event) {
	attrs := []attribute.KeyValue{
		attribute.String("orchestra.event_id", e.EventID),
		attribute.String("orchestra.session_id", e.SessionID),
		attribute.String("orchestra.event_type", string(e.Type)),
		attribute.Int64("orchestra.sequence", int64(e.Sequence)),
	}
	if e.TraceID != "" {
		attrs = append(attrs, attribute.String("orchestra.trace_id", e.TraceID))
	}
	if e.FromNode != "" {
		attrs = append(attrs, attribute.String("orchestra.from_node", e.FromNode))
	}
	if e.ToNode != "" {
		attrs = append(attrs, attribute.String("orchestra.to_node", e.ToNode))
	}
	if e.Agent != "" {
		attrs = append(attrs, attribute.String("orchestra.agent", e.Agent))
	}
	if e.Action != "" {
		attrs = append(attrs, attribute.String("orchestra.action", string(e.Action)))
	}

	_, span := s.tracer.Start(ctx, "orchestra.event."+string(e.Type),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(e.Timestamp),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(e.Timestamp))
}

// Attach subscribes the sink to the broadcaster and converts events on a
// background goroutine until stopped.
func (s *OTelSink) Attach(b *Broadcaster, f Filter) (stop func()) {
	sub := b.Subscribe(f)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.Events() {
			s.Handle(context.Background(), e)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

// forceFlusher matches SDK tracer providers that support explicit flushing.
type forceFlusher interface {
	ForceFlush(context.Context) error
}

// Flush forces buffered spans out when the provider supports it.
func (s *OTelSink) Flush(ctx context.Context) error {
	if f, ok := s.tp.(forceFlusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
