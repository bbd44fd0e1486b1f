package broadcast

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTelSinkHandle(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	sink := NewOTelSink(tp)

	sink.Handle(context.Background(), Event{
		EventID:   "ev-1",
		SessionID: "s1",
		TraceID:   "trace-1",
		Sequence:  4,
		Type:      TypeNodeTransition,
		FromNode:  "router",
		ToNode:    "summary",
		Timestamp: time.Unix(1700000000, 0).UTC(),
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "orchestra.event.node_transition" {
		t.Errorf("span name = %q", span.Name())
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["orchestra.session_id"].AsString(); got != "s1" {
		t.Errorf("session attribute = %q", got)
	}
	if got := attrs["orchestra.to_node"].AsString(); got != "summary" {
		t.Errorf("to_node attribute = %q", got)
	}
	if got := attrs["orchestra.sequence"].AsInt64(); got != 4 {
		t.Errorf("sequence attribute = %d", got)
	}
	if _, ok := attrs["orchestra.agent"]; ok {
		t.Error("empty agent field emitted as attribute")
	}
}

func TestOTelSinkAttach(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	sink := NewOTelSink(tp)

	b := NewBroadcaster()
	defer b.Close()
	stop := sink.Attach(b, Filter{SessionID: "s1"})

	for i := 0; i < 3; i++ {
		b.Publish(Event{SessionID: "s1", Type: TypeState})
	}

	// connection + history + 3 live events
	deadline := time.Now().Add(2 * time.Second)
	for len(recorder.Ended()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("recorded %d spans, want 5", len(recorder.Ended()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	if err := sink.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}
