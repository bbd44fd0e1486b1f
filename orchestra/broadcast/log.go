package broadcast

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// LogFormat selects the LogSink output encoding.
type LogFormat int

const (
	// FormatText writes one key=value line per event.
	FormatText LogFormat = iota
	// FormatJSON writes one JSON object per line (JSONL).
	FormatJSON
)

// LogSink writes broadcast events to an io.Writer for debugging and audit
// trails. Writes are serialized, so a single sink may consume several
// subscriptions.
type LogSink struct {
	mu     sync.Mutex
	w      io.Writer
	format LogFormat
}

// NewLogSink returns a sink writing to w in the given format.
func NewLogSink(w io.Writer, format LogFormat) *LogSink {
	return &LogSink{w: w, format: format}
}

// Write renders a single event.
func (s *LogSink) Write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format == FormatJSON {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("log sink: marshal event: %w", err)
		}
		data = append(data, '\n')
		_, err = s.w.Write(data)
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ts=%s type=%s session=%s seq=%d",
		e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), e.Type, e.SessionID, e.Sequence)
	if e.TraceID != "" {
		fmt.Fprintf(&b, " trace=%s", e.TraceID)
	}
	if e.FromNode != "" || e.ToNode != "" {
		fmt.Fprintf(&b, " from=%s to=%s", e.FromNode, e.ToNode)
	}
	if e.Agent != "" {
		fmt.Fprintf(&b, " agent=%s", e.Agent)
	}
	if e.Action != "" {
		fmt.Fprintf(&b, " action=%s", e.Action)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(s.w, b.String())
	return err
}

// Attach subscribes the sink to the broadcaster and consumes events on a
// background goroutine until the returned stop function is called or the
// subscription closes. Write errors are counted and otherwise ignored; the
// stream must not stall on a broken writer.
func (s *LogSink) Attach(b *Broadcaster, f Filter) (stop func()) {
	sub := b.Subscribe(f)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.Events() {
			_ = s.Write(e)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}
