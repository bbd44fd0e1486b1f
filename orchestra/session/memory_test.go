package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type snapshot struct {
	Node  string `json:"node"`
	Value int    `json:"value"`
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestMemStorePutAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore[snapshot](32, 30*time.Minute)

	for step := 1; step <= 3; step++ {
		err := s.Put(ctx, "sess-1", step, "node", snapshot{Node: "node", Value: step})
		if err != nil {
			t.Fatalf("Put step %d: %v", step, err)
		}
	}

	t.Run("latest", func(t *testing.T) {
		got, err := s.Latest(ctx, "sess-1")
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if got.Value != 3 {
			t.Errorf("Latest value = %d, want 3", got.Value)
		}
	})

	t.Run("at step", func(t *testing.T) {
		got, err := s.At(ctx, "sess-1", 2)
		if err != nil {
			t.Fatalf("At: %v", err)
		}
		if got.Value != 2 {
			t.Errorf("At(2) value = %d, want 2", got.Value)
		}
		if _, err := s.At(ctx, "sess-1", 99); !errors.Is(err, ErrNotFound) {
			t.Errorf("At(99) = %v, want ErrNotFound", err)
		}
	})

	t.Run("missing session", func(t *testing.T) {
		if _, err := s.Latest(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Latest(ghost) = %v, want ErrNotFound", err)
		}
	})

	t.Run("same step replaces", func(t *testing.T) {
		if err := s.Put(ctx, "sess-1", 3, "node", snapshot{Value: 33}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, _ := s.Latest(ctx, "sess-1")
		if got.Value != 33 {
			t.Errorf("Latest value = %d, want 33", got.Value)
		}
		got, _ = s.At(ctx, "sess-1", 3)
		if got.Value != 33 {
			t.Errorf("At(3) value = %d, want 33", got.Value)
		}
	})
}

func TestMemStoreRingDepth(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore[snapshot](32, 30*time.Minute)

	for step := 1; step <= 40; step++ {
		if err := s.Put(ctx, "sess-1", step, "node", snapshot{Value: step}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	// The oldest 8 snapshots fell off the ring.
	if _, err := s.At(ctx, "sess-1", 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("At(8) = %v, want ErrNotFound", err)
	}
	if got, err := s.At(ctx, "sess-1", 9); err != nil || got.Value != 9 {
		t.Errorf("At(9) = %v, %v, want value 9", got, err)
	}
	if got, _ := s.Latest(ctx, "sess-1"); got.Value != 40 {
		t.Errorf("Latest value = %d, want 40", got.Value)
	}
}

func TestMemStoreSweep(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(10_000, 0)
	ttl := 30 * time.Minute

	s := NewMemStore[snapshot](32, ttl)
	s.SetClock(fixedClock(base))
	if err := s.Put(ctx, "sess-old", 1, "node", snapshot{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s.SetClock(fixedClock(base.Add(10 * time.Minute)))
	if err := s.Put(ctx, "sess-new", 1, "node", snapshot{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	t.Run("nothing expired at the boundary", func(t *testing.T) {
		// sess-old expires at base+30m; Sweep removes strictly-before only.
		removed, err := s.Sweep(ctx, base.Add(ttl))
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if removed != 0 {
			t.Errorf("removed %d at exact expiry, want 0", removed)
		}
	})

	t.Run("expired session removed", func(t *testing.T) {
		removed, err := s.Sweep(ctx, base.Add(ttl+time.Second))
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if removed != 1 {
			t.Errorf("removed %d, want 1", removed)
		}
		if _, err := s.Latest(ctx, "sess-old"); !errors.Is(err, ErrNotFound) {
			t.Error("expired session still readable")
		}
		if _, err := s.Latest(ctx, "sess-new"); err != nil {
			t.Errorf("live session swept: %v", err)
		}
	})

	t.Run("write refreshes TTL", func(t *testing.T) {
		s.SetClock(fixedClock(base.Add(35 * time.Minute)))
		if err := s.Put(ctx, "sess-new", 2, "node", snapshot{}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		removed, _ := s.Sweep(ctx, base.Add(41*time.Minute))
		if removed != 0 {
			t.Errorf("refreshed session swept (%d removed)", removed)
		}
	})
}

func TestMemStorePin(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore[snapshot](32, time.Hour)

	if err := s.Pin(ctx, "ghost", "trace-1", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Pin(ghost) = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, "sess-1", 1, "node", snapshot{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Pin(ctx, "sess-1", "trace-1", 3); err != nil {
		t.Fatalf("Pin: %v", err)
	}
}

func TestMemStoreCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore[snapshot](32, time.Hour)

	if err := s.Put(ctx, "sess-1", 1, "node", snapshot{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(ctx, "sess-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(ctx, "sess-1"); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestMemStoreSerializeRestore(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore[snapshot](32, time.Hour)
	for step := 1; step <= 3; step++ {
		if err := s.Put(ctx, "sess-1", step, "node", snapshot{Value: step}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Pin(ctx, "sess-1", "trace-1", 2); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	restored := NewMemStore[snapshot](32, time.Hour)
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	got, err := restored.Latest(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Latest after restore: %v", err)
	}
	if got.Value != 3 {
		t.Errorf("restored latest = %d, want 3", got.Value)
	}
}

func TestRecordPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"session_id": "sess-1",
		"schema_version": 9,
		"state_history": [],
		"latest_index": 0,
		"created_at": "2026-01-01T00:00:00Z",
		"last_active_at": "2026-01-01T00:00:00Z",
		"ttl_expires_at": "2026-01-01T00:30:00Z",
		"future_field": {"nested": true}
	}`)

	var rec Record[snapshot]
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec.SchemaVersion != 9 {
		t.Errorf("SchemaVersion = %d, want 9", rec.SchemaVersion)
	}
	if _, ok := rec.Extra["future_field"]; !ok {
		t.Fatal("unknown field dropped on read")
	}

	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if _, ok := round["future_field"]; !ok {
		t.Error("unknown field dropped on write")
	}
}
