package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemStore is the in-memory Store backend. It keeps full Record values and
// supports JSON (de)serialization of the whole store so tests can model a
// crash and restore.
type MemStore[S any] struct {
	mu      sync.RWMutex
	records map[string]*Record[S]
	depth   int
	ttl     time.Duration
	now     func() time.Time
}

// NewMemStore returns an empty store retaining up to depth snapshots per
// session and sweeping sessions idle longer than ttl.
func NewMemStore[S any](depth int, ttl time.Duration) *MemStore[S] {
	if depth < 1 {
		depth = 1
	}
	return &MemStore[S]{
		records: make(map[string]*Record[S]),
		depth:   depth,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetRetention replaces the per-session snapshot depth and idle TTL.
// Existing histories are trimmed lazily on their next Put.
func (m *MemStore[S]) SetRetention(depth int, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if depth >= 1 {
		m.depth = depth
	}
	if ttl > 0 {
		m.ttl = ttl
	}
}

// SetClock overrides the time source, for deterministic TTL tests.
func (m *MemStore[S]) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

// Put implements Store.
func (m *MemStore[S]) Put(_ context.Context, sessionID string, step int, nodeID string, state S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, ok := m.records[sessionID]
	if !ok {
		rec = &Record[S]{
			SessionID:     sessionID,
			SchemaVersion: SchemaVersion,
			CreatedAt:     now,
		}
		m.records[sessionID] = rec
	}

	entry := Entry[S]{Step: step, NodeID: nodeID, TakenAt: now, State: state}
	replaced := false
	for i := range rec.History {
		if rec.History[i].Step == step {
			rec.History[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		rec.History = append(rec.History, entry)
		if len(rec.History) > m.depth {
			rec.History = rec.History[len(rec.History)-m.depth:]
		}
	}

	latest := 0
	for i, e := range rec.History {
		if e.Step >= rec.History[latest].Step {
			latest = i
		}
	}
	rec.LatestIndex = latest
	rec.LastActiveAt = now
	rec.TTLExpiresAt = now.Add(m.ttl)
	return nil
}

// Latest implements Store.
func (m *MemStore[S]) Latest(_ context.Context, sessionID string) (S, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var zero S
	rec, ok := m.records[sessionID]
	if !ok {
		return zero, ErrNotFound
	}
	entry, ok := latestEntry(rec.History)
	if !ok {
		return zero, ErrNotFound
	}
	return entry.State, nil
}

// At implements Store.
func (m *MemStore[S]) At(_ context.Context, sessionID string, step int) (S, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var zero S
	rec, ok := m.records[sessionID]
	if !ok {
		return zero, ErrNotFound
	}
	for _, e := range rec.History {
		if e.Step == step {
			return e.State, nil
		}
	}
	return zero, ErrNotFound
}

// Pin implements Store.
func (m *MemStore[S]) Pin(_ context.Context, sessionID, traceID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	if rec.GraphVersionPins == nil {
		rec.GraphVersionPins = make(map[string]int)
	}
	rec.GraphVersionPins[traceID] = version
	return nil
}

// Close implements Store. Closing an absent session is a no-op.
func (m *MemStore[S]) Close(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

// Sweep implements Store.
func (m *MemStore[S]) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, rec := range m.records {
		if rec.TTLExpiresAt.Before(now) {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}

// Shutdown implements Store.
func (m *MemStore[S]) Shutdown() error {
	return nil
}

// Len returns the number of live sessions.
func (m *MemStore[S]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// MarshalJSON serializes every record, keyed by session ID.
func (m *MemStore[S]) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.records)
}

// UnmarshalJSON replaces the store contents with the serialized records,
// modeling a restore after restart.
func (m *MemStore[S]) UnmarshalJSON(data []byte) error {
	var records map[string]*Record[S]
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if records == nil {
		records = make(map[string]*Record[S])
	}
	m.records = records
	if m.now == nil {
		m.now = time.Now
	}
	return nil
}
