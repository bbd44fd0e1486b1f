// Package session persists per-session checkpoint history. The store is
// generic over the snapshot type so the contract stays storage-agnostic;
// the runtime instantiates it with its own state type.
//
// Three backends ship with the package: MemStore for tests and
// single-process use, SQLiteStore for embedded single-host deployments, and
// MySQLStore for shared deployments. All three honor the same guarantees:
// writes for one session are serialized and totally ordered by step, TTL is
// refreshed on every write, and a sweep never removes a session that wrote
// within its TTL window.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SchemaVersion is stamped into every persisted record. Readers preserve
// unknown fields from newer writers instead of dropping them.
const SchemaVersion = 1

// ErrNotFound is returned when a session or a requested step does not
// exist.
var ErrNotFound = errors.New("session: not found")

// Store is the checkpoint contract. Implementations must serialize writes
// per session; different sessions progress independently.
type Store[S any] interface {
	// Put appends a snapshot taken at the given step to the session's
	// history ring, creating the record on first write, and refreshes the
	// TTL. Writing the same step twice replaces the earlier snapshot.
	// Durability is at-least-once before return.
	Put(ctx context.Context, sessionID string, step int, nodeID string, state S) error

	// Latest returns the snapshot with the highest step, or ErrNotFound.
	Latest(ctx context.Context, sessionID string) (S, error)

	// At returns the snapshot taken at a specific step, for deterministic
	// resume, or ErrNotFound.
	At(ctx context.Context, sessionID string, step int) (S, error)

	// Pin records the graph version a turn started on, keyed by trace ID.
	Pin(ctx context.Context, sessionID, traceID string, version int) error

	// Close removes the session. Idempotent; closing an absent session is
	// not an error.
	Close(ctx context.Context, sessionID string) error

	// Sweep removes every session whose TTL expired before now and returns
	// how many were removed. Safe to run concurrently with live sessions.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Shutdown releases backend resources. The store is unusable after.
	Shutdown() error
}

// Entry is one checkpoint in a session's history ring.
type Entry[S any] struct {
	Step    int       `json:"step"`
	NodeID  string    `json:"node_id"`
	TakenAt time.Time `json:"taken_at"`
	State   S         `json:"state"`
}

// Record is the persisted session layout. Unknown JSON fields observed on
// read are carried in Extra and written back verbatim, so records written
// by a newer schema survive a round trip through an older reader.
type Record[S any] struct {
	SessionID        string         `json:"session_id"`
	SchemaVersion    int            `json:"schema_version"`
	History          []Entry[S]     `json:"state_history"`
	LatestIndex      int            `json:"latest_index"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActiveAt     time.Time      `json:"last_active_at"`
	TTLExpiresAt     time.Time      `json:"ttl_expires_at"`
	GraphVersionPins map[string]int `json:"graph_version_pins,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// recordFields names every key the Record schema owns. Anything else found
// on read lands in Extra.
var recordFields = map[string]bool{
	"session_id":         true,
	"schema_version":     true,
	"state_history":      true,
	"latest_index":       true,
	"created_at":         true,
	"last_active_at":     true,
	"ttl_expires_at":     true,
	"graph_version_pins": true,
}

type recordAlias[S any] struct {
	SessionID        string         `json:"session_id"`
	SchemaVersion    int            `json:"schema_version"`
	History          []Entry[S]     `json:"state_history"`
	LatestIndex      int            `json:"latest_index"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActiveAt     time.Time      `json:"last_active_at"`
	TTLExpiresAt     time.Time      `json:"ttl_expires_at"`
	GraphVersionPins map[string]int `json:"graph_version_pins,omitempty"`
}

// MarshalJSON writes the known fields plus any preserved unknown fields.
func (r Record[S]) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(recordAlias[S]{
		SessionID:        r.SessionID,
		SchemaVersion:    r.SchemaVersion,
		History:          r.History,
		LatestIndex:      r.LatestIndex,
		CreatedAt:        r.CreatedAt,
		LastActiveAt:     r.LastActiveAt,
		TTLExpiresAt:     r.TTLExpiresAt,
		GraphVersionPins: r.GraphVersionPins,
	})
	if err != nil || len(r.Extra) == 0 {
		return known, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if !recordFields[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the known fields and stashes everything else in
// Extra.
func (r *Record[S]) UnmarshalJSON(data []byte) error {
	var alias recordAlias[S]
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	r.SessionID = alias.SessionID
	r.SchemaVersion = alias.SchemaVersion
	r.History = alias.History
	r.LatestIndex = alias.LatestIndex
	r.CreatedAt = alias.CreatedAt
	r.LastActiveAt = alias.LastActiveAt
	r.TTLExpiresAt = alias.TTLExpiresAt
	r.GraphVersionPins = alias.GraphVersionPins

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Extra = nil
	for k, v := range raw {
		if !recordFields[k] {
			if r.Extra == nil {
				r.Extra = make(map[string]json.RawMessage)
			}
			r.Extra[k] = v
		}
	}
	return nil
}

// latestEntry returns the ring entry with the highest step.
func latestEntry[S any](history []Entry[S]) (Entry[S], bool) {
	var best Entry[S]
	found := false
	for _, e := range history {
		if !found || e.Step > best.Step {
			best = e
			found = true
		}
	}
	return best, found
}
