package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore is the embedded single-host Store backend. The database runs
// in WAL mode so checkpoint reads do not block the writer.
type SQLiteStore[S any] struct {
	db    *sql.DB
	depth int
	ttl   time.Duration
	now   func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and
// prepares the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore[S any](path string, depth int, ttl time.Duration) (*SQLiteStore[S], error) {
	if depth < 1 {
		depth = 1
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// A single connection sidesteps table-lock contention between the
	// pool's connections; WAL still allows concurrent readers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	s := &SQLiteStore[S]{db: db, depth: depth, ttl: ttl, now: time.Now}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetRetention replaces the per-session snapshot depth and idle TTL.
// Call before serving traffic; Put reads the values unguarded.
func (s *SQLiteStore[S]) SetRetention(depth int, ttl time.Duration) {
	if depth >= 1 {
		s.depth = depth
	}
	if ttl > 0 {
		s.ttl = ttl
	}
}

// SetClock overrides the time source.
func (s *SQLiteStore[S]) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *SQLiteStore[S]) createTables() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
	session_id     TEXT PRIMARY KEY,
	schema_version INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL,
	ttl_expires_at INTEGER NOT NULL,
	version_pins   TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT NOT NULL,
	step       INTEGER NOT NULL,
	node_id    TEXT NOT NULL,
	taken_at   INTEGER NOT NULL,
	state      TEXT NOT NULL,
	UNIQUE (session_id, step)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_session_step
	ON snapshots (session_id, step DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_ttl
	ON sessions (ttl_expires_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: create tables: %w", err)
	}
	return nil
}

// Put implements Store. The session upsert, snapshot upsert, and ring trim
// commit in one transaction so a crash never leaves a partial write.
func (s *SQLiteStore[S]) Put(ctx context.Context, sessionID string, step int, nodeID string, state S) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sqlite: marshal state: %w", err)
	}

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (session_id, schema_version, created_at, last_active_at, ttl_expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
	last_active_at = excluded.last_active_at,
	ttl_expires_at = excluded.ttl_expires_at`,
		sessionID, SchemaVersion, now.UnixNano(), now.UnixNano(), now.Add(s.ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: upsert session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO snapshots (session_id, step, node_id, taken_at, state)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (session_id, step) DO UPDATE SET
	node_id  = excluded.node_id,
	taken_at = excluded.taken_at,
	state    = excluded.state`,
		sessionID, step, nodeID, now.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: upsert snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
DELETE FROM snapshots
WHERE session_id = ? AND step NOT IN (
	SELECT step FROM snapshots WHERE session_id = ? ORDER BY step DESC LIMIT ?
)`, sessionID, sessionID, s.depth)
	if err != nil {
		return fmt.Errorf("sqlite: trim ring: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *SQLiteStore[S]) Latest(ctx context.Context, sessionID string) (S, error) {
	var zero S
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM snapshots WHERE session_id = ? ORDER BY step DESC LIMIT 1`,
		sessionID)
	return scanState[S](row, zero)
}

// At implements Store.
func (s *SQLiteStore[S]) At(ctx context.Context, sessionID string, step int) (S, error) {
	var zero S
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM snapshots WHERE session_id = ? AND step = ?`,
		sessionID, step)
	return scanState[S](row, zero)
}

// Pin implements Store.
func (s *SQLiteStore[S]) Pin(ctx context.Context, sessionID, traceID string, version int) error {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT version_pins FROM sessions WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: read pins: %w", err)
	}

	pins := map[string]int{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &pins); err != nil {
			return fmt.Errorf("sqlite: decode pins: %w", err)
		}
	}
	pins[traceID] = version
	out, err := json.Marshal(pins)
	if err != nil {
		return fmt.Errorf("sqlite: encode pins: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET version_pins = ? WHERE session_id = ?`, string(out), sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: write pins: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore[S]) Close(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite: delete snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite: delete session: %w", err)
	}
	return tx.Commit()
}

// Sweep implements Store.
func (s *SQLiteStore[S]) Sweep(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
DELETE FROM snapshots WHERE session_id IN (
	SELECT session_id FROM sessions WHERE ttl_expires_at < ?
)`, now.UnixNano()); err != nil {
		return 0, fmt.Errorf("sqlite: sweep snapshots: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE ttl_expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep sessions: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return int(removed), nil
}

// Shutdown implements Store.
func (s *SQLiteStore[S]) Shutdown() error {
	return s.db.Close()
}

func scanState[S any](row *sql.Row, zero S) (S, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("scan snapshot: %w", err)
	}
	var state S
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return zero, fmt.Errorf("decode snapshot: %w", err)
	}
	return state, nil
}
