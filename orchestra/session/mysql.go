package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" driver
)

// MySQLStore is the shared Store backend for deployments where several
// processes serve turns against one checkpoint database. Row-level locking
// in InnoDB gives the per-session write serialization the contract needs.
type MySQLStore[S any] struct {
	db    *sql.DB
	depth int
	ttl   time.Duration
	now   func() time.Time
}

// NewMySQLStore connects using a go-sql-driver DSN
// (user:pass@tcp(host:port)/dbname) and prepares the schema.
func NewMySQLStore[S any](dsn string, depth int, ttl time.Duration) (*MySQLStore[S], error) {
	if depth < 1 {
		depth = 1
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}

	s := &MySQLStore[S]{db: db, depth: depth, ttl: ttl, now: time.Now}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetRetention replaces the per-session snapshot depth and idle TTL.
// Call before serving traffic; Put reads the values unguarded.
func (s *MySQLStore[S]) SetRetention(depth int, ttl time.Duration) {
	if depth >= 1 {
		s.depth = depth
	}
	if ttl > 0 {
		s.ttl = ttl
	}
}

// SetClock overrides the time source.
func (s *MySQLStore[S]) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *MySQLStore[S]) createTables() error {
	stmts := []string{`
CREATE TABLE IF NOT EXISTS sessions (
	session_id     VARCHAR(191) NOT NULL,
	schema_version INT NOT NULL,
	created_at     BIGINT NOT NULL,
	last_active_at BIGINT NOT NULL,
	ttl_expires_at BIGINT NOT NULL,
	version_pins   JSON NOT NULL,
	PRIMARY KEY (session_id),
	KEY idx_sessions_ttl (ttl_expires_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
CREATE TABLE IF NOT EXISTS snapshots (
	session_id VARCHAR(191) NOT NULL,
	step       INT NOT NULL,
	node_id    VARCHAR(191) NOT NULL,
	taken_at   BIGINT NOT NULL,
	state      MEDIUMTEXT NOT NULL,
	PRIMARY KEY (session_id, step)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("mysql: create tables: %w", err)
		}
	}
	return nil
}

// Put implements Store.
func (s *MySQLStore[S]) Put(ctx context.Context, sessionID string, step int, nodeID string, state S) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("mysql: marshal state: %w", err)
	}

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysql: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (session_id, schema_version, created_at, last_active_at, ttl_expires_at, version_pins)
VALUES (?, ?, ?, ?, ?, '{}')
ON DUPLICATE KEY UPDATE
	last_active_at = VALUES(last_active_at),
	ttl_expires_at = VALUES(ttl_expires_at)`,
		sessionID, SchemaVersion, now.UnixNano(), now.UnixNano(), now.Add(s.ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("mysql: upsert session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO snapshots (session_id, step, node_id, taken_at, state)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	node_id  = VALUES(node_id),
	taken_at = VALUES(taken_at),
	state    = VALUES(state)`,
		sessionID, step, nodeID, now.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("mysql: upsert snapshot: %w", err)
	}

	// MySQL cannot reference the target table in a subquery of the same
	// DELETE, so the trim works off an explicit step cutoff.
	var cutoff sql.NullInt64
	err = tx.QueryRowContext(ctx, `
SELECT MIN(step) FROM (
	SELECT step FROM snapshots WHERE session_id = ? ORDER BY step DESC LIMIT ?
) keep`, sessionID, s.depth).Scan(&cutoff)
	if err != nil {
		return fmt.Errorf("mysql: ring cutoff: %w", err)
	}
	if cutoff.Valid {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE session_id = ? AND step < ?`,
			sessionID, cutoff.Int64); err != nil {
			return fmt.Errorf("mysql: trim ring: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mysql: commit: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *MySQLStore[S]) Latest(ctx context.Context, sessionID string) (S, error) {
	var zero S
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM snapshots WHERE session_id = ? ORDER BY step DESC LIMIT 1`,
		sessionID)
	return scanState[S](row, zero)
}

// At implements Store.
func (s *MySQLStore[S]) At(ctx context.Context, sessionID string, step int) (S, error) {
	var zero S
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM snapshots WHERE session_id = ? AND step = ?`,
		sessionID, step)
	return scanState[S](row, zero)
}

// Pin implements Store.
func (s *MySQLStore[S]) Pin(ctx context.Context, sessionID, traceID string, version int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET version_pins = JSON_SET(version_pins, ?, ?) WHERE session_id = ?`,
		"$.\""+traceID+"\"", version, sessionID)
	if err != nil {
		return fmt.Errorf("mysql: write pins: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mysql: rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing session from an unchanged pin value.
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID).Scan(&n)
		if err != nil {
			return fmt.Errorf("mysql: check session: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// Close implements Store.
func (s *MySQLStore[S]) Close(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysql: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("mysql: delete snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("mysql: delete session: %w", err)
	}
	return tx.Commit()
}

// Sweep implements Store.
func (s *MySQLStore[S]) Sweep(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mysql: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
DELETE sn FROM snapshots sn
JOIN sessions se ON se.session_id = sn.session_id
WHERE se.ttl_expires_at < ?`, now.UnixNano()); err != nil {
		return 0, fmt.Errorf("mysql: sweep snapshots: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE ttl_expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("mysql: sweep sessions: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mysql: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mysql: commit: %w", err)
	}
	return int(removed), nil
}

// Shutdown implements Store.
func (s *MySQLStore[S]) Shutdown() error {
	return s.db.Close()
}
