// Package history persists a rolling record of terminated sessions to a
// SQLite database, distinct from the daemon's live in-memory registry.
// It backs `sesh list --history`.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ianremillard/sesh/internal/proto"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	program    TEXT NOT NULL,
	pid        INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER NOT NULL,
	exit_code  INTEGER NOT NULL
);`

// Store is a handle on the history database. A nil *Store is valid and
// every method on it is a no-op: the daemon runs fine with history
// disabled (e.g. when the database file cannot be created).
type Store struct {
	conn *sql.DB
}

// Open creates or opens the history database at path, creating its
// parent directory and the sessions_history table if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: mkdir %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: create table: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Record inserts one terminated-session row, write-behind and
// best-effort: failures are the caller's to log, and never block or
// fail the RPC that triggered removal.
func (s *Store) Record(ctx context.Context, e proto.HistoryEntry) error {
	if s == nil {
		return nil
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sessions_history (name, program, pid, started_at, ended_at, exit_code) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Name, e.Program, e.PID, e.StartedAt, e.EndedAt, e.ExitCode)
	return err
}

// Recent returns up to limit history rows, most recently ended first.
func (s *Store) Recent(ctx context.Context, limit int) ([]proto.HistoryEntry, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT name, program, pid, started_at, ended_at, exit_code FROM sessions_history ORDER BY ended_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proto.HistoryEntry
	for rows.Next() {
		var e proto.HistoryEntry
		if err := rows.Scan(&e.Name, &e.Program, &e.PID, &e.StartedAt, &e.EndedAt, &e.ExitCode); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
