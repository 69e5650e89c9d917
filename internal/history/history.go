// Package history persists gateway lifecycle events so that crashes
// and flapping connections can be diagnosed after the fact.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

const (
	KindStatus = "status"
	KindCrash  = "crash"
)

const schema = `
CREATE TABLE IF NOT EXISTS gateway_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      INTEGER NOT NULL,
	kind    TEXT    NOT NULL,
	state   TEXT    NOT NULL DEFAULT '',
	port    INTEGER NOT NULL DEFAULT 0,
	pid     INTEGER NOT NULL DEFAULT 0,
	detail  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_gateway_events_at ON gateway_events(at);
`

// Entry is one recorded lifecycle event.
type Entry struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	State  string    `json:"state,omitempty"`
	Port   int       `json:"port,omitempty"`
	PID    int       `json:"pid,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Store is the SQLite-backed event log. Safe for concurrent use; all
// access is serialized through a single connection.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the event database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// SQLite does not handle concurrent writers well; serialize all
	// access through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStatus logs one status transition.
func (s *Store) RecordStatus(ctx context.Context, state string, port, pid int, detail string) error {
	return s.insert(ctx, Entry{Kind: KindStatus, State: state, Port: port, PID: pid, Detail: detail})
}

// RecordCrash logs an unexpected gateway death or panic.
func (s *Store) RecordCrash(ctx context.Context, detail string) error {
	return s.insert(ctx, Entry{Kind: KindCrash, Detail: detail})
}

func (s *Store) insert(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_events (at, kind, state, port, pid, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), e.Kind, e.State, e.Port, e.PID, e.Detail)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", e.Kind, err)
	}
	return nil
}

// Recent returns the latest limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, state, port, pid, detail FROM gateway_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.State, &e.Port, &e.PID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes everything but the newest keep events.
func (s *Store) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		keep = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM gateway_events WHERE id NOT IN (SELECT id FROM gateway_events ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}
