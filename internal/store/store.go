// Package store is the embedded persistence layer: sessions, messages,
// memory with full-text retrieval, profiles and app state, backed by a
// single SQLite file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// StorageError wraps any I/O or database failure surfaced by the store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Store owns the SQLite handle. Writes are serialised through a single
// mutex; readers go straight to the pool. WAL mode keeps readers unblocked
// while a write is in flight.
type Store struct {
	db     *sql.DB
	wmu    sync.Mutex
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS app_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	profile_type TEXT NOT NULL,
	key          TEXT NOT NULL,
	value        TEXT NOT NULL,
	PRIMARY KEY (profile_type, key)
);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	created_at        TIMESTAMP NOT NULL,
	last_activity_at  TIMESTAMP NOT NULL,
	compaction_cursor INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL REFERENCES sessions(id),
	role           TEXT NOT NULL,
	text           TEXT NOT NULL DEFAULT '',
	tool_name      TEXT,
	tool_args      TEXT,
	tool_result    TEXT,
	token_estimate INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, id);

CREATE TABLE IF NOT EXISTS session_summaries (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	from_msg_id  INTEGER NOT NULL,
	to_msg_id    INTEGER NOT NULL,
	summary_text TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_session ON session_summaries(session_id, to_msg_id);

CREATE TABLE IF NOT EXISTS memory_entries (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	text            TEXT NOT NULL,
	kind            TEXT NOT NULL DEFAULT 'episodic',
	tags            TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0,
	retrieval_count INTEGER NOT NULL DEFAULT 0
);

CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
	text, tags,
	content='memory_entries',
	content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS memory_ai AFTER INSERT ON memory_entries BEGIN
	INSERT INTO memory_fts(rowid, text, tags) VALUES (new.id, new.text, new.tags);
END;
CREATE TRIGGER IF NOT EXISTS memory_ad AFTER DELETE ON memory_entries BEGIN
	INSERT INTO memory_fts(memory_fts, rowid, text, tags) VALUES ('delete', old.id, old.text, old.tags);
END;
CREATE TRIGGER IF NOT EXISTS memory_au AFTER UPDATE ON memory_entries BEGIN
	INSERT INTO memory_fts(memory_fts, rowid, text, tags) VALUES ('delete', old.id, old.text, old.tags);
	INSERT INTO memory_fts(rowid, text, tags) VALUES (new.id, new.text, new.tags);
END;

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         TIMESTAMP NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL
);
`

// Open opens (creating if needed) the database at path and initialises the
// schema. Schema failure is fatal to the caller.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, storageErr("pragma", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storageErr("init schema", err)
	}

	return &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the health endpoint and
// the healthy-sentinel ticker.
func (s *Store) Ping(ctx context.Context) error {
	return storageErr("ping", s.db.PingContext(ctx))
}

// exec serialises a write statement through the writer mutex.
func (s *Store) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return res, nil
}

// withTx runs fn inside a single transaction, holding the writer mutex for
// its duration so multi-step writes stay atomic with respect to each other.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// AppendAudit mirrors one audit event into the audit_log table.
func (s *Store) AppendAudit(ctx context.Context, eventType string, payload []byte) error {
	_, err := s.exec(ctx, "append audit",
		`INSERT INTO audit_log (ts, event_type, payload) VALUES (?, ?, ?)`,
		time.Now().UTC(), eventType, string(payload))
	return err
}
