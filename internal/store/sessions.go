package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Session is one conversation between the user and the agent.
type Session struct {
	ID               string
	CreatedAt        time.Time
	LastActivityAt   time.Time
	CompactionCursor int64
}

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// CreateSession inserts a session row. Creating an id that already exists is
// a no-op, so externally supplied client ids are idempotent.
func (s *Store) CreateSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, "create session",
		`INSERT INTO sessions (id, created_at, last_activity_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, now, now)
	return err
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_activity_at, compaction_cursor FROM sessions WHERE id = ?`, id)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivityAt, &sess.CompactionCursor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get session", err)
	}
	return &sess, nil
}

// TouchSession bumps last_activity_at.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.exec(ctx, "touch session",
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// SetCompactionCursor records the highest message id covered by summaries.
func (s *Store) SetCompactionCursor(ctx context.Context, id string, cursor int64) error {
	_, err := s.exec(ctx, "set compaction cursor",
		`UPDATE sessions SET compaction_cursor = ? WHERE id = ?`, cursor, id)
	return err
}

// SessionCount returns the number of sessions.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, storageErr("count sessions", err)
	}
	return n, nil
}

// AppState keys used by the runtime.
const (
	StateBootstrapComplete = "bootstrap_complete"
	StateBootstrapVersion  = "bootstrap_version"
	StateActiveSession     = "active_session_id"
	StateTelegramOffset    = "telegram_offset"
)

// GetAppState reads one app-state value. ok is false when the key is unset.
func (s *Store) GetAppState(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storageErr("get app state", err)
	}
	return value, true, nil
}

// SetAppState upserts one app-state value.
func (s *Store) SetAppState(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, "set app state",
		`INSERT INTO app_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// BootstrapComplete reports whether the one-way bootstrap flag is set.
func (s *Store) BootstrapComplete(ctx context.Context) (bool, error) {
	v, ok, err := s.GetAppState(ctx, StateBootstrapComplete)
	if err != nil {
		return false, err
	}
	return ok && v == "true", nil
}
