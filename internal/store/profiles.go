package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Profile types and their required fields. Bootstrap is complete once every
// required field of both profiles is non-empty.
const (
	ProfileAgent = "agent"
	ProfileUser  = "user"
)

// RequiredProfileFields maps each profile type to the fields bootstrap must
// fill.
var RequiredProfileFields = map[string][]string{
	ProfileAgent: {"name", "nature", "vibe", "emoji"},
	ProfileUser:  {"name", "preferred_address", "timezone"},
}

// GetProfile returns all key/value pairs of one profile.
func (s *Store) GetProfile(ctx context.Context, profileType string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM profiles WHERE profile_type = ?`, profileType)
	if err != nil {
		return nil, storageErr("get profile", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, storageErr("get profile", err)
		}
		out[k] = v
	}
	return out, storageErr("get profile", rows.Err())
}

// SetProfile upserts one profile field.
func (s *Store) SetProfile(ctx context.Context, profileType, key, value string) error {
	if profileType != ProfileAgent && profileType != ProfileUser {
		return storageErr("set profile", fmt.Errorf("unknown profile type %q", profileType))
	}
	_, err := s.exec(ctx, "set profile",
		`INSERT INTO profiles (profile_type, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(profile_type, key) DO UPDATE SET value = excluded.value`,
		profileType, key, value)
	return err
}

// ProfilesComplete reports whether every required field of both profiles is
// non-empty.
func (s *Store) ProfilesComplete(ctx context.Context) (bool, error) {
	for ptype, fields := range RequiredProfileFields {
		profile, err := s.GetProfile(ctx, ptype)
		if err != nil {
			return false, err
		}
		for _, f := range fields {
			if profile[f] == "" {
				return false, nil
			}
		}
	}
	return true, nil
}

// Summary is one compacted message range.
type Summary struct {
	ID        int64
	SessionID string
	FromMsgID int64
	ToMsgID   int64
	Text      string
	CreatedAt time.Time
}

// AddSummary records a summary covering [fromID, toID] and advances the
// session's compaction cursor in the same transaction.
func (s *Store) AddSummary(ctx context.Context, sessionID string, fromID, toID int64, text string) error {
	return s.withTx(ctx, "add summary", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_summaries (session_id, from_msg_id, to_msg_id, summary_text, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionID, fromID, toID, text, time.Now().UTC())
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET compaction_cursor = ? WHERE id = ? AND compaction_cursor < ?`,
			toID, sessionID, toID)
		return err
	})
}

// ListSummaries returns a session's summaries ordered by covered range.
func (s *Store) ListSummaries(ctx context.Context, sessionID string) ([]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, from_msg_id, to_msg_id, summary_text, created_at
		 FROM session_summaries WHERE session_id = ? ORDER BY to_msg_id`, sessionID)
	if err != nil {
		return nil, storageErr("list summaries", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.FromMsgID, &sum.ToMsgID,
			&sum.Text, &sum.CreatedAt); err != nil {
			return nil, storageErr("list summaries", err)
		}
		out = append(out, &sum)
	}
	return out, storageErr("list summaries", rows.Err())
}
