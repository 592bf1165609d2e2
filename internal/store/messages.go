package store

import (
	"context"
	"database/sql"
	"time"
)

// Message roles. Tool traffic is persisted as first-class messages so the
// transcript reconstructs every turn exactly.
const (
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleToolRequest = "tool_request"
	RoleToolResult  = "tool_result"
	RoleSystem      = "system"
)

// Message is one appended transcript row. Ordering within a session is
// strictly (created_at, id).
type Message struct {
	ID            int64
	SessionID     string
	Role          string
	Text          string
	ToolName      string
	ToolArgs      string
	ToolResult    string
	TokenEstimate int
	CreatedAt     time.Time
}

// EstimateTokens approximates token usage at four characters per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// AppendMessage appends one message and bumps the session's activity stamp
// in the same transaction. Returns the new message id.
func (s *Store) AppendMessage(ctx context.Context, m *Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.TokenEstimate == 0 {
		m.TokenEstimate = EstimateTokens(m.Text + m.ToolArgs + m.ToolResult)
	}

	var id int64
	err := s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, text, tool_name, tool_args, tool_result, token_estimate, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.SessionID, m.Role, m.Text,
			nullable(m.ToolName), nullable(m.ToolArgs), nullable(m.ToolResult),
			m.TokenEstimate, m.CreatedAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, m.CreatedAt, m.SessionID)
		return err
	})
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

// ListMessages returns messages for a session in (created_at, id) order,
// optionally after sinceID, optionally capped at limit.
func (s *Store) ListMessages(ctx context.Context, sessionID string, sinceID int64, limit int) ([]*Message, error) {
	query := `SELECT id, session_id, role, text,
			COALESCE(tool_name, ''), COALESCE(tool_args, ''), COALESCE(tool_result, ''),
			token_estimate, created_at
		FROM messages WHERE session_id = ? AND id > ?
		ORDER BY created_at, id`
	args := []any{sessionID, sinceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Text,
			&m.ToolName, &m.ToolArgs, &m.ToolResult, &m.TokenEstimate, &m.CreatedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		out = append(out, &m)
	}
	return out, storageErr("list messages", rows.Err())
}

// RecentMessages returns the trailing n messages of a session in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, n int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, text,
			COALESCE(tool_name, ''), COALESCE(tool_args, ''), COALESCE(tool_result, ''),
			token_estimate, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, n)
	if err != nil {
		return nil, storageErr("recent messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Text,
			&m.ToolName, &m.ToolArgs, &m.ToolResult, &m.TokenEstimate, &m.CreatedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("recent messages", err)
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MessageCount returns the number of messages in a session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, storageErr("count messages", err)
	}
	return n, nil
}

// SessionTokenEstimate sums token estimates across a session.
func (s *Store) SessionTokenEstimate(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(token_estimate), 0) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, storageErr("session tokens", err)
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
