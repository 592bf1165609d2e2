package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/pith-sh/pith/internal/model"
	"github.com/pith-sh/pith/internal/store"
)

const summaryPrompt = `Summarise the conversation below for your own future reference. Capture decisions, facts about the user, open threads, and anything you promised to do. Write plain prose, at most a few short paragraphs. Do not address the user.`

// compactSession folds everything between the compaction cursor and the
// recent tail into one stored summary. The caller holds the session lock.
func (r *Runtime) compactSession(ctx context.Context, sessionID string) (string, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	msgs, err := r.store.ListMessages(ctx, sessionID, sess.CompactionCursor, 0)
	if err != nil {
		return "", err
	}

	keep := r.cfg.Runtime.Turn.CompactKeepRecent
	if len(msgs) <= keep {
		return "Nothing to compact yet.", nil
	}
	old := msgs[:len(msgs)-keep]

	var b strings.Builder
	for _, m := range old {
		line := m.Text
		switch m.Role {
		case store.RoleToolRequest:
			line = fmt.Sprintf("[called tool %s]", m.ToolName)
		case store.RoleToolResult:
			line = fmt.Sprintf("[tool %s returned] %s", m.ToolName, m.ToolResult)
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, line)
	}

	summary, err := r.summarise(ctx, b.String())
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	if err := r.store.AddSummary(ctx, sessionID, old[0].ID, old[len(old)-1].ID, summary); err != nil {
		return "", err
	}
	r.logger.Info("compacted session", "session_id", sessionID, "messages", len(old))
	return fmt.Sprintf("Compacted %d messages into a summary.", len(old)), nil
}

// summarise runs a tool-free model call and collects the full text.
func (r *Runtime) summarise(ctx context.Context, transcript string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ModelCallTimeout())
	defer cancel()

	chunks, err := r.model.Complete(callCtx, &model.Request{
		Model:     r.cfg.Model.Model,
		System:    summaryPrompt,
		Messages:  []model.Message{{Role: "user", Content: transcript}},
		MaxTokens: r.cfg.Model.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	var text []byte
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		text = append(text, chunk.Text...)
	}
	if err := callCtx.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(text)), nil
}

// maybeCompact triggers compaction after a turn when the uncompacted span
// has grown past the configured threshold. Best effort: a failure is logged
// and the turn's result stands.
func (r *Runtime) maybeCompact(ctx context.Context, sessionID string) {
	threshold := r.cfg.Runtime.Turn.CompactAfterMessages
	if threshold <= 0 {
		return
	}
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	msgs, err := r.store.ListMessages(ctx, sessionID, sess.CompactionCursor, 0)
	if err != nil {
		return
	}
	if len(msgs) < threshold {
		return
	}
	if _, err := r.compactSession(ctx, sessionID); err != nil {
		r.logger.Warn("auto-compaction failed", "session_id", sessionID, "error", err)
	}
}
