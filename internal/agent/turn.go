package agent

import (
	"context"
	"errors"
	"time"

	"github.com/pith-sh/pith/internal/assemble"
	"github.com/pith-sh/pith/internal/audit"
	"github.com/pith-sh/pith/internal/backoff"
	"github.com/pith-sh/pith/internal/events"
	"github.com/pith-sh/pith/internal/model"
	"github.com/pith-sh/pith/internal/store"
	"github.com/pith-sh/pith/internal/tools"
)

// Turn terminal statuses.
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusToolLoopCap = "tool_loop_cap"
)

const maxModelAttempts = 4 // one call plus up to three retries

// runTurn executes one turn end to end. The caller holds the session lock.
// It never panics or returns an error; every failure ends in a persisted
// assistant marker plus turn_finished.
func (r *Runtime) runTurn(sessionID, turnID, text, channel string, deadline time.Duration) string {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	start := time.Now()
	status := StatusOK
	var kind, detail string
	finalText := ""

	// store writes use a detached context: committed rows are
	// non-cancellable and synthetic rows must land even after the deadline
	persistCtx := context.Background()
	profileUpdated := false

	defer func() {
		// every exit path, so a set_profile that landed during a capped or
		// timed-out turn still completes bootstrap
		if profileUpdated {
			r.checkBootstrap(persistCtx, sessionID)
		}
		r.maybeCompact(persistCtx, sessionID)

		data := map[string]any{"status": status}
		if kind != "" {
			data["kind"] = kind
		}
		if detail != "" {
			data["detail"] = detail
		}
		r.bus.Publish(events.Event{
			Type: events.TurnFinished, SessionID: sessionID, TurnID: turnID, Data: data,
		})
		if r.audit != nil {
			r.audit.Log(audit.EventTurn, map[string]any{
				"turn_id": turnID, "session_id": sessionID, "status": status,
				"kind": kind, "duration_ms": time.Since(start).Milliseconds(),
			})
		}
	}()

	r.bus.Publish(events.Event{
		Type: events.TurnStarted, SessionID: sessionID, TurnID: turnID,
		Data: map[string]any{"text_preview": preview(text)},
	})

	if _, err := r.store.AppendMessage(persistCtx, &store.Message{
		SessionID: sessionID, Role: store.RoleUser, Text: text,
	}); err != nil {
		status, kind, detail = StatusError, "storage", err.Error()
		return ""
	}

	prompt, err := r.assembler.Build(ctx, sessionID, text, channel, r.extraToolEntries())
	if err != nil {
		var overflow *assemble.OverflowError
		if errors.As(err, &overflow) {
			finalText = "That message plus our history is more than I can hold at once. Try /compact, or a shorter message."
			status, kind, detail = StatusError, "context_overflow", err.Error()
		} else {
			finalText = "Something went wrong reading my memory. The session is still usable."
			status, kind, detail = StatusError, "storage", err.Error()
		}
		r.persistAssistant(persistCtx, sessionID, turnID, finalText)
		return finalText
	}

	if r.audit != nil && len(prompt.MemoryIDs) > 0 {
		r.audit.Log(audit.EventMemoryRetrieval, map[string]any{
			"turn_id": turnID, "memory_ids": prompt.MemoryIDs,
		})
	}

	msgs := prompt.Messages
	maxIter := r.cfg.Runtime.Turn.MaxToolIterations

	for iter := 0; ; iter++ {
		if iter >= maxIter {
			finalText = "I hit my tool budget for this turn, so I'm stopping here. Ask me to continue if you want me to keep going."
			r.persistAssistant(persistCtx, sessionID, turnID, finalText)
			status = StatusToolLoopCap
			return finalText
		}

		assistantText, calls, err := r.callModel(ctx, sessionID, turnID, prompt.System, msgs)
		if err != nil {
			if ctx.Err() != nil {
				finalText = "I ran out of time on that one. The session is ready for your next message."
				status = StatusTimeout
			} else {
				finalText = "I could not reach my language model. The session is still usable."
				status, kind, detail = StatusError, "model", err.Error()
			}
			r.persistAssistant(persistCtx, sessionID, turnID, finalText)
			return finalText
		}

		if len(calls) == 0 {
			finalText = assistantText
			id := r.persistAssistant(persistCtx, sessionID, turnID, finalText)
			r.bus.Publish(events.Event{
				Type: events.AssistantMessage, SessionID: sessionID, TurnID: turnID,
				Data: map[string]any{"id": id, "text": finalText},
			})
			break
		}

		msgs = append(msgs, model.Message{
			Role: "assistant", Content: assistantText, ToolCalls: calls,
		})
		results, aborted := r.dispatchCalls(ctx, persistCtx, sessionID, turnID, calls, &profileUpdated)
		msgs = append(msgs, model.Message{Role: "user", ToolResults: results})

		if aborted {
			finalText = "I ran out of time on that one. The session is ready for your next message."
			r.persistAssistant(persistCtx, sessionID, turnID, finalText)
			status = StatusTimeout
			return finalText
		}
	}

	return finalText
}

// dispatchCalls runs the model's tool calls in order. Every request gets
// exactly one result row and one finished event; once the deadline hits,
// the remaining requests get synthetic error results so no orphan requests
// survive the turn.
func (r *Runtime) dispatchCalls(ctx, persistCtx context.Context, sessionID, turnID string, calls []model.ToolCallRequest, profileUpdated *bool) ([]model.ToolCallResult, bool) {
	results := make([]model.ToolCallResult, 0, len(calls))
	aborted := false

	for _, call := range calls {
		if _, err := r.store.AppendMessage(persistCtx, &store.Message{
			SessionID: sessionID, Role: store.RoleToolRequest,
			ToolName: call.Name, ToolArgs: string(call.Args),
		}); err != nil {
			r.logger.Error("failed to persist tool request", "error", err)
		}
		r.bus.Publish(events.Event{
			Type: events.ToolCallStarted, SessionID: sessionID, TurnID: turnID,
			Data: map[string]any{"name": call.Name, "args_preview": preview(string(call.Args))},
		})

		callStart := time.Now()
		var content string
		ok := true
		if aborted || ctx.Err() != nil {
			aborted = true
			content = "cancelled: turn deadline exceeded"
			ok = false
		} else {
			res, ierr := r.registry.Invoke(ctx, call.Name, call.Args)
			switch {
			case ierr != nil:
				content = ierr.Error()
				ok = false
				if ctx.Err() != nil {
					aborted = true
				}
			default:
				content = res.Content
				ok = !res.IsError
			}
		}

		if _, err := r.store.AppendMessage(persistCtx, &store.Message{
			SessionID: sessionID, Role: store.RoleToolResult,
			ToolName: call.Name, ToolResult: content,
		}); err != nil {
			r.logger.Error("failed to persist tool result", "error", err)
		}
		r.bus.Publish(events.Event{
			Type: events.ToolCallFinished, SessionID: sessionID, TurnID: turnID,
			Data: map[string]any{
				"name": call.Name, "ok": ok,
				"duration_ms":    time.Since(callStart).Milliseconds(),
				"result_preview": preview(content),
			},
		})
		if r.audit != nil {
			r.audit.Log(audit.EventToolCall, map[string]any{
				"turn_id": turnID, "name": call.Name, "ok": ok,
				"duration_ms": time.Since(callStart).Milliseconds(),
			})
		}

		if ok && call.Name == "set_profile" {
			*profileUpdated = true
			if r.audit != nil {
				r.audit.Log(audit.EventProfileUpdate, map[string]any{
					"turn_id": turnID, "args": string(call.Args),
				})
			}
		}
		results = append(results, model.ToolCallResult{CallID: call.ID, Content: content, IsError: !ok})
	}
	return results, aborted
}

// callModel streams one completion, emitting assistant_delta events and
// collecting tool calls. Transient provider errors are retried with backoff
// unless text already reached the subscriber.
func (r *Runtime) callModel(ctx context.Context, sessionID, turnID, system string, msgs []model.Message) (string, []model.ToolCallRequest, error) {
	req := &model.Request{
		Model:       r.cfg.Model.Model,
		System:      system,
		Messages:    msgs,
		Tools:       r.firstClassTools(),
		MaxTokens:   r.cfg.Model.MaxTokens,
		Temperature: r.cfg.Model.Temperature,
	}

	policy := backoff.Model()
	var lastErr error
	for attempt := 1; attempt <= maxModelAttempts; attempt++ {
		text, calls, emitted, err := r.streamOnce(ctx, sessionID, turnID, req)
		if err == nil {
			return text, calls, nil
		}
		lastErr = err
		if ctx.Err() != nil || emitted || !model.IsTransient(err) || attempt == maxModelAttempts {
			break
		}
		delay := policy.Delay(attempt)
		r.logger.Warn("transient model error, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", nil, lastErr
}

func (r *Runtime) streamOnce(ctx context.Context, sessionID, turnID string, req *model.Request) (string, []model.ToolCallRequest, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ModelCallTimeout())
	defer cancel()

	chunks, err := r.model.Complete(callCtx, req)
	if err != nil {
		return "", nil, false, err
	}

	var text []byte
	var calls []model.ToolCallRequest
	emitted := false
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return "", nil, emitted, chunk.Err
		case chunk.Text != "":
			text = append(text, chunk.Text...)
			emitted = true
			r.bus.Publish(events.Event{
				Type: events.AssistantDelta, SessionID: sessionID, TurnID: turnID,
				Data: map[string]any{"text": chunk.Text},
			})
		case chunk.ToolCall != nil:
			calls = append(calls, *chunk.ToolCall)
		}
	}
	if err := callCtx.Err(); err != nil {
		return "", nil, emitted, err
	}
	return string(text), calls, emitted, nil
}

// firstClassTools surfaces built-ins as provider tool schemas. Extension
// and remote tools are reachable through tool_call and are listed in the
// system prompt instead.
func (r *Runtime) firstClassTools() []model.ToolSchema {
	var out []model.ToolSchema
	for _, d := range r.registry.List() {
		if d.Origin != tools.OriginBuiltin {
			continue
		}
		out = append(out, model.ToolSchema{Name: d.Name, Description: d.Description, Schema: d.Schema})
	}
	return out
}

// extraToolEntries lists extension and remote tools for the system prompt
// awareness block.
func (r *Runtime) extraToolEntries() []tools.SchemaEntry {
	var out []tools.SchemaEntry
	for _, d := range r.registry.List() {
		if d.Origin == tools.OriginBuiltin {
			continue
		}
		out = append(out, tools.SchemaEntry{Name: d.Name, Description: d.Description, Schema: d.Schema})
	}
	return out
}

func (r *Runtime) persistAssistant(ctx context.Context, sessionID, turnID, text string) int64 {
	id, err := r.store.AppendMessage(ctx, &store.Message{
		SessionID: sessionID, Role: store.RoleAssistant, Text: text,
	})
	if err != nil {
		r.logger.Error("failed to persist assistant message", "turn_id", turnID, "error", err)
	}
	return id
}

// checkBootstrap flips bootstrap_complete exactly once, after the turn in
// which set_profile filled the last required field.
func (r *Runtime) checkBootstrap(ctx context.Context, sessionID string) {
	done, err := r.store.BootstrapComplete(ctx)
	if err != nil || done {
		return
	}
	complete, err := r.store.ProfilesComplete(ctx)
	if err != nil || !complete {
		return
	}
	if err := r.store.SetAppState(ctx, store.StateBootstrapComplete, "true"); err != nil {
		r.logger.Error("failed to flip bootstrap flag", "error", err)
		return
	}
	if _, ok, _ := r.store.GetAppState(ctx, store.StateBootstrapVersion); !ok {
		_ = r.store.SetAppState(ctx, store.StateBootstrapVersion, "1")
	}
	r.logger.Info("bootstrap complete")
	r.bus.Publish(events.Event{
		Type: events.AppStateChanged, SessionID: sessionID,
		Data: map[string]any{"bootstrap_complete": true},
	})
}

func preview(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
