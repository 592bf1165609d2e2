// Package assemble builds the per-turn prompt: system prompt selection
// (bootstrap vs normal), persona and profiles, retrieved memories, and the
// recent message window with summary frames.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pith-sh/pith/internal/model"
	"github.com/pith-sh/pith/internal/store"
	"github.com/pith-sh/pith/internal/tools"
)

// OverflowError is returned when even the minimum assembly exceeds the
// token budget.
type OverflowError struct {
	Estimated int
	Budget    int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("context overflow: %d tokens estimated against budget %d", e.Estimated, e.Budget)
}

// Options are the operator-configured assembly knobs.
type Options struct {
	WindowMessages int
	MemoryTopK     int
	TokenBudget    int
	RecencyWeight  float64
}

// Prompt is the assembled model input.
type Prompt struct {
	System    string
	Messages  []model.Message
	Bootstrap bool
	// MemoryIDs records which memory entries were injected (test hook).
	MemoryIDs []int64
}

// Assembler reads the store and the persona file fresh on every turn.
type Assembler struct {
	store  *store.Store
	ws     string
	opts   Options
	logger *slog.Logger
}

// New creates an assembler over the workspace.
func New(st *store.Store, workspacePath string, opts Options) *Assembler {
	return &Assembler{
		store:  st,
		ws:     workspacePath,
		opts:   opts,
		logger: slog.Default().With("component", "assemble"),
	}
}

// Build produces the prompt for one turn. extraTools lists extension and
// remote tools for the awareness block; channel, when non-empty, names the
// originating channel.
func (a *Assembler) Build(ctx context.Context, sessionID, userText, channel string, extraTools []tools.SchemaEntry) (*Prompt, error) {
	bootstrapDone, err := a.store.BootstrapComplete(ctx)
	if err != nil {
		return nil, err
	}
	profilesDone, err := a.store.ProfilesComplete(ctx)
	if err != nil {
		return nil, err
	}
	bootstrap := !bootstrapDone || !profilesDone

	agentProfile, err := a.store.GetProfile(ctx, store.ProfileAgent)
	if err != nil {
		return nil, err
	}
	userProfile, err := a.store.GetProfile(ctx, store.ProfileUser)
	if err != nil {
		return nil, err
	}

	system := a.systemPrompt(bootstrap, agentProfile, userProfile, channel, extraTools)

	memories, err := a.store.SearchMemory(ctx, userText, a.opts.MemoryTopK, a.opts.RecencyWeight)
	if err != nil {
		return nil, err
	}
	memories = dedupeByID(memories)

	window, summaries, err := a.messageWindow(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// tighten until we fit: window first, then K, never persona or profiles
	budget := a.opts.TokenBudget
	for {
		p := compose(system, summaries, window, memories, userText, bootstrap)
		if estimate(p) <= budget {
			return p, nil
		}
		switch {
		case len(window) > 1:
			window = window[len(window)/2:]
		case len(memories) > 0:
			memories = memories[:len(memories)-1]
		case len(window) > 0:
			window = nil
		default:
			p := compose(system, summaries, nil, nil, userText, bootstrap)
			return nil, &OverflowError{Estimated: estimate(p), Budget: budget}
		}
	}
}

func (a *Assembler) systemPrompt(bootstrap bool, agentProfile, userProfile map[string]string, channel string, extraTools []tools.SchemaEntry) string {
	var parts []string

	if bootstrap {
		parts = append(parts, bootstrapPrompt)
	} else {
		agentName := agentProfile["name"]
		if agentName == "" {
			agentName = "pith"
		}
		identity := fmt.Sprintf("You are %s, a personal AI agent.", agentName)
		if userProfile["name"] != "" {
			identity += fmt.Sprintf(" Your user is %s.", userProfile["name"])
		}
		parts = append(parts, identity)

		if persona := a.readPersona(); persona != "" {
			parts = append(parts, persona)
		}
		parts = append(parts, fmt.Sprintf(guidelines, agentName))
	}

	if block := profileBlock(agentProfile, userProfile); block != "" {
		parts = append(parts, block)
	}
	if block := extraToolsBlock(extraTools); block != "" {
		parts = append(parts, block)
	}
	if channel != "" {
		parts = append(parts, "# Channel\n"+channel)
	}
	return strings.Join(parts, "\n\n")
}

// readPersona loads SOUL.md fresh; absence is not an error.
func (a *Assembler) readPersona() string {
	data, err := os.ReadFile(filepath.Join(a.ws, "SOUL.md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func profileBlock(agentProfile, userProfile map[string]string) string {
	if len(agentProfile) == 0 && len(userProfile) == 0 {
		return ""
	}
	lines := []string{"# Profiles"}
	appendProfile := func(title string, p map[string]string) {
		if len(p) == 0 {
			return
		}
		lines = append(lines, title+":")
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("  %s: %s", k, p[k]))
		}
	}
	appendProfile("Agent", agentProfile)
	appendProfile("User", userProfile)
	return strings.Join(lines, "\n")
}

func extraToolsBlock(extraTools []tools.SchemaEntry) string {
	if len(extraTools) == 0 {
		return ""
	}
	lines := []string{"# Additional tools (call via tool_call)"}
	for _, t := range extraTools {
		line := "- " + t.Name
		if t.Description != "" {
			line += ": " + t.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// messageWindow returns the recent window plus summary frames for ranges
// before it: the most recent N messages, or everything after the compaction
// cursor, whichever is the smaller token load.
func (a *Assembler) messageWindow(ctx context.Context, sessionID string) ([]*store.Message, []*store.Summary, error) {
	summaries, err := a.store.ListSummaries(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	recent, err := a.store.RecentMessages(ctx, sessionID, a.opts.WindowMessages)
	if err != nil {
		return nil, nil, err
	}

	window := recent
	if len(summaries) > 0 {
		cursor := summaries[len(summaries)-1].ToMsgID
		sinceSummary, err := a.store.ListMessages(ctx, sessionID, cursor, 0)
		if err != nil {
			return nil, nil, err
		}
		if tokenLoad(sinceSummary) < tokenLoad(recent) {
			window = sinceSummary
		}
	}

	// only summaries that cover ranges before the window remain visible
	var visible []*store.Summary
	windowStart := int64(0)
	if len(window) > 0 {
		windowStart = window[0].ID
	}
	for _, s := range summaries {
		if windowStart == 0 || s.FromMsgID < windowStart {
			visible = append(visible, s)
		}
	}
	return window, visible, nil
}

func tokenLoad(msgs []*store.Message) int {
	total := 0
	for _, m := range msgs {
		total += m.TokenEstimate
	}
	return total
}

func compose(system string, summaries []*store.Summary, window []*store.Message, memories []*store.MemoryEntry, userText string, bootstrap bool) *Prompt {
	p := &Prompt{System: system, Bootstrap: bootstrap}

	for _, s := range summaries {
		p.Messages = append(p.Messages, model.Message{
			Role:    "user",
			Content: "[Conversation summary]\n" + s.Text,
		})
	}

	for _, m := range window {
		p.Messages = append(p.Messages, frameFor(m))
	}

	final := userText
	if len(memories) > 0 {
		lines := []string{"[Relevant memories]"}
		for _, e := range memories {
			p.MemoryIDs = append(p.MemoryIDs, e.ID)
			line := "- " + e.Text
			if e.Source != "" {
				line += " (source: " + e.Source + ")"
			}
			lines = append(lines, line)
		}
		final = strings.Join(lines, "\n") + "\n\n" + userText
	}
	p.Messages = append(p.Messages, model.Message{Role: "user", Content: final})
	return p
}

// frameFor renders a stored message as a provider-neutral frame. Tool
// traffic is rendered as bracketed text so any provider can replay it.
func frameFor(m *store.Message) model.Message {
	switch m.Role {
	case store.RoleAssistant:
		return model.Message{Role: "assistant", Content: m.Text}
	case store.RoleToolRequest:
		return model.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("[called tool %s with %s]", m.ToolName, m.ToolArgs),
		}
	case store.RoleToolResult:
		return model.Message{
			Role:    "user",
			Content: fmt.Sprintf("[tool %s returned]\n%s", m.ToolName, m.ToolResult),
		}
	default:
		return model.Message{Role: "user", Content: m.Text}
	}
}

func estimate(p *Prompt) int {
	total := store.EstimateTokens(p.System)
	for _, m := range p.Messages {
		total += store.EstimateTokens(m.Content)
	}
	return total
}

func dedupeByID(entries []*store.MemoryEntry) []*store.MemoryEntry {
	seen := map[int64]bool{}
	out := entries[:0]
	for _, e := range entries {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}
