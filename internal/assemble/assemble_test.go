package assemble

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pith-sh/pith/internal/store"
	"github.com/pith-sh/pith/internal/tools"
)

func testAssembler(t *testing.T, opts Options) (*Assembler, *store.Store, string) {
	t.Helper()
	ws := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if opts.WindowMessages == 0 {
		opts.WindowMessages = 40
	}
	if opts.MemoryTopK == 0 {
		opts.MemoryTopK = 5
	}
	if opts.TokenBudget == 0 {
		opts.TokenBudget = 100000
	}
	return New(st, ws, opts), st, ws
}

func completeProfiles(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	for ptype, fields := range store.RequiredProfileFields {
		for _, f := range fields {
			require.NoError(t, st.SetProfile(ctx, ptype, f, "x"))
		}
	}
	require.NoError(t, st.SetProfile(ctx, store.ProfileAgent, "name", "Pip"))
	require.NoError(t, st.SetProfile(ctx, store.ProfileUser, "name", "Ada"))
	require.NoError(t, st.SetAppState(ctx, store.StateBootstrapComplete, "true"))
}

func TestBootstrapPromptSelectedWhenProfilesIncomplete(t *testing.T) {
	a, st, _ := testAssembler(t, Options{})
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, "s1"))

	p, err := a.Build(ctx, "s1", "hi", "", nil)
	require.NoError(t, err)
	assert.True(t, p.Bootstrap)
	assert.Contains(t, p.System, "coming online for the first time")
	assert.Contains(t, p.System, "set_profile")
}

func TestNormalPromptUsesProfilesAndPersona(t *testing.T) {
	a, st, ws := testAssembler(t, Options{})
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, "s1"))
	completeProfiles(t, st)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "SOUL.md"), []byte("Dry wit. Loves maps."), 0o644))

	p, err := a.Build(ctx, "s1", "hi", "", nil)
	require.NoError(t, err)
	assert.False(t, p.Bootstrap)
	assert.Contains(t, p.System, "You are Pip, a personal AI agent. Your user is Ada.")
	assert.Contains(t, p.System, "Dry wit. Loves maps.")
	assert.Contains(t, p.System, "# Profiles")
	assert.NotContains(t, p.System, "coming online")
}

func TestMissingPersonaIsNotAnError(t *testing.T) {
	a, st, _ := testAssembler(t, Options{})
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, "s1"))
	completeProfiles(t, st)

	p, err := a.Build(ctx, "s1", "hi", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, p.System)
}

func TestExtraToolsAndChannelBlocks(t *testing.T) {
	a, st, _ := testAssembler(t, Options{})
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, "s1"))

	p, err := a.Build(ctx, "s1", "hi", "telegram", []tools.SchemaEntry{
		{Name: "echo", Description: "echoes text"},
	})
	require.NoError(t, err)
	assert.Contains(t, p.System, "# Additional tools (call via tool_call)")
	assert.Contains(t, p.System, "- echo: echoes text")
	assert.Contains(t, p.System, "# Channel\ntelegram")
}

func TestMemoriesInjectedWithIDs(t *testing.T) {
	a, st, _ := testAssembler(t, Options{})
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, "s1"))

	id, err := st.SaveMemory(ctx, &store.MemoryEntry{Text: "Ada prefers metric units", Kind: store.MemoryDurable})
	require.NoError(t, err)

	p, err := a.Build(ctx, "s1", "what units should I use?", "", nil)
	require.NoError(t, err)
	assert.Contains(t, p.MemoryIDs, id)

	final := p.Messages[len(p.Messages)-1]
	assert.Contains(t, final.Content, "[Relevant memories]")
	assert.Contains(t, final.Content, "metric units")
	assert.True(t, strings.HasSuffix(final.Content, "what units should I use?"))
}

func TestWindowAndSummaryFrames(t *testing.T) {
	a, st, _ := testAssembler(t, Options{WindowMessages: 2})
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, "s1"))

	var ids []int64
	for _, txt := range []string{"one", "two", "three", "four"} {
		id, err := st.AppendMessage(ctx, &store.Message{SessionID: "s1", Role: store.RoleUser, Text: txt})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, st.AddSummary(ctx, "s1", ids[0], ids[1], "they counted to two"))

	p, err := a.Build(ctx, "s1", "five", "", nil)
	require.NoError(t, err)

	var contents []string
	for _, m := range p.Messages {
		contents = append(contents, m.Content)
	}
	joined := strings.Join(contents, "|")
	assert.Contains(t, joined, "they counted to two")
	assert.Contains(t, joined, "three")
	assert.Contains(t, joined, "four")
	assert.NotContains(t, joined, "|one|")
}

func TestReductionOrderWindowThenMemories(t *testing.T) {
	a, st, _ := testAssembler(t, Options{WindowMessages: 10, TokenBudget: 1500})
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, "s1"))

	long := strings.Repeat("wordy filler text ", 110)
	for i := 0; i < 10; i++ {
		_, err := st.AppendMessage(ctx, &store.Message{SessionID: "s1", Role: store.RoleUser, Text: long})
		require.NoError(t, err)
	}
	_, err := st.SaveMemory(ctx, &store.MemoryEntry{Text: "remember this fact"})
	require.NoError(t, err)

	p, err := a.Build(ctx, "s1", "remember fact", "", nil)
	require.NoError(t, err)

	// window shrank but the memory block survived
	assert.Less(t, len(p.Messages), 11)
	final := p.Messages[len(p.Messages)-1]
	assert.Contains(t, final.Content, "remember this fact")
}

func TestContextOverflow(t *testing.T) {
	a, st, _ := testAssembler(t, Options{TokenBudget: 10})
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, "s1"))

	_, err := a.Build(ctx, "s1", strings.Repeat("x", 4000), "", nil)
	var oerr *OverflowError
	require.ErrorAs(t, err, &oerr)
	assert.Greater(t, oerr.Estimated, oerr.Budget)
}
