package telegram

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pith-sh/pith/internal/agent"
	"github.com/pith-sh/pith/internal/assemble"
	"github.com/pith-sh/pith/internal/config"
	"github.com/pith-sh/pith/internal/events"
	"github.com/pith-sh/pith/internal/model"
	"github.com/pith-sh/pith/internal/store"
	"github.com/pith-sh/pith/internal/tools"
)

type echoModel struct{}

func (echoModel) Complete(ctx context.Context, req *model.Request) (<-chan *model.Chunk, error) {
	ch := make(chan *model.Chunk, 2)
	last := req.Messages[len(req.Messages)-1]
	ch <- &model.Chunk{Text: "reply to: " + last.Content}
	ch <- &model.Chunk{Done: true}
	close(ch)
	return ch, nil
}

// fakeBot serves scripted update batches, then blocks like a long poll
// until the context dies.
type fakeBot struct {
	mu      sync.Mutex
	batches [][]*tgmodels.Update
	sent    []*bot.SendMessageParams
	offsets []int64
}

func (f *fakeBot) GetUpdates(ctx context.Context, params *bot.GetUpdatesParams) ([]*tgmodels.Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, params.Offset)
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	return &tgmodels.Message{}, nil
}

func (f *fakeBot) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.sent {
		out = append(out, p.Text)
	}
	return out
}

func update(id int64, chatID int64, text string) *tgmodels.Update {
	return &tgmodels.Update{
		ID: id,
		Message: &tgmodels.Message{
			Text: text,
			Chat: tgmodels.Chat{ID: chatID},
		},
	}
}

func testAdapter(t *testing.T, cfg Config) (*Adapter, *fakeBot, *store.Store) {
	t.Helper()
	ws := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := &config.Config{}
	c.Runtime.WorkspacePath = ws
	c.Runtime.Context.WindowMessages = 40
	c.Runtime.Context.MemoryTopK = 5
	c.Runtime.Context.TokenBudget = 100000
	c.Runtime.Turn.MaxToolIterations = 16
	c.Runtime.Turn.DeadlineSeconds = 10
	c.Runtime.Turn.ModelCallSeconds = 10
	c.Model.Model = "test-model"

	reg := tools.NewRegistry(tools.DefaultLimits())
	require.NoError(t, tools.RegisterBuiltins(reg, tools.BuiltinDeps{
		Store: st, WorkspacePath: ws,
		FileTimeout: 5 * time.Second, PythonTimeout: 5 * time.Second,
	}))
	asm := assemble.New(st, ws, assemble.Options{WindowMessages: 40, MemoryTopK: 5, TokenBudget: 100000})
	rt := agent.NewRuntime(c, st, reg, asm, events.NewBus(), nil, echoModel{})

	fake := &fakeBot{}
	a := New(cfg, rt)
	a.client = fake
	return a, fake, st
}

func runUntilIdle(t *testing.T, a *Adapter, check func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	require.Eventually(t, check, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}

func TestInboundMessageGetsReply(t *testing.T) {
	a, fake, _ := testAdapter(t, Config{Token: "t"})
	fake.batches = [][]*tgmodels.Update{
		{update(10, 42, "hello from telegram")},
	}

	runUntilIdle(t, a, func() bool { return len(fake.sentTexts()) == 1 })
	assert.Contains(t, fake.sentTexts()[0], "hello from telegram")
	assert.EqualValues(t, 42, fake.sent[0].ChatID)
}

func TestOffsetPersistedAcrossRuns(t *testing.T) {
	a, fake, st := testAdapter(t, Config{Token: "t"})
	fake.batches = [][]*tgmodels.Update{
		{update(7, 42, "one"), update(8, 42, "two")},
	}

	runUntilIdle(t, a, func() bool { return len(fake.sentTexts()) == 2 })

	raw, ok, err := st.GetAppState(context.Background(), store.StateTelegramOffset)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9", raw)

	// a fresh run resumes from the stored cursor
	fake.mu.Lock()
	fake.offsets = nil
	fake.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = a.Run(ctx)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.NotEmpty(t, fake.offsets)
	assert.EqualValues(t, 9, fake.offsets[0])
}

func TestDisallowedChatIsIgnored(t *testing.T) {
	a, fake, _ := testAdapter(t, Config{Token: "t", AllowedChatID: 42})
	fake.batches = [][]*tgmodels.Update{
		{update(1, 99, "intruder"), update(2, 42, "owner message")},
	}

	runUntilIdle(t, a, func() bool { return len(fake.sentTexts()) == 1 })
	assert.Contains(t, fake.sentTexts()[0], "owner message")
}

func TestSlashCommandRunsWithoutModel(t *testing.T) {
	a, fake, st := testAdapter(t, Config{Token: "t"})
	require.NoError(t, st.CreateSession(context.Background(), "seed"))
	require.NoError(t, st.SetAppState(context.Background(), store.StateActiveSession, "seed"))
	fake.batches = [][]*tgmodels.Update{
		{update(1, 42, "/info")},
	}

	runUntilIdle(t, a, func() bool { return len(fake.sentTexts()) == 1 })
	assert.Contains(t, fake.sentTexts()[0], `"session_id"`)
}

func TestLongReplyIsSplit(t *testing.T) {
	parts := splitMessage(strings.Repeat("line of text\n", 800), maxMessageLength)
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), maxMessageLength)
	}
	// content is preserved apart from the boundary newlines
	joined := strings.Join(parts, "\n")
	assert.Equal(t, strings.Count(strings.Repeat("line of text\n", 800), "line"), strings.Count(joined, "line"))
}
