package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

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

// scriptedModel replies with canned text; block makes the first call hang
// until its context dies.
type scriptedModel struct {
	reply string
	block bool
}

func (m *scriptedModel) Complete(ctx context.Context, req *model.Request) (<-chan *model.Chunk, error) {
	ch := make(chan *model.Chunk, 4)
	go func() {
		defer close(ch)
		if m.block {
			<-ctx.Done()
			ch <- &model.Chunk{Err: ctx.Err()}
			return
		}
		ch <- &model.Chunk{Text: m.reply}
		ch <- &model.Chunk{Done: true}
	}()
	return ch, nil
}

func testServer(t *testing.T, m model.Model) (*Server, *store.Store) {
	t.Helper()
	ws := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8420
	cfg.Runtime.WorkspacePath = ws
	cfg.Runtime.Context.WindowMessages = 40
	cfg.Runtime.Context.MemoryTopK = 5
	cfg.Runtime.Context.TokenBudget = 100000
	cfg.Runtime.Turn.MaxToolIterations = 16
	cfg.Runtime.Turn.DeadlineSeconds = 10
	cfg.Runtime.Turn.ModelCallSeconds = 10
	cfg.Model.Model = "test-model"

	reg := tools.NewRegistry(tools.DefaultLimits())
	require.NoError(t, tools.RegisterBuiltins(reg, tools.BuiltinDeps{
		Store:         st,
		WorkspacePath: ws,
		FileTimeout:   5 * time.Second,
		PythonTimeout: 5 * time.Second,
	}))
	asm := assemble.New(st, ws, assemble.Options{
		WindowMessages: 40, MemoryTopK: 5, TokenBudget: 100000,
	})
	rt := agent.NewRuntime(cfg, st, reg, asm, events.NewBus(), nil, m)
	return NewServer(cfg, rt), st
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateSession(t *testing.T) {
	srv, st := testServer(t, &scriptedModel{reply: "hi"})
	w := postJSON(t, srv.Handler(), "/sessions", map[string]string{})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["session_id"])

	_, err := st.GetSession(context.Background(), resp["session_id"])
	assert.NoError(t, err)
}

func TestSubmitTurnAccepted(t *testing.T) {
	srv, _ := testServer(t, &scriptedModel{reply: "hello there"})
	h := srv.Handler()

	w := postJSON(t, h, "/sessions/s1/turns", turnRequest{Text: "hi"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Turn-Id"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, w.Header().Get("X-Turn-Id"), resp["turn_id"])
}

func TestSubmitTurnRejectsEmptyText(t *testing.T) {
	srv, _ := testServer(t, &scriptedModel{reply: "x"})
	w := postJSON(t, srv.Handler(), "/sessions/s1/turns", turnRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBusySessionReturnsConflict(t *testing.T) {
	srv, _ := testServer(t, &scriptedModel{block: true})
	h := srv.Handler()

	w := postJSON(t, h, "/sessions/s1/turns", turnRequest{Text: "first"})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		w := postJSON(t, h, "/sessions/s1/turns", turnRequest{Text: "second"})
		return w.Code == http.StatusConflict
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEventStream(t *testing.T) {
	srv, _ := testServer(t, &scriptedModel{reply: "streamed reply"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/s1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	w := postJSON(t, srv.Handler(), "/sessions/s1/turns", turnRequest{Text: "hi"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended early; events: %v", types)
			}
			if strings.HasPrefix(line, "event: ") {
				types = append(types, strings.TrimPrefix(line, "event: "))
				if types[len(types)-1] == "turn_finished" {
					assert.Equal(t, "turn_started", types[0])
					assert.Contains(t, types, "assistant_delta")
					assert.Contains(t, types, "assistant_message")
					return
				}
			}
		case <-deadline:
			t.Fatalf("no turn_finished within deadline; events: %v", types)
		}
	}
}

func TestCommandInfo(t *testing.T) {
	srv, st := testServer(t, &scriptedModel{reply: "x"})
	require.NoError(t, st.CreateSession(context.Background(), "s1"))

	w := postJSON(t, srv.Handler(), "/sessions/s1/commands", commandRequest{Command: "info"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["result"], `"session_id": "s1"`)
}

func TestCommandUnknown(t *testing.T) {
	srv, _ := testServer(t, &scriptedModel{reply: "x"})
	w := postJSON(t, srv.Handler(), "/sessions/s1/commands", commandRequest{Command: "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusAndHealthz(t *testing.T) {
	srv, _ := testServer(t, &scriptedModel{reply: "x"})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status agent.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.BootstrapComplete)
	assert.Greater(t, status.Tools, 0)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
