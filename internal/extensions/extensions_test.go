package extensions

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pith-sh/pith/internal/events"
	"github.com/pith-sh/pith/internal/tools"
)

const echoSource = `async def run(text: str) -> str:
    return text
`

const headerSource = `# pith: description: Greets someone by name.
# pith: params:
# pith:   name: {type: str, required: true}
# pith:   shout: {type: bool, required: false}

async def run(name, shout=False):
    msg = "hello " + name
    return msg.upper() if shout else msg
`

func writeExt(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestParseFileFromSignature(t *testing.T) {
	dir := t.TempDir()
	path := writeExt(t, dir, "echo.py", echoSource)

	spec, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "echo", spec.Name)
	assert.NotEmpty(t, spec.Fingerprint)

	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(spec.Schema, &schema))
	assert.Equal(t, "string", schema.Properties["text"].Type)
	assert.Equal(t, []string{"text"}, schema.Required)
}

func TestParseFileFromHeader(t *testing.T) {
	dir := t.TempDir()
	path := writeExt(t, dir, "greet.py", headerSource)

	spec, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Greets someone by name.", spec.Description)

	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(spec.Schema, &schema))
	assert.Equal(t, "string", schema.Properties["name"].Type)
	assert.Equal(t, "boolean", schema.Properties["shout"].Type)
	assert.Equal(t, []string{"name"}, schema.Required)
}

func TestParseFileRejectsMissingOrSyncRun(t *testing.T) {
	dir := t.TempDir()

	_, err := ParseFile(writeExt(t, dir, "empty.py", "x = 1\n"))
	assert.Error(t, err)

	_, err = ParseFile(writeExt(t, dir, "sync.py", "def run(text):\n    return text\n"))
	assert.ErrorContains(t, err, "async")
}

func TestFingerprintChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := writeExt(t, dir, "echo.py", echoSource)
	spec1, err := ParseFile(path)
	require.NoError(t, err)

	writeExt(t, dir, "echo.py", echoSource+"\n# changed\n")
	spec2, err := ParseFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, spec1.Fingerprint, spec2.Fingerprint)
}

func TestManagerLoadsAndHotReloads(t *testing.T) {
	dir := t.TempDir()
	reg := tools.NewRegistry(tools.DefaultLimits())
	bus := events.NewBus()
	m := NewManager(dir, reg, bus, nil)
	m.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	writeExt(t, dir, "echo.py", echoSource)
	require.Eventually(t, func() bool {
		_, ok := reg.Get("echo")
		return ok
	}, time.Second, 10*time.Millisecond)

	d, _ := reg.Get("echo")
	first := d.Fingerprint

	writeExt(t, dir, "echo.py", echoSource+"\n# v2\n")
	require.Eventually(t, func() bool {
		d, ok := reg.Get("echo")
		return ok && d.Fingerprint != first
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "echo.py")))
	require.Eventually(t, func() bool {
		_, ok := reg.Get("echo")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestManagerEmitsReloadFailureForReservedPrefix(t *testing.T) {
	dir := t.TempDir()
	reg := tools.NewRegistry(tools.DefaultLimits())
	bus := events.NewBus()
	sub := bus.Subscribe("watcher", 10)
	defer bus.Unsubscribe(sub)

	m := NewManager(dir, reg, bus, nil)
	m.debounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	before := reg.Len()
	writeExt(t, dir, "MCP__x.py", echoSource)

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.ReloadFailure, ev.Type)
		assert.Equal(t, "reserved_prefix", ev.Data["kind"])
	case <-time.After(time.Second):
		t.Fatal("no reload_failure event")
	}
	assert.Equal(t, before, reg.Len())
}

func TestManagerIgnoresChannelSources(t *testing.T) {
	root := t.TempDir()
	toolsDir := filepath.Join(root, "extensions", "tools")
	channelsDir := filepath.Join(root, "extensions", "channels")
	require.NoError(t, os.MkdirAll(channelsDir, 0o755))
	writeExt(t, channelsDir, "irc.py", echoSource)

	reg := tools.NewRegistry(tools.DefaultLimits())
	m := NewManager(toolsDir, reg, events.NewBus(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	// channel sources never become tools
	_, ok := reg.Get("irc")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestManagerRetainsPreviousDescriptorOnFailure(t *testing.T) {
	dir := t.TempDir()
	reg := tools.NewRegistry(tools.DefaultLimits())
	m := NewManager(dir, reg, events.NewBus(), nil)

	writeExt(t, dir, "echo.py", echoSource)
	m.ScanAll()
	d1, ok := reg.Get("echo")
	require.True(t, ok)

	// break the file; the old descriptor must survive
	writeExt(t, dir, "echo.py", "def run(text):\n    return text\n")
	m.loadFile(filepath.Join(dir, "echo.py"))

	d2, ok := reg.Get("echo")
	require.True(t, ok)
	assert.Equal(t, d1.Fingerprint, d2.Fingerprint)
}

func TestRunnerExecutesPython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	dir := t.TempDir()
	path := writeExt(t, dir, "echo.py", echoSource)

	r := &runner{path: path}
	out, err := r.Execute(context.Background(), json.RawMessage(`{"text":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
