package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDescriptor(name string) *Descriptor {
	return &Descriptor{
		Name:        name,
		Origin:      OriginExtension,
		Description: "echo back the text argument",
		Schema:      objSchema(`"text":{"type":"string"}`, "text"),
		Run: ToolFunc(func(_ context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", err
			}
			return p.Text, nil
		}),
	}
}

func TestRegisterRejectsCollision(t *testing.T) {
	r := NewRegistry(DefaultLimits())
	require.NoError(t, r.Register(echoDescriptor("echo")))

	err := r.Register(echoDescriptor("echo"))
	require.Error(t, err)
	var rerr *RegistryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrNameCollision, rerr.Kind)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterRejectsReservedPrefix(t *testing.T) {
	r := NewRegistry(DefaultLimits())

	err := r.Register(echoDescriptor("MCP__x"))
	require.Error(t, err)
	var rerr *RegistryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrReservedPrefix, rerr.Kind)
	assert.Equal(t, 0, r.Len())

	// case-sensitive: a lowercase prefix is a normal name
	assert.NoError(t, r.Register(echoDescriptor("mcp__x")))

	// remote tools may use the prefix
	remote := echoDescriptor("MCP__srv__tool")
	remote.Origin = OriginRemote
	assert.NoError(t, r.Register(remote))
}

func TestReplaceSwapsDescriptorButNotAcrossOrigins(t *testing.T) {
	r := NewRegistry(DefaultLimits())
	require.NoError(t, r.Register(echoDescriptor("echo")))

	updated := echoDescriptor("echo")
	updated.Description = "v2"
	require.NoError(t, r.Replace(updated))
	d, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "v2", d.Description)

	require.NoError(t, r.Register(echoDescriptor("other")))
	clash := echoDescriptor("other")
	clash.Origin = OriginBuiltin
	err := r.Replace(clash)
	var rerr *RegistryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrNameCollision, rerr.Kind)
}

func TestInvokeValidatesSchema(t *testing.T) {
	r := NewRegistry(DefaultLimits())
	require.NoError(t, r.Register(echoDescriptor("echo")))

	res, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)

	_, err = r.Invoke(context.Background(), "echo", json.RawMessage(`{}`))
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrSchema, terr.Kind)
}

func TestInvokeCoercesUnambiguousTypes(t *testing.T) {
	r := NewRegistry(DefaultLimits())
	d := &Descriptor{
		Name:   "count",
		Origin: OriginBuiltin,
		Schema: objSchema(`"n":{"type":"integer"}`, "n"),
		Run: ToolFunc(func(_ context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		}),
	}
	require.NoError(t, r.Register(d))

	res, err := r.Invoke(context.Background(), "count", json.RawMessage(`{"n":"42"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":42}`, res.Content)
}

func TestInvokeUnknownToolIsNotFound(t *testing.T) {
	r := NewRegistry(DefaultLimits())
	_, err := r.Invoke(context.Background(), "nope", nil)
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrNotFound, terr.Kind)
}

func TestInvokeEnforcesDeadline(t *testing.T) {
	r := NewRegistry(DefaultLimits())
	d := &Descriptor{
		Name:    "sleepy",
		Origin:  OriginBuiltin,
		Timeout: 20 * time.Millisecond,
		Run: ToolFunc(func(ctx context.Context, _ json.RawMessage) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "done", nil
			}
		}),
	}
	require.NoError(t, r.Register(d))

	_, err := r.Invoke(context.Background(), "sleepy", nil)
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrTimeout, terr.Kind)
}

func TestInvokeCapsOutput(t *testing.T) {
	r := NewRegistry(Limits{Timeout: time.Second, MaxOutput: 10})
	d := &Descriptor{
		Name:   "chatty",
		Origin: OriginBuiltin,
		Run: ToolFunc(func(_ context.Context, _ json.RawMessage) (string, error) {
			return strings.Repeat("a", 50), nil
		}),
	}
	require.NoError(t, r.Register(d))

	res, err := r.Invoke(context.Background(), "chatty", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.Content, "[output truncated]"))
	assert.True(t, strings.HasPrefix(res.Content, "aaaaaaaaaa"))

	runaway := &Descriptor{
		Name:   "runaway",
		Origin: OriginBuiltin,
		Run: ToolFunc(func(_ context.Context, _ json.RawMessage) (string, error) {
			return strings.Repeat("a", 500), nil
		}),
	}
	require.NoError(t, r.Register(runaway))
	_, err = r.Invoke(context.Background(), "runaway", nil)
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrOutputTooLarge, terr.Kind)
}

func TestSchemasAreSorted(t *testing.T) {
	r := NewRegistry(DefaultLimits())
	require.NoError(t, r.Register(echoDescriptor("zeta")))
	require.NoError(t, r.Register(echoDescriptor("alpha")))

	entries := r.Schemas()
	require.Len(t, entries, 2)
	assert.Equal(t, "alpha", entries[0].Name)
	assert.Equal(t, "zeta", entries[1].Name)
}
