package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pith-sh/pith/internal/config"
	"github.com/pith-sh/pith/internal/store"
)

// BuiltinDeps carries what the built-in tools need.
type BuiltinDeps struct {
	Store         *store.Store
	WorkspacePath string
	FileTimeout   time.Duration
	PythonTimeout time.Duration
	RecencyWeight float64
}

// RegisterBuiltins installs the fixed tool set. Built-ins are registered
// first and can never be overridden by extensions or remote tools.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	root := workspaceRoot(deps.WorkspacePath)

	builtins := []*Descriptor{
		{
			Name:        "read",
			Description: "Read a file from the workspace.",
			Schema:      objSchema(`"path":{"type":"string","description":"workspace-relative path"}`, "path"),
			Timeout:     deps.FileTimeout,
			Run:         &readTool{root: root},
		},
		{
			Name:        "write",
			Description: "Write (create or overwrite) a file in the workspace.",
			Schema:      objSchema(`"path":{"type":"string"},"content":{"type":"string"}`, "path", "content"),
			Timeout:     deps.FileTimeout,
			Run:         &writeTool{root: root},
		},
		{
			Name:        "edit",
			Description: "Replace the first occurrence of a text fragment in a file.",
			Schema:      objSchema(`"path":{"type":"string"},"old":{"type":"string"},"new":{"type":"string"}`, "path", "old", "new"),
			Timeout:     deps.FileTimeout,
			Run:         &editTool{root: root},
		},
		{
			Name:        "list_dir",
			Description: "List a workspace directory, optionally filtered by glob, optionally recursive.",
			Schema:      objSchema(`"path":{"type":"string"},"glob":{"type":"string"},"recursive":{"type":"boolean"}`),
			Timeout:     deps.FileTimeout,
			Run:         &listDirTool{root: root},
		},
		{
			Name:        "file_search",
			Description: "Find files in the workspace whose name matches a glob or substring pattern.",
			Schema:      objSchema(`"pattern":{"type":"string"},"path":{"type":"string"}`, "pattern"),
			Timeout:     deps.FileTimeout,
			Run:         &fileSearchTool{root: root},
		},
		{
			Name:        "run_python",
			Description: "Run a short Python snippet in an isolated interpreter and return its output.",
			Schema:      objSchema(`"code":{"type":"string"}`, "code"),
			Timeout:     deps.PythonTimeout,
			Run:         &runPythonTool{},
		},
		{
			Name:        "memory_save",
			Description: "Save a memory entry for later retrieval. Kind is 'durable' for lasting facts or 'episodic' for recent context.",
			Schema:      objSchema(`"text":{"type":"string"},"kind":{"type":"string","enum":["durable","episodic"]},"tags":{"type":"array","items":{"type":"string"}}`, "text"),
			Run:         &memorySaveTool{store: deps.Store},
		},
		{
			Name:        "memory_search",
			Description: "Search saved memories by full-text query.",
			Schema:      objSchema(`"query":{"type":"string"},"limit":{"type":"integer"}`, "query"),
			Run:         &memorySearchTool{store: deps.Store, recencyWeight: deps.RecencyWeight},
		},
		{
			Name:        "set_profile",
			Description: "Set one field of the agent or user profile. Use only during bootstrap or on explicit user direction.",
			Schema:      objSchema(`"profile":{"type":"string","enum":["agent","user"]},"key":{"type":"string"},"value":{"type":"string"}`, "profile", "key", "value"),
			Run:         &setProfileTool{store: deps.Store},
		},
		{
			Name:        "tool_call",
			Description: "Call another registered tool by name with a JSON argument object. Use for extension and remote tools.",
			Schema:      objSchema(`"name":{"type":"string"},"args":{"type":"object"}`, "name"),
			Run:         &toolCallTool{registry: r},
		},
		{
			Name:        "list_secrets",
			Description: "List the names of secrets available in the environment. Values are never shown.",
			Schema:      objSchema(``),
			Run:         &listSecretsTool{workspace: deps.WorkspacePath},
		},
	}

	for _, d := range builtins {
		d.Origin = OriginBuiltin
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func objSchema(props string, required ...string) json.RawMessage {
	s := `{"type":"object","properties":{` + props + `}`
	if len(required) > 0 {
		req, _ := json.Marshal(required)
		s += `,"required":` + string(req)
	}
	return json.RawMessage(s + `}`)
}

type runPythonTool struct{}

func (t *runPythonTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, "python3", "-I", "-c", p.Code)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%v\n%s", err, out)
	}
	return string(out), nil
}

type memorySaveTool struct{ store *store.Store }

func (t *memorySaveTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Text string   `json:"text"`
		Kind string   `json:"kind"`
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	id, err := t.store.SaveMemory(ctx, &store.MemoryEntry{
		Text: p.Text, Kind: p.Kind, Tags: p.Tags, Source: "agent",
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("saved memory %d", id), nil
}

type memorySearchTool struct {
	store         *store.Store
	recencyWeight float64
}

func (t *memorySearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	entries, err := t.store.SearchMemory(ctx, p.Query, p.Limit, t.recencyWeight)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "no matches", nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", e.ID, e.Kind, e.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

type setProfileTool struct{ store *store.Store }

func (t *setProfileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Profile string `json:"profile"`
		Key     string `json:"key"`
		Value   string `json:"value"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	if err := t.store.SetProfile(ctx, p.Profile, p.Key, p.Value); err != nil {
		return "", err
	}
	return fmt.Sprintf("set %s.%s", p.Profile, p.Key), nil
}

// toolCallTool re-enters Invoke so models can reach tools the provider does
// not surface as first-class schemas. It refuses to call itself.
type toolCallTool struct{ registry *Registry }

func (t *toolCallTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	if p.Name == "tool_call" {
		return "", fmt.Errorf("tool_call cannot invoke itself")
	}
	if strings.HasPrefix(p.Name, ReservedPrefix) {
		if _, ok := t.registry.Get(p.Name); !ok {
			return "", fmt.Errorf("no remote tool named %s", p.Name)
		}
	}
	res, err := t.registry.Invoke(ctx, p.Name, p.Args)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

type listSecretsTool struct{ workspace string }

func (t *listSecretsTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	names, err := config.SecretNames(t.workspace)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "(no secrets)", nil
	}
	return strings.Join(names, "\n"), nil
}
