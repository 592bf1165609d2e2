package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Limits are the operator-configured invocation defaults.
type Limits struct {
	Timeout   time.Duration
	MaxOutput int
}

// DefaultLimits mirrors the config defaults.
func DefaultLimits() Limits {
	return Limits{Timeout: 30 * time.Second, MaxOutput: 8000}
}

type entry struct {
	desc     *Descriptor
	compiled *jsonschema.Schema
}

// Registry is the name-to-descriptor map. Reads are frequent (every turn
// lists schemas); writes happen at startup and on extension reload.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	defaults Limits
	logger   *slog.Logger
}

// NewRegistry creates an empty registry with the given invocation defaults.
func NewRegistry(defaults Limits) *Registry {
	if defaults.Timeout == 0 {
		defaults.Timeout = DefaultLimits().Timeout
	}
	if defaults.MaxOutput == 0 {
		defaults.MaxOutput = DefaultLimits().MaxOutput
	}
	return &Registry{
		entries:  map[string]*entry{},
		defaults: defaults,
		logger:   slog.Default().With("component", "registry"),
	}
}

// Register adds a descriptor. Names are unique; non-remote names may not use
// the reserved prefix; collisions fail loudly and leave the registry
// unchanged.
func (r *Registry) Register(d *Descriptor) error {
	if d.Name == "" || len(d.Name) > MaxToolNameLength {
		return &RegistryError{Kind: ErrLoadFailure, Name: d.Name, Detail: "invalid tool name"}
	}
	if d.Origin != OriginRemote && strings.HasPrefix(d.Name, ReservedPrefix) {
		return &RegistryError{Kind: ErrReservedPrefix, Name: d.Name,
			Detail: fmt.Sprintf("prefix %q is reserved for remote tools", ReservedPrefix)}
	}

	compiled, err := compileSchema(d)
	if err != nil {
		return &RegistryError{Kind: ErrLoadFailure, Name: d.Name, Detail: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Name]; exists {
		return &RegistryError{Kind: ErrNameCollision, Name: d.Name, Detail: "name already registered"}
	}
	r.entries[d.Name] = &entry{desc: d, compiled: compiled}
	return nil
}

// Replace swaps the descriptor of an existing extension tool atomically, or
// registers it if absent. Used by hot reload; built-ins cannot be replaced.
func (r *Registry) Replace(d *Descriptor) error {
	if d.Origin != OriginRemote && strings.HasPrefix(d.Name, ReservedPrefix) {
		return &RegistryError{Kind: ErrReservedPrefix, Name: d.Name,
			Detail: fmt.Sprintf("prefix %q is reserved for remote tools", ReservedPrefix)}
	}

	compiled, err := compileSchema(d)
	if err != nil {
		return &RegistryError{Kind: ErrLoadFailure, Name: d.Name, Detail: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[d.Name]; ok && existing.desc.Origin != d.Origin {
		return &RegistryError{Kind: ErrNameCollision, Name: d.Name,
			Detail: fmt.Sprintf("name is owned by a %s tool", existing.desc.Origin)}
	}
	r.entries[d.Name] = &entry{desc: d, compiled: compiled}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.desc, true
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Invoke validates args against the tool's schema, runs it under its
// deadline, and caps the output. Failures come back as *ToolError.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ToolError{Kind: ErrNotFound, Name: name, Detail: "no such tool"}
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	validated, err := r.validateArgs(e, args)
	if err != nil {
		return nil, &ToolError{Kind: ErrSchema, Name: name, Detail: err.Error()}
	}

	timeout := e.desc.Timeout
	if timeout == 0 {
		timeout = r.defaults.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := e.desc.Run.Execute(callCtx, validated)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &ToolError{Kind: ErrTimeout, Name: name,
				Detail: fmt.Sprintf("exceeded %s deadline", timeout)}
		}
		return nil, &ToolError{Kind: ErrExecution, Name: name, Detail: err.Error()}
	}
	r.logger.Debug("tool invoked", "name", name, "duration", time.Since(start))

	maxOut := e.desc.MaxOutput
	if maxOut == 0 {
		maxOut = r.defaults.MaxOutput
	}
	if len(out) > 10*maxOut {
		return nil, &ToolError{Kind: ErrOutputTooLarge, Name: name,
			Detail: fmt.Sprintf("output of %d bytes exceeds hard cap", len(out))}
	}
	if len(out) > maxOut {
		out = out[:maxOut] + "\n... [output truncated]"
	}
	return &Result{Content: out}, nil
}

// SchemaEntry is what the model call needs to know about one tool.
type SchemaEntry struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Schemas returns schema entries for all registered tools, sorted by name.
func (r *Registry) Schemas() []SchemaEntry {
	descs := r.List()
	out := make([]SchemaEntry, len(descs))
	for i, d := range descs {
		out[i] = SchemaEntry{Name: d.Name, Description: d.Description, Schema: d.Schema}
	}
	return out
}

func compileSchema(d *Descriptor) (*jsonschema.Schema, error) {
	if len(d.Schema) == 0 {
		d.Schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + d.Name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(d.Schema))); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

// validateArgs validates and, where unambiguous, coerces argument types
// (stringly-typed numbers and booleans) before re-validating.
func (r *Registry) validateArgs(e *entry, args json.RawMessage) (json.RawMessage, error) {
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}

	if err := e.compiled.Validate(decoded); err == nil {
		return args, nil
	}

	coerced := coerceArgs(e.desc.Schema, decoded)
	if err := e.compiled.Validate(coerced); err != nil {
		return nil, err
	}
	out, err := json.Marshal(coerced)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func coerceArgs(schemaJSON json.RawMessage, args map[string]any) map[string]any {
	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return args
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
		prop, ok := schema.Properties[k]
		if !ok {
			continue
		}
		s, isStr := v.(string)
		if !isStr {
			continue
		}
		switch prop.Type {
		case "integer":
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				out[k] = n
			}
		case "number":
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				out[k] = f
			}
		case "boolean":
			if b, err := strconv.ParseBool(s); err == nil {
				out[k] = b
			}
		}
	}
	return out
}
