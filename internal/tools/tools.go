// Package tools holds the unified tool registry: built-in, extension, and
// remote tools behind a single name-to-descriptor map with schema validation,
// deadlines, and output caps.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Origin identifies where a tool came from.
type Origin string

const (
	OriginBuiltin   Origin = "builtin"
	OriginExtension Origin = "extension"
	OriginRemote    Origin = "remote"
)

// ReservedPrefix namespaces remote tools. Extension and built-in names may
// never start with it.
const ReservedPrefix = "MCP__"

// MaxToolNameLength bounds registered names.
const MaxToolNameLength = 256

// Tool is the invocable behind a descriptor. Implementations return the raw
// output string; the registry applies deadlines, validation and caps.
type Tool interface {
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolFunc adapts a plain function to Tool.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

func (f ToolFunc) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return f(ctx, args)
}

// Descriptor is one registered tool.
type Descriptor struct {
	Name        string
	Origin      Origin
	Description string
	// Schema is a JSON Schema object describing the arguments.
	Schema json.RawMessage
	// Timeout overrides the registry default when non-zero.
	Timeout time.Duration
	// MaxOutput overrides the registry default output cap when non-zero.
	MaxOutput int
	// Fingerprint identifies the source revision (extensions only).
	Fingerprint string

	Run Tool
}

// Result is a successful (or tool-level failed) invocation outcome.
type Result struct {
	Content string
	IsError bool
}

// ErrorKind classifies invocation failures.
type ErrorKind string

const (
	ErrNotFound       ErrorKind = "not_found"
	ErrSchema         ErrorKind = "schema"
	ErrExecution      ErrorKind = "execution"
	ErrTimeout        ErrorKind = "timeout"
	ErrOutputTooLarge ErrorKind = "output_too_large"
)

// ToolError is a failed invocation.
type ToolError struct {
	Kind   ErrorKind
	Name   string
	Detail string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Name, e.Kind, e.Detail)
}

// RegistryErrorKind classifies registration failures.
type RegistryErrorKind string

const (
	ErrNameCollision  RegistryErrorKind = "name_collision"
	ErrReservedPrefix RegistryErrorKind = "reserved_prefix"
	ErrLoadFailure    RegistryErrorKind = "load_failure"
)

// RegistryError is a failed registration or reload.
type RegistryError struct {
	Kind   RegistryErrorKind
	Name   string
	Detail string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s: %s: %s", e.Name, e.Kind, e.Detail)
}
