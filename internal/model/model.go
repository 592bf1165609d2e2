// Package model defines the provider-neutral streaming completion
// contract shared by the turn loop, the prompt assembler, and the
// Anthropic and OpenAI adapters.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Model abstracts a streaming language-model provider. Given a prompt and
// tool schemas it produces a channel of chunks: text deltas, tool-call
// requests, then a terminal chunk with Done set.
type Model interface {
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Request is one streaming model call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
}

// Message is one prior conversation entry in provider-neutral form. A
// message carries either plain content, assistant tool calls, or tool
// results being returned to the model.
type Message struct {
	Role        string // "user" or "assistant"
	Content     string
	ToolCalls   []ToolCallRequest
	ToolResults []ToolCallResult
}

// ToolCallRequest is a model-emitted request to invoke a named tool.
type ToolCallRequest struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolCallResult returns a tool's output to the model.
type ToolCallResult struct {
	CallID  string
	Content string
	IsError bool
}

// ToolSchema describes one registry tool to the provider.
type ToolSchema struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Chunk is one streamed fragment. Exactly one of Text, ToolCall, Done or
// Err is meaningful per chunk; the terminal chunk carries Done plus token
// usage when the provider reports it.
type Chunk struct {
	Text         string
	ToolCall     *ToolCallRequest
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}

// Error classifies a provider failure. Transient errors are retried with
// backoff; permanent errors surface to the turn.
type Error struct {
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("model (%s): %v", kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Transient
}
