package model

import (
	"encoding/json"
	"fmt"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertOpenAIMessages(t *testing.T) {
	msgs := convertOpenAIMessages("be terse", []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "checking", ToolCalls: []ToolCallRequest{
			{ID: "c1", Name: "read", Args: json.RawMessage(`{"path":"a.txt"}`)},
		}},
		{Role: "user", ToolResults: []ToolCallResult{
			{CallID: "c1", Content: "file contents"},
		}},
	})

	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "be terse", msgs[0].Content)

	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "read", msgs[2].ToolCalls[0].Function.Name)

	assert.Equal(t, openai.ChatMessageRoleTool, msgs[3].Role)
	assert.Equal(t, "c1", msgs[3].ToolCallID)
}

func TestConvertAnthropicMessagesRejectsBadToolInput(t *testing.T) {
	_, err := convertAnthropicMessages([]Message{
		{Role: "assistant", ToolCalls: []ToolCallRequest{
			{ID: "c1", Name: "read", Args: json.RawMessage(`not json`)},
		}},
	})
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(classifyOpenAIError(&openai.APIError{HTTPStatusCode: 429})))
	assert.True(t, IsTransient(classifyOpenAIError(&openai.APIError{HTTPStatusCode: 503})))
	assert.False(t, IsTransient(classifyOpenAIError(&openai.APIError{HTTPStatusCode: 401})))

	assert.True(t, IsTransient(classifyAnthropicError(fmt.Errorf("dial tcp: connection refused"))))
	assert.False(t, IsTransient(classifyAnthropicError(fmt.Errorf("invalid request"))))

	assert.False(t, IsTransient(fmt.Errorf("plain error")))
}
