// Package mcp discovers and invokes remote tools over MCP JSON-RPC.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pith-sh/pith/internal/config"
	"github.com/pith-sh/pith/internal/tools"
)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client talks JSON-RPC 2.0 to one remote tool server over HTTP POST.
type Client struct {
	name    string
	url     string
	headers map[string]string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for one configured server.
func NewClient(cfg config.MCPServerConfig) *Client {
	return &Client{
		name:    cfg.Name,
		url:     cfg.URL,
		headers: cfg.Headers,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default().With("component", "mcp", "server", cfg.Name),
	}
}

// Call sends one request and decodes the response.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// RemoteTool mirrors one tools/list entry.
type RemoteTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListTools runs the tools/list call.
func (c *Client) ListTools(ctx context.Context) ([]RemoteTool, error) {
	raw, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []RemoteTool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	return result.Tools, nil
}

// CallTool runs tools/call and flattens the text content blocks.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	raw, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return "", false, err
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, fmt.Errorf("decode tools/call: %w", err)
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}

// remoteRunner adapts one discovered tool to the registry interface.
type remoteRunner struct {
	client *Client
	tool   string
}

func (r *remoteRunner) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	out, isErr, err := r.client.CallTool(ctx, r.tool, args)
	if err != nil {
		return "", err
	}
	if isErr {
		return "", fmt.Errorf("%s", out)
	}
	return out, nil
}

// Discover lists each configured server's tools and registers them under
// MCP__<server>__<tool>. Unreachable servers are logged and skipped.
// Returns how many tools were registered.
func Discover(ctx context.Context, servers []config.MCPServerConfig, registry *tools.Registry) int {
	registered := 0
	for _, srv := range servers {
		client := NewClient(srv)
		listed, err := client.ListTools(ctx)
		if err != nil {
			client.logger.Warn("server unreachable, skipping", "url", srv.URL, "error", err)
			continue
		}
		for _, rt := range listed {
			name := fmt.Sprintf("%s%s__%s", tools.ReservedPrefix, srv.Name, rt.Name)
			desc := &tools.Descriptor{
				Name:        name,
				Origin:      tools.OriginRemote,
				Description: rt.Description,
				Schema:      rt.InputSchema,
				Run:         &remoteRunner{client: client, tool: rt.Name},
			}
			if err := registry.Register(desc); err != nil {
				client.logger.Warn("failed to register remote tool", "name", name, "error", err)
				continue
			}
			registered++
		}
		client.logger.Info("remote tools registered", "count", len(listed))
	}
	return registered
}
