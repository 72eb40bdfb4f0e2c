package target

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/context-compat/internal/log"
	"github.com/roach88/context-compat/internal/rpc"
)

// ProtocolVersion is the MCP protocol revision the harness speaks.
const ProtocolVersion = "2024-11-05"

// CacheRootEnv tells the server where caches live.
const CacheRootEnv = "CONTEXT_CACHE_ROOT"

// Tool names exposed by the server.
const (
	ToolResolve      = "context.resolve"
	ToolListCaches   = "context.list_caches"
	ToolInspectCache = "context.inspect_cache"
)

// MCPConfig describes how to start the server.
type MCPConfig struct {
	Binary      string
	Env         map[string]string
	CacheRoot   string
	Dir         string
	CallTimeout time.Duration
	Logger      *log.Logger
}

// MCP is one session with the context server.
type MCP struct {
	session *rpc.Session
}

// StartMCP spawns the server with CONTEXT_CACHE_ROOT set.
func StartMCP(ctx context.Context, cfg MCPConfig) (*MCP, error) {
	env := make(map[string]string, len(cfg.Env)+1)
	for k, v := range cfg.Env {
		env[k] = v
	}
	if cfg.CacheRoot != "" {
		env[CacheRootEnv] = cfg.CacheRoot
	}
	s, err := rpc.Start(ctx, rpc.Config{
		Binary:      cfg.Binary,
		Env:         env,
		Dir:         cfg.Dir,
		CallTimeout: cfg.CallTimeout,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &MCP{session: s}, nil
}

// Session exposes the underlying JSON-RPC session.
func (m *MCP) Session() *rpc.Session {
	return m.session
}

// Close ends the session.
func (m *MCP) Close() error {
	return m.session.Close()
}

// ServerInfo identifies the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's handshake reply.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// Initialize performs the handshake and sends notifications/initialized.
func (m *MCP) Initialize(ctx context.Context) (*InitializeResult, error) {
	resp, err := m.session.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "compat", "version": "0"},
	})
	if err != nil {
		return nil, err
	}
	var res InitializeResult
	if err := resp.Decode(&res); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := m.session.Notify("notifications/initialized", nil); err != nil {
		return nil, err
	}
	return &res, nil
}

// Tool describes one server tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListTools returns the tools in the order the server lists them.
func (m *MCP) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := m.session.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := resp.Decode(&res); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	return res.Tools, nil
}

// Content is one item of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the decoded result of tools/call.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Text joins the text items of the result.
func (r *ToolResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolCall is the params of tools/call.
func ToolCall(name string, args any) rpc.Call {
	return rpc.Call{Method: "tools/call", Params: map[string]any{"name": name, "arguments": args}}
}

// CallTool invokes a tool. A JSON-RPC error reply is returned as *rpc.Error.
func (m *MCP) CallTool(ctx context.Context, name string, args any) (*ToolResult, error) {
	call := ToolCall(name, args)
	resp, err := m.session.Call(ctx, call.Method, call.Params)
	if err != nil {
		return nil, err
	}
	return DecodeToolResult(resp)
}

// DecodeToolResult decodes a tools/call response.
func DecodeToolResult(resp *rpc.Response) (*ToolResult, error) {
	var res ToolResult
	if err := resp.Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Repeat sends the same call n times in one uninterrupted sequence.
func (m *MCP) Repeat(ctx context.Context, call rpc.Call, n int) ([]*rpc.Response, error) {
	calls := make([]rpc.Call, n)
	for i := range calls {
		calls[i] = call
	}
	return m.session.CallSequence(ctx, calls)
}
