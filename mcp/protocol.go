// Package mcp implements the JSON-RPC tool-calling surface through which an
// LLM host discovers and invokes an app's flows.
package mcp

import (
	"encoding/json"
	"fmt"
)

const (
	jsonRPCVersion  = "2.0"
	protocolVersion = "2025-03-26"
)

// JSON-RPC error codes. The two domain codes are deliberately distinct:
// hosts are expected to drop a not-found tool from their catalog but keep
// an inactive one listed as temporarily unavailable.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeToolNotFound = -32001
	CodeInactiveTool = -32002
)

// Message is a JSON-RPC 2.0 envelope.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// ServerInfo describes this server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is returned by the MCP initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// Tool describes one exposed tool in tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Meta        map[string]any `json:"_meta,omitempty"`
}

// ToolsListResult is returned by the MCP tools/list request.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolsCallParams is sent in the MCP tools/call request.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is an MCP content item returned by tools/call.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent builds a text content block.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolsCallResult is returned by the MCP tools/call request.
type ToolsCallResult struct {
	Content           []ContentBlock `json:"content,omitempty"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	Meta              map[string]any `json:"_meta,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// WidgetTemplate builds the locator for a flow's widget template. View
// flows use their tool name; call-flow terminals share the fixed
// "call-flow" template.
func WidgetTemplate(appSlug, name string) string {
	return "ui://widget/" + appSlug + "/" + name + ".html"
}

// CallFlowTemplateName is the template slot used by call-flow terminals.
const CallFlowTemplateName = "call-flow"
