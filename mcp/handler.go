package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/fern-labs/fernflow/engine"
	"github.com/fern-labs/fernflow/flow"
	"github.com/fern-labs/fernflow/schema"
)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Engine  *engine.Engine
	Logger  *slog.Logger
	Version string
}

// Handler answers JSON-RPC messages for one app at a time. The app is
// passed per call so a single handler can serve every app behind the
// HTTP layer.
type Handler struct {
	engine  *engine.Engine
	logger  *slog.Logger
	version string
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eng := cfg.Engine
	if eng == nil {
		eng = engine.New(engine.Config{Logger: logger})
	}
	return &Handler{engine: eng, logger: logger, version: cfg.Version}
}

// Handle decodes one JSON-RPC message and dispatches it against the app.
// Notifications (no id) produce a nil response.
func (h *Handler) Handle(ctx context.Context, app *flow.App, raw []byte) *Message {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorMessage(nil, CodeParseError, "parse error: "+err.Error())
	}
	return h.HandleMessage(ctx, app, msg)
}

// HandleMessage dispatches an already-decoded message.
func (h *Handler) HandleMessage(ctx context.Context, app *flow.App, msg Message) *Message {
	if msg.JSONRPC != jsonRPCVersion || msg.Method == "" {
		return errorMessage(msg.ID, CodeInvalidRequest, "invalid request")
	}

	switch msg.Method {
	case "initialize":
		return h.handleInitialize(msg)
	case "tools/list":
		return h.handleToolsList(app, msg)
	case "tools/call":
		return h.handleToolsCall(ctx, app, msg)
	default:
		if strings.HasPrefix(msg.Method, "notifications/") {
			return nil
		}
		return errorMessage(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
	}
}

func (h *Handler) handleInitialize(msg Message) *Message {
	return resultMessage(msg.ID, InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      ServerInfo{Name: "fernflow", Version: h.version},
	})
}

func (h *Handler) handleToolsList(app *flow.App, msg Message) *Message {
	result := ToolsListResult{Tools: ListTools(app)}
	return resultMessage(msg.ID, result)
}

// ListTools exposes the app's active triggers as MCP tools.
func ListTools(app *flow.App) []Tool {
	tools := make([]Tool, 0, len(app.Flows))
	for i := range app.Flows {
		f := &app.Flows[i]
		idx := flow.NewIndex(f)
		_, params, ok := idx.Trigger()
		if !ok || !params.IsActive {
			continue
		}

		tool := Tool{
			Name:        params.ToolName,
			Description: ComposeDescription(params),
			InputSchema: schema.InputSchema(schema.Effective(params.Parameters)),
		}

		// Only flows that render a widget or hand off to another flow
		// carry template metadata.
		switch f.EndAction.Mode() {
		case flow.ModeViews:
			primary := f.EndAction.Views[0]
			tool.Meta = map[string]any{
				"outputTemplate": WidgetTemplate(app.Slug, params.ToolName),
			}
			if primary.PrefersBorder {
				tool.Meta["widgetPrefersBorder"] = true
			}
		case flow.ModeCallFlows:
			tool.Meta = map[string]any{
				"outputTemplate": WidgetTemplate(app.Slug, CallFlowTemplateName),
			}
		}

		tools = append(tools, tool)
	}
	return tools
}

// ComposeDescription assembles the caller-facing tool description from the
// trigger's description and usage guidance.
func ComposeDescription(params flow.TriggerParams) string {
	parts := make([]string, 0, 3)
	if d := strings.TrimSpace(params.ToolDescription); d != "" {
		parts = append(parts, d)
	}
	if w := strings.TrimSpace(params.WhenToUse); w != "" {
		parts = append(parts, "When to use: "+w)
	}
	if w := strings.TrimSpace(params.WhenNotToUse); w != "" {
		parts = append(parts, "When not to use: "+w)
	}
	return strings.Join(parts, "\n\n")
}

func (h *Handler) handleToolsCall(ctx context.Context, app *flow.App, msg Message) *Message {
	var params ToolsCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return errorMessage(msg.ID, CodeInvalidParams, "invalid params: "+err.Error())
	}
	if params.Name == "" {
		return errorMessage(msg.ID, CodeInvalidParams, "tool name is required")
	}

	res, err := h.engine.Invoke(ctx, app, params.Name, params.Arguments, engine.Options{})
	if err != nil {
		return h.invokeError(msg.ID, params.Name, err)
	}

	return resultMessage(msg.ID, ShapeCallResult(app, res))
}

func (h *Handler) invokeError(id json.RawMessage, toolName string, err error) *Message {
	var argErr *engine.ArgumentError
	switch {
	case errors.Is(err, engine.ErrToolNotFound):
		return errorMessage(id, CodeToolNotFound, "tool not found: "+toolName)
	case errors.Is(err, engine.ErrInactiveTool):
		return errorMessage(id, CodeInactiveTool, "tool is inactive: "+toolName)
	case errors.As(err, &argErr):
		data, _ := json.Marshal(argErr.Diagnostics)
		return &Message{
			JSONRPC: jsonRPCVersion,
			ID:      id,
			Error:   &RPCError{Code: CodeInvalidParams, Message: argErr.Error(), Data: data},
		}
	default:
		h.logger.Error("tools/call failed", "tool", toolName, "error", err)
		return errorMessage(id, CodeInternalError, "internal error")
	}
}

// ShapeCallResult maps an engine result onto the MCP call-result wire
// shape. Return-value results carry content only; call-flow results name
// the target tool in structuredContent so the host can re-invoke it; view
// results pair the payload with the widget template locator.
func ShapeCallResult(app *flow.App, res engine.Result) ToolsCallResult {
	out := ToolsCallResult{IsError: res.IsError}
	for _, text := range res.Texts {
		out.Content = append(out.Content, TextContent(text))
	}

	switch res.Mode {
	case flow.ModeCallFlows:
		out.Meta = map[string]any{
			"outputTemplate": WidgetTemplate(app.Slug, CallFlowTemplateName),
		}
		if res.CallFlow != nil && res.CallFlow.Found {
			out.StructuredContent = map[string]any{
				"action":         "callFlow",
				"targetFlowId":   res.CallFlow.TargetFlowID,
				"targetToolName": res.CallFlow.TargetToolName,
			}
			out.Content = append(out.Content, TextContent(
				"Triggering "+res.CallFlow.TargetToolName+"..."))
		}

	case flow.ModeViews:
		out.StructuredContent = res.View.Data
		out.Meta = map[string]any{
			"outputTemplate": WidgetTemplate(app.Slug, res.ToolName),
		}
		if res.View.View.PrefersBorder {
			out.Meta["widgetPrefersBorder"] = true
		}
	}

	return out
}

func resultMessage(id json.RawMessage, result any) *Message {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorMessage(id, CodeInternalError, "encoding result: "+err.Error())
	}
	return &Message{JSONRPC: jsonRPCVersion, ID: id, Result: raw}
}

func errorMessage(id json.RawMessage, code int, message string) *Message {
	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}
