package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fern-labs/fernflow/engine"
	"github.com/fern-labs/fernflow/flow"
	"github.com/fern-labs/fernflow/ledger"
)

func triggerNode(id string, params flow.TriggerParams) flow.NodeInstance {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	return flow.NodeInstance{ID: id, Kind: flow.KindTrigger, Params: json.RawMessage(raw)}
}

func testApp() *flow.App {
	return &flow.App{
		Slug: "weather",
		Flows: []flow.Flow{
			{
				ID: "f1",
				Nodes: []flow.NodeInstance{triggerNode("t1", flow.TriggerParams{
					ToolName:        "get_forecast",
					ToolDescription: "Fetches the forecast.",
					WhenToUse:       "The user asks about weather.",
					WhenNotToUse:    "The user asks about history.",
					IsActive:        true,
					Parameters:      []flow.ParamDecl{{Name: "city", Type: "string"}},
				})},
				EndAction: flow.EndAction{ReturnValues: []flow.ReturnValue{{ID: "rv1", Text: "Sunny."}}},
			},
			{
				ID: "f2",
				Nodes: []flow.NodeInstance{triggerNode("t2", flow.TriggerParams{
					ToolName: "dormant_tool",
					IsActive: false,
				})},
			},
			{
				ID: "f3",
				Nodes: []flow.NodeInstance{triggerNode("t3", flow.TriggerParams{
					ToolName: "show_card",
					IsActive: true,
				})},
				EndAction: flow.EndAction{Views: []flow.View{{
					ID:            "v1",
					Layout:        flow.KindStatCard,
					SampleData:    map[string]any{"title": "Sample"},
					PrefersBorder: true,
				}}},
			},
			{
				ID: "f4",
				Nodes: []flow.NodeInstance{triggerNode("t4", flow.TriggerParams{
					ToolName: "go_deeper",
					IsActive: true,
				})},
				EndAction: flow.EndAction{CallFlows: []flow.CallFlowRef{{ID: "cf1", TargetFlowID: "f3"}}},
			},
		},
	}
}

func testHandler(t *testing.T) (*Handler, *ledger.MemoryStore) {
	t.Helper()

	store := ledger.NewMemoryStore()
	logger := slog.New(slog.DiscardHandler)
	eng := engine.New(engine.Config{Store: store, Logger: logger})
	return NewHandler(HandlerConfig{Engine: eng, Logger: logger, Version: "test"}), store
}

func request(t *testing.T, method string, params any) []byte {
	t.Helper()

	msg := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		msg["params"] = params
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func decodeResult(t *testing.T, msg *Message, dst any) {
	t.Helper()

	if msg == nil {
		t.Fatal("nil response")
	}
	if msg.Error != nil {
		t.Fatalf("rpc error: %v", msg.Error)
	}
	if err := json.Unmarshal(msg.Result, dst); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
}

func TestHandle_Initialize(t *testing.T) {
	h, _ := testHandler(t)

	resp := h.Handle(context.Background(), testApp(), request(t, "initialize", nil))

	var result InitializeResult
	decodeResult(t, resp, &result)
	if result.ServerInfo.Name != "fernflow" || result.ProtocolVersion == "" {
		t.Fatalf("initialize result: %+v", result)
	}
}

func TestHandle_ToolsList(t *testing.T) {
	h, _ := testHandler(t)

	resp := h.Handle(context.Background(), testApp(), request(t, "tools/list", nil))

	var result ToolsListResult
	decodeResult(t, resp, &result)
	if len(result.Tools) != 3 {
		t.Fatalf("tools: %+v, want 3 (inactive omitted)", result.Tools)
	}

	forecast := result.Tools[0]
	if forecast.Name != "get_forecast" {
		t.Fatalf("tool name: %q", forecast.Name)
	}
	want := "Fetches the forecast.\n\nWhen to use: The user asks about weather.\n\nWhen not to use: The user asks about history."
	if forecast.Description != want {
		t.Fatalf("description:\n%q\nwant:\n%q", forecast.Description, want)
	}
	if forecast.Meta != nil {
		t.Fatalf("return-value tool should carry no meta: %v", forecast.Meta)
	}
	props, ok := forecast.InputSchema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("input schema: %v", forecast.InputSchema)
	}
	if _, ok := props["city"]; !ok {
		t.Fatalf("schema properties: %v", props)
	}

	card := result.Tools[1]
	if card.Meta["outputTemplate"] != "ui://widget/weather/show_card.html" {
		t.Fatalf("view tool meta: %v", card.Meta)
	}
	if card.Meta["widgetPrefersBorder"] != true {
		t.Fatalf("prefers border: %v", card.Meta)
	}
}

func TestHandle_ToolsCall(t *testing.T) {
	h, store := testHandler(t)

	resp := h.Handle(context.Background(), testApp(), request(t, "tools/call", ToolsCallParams{
		Name:      "get_forecast",
		Arguments: map[string]any{"city": "Oslo"},
	}))

	var result ToolsCallResult
	decodeResult(t, resp, &result)
	if len(result.Content) != 1 || result.Content[0].Text != "Sunny." {
		t.Fatalf("content: %+v", result.Content)
	}
	if result.IsError {
		t.Fatal("unexpected isError")
	}
	if result.StructuredContent != nil {
		t.Fatalf("return-value result should carry no structuredContent: %v", result.StructuredContent)
	}
	if result.Meta != nil {
		t.Fatalf("return-value result should carry no meta: %v", result.Meta)
	}

	page, _ := store.List(context.Background(), ledger.Filter{})
	if len(page.Executions) != 1 || page.Executions[0].Status != ledger.StatusFulfilled {
		t.Fatalf("ledger: %+v", page.Executions)
	}
}

func TestHandle_ToolsCallFlow(t *testing.T) {
	h, _ := testHandler(t)

	resp := h.Handle(context.Background(), testApp(), request(t, "tools/call", ToolsCallParams{
		Name: "go_deeper",
	}))

	var result ToolsCallResult
	decodeResult(t, resp, &result)
	if result.StructuredContent["action"] != "callFlow" {
		t.Fatalf("structured content: %v", result.StructuredContent)
	}
	if result.StructuredContent["targetToolName"] != "show_card" || result.StructuredContent["targetFlowId"] != "f3" {
		t.Fatalf("target: %v", result.StructuredContent)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Triggering show_card..." {
		t.Fatalf("content: %+v", result.Content)
	}
	if result.Meta["outputTemplate"] != "ui://widget/weather/call-flow.html" {
		t.Fatalf("meta: %v", result.Meta)
	}
}

func TestHandle_ToolsCallView(t *testing.T) {
	h, _ := testHandler(t)

	resp := h.Handle(context.Background(), testApp(), request(t, "tools/call", ToolsCallParams{
		Name: "show_card",
	}))

	var result ToolsCallResult
	decodeResult(t, resp, &result)
	if result.StructuredContent["title"] != "Sample" {
		t.Fatalf("structured content: %v", result.StructuredContent)
	}
	if result.Meta["outputTemplate"] != "ui://widget/weather/show_card.html" {
		t.Fatalf("meta: %v", result.Meta)
	}
	if result.Meta["widgetPrefersBorder"] != true {
		t.Fatalf("meta border: %v", result.Meta)
	}
}

func TestHandle_ToolsCallErrors(t *testing.T) {
	h, _ := testHandler(t)
	app := testApp()
	ctx := context.Background()

	tests := []struct {
		name     string
		params   ToolsCallParams
		wantCode int
	}{
		{"unknown tool", ToolsCallParams{Name: "nope"}, CodeToolNotFound},
		{"inactive tool", ToolsCallParams{Name: "dormant_tool"}, CodeInactiveTool},
		{"missing required arg", ToolsCallParams{Name: "get_forecast"}, CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Handle(ctx, app, request(t, "tools/call", tt.params))
			if resp == nil || resp.Error == nil {
				t.Fatalf("expected error response, got %+v", resp)
			}
			if resp.Error.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestHandle_ProtocolErrors(t *testing.T) {
	h, _ := testHandler(t)
	ctx := context.Background()
	app := testApp()

	resp := h.Handle(ctx, app, []byte(`{not json`))
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("parse error: %+v", resp)
	}

	resp = h.Handle(ctx, app, request(t, "no/such/method", nil))
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("method not found: %+v", resp)
	}

	resp = h.Handle(ctx, app, []byte(`{"jsonrpc":"1.0","id":1,"method":"tools/list"}`))
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("invalid request: %+v", resp)
	}

	if resp := h.Handle(ctx, app, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); resp != nil {
		t.Fatalf("notification should produce no response: %+v", resp)
	}
}
