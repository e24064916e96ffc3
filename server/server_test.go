package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fern-labs/fernflow/flow"
	"github.com/fern-labs/fernflow/ledger"
)

func testApp() *flow.App {
	return &flow.App{
		ID:   "app-1",
		Slug: "weather",
		Name: "Weather",
		Flows: []flow.Flow{
			{
				ID: "f1",
				Nodes: []flow.NodeInstance{
					{
						ID:   "t1",
						Kind: flow.KindTrigger,
						Params: json.RawMessage(`{
							"toolName": "get_forecast",
							"isActive": true,
							"parameters": [{"name": "city", "type": "string"}]
						}`),
					},
				},
				EndAction: flow.EndAction{
					ReturnValues: []flow.ReturnValue{{ID: "rv1", Text: "Sunny."}},
				},
			},
		},
	}
}

func appJSON(t *testing.T, app *flow.App) []byte {
	t.Helper()
	raw, err := json.Marshal(app)
	if err != nil {
		t.Fatalf("marshal app: %v", err)
	}
	return raw
}

func testServer(t *testing.T) (*httptest.Server, *Server, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	srv := NewServer(ServerConfig{
		Ledger:         store,
		SweepThreshold: time.Minute,
		Logger:         slog.New(slog.DiscardHandler),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv, store
}

func doJSON(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createApp(t *testing.T, ts *httptest.Server, app *flow.App) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/apps", appJSON(t, app))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create app: status = %d, want 201", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts, _, _ := testServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestNodeKinds(t *testing.T) {
	ts, _, _ := testServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/node-kinds", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Kinds []string `json:"kinds"`
	}
	decodeBody(t, resp, &body)
	if len(body.Kinds) == 0 {
		t.Fatal("expected at least one node kind")
	}
}

func TestAppCRUD(t *testing.T) {
	ts, _, _ := testServer(t)
	app := testApp()

	createApp(t, ts, app)

	// Duplicate slug conflicts.
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/apps", appJSON(t, app))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create: status = %d, want 409", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/apps", nil)
	var list struct {
		Apps []appSummary `json:"apps"`
	}
	decodeBody(t, resp, &list)
	if len(list.Apps) != 1 || list.Apps[0].Slug != "weather" || list.Apps[0].FlowCount != 1 {
		t.Fatalf("list apps = %+v", list.Apps)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/apps/weather", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get app: status = %d, want 200", resp.StatusCode)
	}

	// Update with a mismatched slug in the body is rejected.
	other := testApp()
	other.Slug = "climate"
	resp = doJSON(t, http.MethodPut, ts.URL+"/api/apps/weather", appJSON(t, other))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatched update: status = %d, want 400", resp.StatusCode)
	}

	app.Name = "Weather v2"
	resp = doJSON(t, http.MethodPut, ts.URL+"/api/apps/weather", appJSON(t, app))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update app: status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/apps/weather", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete app: status = %d, want 204", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/apps/weather", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted app: status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateApp_Invalid(t *testing.T) {
	ts, _, _ := testServer(t)

	// Two triggers in one flow fails validation.
	app := testApp()
	app.Flows[0].Nodes = append(app.Flows[0].Nodes, flow.NodeInstance{
		ID:     "t2",
		Kind:   flow.KindTrigger,
		Params: json.RawMessage(`{"toolName": "other_tool", "isActive": true}`),
	})
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/apps", appJSON(t, app))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var body apiError
	decodeBody(t, resp, &body)
	if body.Error.Code != codeValidation || len(body.Error.Details) == 0 {
		t.Fatalf("error = %+v, want VALIDATION_ERROR with details", body.Error)
	}

	// Malformed JSON is a parse error.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/apps", []byte(`{not json`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", resp.StatusCode)
	}
}

func TestMCPEndpoint(t *testing.T) {
	ts, _, store := testServer(t)
	createApp(t, ts, testApp())

	call := []byte(`{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": {"name": "get_forecast", "arguments": {"city": "Oslo"}}
	}`)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/apps/weather/mcp", call)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools/call: status = %d, want 200", resp.StatusCode)
	}
	var msg struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &msg)
	if msg.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", msg.Error)
	}
	if len(msg.Result.Content) != 1 || msg.Result.Content[0].Text != "Sunny." {
		t.Fatalf("content = %+v", msg.Result.Content)
	}

	page, err := store.List(t.Context(), ledger.Filter{AppSlug: "weather"})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(page.Executions) != 1 || page.Executions[0].Status != ledger.StatusFulfilled {
		t.Fatalf("executions = %+v", page.Executions)
	}

	// Notifications get no response body.
	note := []byte(`{"jsonrpc": "2.0", "method": "notifications/initialized"}`)
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/apps/weather/mcp", note)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("notification: status = %d, want 204", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/apps/missing/mcp", call)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing app: status = %d, want 404", resp.StatusCode)
	}
}

func TestActionEndpoint(t *testing.T) {
	ts, _, _ := testServer(t)

	app := testApp()
	app.Flows[0].EndAction = flow.EndAction{
		Views: []flow.View{{ID: "v1", Layout: flow.KindStatCard}},
	}
	app.Flows[0].ActionConnections = []flow.ActionConnection{
		{
			ViewID:     "v1",
			ActionName: "dismiss",
			Target:     flow.ActionTarget{ReturnValue: &flow.ReturnValue{ID: "rv1", Text: "Dismissed."}},
		},
	}
	createApp(t, ts, app)

	body := []byte(`{"toolName": "get_forecast", "nodeId": "v1", "action": "dismiss"}`)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/apps/weather/actions", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	decodeBody(t, resp, &result)
	if len(result.Content) != 1 || result.Content[0].Text != "Dismissed." {
		t.Fatalf("content = %+v", result.Content)
	}

	// Older clients name the field "actionName".
	legacy := []byte(`{"toolName": "get_forecast", "nodeId": "v1", "actionName": "dismiss"}`)
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/apps/weather/actions", legacy)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("legacy field: status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/apps/weather/actions", []byte(`{"toolName": "get_forecast"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing fields: status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/apps/weather/actions",
		[]byte(`{"toolName": "nope", "nodeId": "v1", "action": "dismiss"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown tool: status = %d, want 404", resp.StatusCode)
	}
}

func TestListExecutions(t *testing.T) {
	ts, _, store := testServer(t)
	createApp(t, ts, testApp())

	ctx := t.Context()
	now := time.Now().UTC()
	fresh := ledger.Execution{
		ID: "exec-fresh", AppSlug: "weather", FlowID: "f1", ToolName: "get_forecast",
		Status: ledger.StatusPending, StartedAt: now,
	}
	stale := ledger.Execution{
		ID: "exec-stale", AppSlug: "weather", FlowID: "f1", ToolName: "get_forecast",
		Status: ledger.StatusPending, StartedAt: now.Add(-10 * time.Minute),
	}
	for _, exec := range []ledger.Execution{stale, fresh} {
		if err := store.Create(ctx, exec); err != nil {
			t.Fatalf("seed execution: %v", err)
		}
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/apps/weather/executions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Executions []ledger.Execution `json:"executions"`
		HasPending bool               `json:"hasPending"`
	}
	decodeBody(t, resp, &body)
	if len(body.Executions) != 2 {
		t.Fatalf("len(executions) = %d, want 2", len(body.Executions))
	}
	if !body.HasPending {
		t.Fatal("expected hasPending for the fresh execution")
	}
	// The stale record was swept before the read.
	for _, exec := range body.Executions {
		if exec.ID == "exec-stale" && exec.Status != ledger.StatusError {
			t.Fatalf("stale execution status = %q, want error", exec.Status)
		}
		if exec.ID == "exec-fresh" && exec.Status != ledger.StatusPending {
			t.Fatalf("fresh execution status = %q, want pending", exec.Status)
		}
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/apps/weather/executions?status=pending&limit=1", nil)
	decodeBody(t, resp, &body)
	if len(body.Executions) != 1 || body.Executions[0].Status != ledger.StatusPending {
		t.Fatalf("filtered executions = %+v", body.Executions)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/apps/weather/executions?limit=0", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d, want 400", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/apps/missing/executions", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing app: status = %d, want 404", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := testServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/apps", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q, want *", got)
	}
}

func TestBodyLimit(t *testing.T) {
	store := ledger.NewMemoryStore()
	srv := NewServer(ServerConfig{
		Ledger:  store,
		MaxBody: 64,
		Logger:  slog.New(slog.DiscardHandler),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	big := bytes.Repeat([]byte("a"), 256)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/apps", big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestParseCronSpec(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"@every 1m", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"", true},
		{"TZ=Europe/Oslo * * * * *", true},
		{"CRON_TZ=UTC @hourly", true},
		{"not a cron spec", true},
	}
	for _, tt := range tests {
		_, err := parseCronSpec(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCronSpec(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
		}
	}
}
