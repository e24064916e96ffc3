package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fern-labs/fernflow/engine"
	"github.com/fern-labs/fernflow/flow"
	"github.com/fern-labs/fernflow/ledger"
	"github.com/fern-labs/fernflow/mcp"
)

// Error codes returned in the apiError envelope.
const (
	codeStoreError   = "STORE_ERROR"
	codeNotFound     = "NOT_FOUND"
	codeParseError   = "PARSE_ERROR"
	codeValidation   = "VALIDATION_ERROR"
	codeConflict     = "CONFLICT"
	codeBodyTooLarge = "BODY_TOO_LARGE"
	codeReadError    = "READ_ERROR"
	codeEngineError  = "ENGINE_ERROR"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodeKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"kinds": flow.AllKinds()})
}

// --- App CRUD ---

// appSummary is the list-view projection of an app record.
type appSummary struct {
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	FlowCount int       `json:"flowCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func summarize(rec AppRecord) appSummary {
	sum := appSummary{
		Slug:      rec.Slug,
		Name:      rec.Name,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.App != nil {
		sum.FlowCount = len(rec.App.Flows)
	}
	return sum
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeStoreError, err.Error())
		return
	}
	summaries := make([]appSummary, 0, len(recs))
	for _, rec := range recs {
		summaries = append(summaries, summarize(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": summaries})
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := s.store.Get(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeStoreError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "app not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slug":      rec.Slug,
		"name":      rec.Name,
		"app":       json.RawMessage(rec.Source),
		"createdAt": rec.CreatedAt,
		"updatedAt": rec.UpdatedAt,
	})
}

func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	source, ok := s.readBody(w, r)
	if !ok {
		return
	}
	app, err := decodeAppSource(source)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeParseError, err.Error())
		return
	}
	if diags := flow.Errors(app.Validate()); len(diags) > 0 {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "app definition is invalid", diagMessages(diags)...)
		return
	}
	now := time.Now().UTC()
	rec := AppRecord{Slug: app.Slug, Name: app.Name, Source: source, App: app, CreatedAt: now, UpdatedAt: now}
	if err := s.store.Create(r.Context(), rec); err != nil {
		if errors.Is(err, ErrAppExists) {
			writeError(w, http.StatusConflict, codeConflict, "an app with this slug already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, codeStoreError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, summarize(rec))
}

func (s *Server) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	source, ok := s.readBody(w, r)
	if !ok {
		return
	}
	app, err := decodeAppSource(source)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeParseError, err.Error())
		return
	}
	if app.Slug != slug {
		writeError(w, http.StatusBadRequest, codeValidation, "app slug does not match URL")
		return
	}
	if diags := flow.Errors(app.Validate()); len(diags) > 0 {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "app definition is invalid", diagMessages(diags)...)
		return
	}
	rec := AppRecord{Slug: slug, Name: app.Name, Source: source, App: app, UpdatedAt: time.Now().UTC()}
	if err := s.store.Update(r.Context(), rec); err != nil {
		if errors.Is(err, ErrAppNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "app not found")
			return
		}
		writeError(w, http.StatusInternalServerError, codeStoreError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarize(rec))
}

func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("slug")); err != nil {
		if errors.Is(err, ErrAppNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "app not found")
			return
		}
		writeError(w, http.StatusInternalServerError, codeStoreError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- MCP endpoint ---

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	app, ok := s.loadApp(w, r)
	if !ok {
		return
	}
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	resp := s.mcp.Handle(r.Context(), app, raw)
	if resp == nil {
		// Notification: no response body.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Action callbacks ---

type actionRequest struct {
	ToolName string         `json:"toolName"`
	NodeID   string         `json:"nodeId"`
	Action   string         `json:"action"`
	Data     map[string]any `json:"data"`

	// Older clients sent "actionName"; accepted when "action" is absent.
	LegacyAction string `json:"actionName"`
}

func (req actionRequest) action() string {
	if req.Action != "" {
		return req.Action
	}
	return req.LegacyAction
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	app, ok := s.loadApp(w, r)
	if !ok {
		return
	}
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeParseError, "invalid JSON: "+err.Error())
		return
	}
	action := req.action()
	if req.ToolName == "" || req.NodeID == "" || action == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "toolName, nodeId, and action are required")
		return
	}
	res, err := s.engine.InvokeAction(r.Context(), app, req.ToolName, req.NodeID, action, req.Data)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrToolNotFound):
			writeError(w, http.StatusNotFound, codeNotFound, "tool not found: "+req.ToolName)
		case errors.Is(err, engine.ErrNodeNotFound):
			writeError(w, http.StatusNotFound, codeNotFound, "node not found: "+req.NodeID)
		default:
			writeError(w, http.StatusInternalServerError, codeEngineError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, mcp.ShapeCallResult(app, res))
}

// --- Executions ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if _, ok, err := s.store.Get(r.Context(), slug); err != nil {
		writeError(w, http.StatusInternalServerError, codeStoreError, err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "app not found")
		return
	}

	// Reclaim stale pending executions before reading so clients never see
	// records that should have timed out.
	if _, err := s.sweeper.Sweep(r.Context()); err != nil {
		s.logger.Warn("pre-read sweep failed", "error", err)
	}

	filter := ledger.Filter{
		AppSlug: slug,
		FlowID:  r.URL.Query().Get("flowId"),
		Status:  ledger.Status(r.URL.Query().Get("status")),
		Limit:   20,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, codeValidation, "limit must be an integer between 1 and 200")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, codeValidation, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	if v := r.URL.Query().Get("preview"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "preview must be a boolean")
			return
		}
		filter.IsPreview = &b
	}

	page, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeStoreError, err.Error())
		return
	}
	execs := page.Executions
	if execs == nil {
		execs = []ledger.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"hasPending": page.HasPending,
	})
}

// --- Shared helpers ---

func (s *Server) loadApp(w http.ResponseWriter, r *http.Request) (*flow.App, bool) {
	rec, ok, err := s.store.Get(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeStoreError, err.Error())
		return nil, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "app not found")
		return nil, false
	}
	return rec.App, true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, codeBodyTooLarge, "request body exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, codeReadError, "failed to read request body")
		return nil, false
	}
	return body, true
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func diagMessages(diags []flow.Diagnostic) []string {
	msgs := make([]string, 0, len(diags))
	for _, d := range diags {
		msg := d.Code + ": " + d.Message
		if d.Path != "" {
			msg += " (" + d.Path + ")"
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
