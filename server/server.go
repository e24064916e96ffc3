// Package server exposes the fernflow HTTP API: app CRUD, the per-app
// MCP endpoint, UI action callbacks, and execution listings.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fern-labs/fernflow/engine"
	"github.com/fern-labs/fernflow/ledger"
	"github.com/fern-labs/fernflow/mcp"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store          AppStore
	Ledger         ledger.Store
	Engine         *engine.Engine
	MCP            *mcp.Handler
	SweepThreshold time.Duration
	CORSOrigin     string
	MaxBody        int64
	Logger         *slog.Logger
}

// Server is the fernflow HTTP API server.
type Server struct {
	store      AppStore
	ledger     ledger.Store
	engine     *engine.Engine
	mcp        *mcp.Handler
	sweeper    *ledger.Sweeper
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	ledgerStore := cfg.Ledger
	if ledgerStore == nil {
		ledgerStore = ledger.NewMemoryStore()
	}
	eng := cfg.Engine
	if eng == nil {
		eng = engine.New(engine.Config{Store: ledgerStore, Logger: logger})
	}
	handler := cfg.MCP
	if handler == nil {
		handler = mcp.NewHandler(mcp.HandlerConfig{Engine: eng, Logger: logger})
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		store:      store,
		ledger:     ledgerStore,
		engine:     eng,
		mcp:        handler,
		sweeper:    ledger.NewSweeper(ledgerStore, cfg.SweepThreshold, logger),
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.logMiddleware(handler)

	return handler
}

// RegisterRoutes mounts API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/node-kinds", s.handleNodeKinds)
	mux.HandleFunc("GET /api/apps", s.handleListApps)
	mux.HandleFunc("POST /api/apps", s.handleCreateApp)
	mux.HandleFunc("GET /api/apps/{slug}", s.handleGetApp)
	mux.HandleFunc("PUT /api/apps/{slug}", s.handleUpdateApp)
	mux.HandleFunc("DELETE /api/apps/{slug}", s.handleDeleteApp)
	mux.HandleFunc("POST /api/apps/{slug}/mcp", s.handleMCP)
	mux.HandleFunc("POST /api/apps/{slug}/actions", s.handleAction)
	mux.HandleFunc("GET /api/apps/{slug}/executions", s.handleListExecutions)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start).String())
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
