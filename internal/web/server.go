// Package web serves the operator-facing HTTP API and dashboard for the
// fleet control plane: login sessions, fleet views, command dispatch and
// result queries, and a live event stream.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opshub/opshub/internal/command"
	"github.com/opshub/opshub/internal/events"
	"github.com/opshub/opshub/internal/logging"
	"github.com/opshub/opshub/internal/protocol"
)

//go:embed static/*
var staticFS embed.FS

// Dependencies defines what the web server needs from the rest of the application.
type Dependencies struct {
	Fleet      FleetReader
	Commands   CommandReader
	Dispatcher Dispatcher
	EventBus   *events.Bus
	Sessions   *SessionStore
	AuthToken  string // optional static bearer token for non-browser API clients
	Log        *logging.Logger
}

// FleetReader reads fleet state collected from agent heartbeats.
type FleetReader interface {
	Snapshot() map[string]protocol.ClientInfo
	Client(clientID string) (protocol.ClientInfo, bool)
	Counts() (clients, connections int)
}

// CommandReader reads tracked command state.
type CommandReader interface {
	GetStatus(commandID string) (command.Status, bool)
	GetResult(commandID string) (command.Result, bool)
	GetClientResults(clientID string, limit int) []command.Result
	Counts() (pending, completed int)
}

// Dispatcher sends commands and broadcasts through the agent channel.
type Dispatcher interface {
	DispatchCommand(clientID, cmd string) (string, error)
	BroadcastMessage(text string) int
}

// Server is the operator HTTP server.
type Server struct {
	deps      Dependencies
	mux       *http.ServeMux
	server    *http.Server
	startedAt time.Time
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:      deps,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.accessLog(s.cors(s.mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; per-handler timeouts used instead.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("http api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	authed := s.requireAuth

	// --- Public routes (no auth required) ---
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /health", s.apiHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("POST /api/login", s.apiLogin)
	s.mux.HandleFunc("POST /api/logout", s.apiLogout)
	s.mux.HandleFunc("GET /api/check-auth", s.apiCheckAuth)

	// --- Protected routes (session cookie or bearer token) ---
	s.mux.Handle("GET /api/clients", authed(s.apiClients))
	s.mux.Handle("POST /api/send-message", authed(s.apiSendMessage))
	s.mux.Handle("POST /api/send-command", authed(s.apiSendCommand))
	s.mux.Handle("GET /api/command-result", authed(s.apiCommandResult))
	s.mux.Handle("GET /api/client-history", authed(s.apiClientHistory))
	s.mux.Handle("GET /api/predefined-commands", authed(s.apiPredefinedCommands))
	s.mux.Handle("GET /api/apps", authed(s.apiApps))
	s.mux.Handle("GET /api/client-apps", authed(s.apiClientApps))
	s.mux.Handle("POST /api/manage-service", authed(s.apiManageService))
	s.mux.Handle("POST /api/update-app", authed(s.apiUpdateApp))
	s.mux.Handle("GET /api/events", authed(s.apiSSE))

	// Kept for clients of the pre-dashboard API.
	s.mux.Handle("GET /data", authed(s.apiClients))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
