package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opshub/opshub/internal/command"
	"github.com/opshub/opshub/internal/fleet"
	"github.com/opshub/opshub/internal/policy"
	"github.com/opshub/opshub/internal/protocol"
	"github.com/opshub/opshub/internal/server"
)

// maxClientList bounds the client list response so one request cannot drag
// the whole fleet's inventory over the wire.
const maxClientList = 100

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ip := clientIP(r)
	if !s.deps.Sessions.limiter.allow(ip) {
		s.deps.Log.Warn("login rate limited", "remote", ip)
		writeJSON(w, http.StatusTooManyRequests, loginResponse{
			Message: "too many login attempts, try again later",
		})
		return
	}
	if !s.deps.Sessions.Authenticate(req.Username, req.Password) {
		s.deps.Sessions.limiter.recordFailure(ip)
		s.deps.Log.Warn("login failed", "username", req.Username, "remote", ip)
		writeJSON(w, http.StatusUnauthorized, loginResponse{
			Message: "invalid username or password",
		})
		return
	}

	s.deps.Sessions.limiter.reset(ip)
	id := s.deps.Sessions.Create(req.Username)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Success:   true,
		Message:   "login successful",
		SessionID: id,
	})
}

func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.deps.Sessions.Destroy(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, loginResponse{Success: true, Message: "logged out"})
}

func (s *Server) apiCheckAuth(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if _, ok := s.deps.Sessions.Validate(c.Value); ok {
			writeJSON(w, http.StatusOK, loginResponse{
				Success:   true,
				Message:   "authenticated",
				SessionID: c.Value,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, loginResponse{Message: "not authenticated"})
}

type healthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	ClientsCount  int       `json:"clients_count"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	clients, _ := s.deps.Fleet.Counts()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
		ClientsCount:  clients,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

type clientsResponse struct {
	Clients map[string]protocol.ClientInfo `json:"clients"`
}

func (s *Server) apiClients(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Fleet.Snapshot()
	if len(snap) > maxClientList {
		s.deps.Log.Warn("truncating client list", "total", len(snap), "cap", maxClientList)
		ids := make([]string, 0, len(snap))
		for id := range snap {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		trimmed := make(map[string]protocol.ClientInfo, maxClientList)
		for _, id := range ids[:maxClientList] {
			trimmed[id] = snap[id]
		}
		snap = trimmed
	}
	writeJSON(w, http.StatusOK, clientsResponse{Clients: snap})
}

type broadcastRequest struct {
	Message string `json:"message"`
}

type broadcastResponse struct {
	Message    string `json:"message"`
	Recipients int    `json:"recipients"`
}

func (s *Server) apiSendMessage(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}
	n := s.deps.Dispatcher.BroadcastMessage(req.Message)
	writeJSON(w, http.StatusOK, broadcastResponse{Message: "broadcast sent", Recipients: n})
}

type commandRequest struct {
	ClientID string `json:"client_id"`
	Command  string `json:"command"`
}

type commandAcceptedResponse struct {
	CommandID string `json:"command_id"`
	Message   string `json:"message"`
}

func (s *Server) apiSendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "client_id and command are required")
		return
	}
	s.dispatch(w, req.ClientID, req.Command)
}

// dispatch sends a command through the policy gate and writes the outcome.
// Policy refusals are the caller's fault (400); a missing agent connection
// is a server-side condition (500), matching what API consumers expect.
func (s *Server) dispatch(w http.ResponseWriter, clientID, cmd string) {
	id, err := s.deps.Dispatcher.DispatchCommand(clientID, cmd)
	if err != nil {
		var policyErr *server.PolicyError
		switch {
		case errors.As(err, &policyErr):
			writeError(w, http.StatusBadRequest, policyErr.Reason)
		case errors.Is(err, fleet.ErrNotConnected):
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("client %s is not connected", clientID))
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, commandAcceptedResponse{
		CommandID: id,
		Message:   fmt.Sprintf("command sent to client %s", clientID),
	})
}

type commandStatusResponse struct {
	CommandID string          `json:"command_id"`
	Status    command.Status  `json:"status"`
	Result    *command.Result `json:"result,omitempty"`
}

func (s *Server) apiCommandResult(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("command_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "command_id is required")
		return
	}
	status, ok := s.deps.Commands.GetStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	resp := commandStatusResponse{CommandID: id, Status: status}
	if res, ok := s.deps.Commands.GetResult(id); ok {
		resp.Result = &res
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) apiClientHistory(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	results := s.deps.Commands.GetClientResults(clientID, limit)
	if results == nil {
		results = []command.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) apiPredefinedCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, policy.PredefinedCommands())
}

type clientAppsInfo struct {
	ClientID string             `json:"client_id"`
	Hostname string             `json:"hostname"`
	Apps     []protocol.AppInfo `json:"apps"`
}

type appsResponse struct {
	ClientApps map[string]clientAppsInfo `json:"client_apps"`
}

func (s *Server) apiApps(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Fleet.Snapshot()
	out := make(map[string]clientAppsInfo, len(snap))
	for id, info := range snap {
		out[id] = clientAppsInfo{
			ClientID: id,
			Hostname: info.SystemInfo.Hostname,
			Apps:     info.AppInfo,
		}
	}
	writeJSON(w, http.StatusOK, appsResponse{ClientApps: out})
}

func (s *Server) apiClientApps(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	info, ok := s.deps.Fleet.Client(clientID)
	if !ok {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	apps := info.AppInfo
	if apps == nil {
		apps = []protocol.AppInfo{}
	}
	writeJSON(w, http.StatusOK, apps)
}

// appNameRe admits the names deployments actually use while keeping shell
// metacharacters out of the templated commands below.
var appNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

type serviceRequest struct {
	ClientID string `json:"client_id"`
	AppName  string `json:"app_name"`
	Action   string `json:"action"`
}

func (s *Server) apiManageService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if !appNameRe.MatchString(req.AppName) {
		writeError(w, http.StatusBadRequest, "invalid app_name")
		return
	}
	cmd, err := serviceCommand(req.AppName, req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatch(w, req.ClientID, cmd)
}

// serviceCommand renders the shell command for one service action. The
// shapes line up with what the command policy's app-management rules admit.
func serviceCommand(app, action string) (string, error) {
	switch strings.ToLower(action) {
	case "start":
		return fmt.Sprintf("cd /tmp/apps/%s && bash %s.sh start", app, app), nil
	case "stop":
		return fmt.Sprintf("cd /tmp/apps/%s && if [ -f %s.pid ]; then kill $(cat %s.pid) && rm -f %s.pid; else echo 'Service is not running'; fi",
			app, app, app, app), nil
	case "restart":
		return fmt.Sprintf("cd /tmp/apps/%s && (if [ -f %s.pid ]; then kill $(cat %s.pid) && rm -f %s.pid; fi) && sleep 1 && bash %s.sh start",
			app, app, app, app, app), nil
	case "status":
		return fmt.Sprintf("cd /tmp/apps/%s && if [ -f %s.pid ]; then pid=$(cat %s.pid); if ps -p $pid > /dev/null 2>&1; then echo 'Service is running (PID: '$pid')'; else echo 'PID file exists but process is not running'; fi; else echo 'Service is not running'; fi",
			app, app, app), nil
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

type updateAppRequest struct {
	ClientID string `json:"client_id"`
	AppName  string `json:"app_name"`
	Version  string `json:"version"`
}

func (s *Server) apiUpdateApp(w http.ResponseWriter, r *http.Request) {
	var req updateAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if !appNameRe.MatchString(req.AppName) {
		writeError(w, http.StatusBadRequest, "invalid app_name")
		return
	}
	if !appNameRe.MatchString(req.Version) {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}
	cmd := fmt.Sprintf("cd /tmp/apps/%s && bash %s.sh update %s", req.AppName, req.AppName, req.Version)
	s.dispatch(w, req.ClientID, cmd)
}
