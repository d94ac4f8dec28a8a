// ABOUTME: HTTP API handlers for agent status and command dispatch.
// ABOUTME: Thin JSON layer over the relay façade and the provisioning store.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gymline/relay-gateway/internal/auth"
	"github.com/gymline/relay-gateway/internal/relay"
)

// AgentResponse is the JSON response row for GET /api/agents.
type AgentResponse struct {
	ID          string `json:"id"`
	SiteName    string `json:"site_name"`
	Connected   bool   `json:"connected"`
	ConnectedAt string `json:"connected_at,omitempty"`
	LastSeen    string `json:"last_seen,omitempty"`
}

// ListAgentsResponse is the JSON response for GET /api/agents.
type ListAgentsResponse struct {
	Agents          []AgentResponse `json:"agents"`
	ConnectedCount  int             `json:"connected_count"`
	PendingCommands int             `json:"pending_commands"`
}

// CommandRequest is the JSON request body for POST /api/agents/{id}/command.
type CommandRequest struct {
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// CommandResponse is the JSON response for a successfully relayed command.
type CommandResponse struct {
	RequestDuration string          `json:"request_duration"`
	Result          json.RawMessage `json:"result"`
}

// ConnectionEventResponse is the JSON row for GET /api/agents/{id}/events.
type ConnectionEventResponse struct {
	Event     string `json:"event"`
	CreatedAt string `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// registerAPIRoutes attaches API routes, wrapped in auth middleware when a
// JWT secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	wrap := func(h http.HandlerFunc) http.Handler { return h }
	if g.config.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		wrap = func(h http.HandlerFunc) http.Handler { return requireBearer(verifier, h) }
		g.logger.Info("admin API auth enabled")
	}

	mux.Handle("GET /api/agents", wrap(g.handleListAgents))
	mux.Handle("POST /api/agents/{id}/command", wrap(g.handleAgentCommand))
	mux.Handle("GET /api/agents/{id}/events", wrap(g.handleAgentEvents))
	mux.Handle("DELETE /api/agents/{id}/connection", wrap(g.handleDisconnectAgent))
}

// requireBearer rejects requests without a valid Bearer JWT.
func requireBearer(verifier *auth.JWTVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "bearer token required", "")
			return
		}
		if _, err := verifier.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	// Ready once the store answers; the relay itself has no warm-up.
	if _, err := g.store.ListAgents(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleListAgents merges provisioned agents with live connection state.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	provisioned, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.logger.Error("listing agents", "error", err)
		writeError(w, http.StatusInternalServerError, "listing agents failed", "")
		return
	}

	live := make(map[string]relay.AgentStatus)
	for _, st := range g.registry.List() {
		live[st.AgentID] = st
	}

	resp := ListAgentsResponse{
		Agents:          make([]AgentResponse, 0, len(provisioned)),
		ConnectedCount:  g.registry.Len(),
		PendingCommands: g.table.Len(),
	}
	for _, a := range provisioned {
		row := AgentResponse{ID: a.ID, SiteName: a.SiteName}
		if st, ok := live[a.ID]; ok {
			row.Connected = true
			row.ConnectedAt = st.ConnectedAt.Format(time.RFC3339)
			row.LastSeen = st.LastSeen.Format(time.RFC3339)
		} else if a.LastSeen != nil {
			row.LastSeen = a.LastSeen.Format(time.RFC3339)
		}
		resp.Agents = append(resp.Agents, row)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleAgentCommand relays one command to the agent and waits for its
// correlated response.
func (g *Gateway) handleAgentCommand(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required", "")
		return
	}

	var timeout time.Duration
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}

	start := time.Now()
	result, err := g.client.SendCommand(r.Context(), agentID, req.Action, data, timeout)
	if err != nil {
		status, kind := commandErrorStatus(err)
		writeError(w, status, err.Error(), kind)
		return
	}

	if result == nil {
		result = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, CommandResponse{
		RequestDuration: time.Since(start).String(),
		Result:          result,
	})
}

func (g *Gateway) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	events, err := g.store.ListConnectionEvents(r.Context(), agentID, 50)
	if err != nil {
		g.logger.Error("listing connection events", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing events failed", "")
		return
	}

	rows := make([]ConnectionEventResponse, 0, len(events))
	for _, ev := range events {
		rows = append(rows, ConnectionEventResponse{
			Event:     ev.Event,
			CreatedAt: ev.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}

func (g *Gateway) handleDisconnectAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	if !g.registry.Disconnect(agentID) {
		writeError(w, http.StatusNotFound, "agent not connected", "not_connected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// commandErrorStatus maps relay failures to HTTP statuses: the agent being
// offline is the caller's 404, everything downstream of a successful send is
// a gateway-style 5xx.
func commandErrorStatus(err error) (int, string) {
	var remote *relay.RemoteError
	switch {
	case errors.Is(err, relay.ErrAgentNotConnected):
		return http.StatusNotFound, "not_connected"
	case errors.Is(err, relay.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, relay.ErrAgentDisconnected):
		return http.StatusBadGateway, "disconnected"
	case errors.Is(err, relay.ErrSuperseded):
		return http.StatusBadGateway, "superseded"
	case errors.As(err, &remote):
		return http.StatusBadGateway, "remote_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}
