// ABOUTME: Authoritative mapping from agent ID to the single live connection.
// ABOUTME: Registering a second connection for the same ID supersedes the first.

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gymline/relay-gateway/internal/metrics"
)

// AgentStatus is a point-in-time snapshot of one connected agent.
type AgentStatus struct {
	AgentID     string    `json:"agent_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Registry tracks at most one live connection per agent ID. All operations
// mutate only in-memory state and are safe under concurrent access from
// connection read loops and command callers.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	table  *Table
	logger *slog.Logger
}

// NewRegistry creates a registry that cascades connection failures into the
// given correlation table.
func NewRegistry(table *Table, logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		table:  table,
		logger: logger,
	}
}

// Register installs conn as the live connection for its agent ID. If an older
// connection exists it is closed and its pending requests fail with
// ErrSuperseded; last writer wins so a reconnecting agent is usable
// immediately. Returns true when an older connection was evicted.
func (r *Registry) Register(conn *Conn) bool {
	r.mu.Lock()
	old := r.conns[conn.AgentID]
	if old != nil {
		// Fail the old connection's pending set before the replacement is
		// visible, still under the lock. Installing first would let a command
		// issued against the new connection get swept up by the cascade.
		r.table.FailAll(conn.AgentID, ErrSuperseded)
	}
	r.conns[conn.AgentID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	metrics.Get().ConnectedAgents.Set(float64(total))
	metrics.Get().AgentConnects.Inc()

	if old != nil {
		old.Close(websocket.ClosePolicyViolation, "superseded by newer connection")
		r.logger.Warn("agent connection superseded",
			"agent_id", conn.AgentID,
			"old_connected_at", old.ConnectedAt,
		)
	}

	r.logger.Info("agent connected",
		"agent_id", conn.AgentID,
		"total_agents", total,
	)
	return old != nil
}

// Unregister removes conn only if it is still the registered connection for
// its agent ID, guarding against a stale connection unregistering its
// replacement after a reconnect race. On removal, every request pending
// against the agent fails with ErrAgentDisconnected.
func (r *Registry) Unregister(conn *Conn) {
	r.mu.Lock()
	current, ok := r.conns[conn.AgentID]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.AgentID)
	total := len(r.conns)
	r.mu.Unlock()

	metrics.Get().ConnectedAgents.Set(float64(total))
	metrics.Get().AgentDisconnects.Inc()

	conn.Close(websocket.CloseNormalClosure, "")
	r.table.FailAll(conn.AgentID, ErrAgentDisconnected)

	r.logger.Info("agent disconnected",
		"agent_id", conn.AgentID,
		"total_agents", total,
	)
}

// IsConnected reports whether a live connection exists for agentID.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[agentID]
	return ok
}

// Get returns the live connection for agentID, or nil.
func (r *Registry) Get(agentID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[agentID]
}

// List returns a snapshot of all connected agents.
func (r *Registry) List() []AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentStatus, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, AgentStatus{
			AgentID:     c.AgentID,
			ConnectedAt: c.ConnectedAt,
			LastSeen:    c.LastSeen(),
		})
	}
	return out
}

// Len reports the number of connected agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Disconnect force-closes the connection for agentID, if any. Returns false
// when no agent with that ID is connected.
func (r *Registry) Disconnect(agentID string) bool {
	conn := r.Get(agentID)
	if conn == nil {
		return false
	}
	conn.Close(websocket.CloseNormalClosure, "disconnected by server")
	r.Unregister(conn)
	return true
}

// Shutdown closes every connection with a going-away frame. Used on daemon
// stop; the read loops observe the closed sockets and unregister themselves,
// but pending requests are failed here so callers do not wait on shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	metrics.Get().ConnectedAgents.Set(0)

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
		r.table.FailAll(c.AgentID, ErrAgentDisconnected)
	}
	if len(conns) > 0 {
		r.logger.Info("closed all agent connections", "count", len(conns))
	}
}
