// ABOUTME: WebSocket terminal for inbound agent connections.
// ABOUTME: Runs the identification handshake and the per-connection read loop.

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gymline/relay-gateway/internal/metrics"
)

// Agents upload base64 face images in responses; frames can be large.
const maxFrameBytes = 10 << 20

// Authenticator validates the credentials presented in an identify frame.
type Authenticator interface {
	Authenticate(ctx context.Context, agentID, token string) error
}

// EventRecorder receives agent lifecycle notifications, typically to persist
// last-seen timestamps. Implementations must not block.
type EventRecorder interface {
	AgentConnected(agentID string)
	AgentDisconnected(agentID string)
}

// ServerConfig tunes connection handling. Zero values fall back to defaults
// matching the site agents' dial behavior (30s pings, 90s liveness window).
type ServerConfig struct {
	// IdentifyTimeout bounds how long a new connection may take to send its
	// identify frame before being closed.
	IdentifyTimeout time.Duration

	// PingInterval is how often the server pings each agent.
	PingInterval time.Duration

	// IdleTimeout closes a connection that produced no frame or pong for this
	// long. Dead NAT mappings are detected here rather than left registered.
	IdleTimeout time.Duration

	// WriteTimeout bounds individual frame writes.
	WriteTimeout time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.IdentifyTimeout <= 0 {
		c.IdentifyTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server terminates agent WebSocket connections and bridges them to the
// registry and correlation table.
type Server struct {
	registry *Registry
	table    *Table
	auth     Authenticator
	events   EventRecorder
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a relay server. auth is required; events may be nil.
func NewServer(registry *Registry, table *Table, auth Authenticator, events EventRecorder, cfg ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		table:    table,
		auth:     auth,
		events:   events,
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are headless dialers, not browsers; there is no origin
			// to enforce.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// HandleAgent is the HTTP handler for the agent WebSocket endpoint.
func (s *Server) HandleAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.serve(r.Context(), ws, r.RemoteAddr)
}

// serve drives one connection through its lifecycle: identification, active
// read loop, teardown. It returns when the connection is closed.
func (s *Server) serve(ctx context.Context, ws *websocket.Conn, remoteAddr string) {
	ws.SetReadLimit(maxFrameBytes)

	conn, ok := s.identify(ctx, ws, remoteAddr)
	if !ok {
		return
	}

	s.registry.Register(conn)
	if s.events != nil {
		s.events.AgentConnected(conn.AgentID)
	}

	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	stopPing := make(chan struct{})
	go s.pingLoop(conn, stopPing)

	s.readLoop(ws, conn)

	close(stopPing)
	s.registry.Unregister(conn)
	if s.events != nil {
		s.events.AgentDisconnected(conn.AgentID)
	}
}

// identify waits for the identify frame and authenticates it. On any failure
// the socket is closed and (nil, false) is returned; no request was pending
// yet, so protocol errors are log-only.
func (s *Server) identify(ctx context.Context, ws *websocket.Conn, remoteAddr string) (*Conn, bool) {
	closeWith := func(reason string) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = ws.Close()
	}

	if err := ws.SetReadDeadline(time.Now().Add(s.cfg.IdentifyTimeout)); err != nil {
		_ = ws.Close()
		return nil, false
	}

	_, payload, err := ws.ReadMessage()
	if err != nil {
		s.logger.Warn("connection closed before identification", "remote", remoteAddr, "error", err)
		metrics.Get().IdentifyFailures.WithLabelValues("read").Inc()
		_ = ws.Close()
		return nil, false
	}

	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil || f.Type != FrameIdentify || f.AgentID == "" {
		s.logger.Warn("malformed identification frame", "remote", remoteAddr)
		metrics.Get().IdentifyFailures.WithLabelValues("malformed").Inc()
		closeWith("identify frame required")
		return nil, false
	}

	if err := s.auth.Authenticate(ctx, f.AgentID, f.Token); err != nil {
		s.logger.Warn("agent authentication failed",
			"agent_id", f.AgentID,
			"remote", remoteAddr,
			"error", err,
		)
		metrics.Get().IdentifyFailures.WithLabelValues("auth").Inc()
		closeWith("authentication failed")
		return nil, false
	}

	conn := newConn(f.AgentID, ws, s.cfg.WriteTimeout, s.logger.With("agent_id", f.AgentID))
	if err := conn.Send(&Frame{Type: FrameWelcome, AgentID: f.AgentID}); err != nil {
		s.logger.Warn("writing welcome frame", "agent_id", f.AgentID, "error", err)
		_ = ws.Close()
		return nil, false
	}

	s.logger.Debug("agent identified",
		"agent_id", f.AgentID,
		"remote", remoteAddr,
		"version", f.Version,
	)
	return conn, true
}

// readLoop consumes frames until the socket errors or times out. Response and
// error frames feed the correlation table; anything else is dropped so newer
// agents can speak newer frame types without killing the connection.
func (s *Server) readLoop(ws *websocket.Conn, conn *Conn) {
	for {
		if err := ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}

		_, payload, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("agent read loop ended", "agent_id", conn.AgentID, "error", err)
			}
			return
		}
		conn.Touch()

		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			s.logger.Warn("dropping malformed frame", "agent_id", conn.AgentID, "error", err)
			metrics.Get().FramesDropped.WithLabelValues("malformed").Inc()
			continue
		}

		switch f.Type {
		case FrameResponse:
			s.table.Resolve(f.RequestID, f.Result)
		case FrameError:
			s.table.Reject(f.RequestID, &RemoteError{Message: f.Error})
		default:
			s.logger.Warn("dropping unrecognized frame",
				"agent_id", conn.AgentID,
				"frame_type", f.Type,
			)
			metrics.Get().FramesDropped.WithLabelValues("unknown_type").Inc()
		}
	}
}

func (s *Server) pingLoop(conn *Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				// The read loop will observe the dead socket and tear down.
				s.logger.Debug("ping failed", "agent_id", conn.AgentID, "error", err)
				return
			}
		}
	}
}

// SendCommand routes an outbound command envelope to the agent's connection.
// Returns ErrAgentNotConnected without touching the correlation table when no
// connection exists; a write failure closes the connection and cascades like
// a read failure.
func (s *Server) SendCommand(agentID string, f *Frame) error {
	conn := s.registry.Get(agentID)
	if conn == nil {
		return ErrAgentNotConnected
	}

	if err := conn.Send(f); err != nil {
		s.logger.Warn("command write failed, closing connection",
			"agent_id", agentID,
			"request_id", f.RequestID,
			"error", err,
		)
		s.registry.Unregister(conn)
		return err
	}
	return nil
}

// Shutdown closes all agent connections. Safe to call once during daemon stop.
func (s *Server) Shutdown() {
	s.registry.Shutdown()
}
