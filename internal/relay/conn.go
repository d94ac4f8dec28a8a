// ABOUTME: Represents a single identified agent connection and owns its write side.
// ABOUTME: Serializes writes because gorilla websocket conns allow one writer at a time.

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// transport is the subset of *websocket.Conn a connection needs for its write
// side. Narrowed to an interface so tests can substitute a fake.
type transport interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is the live channel to one site agent. It is created after a successful
// identification handshake and exclusively owned by its registry entry; the
// server's read loop is the only reader, Send is safe for concurrent callers.
type Conn struct {
	AgentID     string
	ConnectedAt time.Time

	ws           transport
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu       sync.Mutex
	lastSeen time.Time
}

func newConn(agentID string, ws transport, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	now := time.Now()
	return &Conn{
		AgentID:      agentID,
		ConnectedAt:  now,
		ws:           ws,
		writeTimeout: writeTimeout,
		logger:       logger,
		lastSeen:     now,
	}
}

// Send writes a frame to the agent. A write error leaves the underlying socket
// in an undefined state; callers must treat it like a read failure and close.
func (c *Conn) Send(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

// Ping sends a websocket ping control frame.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close tears down the underlying socket, sending a close frame best-effort.
// Safe to call multiple times; only the first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.writeTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("writing close frame", "agent_id", c.AgentID, "error", err)
		}
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("closing socket", "agent_id", c.AgentID, "error", err)
		}
	})
}

// Touch records activity from the agent (a data frame or a pong).
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns the time of the most recent frame or pong from the agent.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}
