// ABOUTME: Synchronous-looking command façade used by device integration adapters.
// ABOUTME: Hides correlation, timeouts, and disconnect cascades behind one call.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gymline/relay-gateway/internal/metrics"
)

// commandSender routes an envelope to a live agent connection. Implemented by
// *Server; an interface so façade tests can substitute a fake.
type commandSender interface {
	SendCommand(agentID string, f *Frame) error
}

// Client is the call device adapters actually invoke. They never see
// connections, frames, or timers.
type Client struct {
	registry       *Registry
	table          *Table
	sender         commandSender
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewClient creates a command client. defaultTimeout applies when a caller
// passes a non-positive timeout; zero falls back to 30s, matching the site
// agents' own HTTP timeouts against their local hardware.
func NewClient(registry *Registry, table *Table, sender commandSender, defaultTimeout time.Duration, logger *slog.Logger) *Client {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Client{
		registry:       registry,
		table:          table,
		sender:         sender,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// IsConnected reports whether the agent currently has a live connection.
func (c *Client) IsConnected(agentID string) bool {
	return c.registry.IsConnected(agentID)
}

// SendCommand sends an action to the agent and waits for its correlated
// response. data is marshaled as the command payload; nil sends no payload.
// Fails with ErrAgentNotConnected, ErrTimeout, ErrAgentDisconnected,
// ErrSuperseded, a *RemoteError, or the context's error: exactly one of them,
// exactly once.
func (c *Client) SendCommand(ctx context.Context, agentID, action string, data any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	// Fail fast before allocating a correlation entry.
	if !c.registry.IsConnected(agentID) {
		metrics.Get().CommandFailures.WithLabelValues(errKind(ErrAgentNotConnected)).Inc()
		return nil, ErrAgentNotConnected
	}

	var payload json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling command data: %w", err)
		}
		payload = b
	}

	requestID, done := c.table.Create(agentID, timeout)

	env := &Frame{
		Type:      FrameCommand,
		RequestID: requestID,
		Action:    action,
		Data:      payload,
	}

	metrics.Get().CommandsTotal.WithLabelValues(action).Inc()
	start := time.Now()

	c.logger.Debug("sending command",
		"agent_id", agentID,
		"action", action,
		"request_id", requestID,
		"timeout", timeout,
	)

	if err := c.sender.SendCommand(agentID, env); err != nil {
		// The agent vanished between the liveness check and the write. Reject
		// the entry we just created instead of leaving it to time out.
		c.table.Reject(requestID, ErrAgentNotConnected)
	}

	select {
	case res := <-done:
		metrics.Get().CommandLatency.Observe(time.Since(start).Seconds())
		if res.Err != nil {
			metrics.Get().CommandFailures.WithLabelValues(errKind(res.Err)).Inc()
			return nil, res.Err
		}
		return res.Value, nil

	case <-ctx.Done():
		c.table.Reject(requestID, ctx.Err())
		// If a response won the race the rejection no-oped; honor the result.
		res := <-done
		if res.Err != nil {
			metrics.Get().CommandFailures.WithLabelValues(errKind(res.Err)).Inc()
			return nil, res.Err
		}
		return res.Value, nil
	}
}

// errKind maps an outcome error to a low-cardinality metrics label.
func errKind(err error) string {
	var remote *RemoteError
	switch {
	case errors.Is(err, ErrAgentNotConnected):
		return "not_connected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAgentDisconnected):
		return "disconnected"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
