// ABOUTME: Error taxonomy for the device agent command relay.
// ABOUTME: Every pending command resolves with exactly one of these outcomes.

package relay

import "errors"

// Sentinel errors surfaced to command callers.
var (
	// ErrAgentNotConnected means no live channel existed for the target agent
	// at send time.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrTimeout means no response arrived within the caller's window. The
	// agent may still have processed the command; delivery is not at-most-once.
	ErrTimeout = errors.New("timed out waiting for agent response")

	// ErrAgentDisconnected means the channel closed after the command was sent
	// but before a response arrived.
	ErrAgentDisconnected = errors.New("agent disconnected")

	// ErrSuperseded means a newer connection registered for the same agent ID
	// while the request was pending on the old one.
	ErrSuperseded = errors.New("agent connection superseded")
)

// RemoteError is a failure explicitly reported by the agent in an error frame.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "agent reported an error"
	}
	return "agent error: " + e.Message
}
