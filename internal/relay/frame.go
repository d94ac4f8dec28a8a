// ABOUTME: Wire frame definitions for the agent WebSocket protocol.
// ABOUTME: All frames are JSON objects discriminated by a "type" field.

package relay

import "encoding/json"

// Frame type tags exchanged with agents.
const (
	// FrameIdentify is sent once by the agent immediately after connecting.
	FrameIdentify = "identify"

	// FrameWelcome is sent by the server after a successful identification.
	FrameWelcome = "welcome"

	// FrameCommand is sent by the server to instruct the agent to perform an
	// action against its local hardware.
	FrameCommand = "command"

	// FrameResponse carries a successful result for a previously sent command.
	FrameResponse = "response"

	// FrameError carries an agent-reported failure for a command.
	FrameError = "error"
)

// Frame is a single message exchanged with an agent. Only the fields relevant
// to Type are populated; the zero value of the rest is omitted on the wire.
// Action and Data are opaque to the relay; their meaning belongs to the
// device adapters on the server side and the agent on the site side.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// Identification (agent -> server).
	AgentID string `json:"agentId,omitempty"`
	Token   string `json:"token,omitempty"`
	Version string `json:"version,omitempty"`

	// Command (server -> agent).
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	// Response / error (agent -> server).
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
