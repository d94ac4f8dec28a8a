// ABOUTME: Shared types for device integration adapters.
// ABOUTME: Defines the Commander contract the relay façade satisfies.

package device

import (
	"context"
	"encoding/json"
	"time"
)

// Commander issues correlated commands to a site agent. Implemented by
// relay.Client; an interface here so adapters can be tested without a live
// relay and so the relay core stays ignorant of device specifics.
type Commander interface {
	SendCommand(ctx context.Context, agentID, action string, data any, timeout time.Duration) (json.RawMessage, error)
	IsConnected(agentID string) bool
}

// Mode selects the transport strategy for a device adapter.
//
// Hosted deployments relay through the site agent; an on-premise install
// talks to the device LAN address directly.
type Mode string

const (
	// ModeAgent relays operations through the site agent's connection.
	ModeAgent Mode = "agent"

	// ModeDirect performs HTTP calls straight to the device or hub.
	ModeDirect Mode = "direct"
)
