// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines provisioned Agent records and connection event history

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when provisioning an agent ID that already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// Agent is a provisioned site agent. One row per tenant site; the agent must
// exist here before its connection can identify. TokenHash is a bcrypt hash
// of the static token handed to the installer; the token itself is never
// stored.
type Agent struct {
	ID        string // stable agent identifier, e.g. "gym-42"
	SiteName  string // human-readable site name for the admin UI
	TokenHash string
	CreatedAt time.Time
	LastSeen  *time.Time // nil until the agent has connected at least once
}

// Connection event types recorded per agent.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// ConnectionEvent is one lifecycle transition of an agent's connection,
// kept for troubleshooting flaky site links.
type ConnectionEvent struct {
	ID        int64
	AgentID   string
	Event     string // "connected" or "disconnected"
	CreatedAt time.Time
}

// Store is the persistence interface for agent provisioning and history
type Store interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// AgentTokenHash returns the bcrypt hash for the agent's static token.
	// Satisfies auth.CredentialStore.
	AgentTokenHash(ctx context.Context, agentID string) (string, error)

	// TouchAgent updates the agent's last-seen timestamp.
	TouchAgent(ctx context.Context, agentID string, at time.Time) error

	RecordConnectionEvent(ctx context.Context, agentID, event string) error
	ListConnectionEvents(ctx context.Context, agentID string, limit int) ([]*ConnectionEvent, error)

	Close() error
}
