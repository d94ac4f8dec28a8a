// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent provisioning persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to :memory: would get its own database, so pin
	// in-memory stores to a single connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			site_name TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_seen DATETIME
		);

		CREATE TABLE IF NOT EXISTS connection_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			event TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_connection_events_agent
			ON connection_events(agent_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateAgent provisions a new agent row
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, site_name, token_hash, created_at) VALUES (?, ?, ?, ?)`,
		agent.ID, agent.SiteName, agent.TokenHash, agent.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// GetAgent retrieves a provisioned agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, site_name, token_hash, created_at, last_seen FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgents returns all provisioned agents ordered by ID
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, site_name, token_hash, created_at, last_seen FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes a provisioned agent and its events
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AgentTokenHash returns the bcrypt token hash for an agent
func (s *SQLiteStore) AgentTokenHash(ctx context.Context, agentID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash FROM agents WHERE id = ?`, agentID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying token hash: %w", err)
	}
	return hash, nil
}

// TouchAgent updates the agent's last-seen timestamp
func (s *SQLiteStore) TouchAgent(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen = ? WHERE id = ?`, at.UTC(), agentID)
	if err != nil {
		return fmt.Errorf("updating last_seen: %w", err)
	}
	return nil
}

// RecordConnectionEvent appends a lifecycle event for an agent
func (s *SQLiteStore) RecordConnectionEvent(ctx context.Context, agentID, event string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_events (agent_id, event, created_at) VALUES (?, ?, ?)`,
		agentID, event, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

// ListConnectionEvents returns the most recent events for an agent, newest first
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, agentID string, limit int) ([]*ConnectionEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, event, created_at FROM connection_events
		 WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	var events []*ConnectionEvent
	for rows.Next() {
		var ev ConnectionEvent
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.Event, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanAgent
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var agent Agent
	var lastSeen sql.NullTime

	err := row.Scan(&agent.ID, &agent.SiteName, &agent.TokenHash, &agent.CreatedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	if lastSeen.Valid {
		t := lastSeen.Time
		agent.LastSeen = &t
	}
	return &agent, nil
}
