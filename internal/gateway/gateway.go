// ABOUTME: Gateway orchestrator that wires the store, relay server, and HTTP server
// ABOUTME: Owns startup, route registration, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gymline/relay-gateway/internal/auth"
	"github.com/gymline/relay-gateway/internal/config"
	"github.com/gymline/relay-gateway/internal/relay"
	"github.com/gymline/relay-gateway/internal/store"
)

// Gateway orchestrates the relay-gateway server components: the SQLite store
// of provisioned agents, the relay server terminating agent WebSockets, and
// the HTTP server carrying the agent endpoint, admin API, health checks, and
// metrics.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *relay.Registry
	table       *relay.Table
	relayServer *relay.Server
	client      *relay.Client
	httpServer  *http.Server
	logger      *slog.Logger
}

// initStore creates the store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	table := relay.NewTable(logger.With("component", "correlation"))
	registry := relay.NewRegistry(table, logger.With("component", "registry"))

	authenticator := auth.NewAgentAuthenticator([]byte(cfg.Auth.JWTSecret), s)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no jwt_secret configured - agents authenticate with static tokens only, admin API is open")
	}

	events := &storeRecorder{store: s, logger: logger.With("component", "events")}

	relayServer := relay.NewServer(registry, table, authenticator, events, relay.ServerConfig{
		IdentifyTimeout: cfg.Agents.IdentifyTimeout,
		PingInterval:    cfg.Agents.PingInterval,
		IdleTimeout:     cfg.Agents.IdleTimeout,
	}, logger.With("component", "relay"))

	client := relay.NewClient(registry, table, relayServer, cfg.Agents.DefaultCommandTimeout,
		logger.With("component", "command-client"))

	g := &Gateway{
		config:      cfg,
		store:       s,
		registry:    registry,
		table:       table,
		relayServer: relayServer,
		client:      client,
		logger:      logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Agent WebSocket endpoint - authenticated by the identify frame, not HTTP
	mux.HandleFunc(cfg.Server.AgentPath, relayServer.HandleAgent)

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	g.registerAPIRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Client returns the command façade for device adapters and API handlers.
func (g *Gateway) Client() *relay.Client {
	return g.client
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. On cancellation all agent connections are closed with a going-away
// frame before the HTTP listener stops.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening",
			"addr", g.config.Server.HTTPAddr,
			"agent_path", g.config.Server.AgentPath,
		)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	g.relayServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http shutdown", "error", err)
	}

	if err := g.store.Close(); err != nil {
		g.logger.Warn("closing store", "error", err)
	}
	return nil
}

// storeRecorder persists agent lifecycle transitions. Writes happen off the
// connection goroutine so a slow disk never stalls a read loop.
type storeRecorder struct {
	store  store.Store
	logger *slog.Logger
}

func (r *storeRecorder) AgentConnected(agentID string) {
	go r.record(agentID, store.EventConnected)
}

func (r *storeRecorder) AgentDisconnected(agentID string) {
	go r.record(agentID, store.EventDisconnected)
}

func (r *storeRecorder) record(agentID, event string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.TouchAgent(ctx, agentID, time.Now()); err != nil {
		r.logger.Warn("updating last_seen", "agent_id", agentID, "error", err)
	}
	if err := r.store.RecordConnectionEvent(ctx, agentID, event); err != nil {
		r.logger.Warn("recording connection event", "agent_id", agentID, "error", err)
	}
}
