// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	// HTTPAddr serves the agent WebSocket endpoint, the admin API, health
	// checks, and metrics.
	HTTPAddr string `yaml:"http_addr"`

	// AgentPath is the WebSocket endpoint agents dial. Defaults to /agent.
	AgentPath string `yaml:"agent_path"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables JWT verification for agent tokens and the admin API.
	// When empty, agents authenticate with their provisioned static tokens
	// only and the admin API is unauthenticated.
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds agent connection timing configuration
type AgentsConfig struct {
	IdentifyTimeout       time.Duration `yaml:"-"`
	PingInterval          time.Duration `yaml:"-"`
	IdleTimeout           time.Duration `yaml:"-"`
	DefaultCommandTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdentifyTimeoutRaw       string `yaml:"identify_timeout"`
	PingIntervalRaw          string `yaml:"ping_interval"`
	IdleTimeoutRaw           string `yaml:"idle_timeout"`
	DefaultCommandTimeoutRaw string `yaml:"default_command_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that are optional in the YAML file.
func (c *Config) applyDefaults() {
	if c.Server.AgentPath == "" {
		c.Server.AgentPath = "/agent"
	}
	if c.Agents.IdentifyTimeout == 0 {
		c.Agents.IdentifyTimeout = 10 * time.Second
	}
	if c.Agents.PingInterval == 0 {
		c.Agents.PingInterval = 30 * time.Second
	}
	if c.Agents.IdleTimeout == 0 {
		c.Agents.IdleTimeout = 90 * time.Second
	}
	if c.Agents.DefaultCommandTimeout == 0 {
		c.Agents.DefaultCommandTimeout = 30 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agents.IdleTimeout <= c.Agents.PingInterval {
		return fmt.Errorf("agents.idle_timeout (%s) must be greater than agents.ping_interval (%s)",
			c.Agents.IdleTimeout, c.Agents.PingInterval)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.IdentifyTimeoutRaw != "" {
		cfg.Agents.IdentifyTimeout, err = time.ParseDuration(cfg.Agents.IdentifyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing identify_timeout %q: %w", cfg.Agents.IdentifyTimeoutRaw, err)
		}
	}

	if cfg.Agents.PingIntervalRaw != "" {
		cfg.Agents.PingInterval, err = time.ParseDuration(cfg.Agents.PingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing ping_interval %q: %w", cfg.Agents.PingIntervalRaw, err)
		}
	}

	if cfg.Agents.IdleTimeoutRaw != "" {
		cfg.Agents.IdleTimeout, err = time.ParseDuration(cfg.Agents.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Agents.IdleTimeoutRaw, err)
		}
	}

	if cfg.Agents.DefaultCommandTimeoutRaw != "" {
		cfg.Agents.DefaultCommandTimeout, err = time.ParseDuration(cfg.Agents.DefaultCommandTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing default_command_timeout %q: %w", cfg.Agents.DefaultCommandTimeoutRaw, err)
		}
	}

	return nil
}
