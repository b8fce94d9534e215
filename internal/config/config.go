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

// Default agent timing. Heartbeats are emitted every 25 seconds; the
// staleness timeout is three intervals so one or two missed beats from
// network jitter don't flip a node offline.
const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultHeartbeatTimeout  = 75 * time.Second
	DefaultSweepInterval     = 30 * time.Second
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

// applyDefaults fills in unset timing values.
func (c *Config) applyDefaults() {
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = DefaultSweepInterval
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

	// A timeout shorter than the interval would declare every node
	// offline between beats.
	if c.Agents.HeartbeatTimeout <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout (%s) must exceed agents.heartbeat_interval (%s)",
			c.Agents.HeartbeatTimeout, c.Agents.HeartbeatInterval)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.HeartbeatIntervalRaw != "" {
		cfg.Agents.HeartbeatInterval, err = time.ParseDuration(cfg.Agents.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Agents.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Agents.HeartbeatTimeoutRaw != "" {
		cfg.Agents.HeartbeatTimeout, err = time.ParseDuration(cfg.Agents.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Agents.HeartbeatTimeoutRaw, err)
		}
	}

	if cfg.Agents.SweepIntervalRaw != "" {
		cfg.Agents.SweepInterval, err = time.ParseDuration(cfg.Agents.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Agents.SweepIntervalRaw, err)
		}
	}

	return nil
}
