package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Persistence backends for session snapshots
const (
	PersistenceFile   = "file"
	PersistenceSQLite = "sqlite"
)

// Config represents the server configuration. Values are resolved in order:
// built-in defaults, then the optional JSON config file, then CODERAID_*
// environment variables.
type Config struct {
	Host        string   `json:"host" env:"CODERAID_HOST"`
	Port        int      `json:"port" env:"CODERAID_PORT"`
	DataDir     string   `json:"data_dir" env:"CODERAID_DATA_DIR"`
	APIKeys     []string `json:"api_keys" env:"CODERAID_API_KEY" envSeparator:","`
	Persistence string   `json:"persistence" env:"CODERAID_PERSISTENCE"`
	LogLevel    string   `json:"log_level" env:"CODERAID_LOG_LEVEL"`
	LogPath     string   `json:"log_path" env:"CODERAID_LOG_PATH"`

	// Session tuning
	IdleTimeoutSeconds      int `json:"idle_timeout_seconds" env:"CODERAID_IDLE_TIMEOUT_SECONDS"`
	SnapshotIntervalSeconds int `json:"snapshot_interval_seconds" env:"CODERAID_SNAPSHOT_INTERVAL_SECONDS"`
	MaxContentSize          int `json:"max_content_size" env:"CODERAID_MAX_CONTENT_SIZE"`
	SendQueueSize           int `json:"send_queue_size" env:"CODERAID_SEND_QUEUE_SIZE"`
}

// Default returns a Config populated with built-in defaults
func Default() *Config {
	return &Config{
		Host:                    "0.0.0.0",
		Port:                    8937,
		DataDir:                 "data",
		Persistence:             PersistenceFile,
		LogLevel:                "info",
		IdleTimeoutSeconds:      300,
		SnapshotIntervalSeconds: 60,
		MaxContentSize:          4 << 20,
		SendQueueSize:           256,
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and environment variables apply. A missing config file at a
// non-empty path is an error; the caller asked for it explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("no API keys configured; set api_keys or CODERAID_API_KEY")
	}
	for _, key := range c.APIKeys {
		if key == "" {
			return fmt.Errorf("empty API key configured")
		}
	}
	switch c.Persistence {
	case PersistenceFile, PersistenceSQLite:
	default:
		return fmt.Errorf("unknown persistence backend %q", c.Persistence)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send_queue_size must be positive")
	}
	if c.MaxContentSize <= 0 {
		return fmt.Errorf("max_content_size must be positive")
	}
	return nil
}

// Addr returns the listen address in host:port form
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IdleTimeout returns how long an empty session survives before eviction
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// SnapshotInterval returns the periodic snapshot cadence; zero disables it
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}
