// Package config provides TOML configuration file loading for the host.
// The configuration file lives at ~/.agentdeck/config.toml by default, but
// can be overridden with the --config flag. CLI flags always take
// precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	apperrors "github.com/agentdeck/host/internal/errors"
)

// Config represents the host configuration file structure. Field names use
// Go camelCase internally but map to snake_case in TOML files via struct
// tags.
type Config struct {
	// Workspace is the directory the agent is scoped to. Paths from the
	// agent are resolved against it and may never escape it.
	// If empty, defaults to the current working directory.
	Workspace string `toml:"workspace"`

	// AgentCmd is the agent executable to spawn.
	// Default: "claude"
	AgentCmd string `toml:"agent_cmd"`

	// AgentArgs are extra arguments passed to the agent process.
	AgentArgs []string `toml:"agent_args"`

	// StateDir holds the host's persisted state: the permission rule
	// store and the history database.
	// Default: ~/.agentdeck
	StateDir string `toml:"state_dir"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// MaxTerminals caps concurrently tracked terminal subprocesses.
	// Default: 32
	MaxTerminals int `toml:"max_terminals"`

	// FlushIntervalMs is the transcript text batching interval in
	// milliseconds. Default: 50
	FlushIntervalMs int `toml:"flush_interval_ms"`

	// FlushBytes is the batching size threshold in bytes. Default: 4096
	FlushBytes int `toml:"flush_bytes"`

	// BridgeAddr is the host:port of the optional WebSocket bridge. The
	// bridge is disabled when empty.
	// Default: "" (disabled)
	BridgeAddr string `toml:"bridge_addr"`

	// BridgeRequireAuth requires a bearer token on bridge connections.
	BridgeRequireAuth bool `toml:"bridge_require_auth"`

	// BridgeTokenHash is the bcrypt hash of the bridge bearer token.
	// Required when BridgeRequireAuth is true.
	BridgeTokenHash string `toml:"bridge_token_hash"`

	// BridgeRatePerSec limits inbound bridge messages per connection.
	// Default: 50
	BridgeRatePerSec int `toml:"bridge_rate_per_sec"`
}

// DefaultConfigPath returns the default config file location:
// ~/.agentdeck/config.toml. Returns an error only if the user's home
// directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".agentdeck", "config.toml"), nil
}

// DefaultStateDir returns ~/.agentdeck, falling back to the current
// directory when the home directory cannot be determined.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentdeck"
	}
	return filepath.Join(home, ".agentdeck")
}

// Load reads a TOML config file from the given path.
//
// Behavior:
//   - If path is empty, attempts to load from the default location and
//     returns a default Config without error if that file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.CodeConfigInvalid, "config file not found: "+path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "failed to parse config file "+path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		c.Workspace = DefaultWorkspace
	}
	if c.AgentCmd == "" {
		c.AgentCmd = DefaultAgentCmd
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxTerminals <= 0 {
		c.MaxTerminals = DefaultMaxTerminals
	}
	if c.FlushIntervalMs <= 0 {
		c.FlushIntervalMs = DefaultFlushIntervalMs
	}
	if c.FlushBytes <= 0 {
		c.FlushBytes = DefaultFlushBytes
	}
	if c.BridgeRatePerSec <= 0 {
		c.BridgeRatePerSec = DefaultBridgeRatePerSec
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return apperrors.New(apperrors.CodeConfigInvalid, "invalid log_level: "+c.LogLevel)
	}
	if c.BridgeAddr != "" && c.BridgeRequireAuth && c.BridgeTokenHash == "" {
		return apperrors.New(apperrors.CodeConfigInvalid, "bridge_require_auth is set but bridge_token_hash is empty")
	}
	return nil
}

// RulesPath returns the permission rule store location under the state dir.
func (c *Config) RulesPath() string {
	return filepath.Join(c.StateDir, "permission_rules.json")
}

// HistoryPath returns the history database location under the state dir.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "history.db")
}
