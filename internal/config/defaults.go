package config

// DefaultWorkspace falls back to the current working directory.
const DefaultWorkspace = "."

// DefaultAgentCmd is the agent executable spawned when none is configured.
const DefaultAgentCmd = "claude"

// DefaultMaxTerminals caps concurrently tracked terminal subprocesses.
const DefaultMaxTerminals = 32

// Text batching defaults for transcript streaming.
const (
	DefaultFlushIntervalMs = 50
	DefaultFlushBytes      = 4096
)

// DefaultBridgeRatePerSec limits inbound bridge messages per connection.
const DefaultBridgeRatePerSec = 50
