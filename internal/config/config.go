// Package config owns the notemill configuration: a single config.json5
// parsed onto defaults, then overlaid by NOTEMILL_* environment variables.
// Env vars take highest precedence; Validate failure makes the binary
// exit non-zero.
package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration for the notemill binary.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`
	// DataDir holds everything notemill owns outside the KBs:
	// processing log, kb registry, sqlite index, memory store, MCP
	// registry directories.
	DataDir string `json:"data_dir"`

	Channels    ChannelsConfig    `json:"channels"`
	Provider    ProviderConfig    `json:"provider"`
	Agent       AgentConfig       `json:"agent"`
	Aggregator  AggregatorConfig  `json:"aggregator"`
	Outbound    OutboundConfig    `json:"outbound"`
	KB          KBConfig          `json:"kb"`
	MCP         MCPConfig         `json:"mcp"`
	Index       IndexConfig       `json:"index"`
	Memory      MemoryConfig      `json:"memory"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Gateway     GatewayConfig     `json:"gateway"`
	Tools       ToolsConfig       `json:"tools"`
}

// ChannelsConfig enables the chat surfaces.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// TelegramConfig configures the telego long-polling adapter.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	// AllowedUserIDs restricts who the bot answers. Empty allows everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
}

// DiscordConfig configures the discordgo session adapter.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	// AllowedUserIDs restricts who the bot answers. Empty allows everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
}

// ProviderConfig points at an OpenAI-compatible chat completions endpoint.
type ProviderConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model"`
	EmbedModel  string  `json:"embed_model,omitempty"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	// MaxRetries caps transport-error retries per provider call.
	MaxRetries int `json:"max_retries"`
}

// AgentConfig tunes the decision loop.
type AgentConfig struct {
	// Strategy is "autonomous" (provider-backed) or "external" (CLI driver).
	Strategy string `json:"strategy"`
	// DefaultMode is the mode new users start in: note, ask or agent.
	DefaultMode     string   `json:"default_mode"`
	MaxIterations   int      `json:"max_iterations"`
	TaskTimeoutSec  int      `json:"task_timeout_sec"`
	ExternalCommand string   `json:"external_command,omitempty"`
	ExternalArgs    []string `json:"external_args,omitempty"`
}

// AggregatorConfig tunes per-user message batching.
type AggregatorConfig struct {
	IdleTimeoutSec int `json:"idle_timeout_sec"`
}

// IdleTimeout returns the configured window as a duration.
func (a AggregatorConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutSec) * time.Second
}

// OutboundConfig tunes the global delivery throttle and retry policy.
type OutboundConfig struct {
	RatePerSec  float64 `json:"rate_per_sec"`
	Burst       int     `json:"burst,omitempty"`
	MaxAttempts int     `json:"max_attempts"`
	BackoffMS   int     `json:"backoff_ms"`
}

// KBConfig sets knowledge-base defaults for newly attached KBs.
type KBConfig struct {
	// BaseDir is where `notemill init` and auto-attachment create KB roots.
	BaseDir string `json:"base_dir"`
	// GitEnabled makes new KBs commit and push after note writes.
	GitEnabled bool `json:"git_enabled"`
	// TopicsOnly confines agent writes to <kb_root>/topics.
	TopicsOnly bool `json:"topics_only"`
}

// MCPConfig locates the server registry directories and bounds the client.
type MCPConfig struct {
	// SharedDir holds server definition files visible to all users.
	SharedDir string `json:"shared_dir,omitempty"`
	// UsersDir holds per-user subdirectories (<users_dir>/<user_id>/*.json)
	// whose definitions override shared ones of the same name.
	UsersDir          string `json:"users_dir,omitempty"`
	ConnectTimeoutSec int    `json:"connect_timeout_sec"`
	CallTimeoutSec    int    `json:"call_timeout_sec"`
	MaxReconnects     int    `json:"max_reconnects"`
}

// IndexConfig configures the sqlite note index.
type IndexConfig struct {
	Enabled bool `json:"enabled"`
	// Path overrides the default <data_dir>/index.db location.
	Path string `json:"path,omitempty"`
}

// MemoryConfig selects the memory store backend.
type MemoryConfig struct {
	// Backend is "json" (file store) or "notes" (KB note store).
	Backend string `json:"backend"`
	// Path overrides the default <data_dir>/memory.json for the json backend.
	Path string `json:"path,omitempty"`
}

// MaintenanceJob is one cron entry registered with the task manager.
type MaintenanceJob struct {
	// Name selects the job: index_rebuild, git_gc or tracker_compact.
	Name string `json:"name"`
	// Schedule is a standard 5-field cron expression.
	Schedule string `json:"schedule"`
}

// MaintenanceConfig drives the periodic job scheduler.
type MaintenanceConfig struct {
	Enabled bool             `json:"enabled"`
	Jobs    []MaintenanceJob `json:"jobs,omitempty"`
}

// GatewayConfig configures the local observer WebSocket endpoint.
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// ToolsConfig gates and configures built-in tools.
type ToolsConfig struct {
	// EnableShell turns the shell tool on. Default off; the
	// AGENT_ENABLE_SHELL env var overrides this.
	EnableShell bool            `json:"enable_shell"`
	WebSearch   WebSearchConfig `json:"web_search"`
	// GitHubToken authorizes the github_api tool. Env override only.
	GitHubToken string `json:"-"`
}

// WebSearchConfig selects the web_search backend.
type WebSearchConfig struct {
	// Provider is "duckduckgo" (no key) or "brave".
	Provider    string `json:"provider"`
	BraveAPIKey string `json:"brave_api_key,omitempty"`
	MaxResults  int    `json:"max_results"`
}

// Derived paths under DataDir. Overridable sections (index, memory) check
// their own Path field first.

// TrackerPath is the processing log location.
func (c *Config) TrackerPath() string {
	return filepath.Join(ExpandHome(c.DataDir), "processing.log")
}

// KBRegistryPath is the per-user KB registry file.
func (c *Config) KBRegistryPath() string {
	return filepath.Join(ExpandHome(c.DataDir), "kbs.json")
}

// IndexPath is the sqlite index database file.
func (c *Config) IndexPath() string {
	if c.Index.Path != "" {
		return ExpandHome(c.Index.Path)
	}
	return filepath.Join(ExpandHome(c.DataDir), "index.db")
}

// MemoryPath is the json memory store file.
func (c *Config) MemoryPath() string {
	if c.Memory.Path != "" {
		return ExpandHome(c.Memory.Path)
	}
	return filepath.Join(ExpandHome(c.DataDir), "memory.json")
}

// MCPSharedDir is the shared server registry directory.
func (c *Config) MCPSharedDir() string {
	if c.MCP.SharedDir != "" {
		return ExpandHome(c.MCP.SharedDir)
	}
	return filepath.Join(ExpandHome(c.DataDir), "mcp")
}

// MCPUsersDir is the root of per-user server registry directories.
func (c *Config) MCPUsersDir() string {
	if c.MCP.UsersDir != "" {
		return ExpandHome(c.MCP.UsersDir)
	}
	return filepath.Join(ExpandHome(c.DataDir), "mcp-users")
}

// KBBaseDir is the expanded directory new KB roots are created under.
func (c *Config) KBBaseDir() string {
	return ExpandHome(c.KB.BaseDir)
}
