package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"

	"github.com/notemill/notemill/internal/fault"
)

// Default returns a Config with working defaults: a local-only daemon
// with both channels off until a token arrives via file or env.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		DataDir:  "~/.notemill",
		Provider: ProviderConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.3,
			MaxRetries:  3,
		},
		Agent: AgentConfig{
			Strategy:       "autonomous",
			DefaultMode:    "note",
			MaxIterations:  20,
			TaskTimeoutSec: 300,
		},
		Aggregator: AggregatorConfig{
			IdleTimeoutSec: 30,
		},
		Outbound: OutboundConfig{
			RatePerSec:  30,
			MaxAttempts: 3,
			BackoffMS:   200,
		},
		KB: KBConfig{
			BaseDir:    "~/notemill-kb",
			GitEnabled: false,
			TopicsOnly: true,
		},
		MCP: MCPConfig{
			ConnectTimeoutSec: 10,
			CallTimeoutSec:    60,
			MaxReconnects:     10,
		},
		Index: IndexConfig{
			Enabled: true,
		},
		Memory: MemoryConfig{
			Backend: "json",
		},
		Maintenance: MaintenanceConfig{
			Enabled: true,
			Jobs: []MaintenanceJob{
				{Name: "index_rebuild", Schedule: "0 4 * * *"},
				{Name: "git_gc", Schedule: "30 4 * * 0"},
				{Name: "tracker_compact", Schedule: "0 5 1 * *"},
			},
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18790,
		},
		Tools: ToolsConfig{
			WebSearch: WebSearchConfig{
				Provider:   "duckduckgo",
				MaxResults: 5,
			},
		},
	}
}

// Load reads config from a json5 file onto defaults, then overlays env
// vars. A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays NOTEMILL_* env vars onto the config. Env
// vars take precedence over file values. Call again after mutating the
// config to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("NOTEMILL_LOG_LEVEL", &c.LogLevel)
	envStr("NOTEMILL_DATA_DIR", &c.DataDir)

	envStr("NOTEMILL_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NOTEMILL_DISCORD_TOKEN", &c.Channels.Discord.Token)

	envStr("NOTEMILL_PROVIDER_API_KEY", &c.Provider.APIKey)
	envStr("NOTEMILL_PROVIDER_BASE_URL", &c.Provider.BaseURL)
	envStr("NOTEMILL_PROVIDER_MODEL", &c.Provider.Model)

	envStr("NOTEMILL_KB_BASE_DIR", &c.KB.BaseDir)
	envStr("NOTEMILL_MEMORY_BACKEND", &c.Memory.Backend)

	envStr("NOTEMILL_GATEWAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("NOTEMILL_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("NOTEMILL_GITHUB_TOKEN", &c.Tools.GitHubToken)
	envStr("NOTEMILL_BRAVE_API_KEY", &c.Tools.WebSearch.BraveAPIKey)

	// Auto-enable channels when credentials arrive via env.
	if os.Getenv("NOTEMILL_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("NOTEMILL_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}

	// The shell tool gate keeps its historical unprefixed name.
	if v := os.Getenv("AGENT_ENABLE_SHELL"); v != "" {
		c.Tools.EnableShell = v == "true" || v == "1"
	}

	if v := os.Getenv("NOTEMILL_ALLOWED_USER_IDS"); v != "" {
		ids := parseUserIDs(v)
		c.Channels.Telegram.AllowedUserIDs = ids
		c.Channels.Discord.AllowedUserIDs = ids
	}
}

func parseUserIDs(v string) []int64 {
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate rejects configurations the daemon cannot run with. The serve
// command exits non-zero when this fails.
func (c *Config) Validate() error {
	if !logLevels[c.LogLevel] {
		return fault.Newf(fault.Validation, "config: unknown log_level %q", c.LogLevel)
	}
	if c.DataDir == "" {
		return fault.New(fault.Validation, "config: data_dir is required")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fault.New(fault.Validation, "config: telegram enabled without token")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fault.New(fault.Validation, "config: discord enabled without token")
	}
	switch c.Agent.Strategy {
	case "autonomous":
	case "external":
		if c.Agent.ExternalCommand == "" {
			return fault.New(fault.Validation, "config: external strategy without external_command")
		}
	default:
		return fault.Newf(fault.Validation, "config: unknown agent strategy %q", c.Agent.Strategy)
	}
	switch c.Agent.DefaultMode {
	case "note", "ask", "agent":
	default:
		return fault.Newf(fault.Validation, "config: unknown default_mode %q", c.Agent.DefaultMode)
	}
	if c.Agent.MaxIterations <= 0 {
		return fault.New(fault.Validation, "config: agent max_iterations must be positive")
	}
	if c.Aggregator.IdleTimeoutSec <= 0 {
		return fault.New(fault.Validation, "config: aggregator idle_timeout_sec must be positive")
	}
	if c.Outbound.RatePerSec <= 0 {
		return fault.New(fault.Validation, "config: outbound rate_per_sec must be positive")
	}
	switch c.Memory.Backend {
	case "json", "notes":
	default:
		return fault.Newf(fault.Validation, "config: unknown memory backend %q", c.Memory.Backend)
	}
	if c.Gateway.Enabled && (c.Gateway.Port <= 0 || c.Gateway.Port > 65535) {
		return fault.Newf(fault.Validation, "config: gateway port %d out of range", c.Gateway.Port)
	}
	if c.Maintenance.Enabled {
		g := gronx.New()
		for _, job := range c.Maintenance.Jobs {
			switch job.Name {
			case "index_rebuild", "git_gc", "tracker_compact":
			default:
				return fault.Newf(fault.Validation, "config: unknown maintenance job %q", job.Name)
			}
			if !g.IsValid(job.Schedule) {
				return fault.Newf(fault.Validation, "config: invalid schedule %q for %s", job.Schedule, job.Name)
			}
		}
	}
	switch c.Tools.WebSearch.Provider {
	case "duckduckgo":
	case "brave":
		if c.Tools.WebSearch.BraveAPIKey == "" {
			return fault.New(fault.Validation, "config: brave web search without api key")
		}
	default:
		return fault.Newf(fault.Validation, "config: unknown web_search provider %q", c.Tools.WebSearch.Provider)
	}
	return nil
}

// Save writes the config as plain JSON (valid json5) with secrets kept.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
