// Package config loads and watches the agentd configuration file. The file
// is JSON5 so hand-edited configs can carry comments and trailing commas.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Config is the full process configuration.
type Config struct {
	Gateway   GatewayConfig             `json:"gateway"`
	Store     StoreConfig               `json:"store"`
	Defaults  AgentConfig               `json:"defaults"`
	Agents    map[string]AgentConfig    `json:"agents"`
	Providers map[string]ProviderConfig `json:"providers"`
	Cron      CronConfig                `json:"cron"`
	Tracing   TracingConfig             `json:"tracing"`
	Log       LogConfig                 `json:"log"`
}

// GatewayConfig configures the WebSocket gateway.
type GatewayConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`

	// RPM limits chat.send calls per client per minute (0 = unlimited).
	RPM   int `json:"rpm"`
	Burst int `json:"burst"`

	// InjectionAction: "log" | "warn" | "block" | "off".
	InjectionAction string `json:"injection_action"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Mode        string `json:"mode"` // "standalone" (default) or "managed"
	PostgresDSN string `json:"postgres_dsn"`
	DataDir     string `json:"data_dir"` // default ~/.agentd
}

// AgentConfig is the per-agent loop configuration. Zero fields fall back to
// Defaults when resolved.
type AgentConfig struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	SystemPrompt      string  `json:"system_prompt"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	MaxIterations     int     `json:"max_iterations"`
	ContextMode       string  `json:"context_mode"` // "full" or "slim"
	RecentTurns       int     `json:"recent_turns"`
	InlineToolResults bool    `json:"inline_tool_results"`
}

// ProviderConfig carries credentials and limits per provider family.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base"`
	RPM     int    `json:"rpm"`
}

// CronConfig configures the schedule service.
type CronConfig struct {
	Enabled   bool   `json:"enabled"`
	StorePath string `json:"store_path"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // "http" or "grpc"
	ServiceName string `json:"service_name"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `json:"level"`  // debug|info|warn|error
	Format string `json:"format"` // text|json
}

// DefaultPath is the config file location when none is given.
func DefaultPath() string {
	return ExpandHome("~/.agentd/config.json5")
}

// Load reads and parses the config file, then applies defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := json5.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a runnable configuration with no file present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = "127.0.0.1:18789"
	}
	if c.Store.Mode == "" {
		c.Store.Mode = "standalone"
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "~/.agentd"
	}
	c.Store.DataDir = ExpandHome(c.Store.DataDir)
	if c.Defaults.Provider == "" {
		c.Defaults.Provider = "anthropic"
	}
	if c.Defaults.Model == "" {
		c.Defaults.Model = "claude-sonnet-4"
	}
	if c.Defaults.ContextMode == "" {
		c.Defaults.ContextMode = "full"
	}
	if c.Cron.StorePath == "" {
		c.Cron.StorePath = filepath.Join(c.Store.DataDir, "cron.json")
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "agentd"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	// Normalize agent ids so config keys and session keys always agree.
	if len(c.Agents) > 0 {
		agents := make(map[string]AgentConfig, len(c.Agents))
		for id, a := range c.Agents {
			agents[NormalizeAgentID(id)] = a
		}
		c.Agents = agents
	}
}

// Resolve returns the effective agent configuration: the agent's entry with
// every zero field filled from Defaults.
func (c *Config) Resolve(agentID string) AgentConfig {
	out := c.Defaults
	a, ok := c.Agents[NormalizeAgentID(agentID)]
	if !ok {
		return out
	}
	if a.Provider != "" {
		out.Provider = a.Provider
	}
	if a.Model != "" {
		out.Model = a.Model
	}
	if a.SystemPrompt != "" {
		out.SystemPrompt = a.SystemPrompt
	}
	if a.MaxTokens > 0 {
		out.MaxTokens = a.MaxTokens
	}
	if a.Temperature > 0 {
		out.Temperature = a.Temperature
	}
	if a.MaxIterations > 0 {
		out.MaxIterations = a.MaxIterations
	}
	if a.ContextMode != "" {
		out.ContextMode = a.ContextMode
	}
	if a.RecentTurns > 0 {
		out.RecentTurns = a.RecentTurns
	}
	if a.InlineToolResults {
		out.InlineToolResults = true
	}
	return out
}

// Provider returns the provider entry for a family, zero value when absent.
func (c *Config) Provider(family string) ProviderConfig {
	return c.Providers[family]
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
