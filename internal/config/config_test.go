package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, `{
  // comments survive parsing
  gateway: { addr: "0.0.0.0:9000", token: "secret", rpm: 30 },
  defaults: { provider: "openai", model: "gpt-4o", max_tokens: 2048 },
  agents: {
    "Main Agent": { model: "gpt-4o-mini", context_mode: "slim", recent_turns: 4 },
  },
  providers: {
    openai: { api_key: "sk-test", rpm: 60 },
  },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Addr != "0.0.0.0:9000" {
		t.Errorf("gateway addr = %q", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RPM != 30 {
		t.Errorf("gateway rpm = %d", cfg.Gateway.RPM)
	}
	if cfg.Providers["openai"].APIKey != "sk-test" {
		t.Errorf("provider key = %q", cfg.Providers["openai"].APIKey)
	}
	// Agent keys are normalized on load.
	if _, ok := cfg.Agents["main-agent"]; !ok {
		t.Errorf("agent key not normalized: %v", cfg.Agents)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json5")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBadSyntax(t *testing.T) {
	path := writeConfig(t, `{ gateway: `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Addr == "" {
		t.Error("default gateway addr empty")
	}
	if cfg.Store.Mode != "standalone" {
		t.Errorf("store mode = %q", cfg.Store.Mode)
	}
	if cfg.Defaults.ContextMode != "full" {
		t.Errorf("context mode = %q", cfg.Defaults.ContextMode)
	}
	if cfg.Cron.StorePath == "" {
		t.Error("cron store path empty")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log defaults = %q/%q", cfg.Log.Level, cfg.Log.Format)
	}
}

func TestResolveMergesDefaults(t *testing.T) {
	cfg := Default()
	cfg.Defaults = AgentConfig{
		Provider:  "anthropic",
		Model:     "claude-sonnet-4",
		MaxTokens: 4096,
	}
	cfg.Agents = map[string]AgentConfig{
		"helper": {Model: "claude-haiku-4", ContextMode: "slim"},
	}

	got := cfg.Resolve("Helper")
	if got.Provider != "anthropic" {
		t.Errorf("provider = %q, want inherited default", got.Provider)
	}
	if got.Model != "claude-haiku-4" {
		t.Errorf("model = %q, want override", got.Model)
	}
	if got.MaxTokens != 4096 {
		t.Errorf("max tokens = %d, want inherited", got.MaxTokens)
	}
	if got.ContextMode != "slim" {
		t.Errorf("context mode = %q", got.ContextMode)
	}

	// Unknown agents get pure defaults.
	if got := cfg.Resolve("stranger"); got.Model != "claude-sonnet-4" {
		t.Errorf("unknown agent model = %q", got.Model)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}
