package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
agent:
  name: keel
  permission_mode: ask_always
  max_steps: 5
  max_time_seconds: 120
llm:
  providers:
    anthropic:
      enabled: true
      api_key: sk-file-key
      default_model: claude-sonnet-4-20250514
    ollama:
      enabled: true
      local: true
      base_url: http://localhost:11434
      default_model: llama3
  provider_priority: [anthropic, ollama]
  routing:
    chat:
      provider: anthropic
      fallback_provider: ollama
  budget:
    daily_limit_usd: 10.0
    per_task_limit_usd: 2.0
shell:
  timeout: 30
  blacklist_patterns: ["rm -rf /"]
authority:
  owner:
    user_ids: ["111", "telegram:999"]
  trusted:
    user_ids: ["222"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Agent.MaxSteps != 5 {
		t.Errorf("MaxSteps = %d, want 5", cfg.Agent.MaxSteps)
	}
	if cfg.Agent.PermissionMode != PermissionAskAlways {
		t.Errorf("PermissionMode = %q", cfg.Agent.PermissionMode)
	}
	if cfg.Agent.MaxHistory != 50 {
		t.Errorf("MaxHistory default = %d, want 50", cfg.Agent.MaxHistory)
	}
	p := cfg.LLM.Providers["ollama"]
	if p == nil || !p.Local {
		t.Fatalf("ollama provider not parsed as local: %+v", p)
	}
	if got := cfg.LLM.Routing["chat"].FallbackProvider; got != "ollama" {
		t.Errorf("fallback provider = %q", got)
	}
}

func TestLoad_EnvOverrideAPIKeyOnly(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env-key")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "sk-env-key" {
		t.Errorf("api key = %q, want env override", got)
	}
}

func TestLoad_InvalidConfigIsTerminal(t *testing.T) {
	_, err := Load(writeConfig(t, "agent:\n  max_steps: -1\n"))
	if err == nil {
		t.Fatal("expected validation error for negative max_steps")
	}
}

func TestIsWritableKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"llm.providers.anthropic.enabled", true},
		{"llm.provider_priority", true},
		{"llm.routing.chat.provider", true},
		{"llm.budget.daily_limit_usd", true},
		{"browser.enabled", true},
		{"gateway.session_timeout_hours", true},
		{"agent.permission_mode", false},
		{"shell.blacklist_patterns", false},
		{"gateway.telegram.allowed_users", false},
		{"gateway.discord.allowed_guilds", false},
		{"gateway.slack.allowed_channels", false},
		{"storage.data_dir", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsWritableKey(tt.key); got != tt.want {
			t.Errorf("IsWritableKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestGetSet(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := cfg.Set("llm.budget.daily_limit_usd", "25.5"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if cfg.LLM.Budget.DailyLimitUSD != 25.5 {
		t.Errorf("daily limit = %v, want 25.5", cfg.LLM.Budget.DailyLimitUSD)
	}

	v, err := cfg.Get("llm.budget.daily_limit_usd")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if f, ok := v.(float64); !ok || f != 25.5 {
		t.Errorf("Get = %v (%T), want 25.5", v, v)
	}

	if err := cfg.Set("shell.blacklist_patterns", `["x"]`); err == nil {
		t.Error("Set on blocked key should fail")
	}
	if err := cfg.Set("agent.permission_mode", "full_auto"); err == nil {
		t.Error("Set on permission key should fail")
	}
}

func TestSet_ProviderToggle(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Set("llm.providers.anthropic.enabled", "false"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if cfg.LLM.Providers["anthropic"].Enabled {
		t.Error("provider still enabled after set")
	}
}

func TestReload_OnlyLLMAndBrowser(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Rewrite the file with a different budget, a different shell
	// timeout, and a different permission mode.
	updated := sampleYAML + "\nbrowser:\n  enabled: true\n"
	updated = strings.Replace(updated, "daily_limit_usd: 10.0", "daily_limit_usd: 99.0", 1)
	updated = strings.Replace(updated, "timeout: 30", "timeout: 5", 1)
	updated = strings.Replace(updated, "permission_mode: ask_always", "permission_mode: full_auto", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if err := cfg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if cfg.LLM.Budget.DailyLimitUSD != 99.0 {
		t.Errorf("llm section not reloaded: daily = %v", cfg.LLM.Budget.DailyLimitUSD)
	}
	if !cfg.Browser.Enabled {
		t.Error("browser section not reloaded")
	}
	if cfg.Shell.TimeoutSeconds != 30 {
		t.Errorf("shell section must keep running value, got %d", cfg.Shell.TimeoutSeconds)
	}
	if cfg.Agent.PermissionMode != PermissionAskAlways {
		t.Errorf("agent section must keep running value, got %q", cfg.Agent.PermissionMode)
	}
}
