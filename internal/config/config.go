// Package config loads and serves the YAML configuration file. The config
// object is read-mostly; runtime writes come only from the recovery
// handler and are restricted to a safe-key whitelist.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// PermissionMode controls how tool approvals are obtained.
type PermissionMode string

const (
	PermissionAskAlways PermissionMode = "ask_always"
	PermissionSmartAuto PermissionMode = "smart_auto"
	PermissionFullAuto  PermissionMode = "full_auto"
)

// AgentConfig configures the agent loop.
type AgentConfig struct {
	Name           string         `yaml:"name"`
	PermissionMode PermissionMode `yaml:"permission_mode"`
	MaxSteps       int            `yaml:"max_steps"`
	MaxTimeSeconds int            `yaml:"max_time_seconds"`
	MaxHistory     int            `yaml:"max_history"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	Enabled      bool              `yaml:"enabled"`
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	DefaultModel string            `yaml:"default_model"`
	Local        bool              `yaml:"local"`
	Models       map[string]string `yaml:"models"` // task_type -> model
}

// RouteConfig maps a task type to a preferred provider/model with a fallback.
type RouteConfig struct {
	Provider         string `yaml:"provider"`
	Model            string `yaml:"model"`
	FallbackProvider string `yaml:"fallback_provider"`
	FallbackModel    string `yaml:"fallback_model"`
}

// BudgetConfig bounds LLM spend.
type BudgetConfig struct {
	DailyLimitUSD   float64 `yaml:"daily_limit_usd"`
	PerTaskLimitUSD float64 `yaml:"per_task_limit_usd"`
}

// LLMConfig is the router configuration section.
type LLMConfig struct {
	Providers        map[string]*ProviderConfig `yaml:"providers"`
	ProviderPriority []string                   `yaml:"provider_priority"`
	Routing          map[string]*RouteConfig    `yaml:"routing"`
	Budget           BudgetConfig               `yaml:"budget"`
}

// ShellConfig configures the shell tool.
type ShellConfig struct {
	TimeoutSeconds    int      `yaml:"timeout"`
	BlacklistPatterns []string `yaml:"blacklist_patterns"`
	SafeCommands      []string `yaml:"safe_commands"`
}

// TierConfig lists the user ids for one authority tier.
type TierConfig struct {
	UserIDs []string `yaml:"user_ids"`
}

// AuthorityConfig is the tier table.
type AuthorityConfig struct {
	Owner   TierConfig `yaml:"owner"`
	Trusted TierConfig `yaml:"trusted"`
}

// MCPServerConfig configures one MCP server connection.
type MCPServerConfig struct {
	Name       string            `yaml:"name"`
	Enabled    bool              `yaml:"enabled"`
	Transport  string            `yaml:"transport"` // stdio | sse
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	URL        string            `yaml:"url"`
	Env        map[string]string `yaml:"env"`
	Headers    map[string]string `yaml:"headers"`
	Permission string            `yaml:"permission"` // default level for federated tools
}

// MCPConfig is the MCP section.
type MCPConfig struct {
	Enabled bool               `yaml:"enabled"`
	Servers []*MCPServerConfig `yaml:"servers"`
}

// PaymentLimits bounds payment tool activity.
type PaymentLimits struct {
	PerTransactionUSD float64 `yaml:"per_transaction_usd"`
	DailyUSD          float64 `yaml:"daily_usd"`
	MonthlyUSD        float64 `yaml:"monthly_usd"`
	PerRecipient24hUSD float64 `yaml:"per_recipient_24h_usd"`
	HourlyRateCap     int     `yaml:"hourly_rate_cap"`
}

// PaymentApproval sets the amount thresholds for approval tiers, in
// descending order of strictness.
type PaymentApproval struct {
	AlwaysAskUSD       float64 `yaml:"always_ask_usd"`
	ConfirmUSD         float64 `yaml:"confirm_usd"`
	CooldownUSD        float64 `yaml:"cooldown_usd"`
	CooldownSeconds    int     `yaml:"cooldown_seconds"`
}

// CryptoConfig selects the payments backend.
type CryptoConfig struct {
	Provider     string `yaml:"provider"`
	DefaultChain string `yaml:"default_chain"`
}

// PaymentsConfig is the payments section.
type PaymentsConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Crypto   CryptoConfig    `yaml:"crypto"`
	Limits   PaymentLimits   `yaml:"limits"`
	Approval PaymentApproval `yaml:"approval"`
	Wallet   string          `yaml:"wallet"`
}

// StorageConfig bounds workspace disk usage.
type StorageConfig struct {
	DataDir                string  `yaml:"data_dir"`
	WorkspaceQuotaMB       int64   `yaml:"workspace_quota_mb"`
	MaxFileSizeMB          int64   `yaml:"max_file_size_mb"`
	AlertThresholdPercent  float64 `yaml:"alert_threshold_percent"`
	DownloadRetentionHours int     `yaml:"download_retention_hours"`
	UploadRetentionHours   int     `yaml:"upload_retention_hours"`
	CacheMaxMB             int64   `yaml:"cache_max_mb"`
}

// GatewayConfig configures inbound channels.
type GatewayConfig struct {
	SessionTimeoutHours int      `yaml:"session_timeout_hours"`
	ProtectedPaths      []string `yaml:"protected_paths"`
	Telegram            struct {
		Enabled      bool     `yaml:"enabled"`
		Token        string   `yaml:"token"`
		AllowedUsers []string `yaml:"allowed_users"`
	} `yaml:"telegram"`
	Discord struct {
		Enabled       bool     `yaml:"enabled"`
		Token         string   `yaml:"token"`
		AllowedGuilds []string `yaml:"allowed_guilds"`
	} `yaml:"discord"`
	Slack struct {
		Enabled         bool     `yaml:"enabled"`
		AllowedChannels []string `yaml:"allowed_channels"`
	} `yaml:"slack"`
	WebSocket struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"websocket"`
}

// BrowserConfig gates the browser bridge.
type BrowserConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ProcessConfig bounds the subprocess registry.
type ProcessConfig struct {
	MaxProcesses  int `yaml:"max_processes"`
	MaxAgeSeconds int `yaml:"max_age_seconds"`
}

// VaultConfig locates the secret store.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// Config is the root configuration object.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	LLM       LLMConfig       `yaml:"llm"`
	Shell     ShellConfig     `yaml:"shell"`
	Authority AuthorityConfig `yaml:"authority"`
	MCP       MCPConfig       `yaml:"mcp"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Storage   StorageConfig   `yaml:"storage"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Browser   BrowserConfig   `yaml:"browser"`
	Process   ProcessConfig   `yaml:"process"`
	Vault     VaultConfig     `yaml:"vault"`

	mu   sync.RWMutex `yaml:"-"`
	path string       `yaml:"-"`
}

// Default returns a config with working defaults for every section.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:           "keel",
			PermissionMode: PermissionSmartAuto,
			MaxSteps:       10,
			MaxTimeSeconds: 300,
			MaxHistory:     50,
		},
		LLM: LLMConfig{
			Providers: map[string]*ProviderConfig{},
			Budget: BudgetConfig{
				DailyLimitUSD:   10.0,
				PerTaskLimitUSD: 2.0,
			},
		},
		Shell: ShellConfig{
			TimeoutSeconds: 60,
			BlacklistPatterns: []string{
				`rm\s+-rf\s+/`,
				`mkfs`,
				`dd\s+if=`,
				`:\(\)\s*\{.*\};:`,
			},
		},
		Storage: StorageConfig{
			DataDir:               "data",
			WorkspaceQuotaMB:      1024,
			MaxFileSizeMB:         64,
			AlertThresholdPercent: 80,
		},
		Payments: PaymentsConfig{
			Limits: PaymentLimits{
				PerTransactionUSD:  50,
				DailyUSD:           200,
				MonthlyUSD:         1000,
				PerRecipient24hUSD: 100,
				HourlyRateCap:      10,
			},
			Approval: PaymentApproval{
				AlwaysAskUSD:    10,
				ConfirmUSD:      25,
				CooldownUSD:     50,
				CooldownSeconds: 300,
			},
		},
		Process: ProcessConfig{
			MaxProcesses:  16,
			MaxAgeSeconds: 3600,
		},
		Gateway: GatewayConfig{
			SessionTimeoutHours: 24,
		},
	}
}

// Load reads the YAML file at path, expands environment references, and
// applies provider API key overrides from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.path = path
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeyVars maps provider names to their API key environment variables.
// Environment overrides apply to API keys only.
var envKeyVars = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// ApplyEnvOverrides replaces provider API keys with values from the
// environment when set.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, p := range c.LLM.Providers {
		if envVar, ok := envKeyVars[name]; ok {
			if v := os.Getenv(envVar); v != "" {
				p.APIKey = v
			}
		}
	}
}

// Validate checks the invariants the rest of the system relies on.
// A failure here is terminal at startup.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("config: agent.max_steps must be positive")
	}
	if c.Agent.MaxHistory < 2 {
		return fmt.Errorf("config: agent.max_history must be at least 2")
	}
	for name, p := range c.LLM.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if p == nil {
			return fmt.Errorf("config: provider %q has no body", name)
		}
	}
	for task, r := range c.LLM.Routing {
		if r == nil || strings.TrimSpace(r.Provider) == "" {
			return fmt.Errorf("config: routing entry %q has no provider", task)
		}
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// MaxTurnDuration converts the configured per-turn cap to a duration.
func (c *Config) MaxTurnDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.MaxTimeSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Agent.MaxTimeSeconds) * time.Second
}
