package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig holds configuration for the completion provider.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	// Model is the model name for the configured provider.
	Model string `yaml:"model"`

	// APIKey for the provider. Env vars take precedence (GEMINI_API_KEY,
	// ANTHROPIC_API_KEY, OPENAI_API_KEY).
	APIKey string `yaml:"api_key"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// Failover config: ordered list of provider names to try when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a provider's
	// circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is the duration before a tripped provider breaker
	// resets. Default 300 (5 minutes).
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	// RequestTimeoutSeconds bounds each completion call. Default 60.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// SessionConfig bounds conversation state per channel.
type SessionConfig struct {
	// HistoryLimitInternal / HistoryLimitPublic cap the number of messages
	// loaded per turn; the oldest beyond the cap are evicted.
	HistoryLimitInternal int `yaml:"history_limit_internal"`
	HistoryLimitPublic   int `yaml:"history_limit_public"`

	// TTL windows for reusing a live session on an incoming message.
	TTLInternalMinutes int `yaml:"ttl_internal_minutes"`
	TTLPublicMinutes   int `yaml:"ttl_public_minutes"`
}

// GuardConfig holds the per-session rate limit and circuit breaker thresholds.
type GuardConfig struct {
	// MaxToolDepth bounds tool-call recursion within one user turn. Default 3.
	MaxToolDepth int `yaml:"max_tool_depth"`

	// MaxTurns caps user turns per session before the breaker trips.
	MaxTurns int `yaml:"max_turns"`

	// MaxTokens caps estimated tokens per session.
	MaxTokens int `yaml:"max_tokens"`

	// MaxDurationMinutes caps wall-clock session age for tool access.
	MaxDurationMinutes int `yaml:"max_duration_minutes"`

	// MaxConsecutiveErrors trips the breaker after N tool failures in a row.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`

	// MaxCallsPerTool caps how often a single tool may run over a session's
	// lifetime. Individual tools can declare a tighter cap. 0 = unlimited.
	MaxCallsPerTool int `yaml:"max_calls_per_tool"`

	// TierBudgets caps the number of invocations per trust tier per session.
	// Keys: "auto", "soft_confirm", "hard_confirm". 0 = unlimited.
	TierBudgets map[string]int `yaml:"tier_budgets"`

	// ExecutorTimeoutSeconds bounds each executor invocation. Default 30.
	ExecutorTimeoutSeconds int `yaml:"executor_timeout_seconds"`
}

// ProposalConfig controls the proposal lifecycle windows.
type ProposalConfig struct {
	// Expiry windows by session channel.
	ExpiryInternalMinutes int `yaml:"expiry_internal_minutes"`
	ExpiryPublicMinutes   int `yaml:"expiry_public_minutes"`

	// SweepIntervalCron is the cron spec for the expiry sweep. Default "@every 1m".
	SweepIntervalCron string `yaml:"sweep_interval_cron"`
}

// RateLimitConfig controls the gateway-level HTTP token bucket.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// TenantKeyConfig maps an inbound API key to a tenant identity and channel.
type TenantKeyConfig struct {
	Key      string `yaml:"key"`
	TenantID string `yaml:"tenant_id"`
	Channel  string `yaml:"channel"` // "internal" or "public"
}

// OtelConfig mirrors internal/otel.Config for YAML loading.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DBPath overrides the default sqlite location ($HOME/concierge.db).
	DBPath string `yaml:"db_path"`

	LLM       LLMConfig         `yaml:"llm"`
	Sessions  SessionConfig     `yaml:"sessions"`
	Guard     GuardConfig       `yaml:"guard"`
	Proposals ProposalConfig    `yaml:"proposals"`
	RateLimit RateLimitConfig   `yaml:"rate_limit"`
	Otel      OtelConfig        `yaml:"otel"`
	Tenants   []TenantKeyConfig `yaml:"tenants"`

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// Retention policy (days). 0 = keep forever.
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`
	RetentionMessagesDays int `yaml:"retention_messages_days"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// PERSONA is the system-prompt template loaded from PERSONA.md.
	// Not part of YAML; hot-reloaded by the orchestrator.
	PERSONA string `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PersonaPath returns the path to the PERSONA.md system-prompt template.
func PersonaPath(homeDir string) string {
	return filepath.Join(homeDir, "PERSONA.md")
}

// Fingerprint returns a stable hash of the operative settings, exposed in
// health output so drift between running config and disk is detectable.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|depth=%d|turns=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, c.Guard.MaxToolDepth, c.Guard.MaxTurns, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:                "google",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
			RequestTimeoutSeconds:   60,
		},
		Sessions: SessionConfig{
			HistoryLimitInternal: 60,
			HistoryLimitPublic:   24,
			TTLInternalMinutes:   240,
			TTLPublicMinutes:     30,
		},
		Guard: GuardConfig{
			MaxToolDepth:         3,
			MaxTurns:             40,
			MaxTokens:            120000,
			MaxDurationMinutes:   120,
			MaxConsecutiveErrors: 3,
			MaxCallsPerTool:      25,
			TierBudgets: map[string]int{
				"auto":         30,
				"soft_confirm": 10,
				"hard_confirm": 5,
			},
			ExecutorTimeoutSeconds: 30,
		},
		Proposals: ProposalConfig{
			ExpiryInternalMinutes: 60,
			ExpiryPublicMinutes:   10,
			SweepIntervalCron:     "@every 1m",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		RetentionAuditLogDays: 365,
		RetentionMessagesDays: 90,
		DrainTimeoutSeconds:   5,
	}
}

// HomeDir resolves the data directory: $CONCIERGE_HOME or ~/.concierge.
func HomeDir() string {
	if override := os.Getenv("CONCIERGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".concierge")
}

// Load reads config.yaml from the home directory, applies env overrides,
// and normalizes defaults. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create concierge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadPersona(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "concierge.db")
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = 5
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = 300
	}
	if cfg.LLM.RequestTimeoutSeconds <= 0 {
		cfg.LLM.RequestTimeoutSeconds = 60
	}
	if cfg.Sessions.HistoryLimitInternal <= 0 {
		cfg.Sessions.HistoryLimitInternal = 60
	}
	if cfg.Sessions.HistoryLimitPublic <= 0 {
		cfg.Sessions.HistoryLimitPublic = 24
	}
	if cfg.Sessions.TTLInternalMinutes <= 0 {
		cfg.Sessions.TTLInternalMinutes = 240
	}
	if cfg.Sessions.TTLPublicMinutes <= 0 {
		cfg.Sessions.TTLPublicMinutes = 30
	}
	if cfg.Guard.MaxToolDepth <= 0 {
		cfg.Guard.MaxToolDepth = 3
	}
	if cfg.Guard.MaxTurns <= 0 {
		cfg.Guard.MaxTurns = 40
	}
	if cfg.Guard.MaxTokens <= 0 {
		cfg.Guard.MaxTokens = 120000
	}
	if cfg.Guard.MaxDurationMinutes <= 0 {
		cfg.Guard.MaxDurationMinutes = 120
	}
	if cfg.Guard.MaxConsecutiveErrors <= 0 {
		cfg.Guard.MaxConsecutiveErrors = 3
	}
	if cfg.Guard.ExecutorTimeoutSeconds <= 0 {
		cfg.Guard.ExecutorTimeoutSeconds = 30
	}
	if cfg.Proposals.ExpiryInternalMinutes <= 0 {
		cfg.Proposals.ExpiryInternalMinutes = 60
	}
	if cfg.Proposals.ExpiryPublicMinutes <= 0 {
		cfg.Proposals.ExpiryPublicMinutes = 10
	}
	if strings.TrimSpace(cfg.Proposals.SweepIntervalCron) == "" {
		cfg.Proposals.SweepIntervalCron = "@every 1m"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	for i := range cfg.Tenants {
		if cfg.Tenants[i].Channel == "" {
			cfg.Tenants[i].Channel = "internal"
		}
	}
}

// validate rejects configurations that would silently disable the guards.
func validate(cfg *Config) error {
	if cfg.Guard.MaxToolDepth > 10 {
		return fmt.Errorf("guard.max_tool_depth (%d) must be <= 10; deeper loops defeat the per-turn cost bound", cfg.Guard.MaxToolDepth)
	}
	for _, t := range cfg.Tenants {
		if t.Key == "" || t.TenantID == "" {
			return fmt.Errorf("tenants entries require both key and tenant_id")
		}
		if t.Channel != "internal" && t.Channel != "public" {
			return fmt.Errorf("tenant %s: channel must be internal or public, got %q", t.TenantID, t.Channel)
		}
	}
	return nil
}

// SessionTTL returns the live-session reuse window for a channel.
func (c Config) SessionTTL(channel string) time.Duration {
	if channel == "public" {
		return time.Duration(c.Sessions.TTLPublicMinutes) * time.Minute
	}
	return time.Duration(c.Sessions.TTLInternalMinutes) * time.Minute
}

// HistoryLimit returns the bounded history length for a channel.
func (c Config) HistoryLimit(channel string) int {
	if channel == "public" {
		return c.Sessions.HistoryLimitPublic
	}
	return c.Sessions.HistoryLimitInternal
}

// ProposalExpiry returns the proposal expiry window for a channel.
func (c Config) ProposalExpiry(channel string) time.Duration {
	if channel == "public" {
		return time.Duration(c.Proposals.ExpiryPublicMinutes) * time.Minute
	}
	return time.Duration(c.Proposals.ExpiryInternalMinutes) * time.Minute
}

// LLMAPIKey returns the provider API key, env vars first.
func (c Config) LLMAPIKey() string {
	return c.LLM.ResolveAPIKey()
}

// ResolveAPIKey returns the provider API key, env vars first.
func (l LLMConfig) ResolveAPIKey() string {
	switch l.Provider {
	case "anthropic":
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			return v
		}
	case "openai", "openai_compatible":
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			return v
		}
	case "google", "":
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			return v
		}
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	return l.APIKey
}

// TenantForKey resolves an inbound API key to (tenantID, channel).
// Returns ok=false for unknown keys.
func (c Config) TenantForKey(key string) (tenantID, channel string, ok bool) {
	if key == "" {
		return "", "", false
	}
	for _, t := range c.Tenants {
		if t.Key == key {
			return t.TenantID, t.Channel, true
		}
	}
	return "", "", false
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONCIERGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONCIERGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONCIERGE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CONCIERGE_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("CONCIERGE_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("CONCIERGE_MAX_TOOL_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Guard.MaxToolDepth = v
		}
	}
	if raw := os.Getenv("CONCIERGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}

func loadPersona(cfg *Config) {
	if b, err := os.ReadFile(PersonaPath(cfg.HomeDir)); err == nil {
		cfg.PERSONA = string(b)
	}
}
