package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rapidtriage/triage/internal/model"
)

// Config represents the top-level triage configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Limits    LimitsConfig    `yaml:"limits"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	PublicRateLimit int        `yaml:"public_rate_limit"` // per-IP requests/min on unauthenticated routes
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// ServiceToken is a static bearer secret for a trusted internal caller.
type ServiceToken struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// AuthConfig controls credential classification and verification.
type AuthConfig struct {
	ServiceTokens []ServiceToken `yaml:"service_tokens"`

	// SessionSecret signs and verifies locally-issued session tokens.
	SessionSecret string `yaml:"session_secret"`

	// SessionTokenMaxLen is the shape threshold below which a three-segment
	// credential is classified as a session token.
	SessionTokenMaxLen int `yaml:"session_token_max_len"`

	// IdentityTokenMinLen is the shape threshold above which a credential is
	// classified as an identity-provider token.
	IdentityTokenMinLen int `yaml:"identity_token_min_len"`

	// IdentityProviderURL is the external token-verification entrypoint.
	IdentityProviderURL string `yaml:"identity_provider_url"`

	// KeyCacheTTL bounds the API-key lookup cache. Empty disables caching.
	KeyCacheTTL string `yaml:"key_cache_ttl"`
	KeyCacheSize int   `yaml:"key_cache_size"`
}

// StoreConfig selects and configures the backing persistent store.
type StoreConfig struct {
	Driver  string `yaml:"driver"`   // "sqlite" or "postgres"
	DSN     string `yaml:"dsn"`      // postgres connection string
	DataDir string `yaml:"data_dir"` // sqlite data directory; empty means in-memory
}

// RateRule is a fixed-window rate limit for one operation category.
type RateRule struct {
	Window       string `yaml:"window"`
	MaxPerWindow int    `yaml:"max_per_window"`
}

// LimitsConfig holds tier quota ceilings and per-category rate rules.
type LimitsConfig struct {
	// Tiers maps tier name to monthly ceiling; -1 means unlimited.
	Tiers map[string]int64 `yaml:"tiers"`

	// Categories maps operation category (screenshot, audit, ...) to its
	// short-window rate rule.
	Categories map[string]RateRule `yaml:"categories"`

	// IssueBounds constrain API key issuance parameters.
	MinExpiresInDays int `yaml:"min_expires_in_days"`
	MaxExpiresInDays int `yaml:"max_expires_in_days"`
	MinRateLimit     int `yaml:"min_rate_limit"`
	MaxRateLimit     int `yaml:"max_rate_limit"`
}

// RetentionConfig controls background cleanup of stale quota counters.
type RetentionConfig struct {
	QuotaRetentionDays int    `yaml:"quota_retention_days"`
	Schedule           string `yaml:"schedule"` // cron expression; empty disables pruning
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-filled with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			PublicRateLimit: 120,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			},
		},
		Auth: AuthConfig{
			SessionTokenMaxLen:  512,
			IdentityTokenMinLen: 768,
			KeyCacheTTL:         "30s",
			KeyCacheSize:        4096,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Limits: LimitsConfig{
			Tiers: map[string]int64{
				"free":       10,
				"standard":   100,
				"team":       500,
				"enterprise": model.UnlimitedCeiling,
			},
			Categories: map[string]RateRule{
				"screenshot": {Window: "60s", MaxPerWindow: 30},
				"logs":       {Window: "60s", MaxPerWindow: 60},
				"audit":      {Window: "60s", MaxPerWindow: 10},
			},
			MinExpiresInDays: 1,
			MaxExpiresInDays: 365,
			MinRateLimit:     10,
			MaxRateLimit:     10000,
		},
		Retention: RetentionConfig{
			QuotaRetentionDays: 90,
			Schedule:           "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Print writes the configuration as YAML to w.
func Print(w io.Writer, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteDefault writes the default configuration to a YAML file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// CeilingFor returns the monthly quota ceiling for a tier. Unknown tiers
// get the free ceiling rather than an open-ended one.
func (l LimitsConfig) CeilingFor(tier model.Tier) int64 {
	if c, ok := l.Tiers[string(tier)]; ok {
		return c
	}
	return l.Tiers[string(model.TierFree)]
}

// RuleFor returns the rate rule for an operation category, reporting
// whether one is configured.
func (l LimitsConfig) RuleFor(category string) (time.Duration, int, bool) {
	rule, ok := l.Categories[category]
	if !ok {
		return 0, 0, false
	}
	window, err := time.ParseDuration(rule.Window)
	if err != nil || window <= 0 {
		return 0, 0, false
	}
	return window, rule.MaxPerWindow, true
}
