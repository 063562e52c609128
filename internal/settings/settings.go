// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/chatfall/internal/model"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the on-disk settings document written by the admin dashboard.
type Config struct {
	// Gateway settings
	Gateway GatewayConfig `toml:"gateway" json:"gateway"`

	// Per-mode model parameters
	Standard ModelSettings `toml:"standard" json:"standard"`
	Pro      ModelSettings `toml:"pro" json:"pro"`

	// Fallback cascade configuration
	Fallback FallbackSystemConfig `toml:"fallback" json:"fallback"`

	// Standard-tier quota policy
	Quota StandardModeConfig `toml:"quota" json:"quota"`

	// Maintenance flag for the pro tier
	ProMaintenance bool `toml:"pro_maintenance" json:"pro_maintenance"`
}

// GatewayConfig holds the LLM gateway endpoint and credentials.
type GatewayConfig struct {
	// BaseURL is the gateway API base, e.g. "https://openrouter.ai/api/v1".
	BaseURL string `toml:"base_url" json:"base_url"`
	// StandardKey authenticates standard-tier requests.
	StandardKey string `toml:"standard_key" json:"standard_key"`
	// ProKey authenticates pro-tier requests.
	ProKey string `toml:"pro_key" json:"pro_key"`
	// BackupKey is the secondary credential tried after the cascade fails.
	BackupKey string `toml:"backup_key" json:"backup_key"`
	// SiteURL and SiteName categorize requests on the gateway side.
	SiteURL  string `toml:"site_url" json:"site_url"`
	SiteName string `toml:"site_name" json:"site_name"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Standard-tier quota defaults, applied when the config omits them.
const (
	DefaultRequestLimit  = 15
	DefaultCooldownHours = 12
)

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL:  "https://openrouter.ai/api/v1",
			SiteName: "chatfall",
		},

		Standard: ModelSettings{
			Model:       "meta-llama/llama-3-8b-instruct",
			Temperature: 0.7,
			MaxTokens:   1024,
			TopP:        1.0,
			TimeoutMs:   30000,
		},

		Pro: ModelSettings{
			Model:       "anthropic/claude-3.5-sonnet",
			Temperature: 0.7,
			MaxTokens:   4096,
			TopP:        1.0,
			TimeoutMs:   60000,
		},

		Fallback: FallbackSystemConfig{
			Enabled:             true,
			PrimaryTimeoutMs:    20000,
			MaxAttempts:         3,
			InterAttemptDelayMs: 1000,
			FallbackModels: []model.ModelConfig{
				{
					ModelID:     "anthropic/claude-3.5-haiku",
					Priority:    1,
					TimeoutMs:   15000,
					MaxRetries:  1,
					Temperature: 0.7,
					MaxTokens:   1024,
					Enabled:     true,
					Description: "Fast first fallback",
				},
				{
					ModelID:     "openai/gpt-4o-mini",
					Priority:    2,
					TimeoutMs:   15000,
					MaxRetries:  1,
					Temperature: 0.7,
					MaxTokens:   1024,
					Enabled:     true,
					Description: "Second fallback",
				},
			},
		},

		Quota: StandardModeConfig{
			RequestLimit:  DefaultRequestLimit,
			CooldownHours: DefaultCooldownHours,
		},

		ProMaintenance: false,
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the chatfall configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatfall"), nil
}

// ConfigPath returns the path to the TOML settings file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads the settings file from the default location, falling back to
// defaults when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads the settings file from a specific path with validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, statErr := os.Stat(path); statErr == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode settings file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - CHATFALL_GATEWAY_URL: overrides gateway.base_url
//   - CHATFALL_STANDARD_KEY: overrides gateway.standard_key
//   - CHATFALL_PRO_KEY: overrides gateway.pro_key
//   - CHATFALL_BACKUP_KEY: overrides gateway.backup_key
//   - CHATFALL_PRO_MAINTENANCE: set to "1" or "true" to close the pro tier
func (c *Config) ApplyEnvOverrides() {
	if url := os.Getenv("CHATFALL_GATEWAY_URL"); url != "" {
		c.Gateway.BaseURL = url
	}
	if key := os.Getenv("CHATFALL_STANDARD_KEY"); key != "" {
		c.Gateway.StandardKey = key
	}
	if key := os.Getenv("CHATFALL_PRO_KEY"); key != "" {
		c.Gateway.ProKey = key
	}
	if key := os.Getenv("CHATFALL_BACKUP_KEY"); key != "" {
		c.Gateway.BackupKey = key
	}
	if maint := os.Getenv("CHATFALL_PRO_MAINTENANCE"); maint != "" {
		c.ProMaintenance = maint == "1" || strings.EqualFold(maint, "true")
	}
}

// =============================================================================
// DEFAULTS AND VALIDATION
// =============================================================================

// SetDefaults fills any missing or zero-value fields with defaults.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = defaults.Gateway.BaseURL
	}
	if c.Gateway.SiteName == "" {
		c.Gateway.SiteName = defaults.Gateway.SiteName
	}

	if c.Standard.Model == "" {
		c.Standard.Model = defaults.Standard.Model
	}
	if c.Standard.MaxTokens == 0 {
		c.Standard.MaxTokens = defaults.Standard.MaxTokens
	}
	if c.Standard.TimeoutMs == 0 {
		c.Standard.TimeoutMs = defaults.Standard.TimeoutMs
	}
	if c.Standard.TopP == 0 {
		c.Standard.TopP = defaults.Standard.TopP
	}

	if c.Pro.Model == "" {
		c.Pro.Model = defaults.Pro.Model
	}
	if c.Pro.MaxTokens == 0 {
		c.Pro.MaxTokens = defaults.Pro.MaxTokens
	}
	if c.Pro.TimeoutMs == 0 {
		c.Pro.TimeoutMs = defaults.Pro.TimeoutMs
	}
	if c.Pro.TopP == 0 {
		c.Pro.TopP = defaults.Pro.TopP
	}

	if c.Fallback.PrimaryTimeoutMs == 0 {
		c.Fallback.PrimaryTimeoutMs = defaults.Fallback.PrimaryTimeoutMs
	}
	if c.Fallback.MaxAttempts == 0 {
		c.Fallback.MaxAttempts = defaults.Fallback.MaxAttempts
	}
	if c.Fallback.InterAttemptDelayMs == 0 {
		c.Fallback.InterAttemptDelayMs = defaults.Fallback.InterAttemptDelayMs
	}

	if c.Quota.RequestLimit == 0 {
		c.Quota.RequestLimit = defaults.Quota.RequestLimit
	}
	if c.Quota.CooldownHours == 0 {
		c.Quota.CooldownHours = defaults.Quota.CooldownHours
	}
}

// ValidationError represents a settings validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Gateway.BaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "gateway.base_url",
			Message: "must not be empty",
		})
	}

	for name, ms := range map[string]ModelSettings{"standard": c.Standard, "pro": c.Pro} {
		if ms.Temperature < 0 || ms.Temperature > 2 {
			errs = append(errs, ValidationError{
				Field:   name + ".temperature",
				Message: fmt.Sprintf("must be in [0, 2], got %g", ms.Temperature),
			})
		}
		if ms.MaxTokens < 0 {
			errs = append(errs, ValidationError{
				Field:   name + ".max_tokens",
				Message: "must be non-negative",
			})
		}
		if ms.TimeoutMs < 0 {
			errs = append(errs, ValidationError{
				Field:   name + ".timeout_ms",
				Message: "must be non-negative",
			})
		}
	}

	if c.Fallback.MaxAttempts < 1 || c.Fallback.MaxAttempts > 10 {
		errs = append(errs, ValidationError{
			Field:   "fallback.max_attempts",
			Message: fmt.Sprintf("must be 1-10, got %d", c.Fallback.MaxAttempts),
		})
	}

	for i, fm := range c.Fallback.FallbackModels {
		if fm.ModelID == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("fallback.fallback_models[%d].model_id", i),
				Message: "must not be empty",
			})
		}
		if fm.Temperature < 0 || fm.Temperature > 2 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("fallback.fallback_models[%d].temperature", i),
				Message: fmt.Sprintf("must be in [0, 2], got %g", fm.Temperature),
			})
		}
	}

	if c.Quota.RequestLimit < 1 {
		errs = append(errs, ValidationError{
			Field:   "quota.request_limit",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Quota.RequestLimit),
		})
	}
	if c.Quota.CooldownHours < 1 || c.Quota.CooldownHours > 168 {
		errs = append(errs, ValidationError{
			Field:   "quota.cooldown_hours",
			Message: fmt.Sprintf("must be 1-168, got %d", c.Quota.CooldownHours),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// STATIC PROVIDER
// =============================================================================

// StaticProvider adapts a Config to the Provider interface.
//
// It guards the underlying config with a read-write lock so the file watcher
// can swap in a freshly loaded config while sends are in flight.
type StaticProvider struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStaticProvider creates a provider over the given config.
func NewStaticProvider(cfg *Config) *StaticProvider {
	if cfg == nil {
		cfg = Default()
	}
	return &StaticProvider{cfg: cfg}
}

// Replace swaps the underlying config. Used by the file watcher on reload.
func (p *StaticProvider) Replace(cfg *Config) {
	if cfg == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// APIKey returns the active key for the mode.
func (p *StaticProvider) APIKey(mode Mode) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if mode == ModePro {
		return p.cfg.Gateway.ProKey
	}
	return p.cfg.Gateway.StandardKey
}

// BackupAPIKey returns the secondary credential.
func (p *StaticProvider) BackupAPIKey() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Gateway.BackupKey
}

// ModelSettings returns the per-mode model parameters.
func (p *StaticProvider) ModelSettings(mode Mode) ModelSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if mode == ModePro {
		return p.cfg.Pro
	}
	return p.cfg.Standard
}

// FallbackSystem returns a copy of the fallback cascade configuration.
func (p *StaticProvider) FallbackSystem() FallbackSystemConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := p.cfg.Fallback
	out.FallbackModels = append([]model.ModelConfig(nil), p.cfg.Fallback.FallbackModels...)
	return out
}

// StandardMode returns the standard-tier quota policy.
func (p *StaticProvider) StandardMode() StandardModeConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Quota
}

// ProUnderMaintenance reports whether the pro tier is closed.
func (p *StaticProvider) ProUnderMaintenance() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.ProMaintenance
}

// GatewayBaseURL returns the configured gateway endpoint.
func (p *StaticProvider) GatewayBaseURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Gateway.BaseURL
}

// Site returns the site URL and name for gateway request categorization.
func (p *StaticProvider) Site() (url, name string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Gateway.SiteURL, p.cfg.Gateway.SiteName
}
