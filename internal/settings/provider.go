// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"github.com/jeranaias/chatfall/internal/model"
)

// =============================================================================
// MODE
// =============================================================================

// Mode is the usage tier a chat session runs in.
type Mode string

const (
	// ModeStandard is the unauthenticated tier, subject to the request quota.
	ModeStandard Mode = "standard"
	// ModePro is the authenticated tier, gated by the maintenance flag.
	ModePro Mode = "pro"
)

// Valid reports whether the mode is a known tier.
func (m Mode) Valid() bool {
	return m == ModeStandard || m == ModePro
}

// =============================================================================
// PROVIDER INTERFACE
// =============================================================================

// ModelSettings holds the per-mode model parameters.
type ModelSettings struct {
	Model          string  `toml:"model" json:"model"`
	Temperature    float64 `toml:"temperature" json:"temperature"`
	MaxTokens      int     `toml:"max_tokens" json:"max_tokens"`
	TopP           float64 `toml:"top_p" json:"top_p"`
	TimeoutMs      int     `toml:"timeout_ms" json:"timeout_ms"`
	ThinkingTimeMs int     `toml:"thinking_time_ms" json:"thinking_time_ms"`
}

// FallbackSystemConfig describes the fallback cascade.
type FallbackSystemConfig struct {
	Enabled             bool                `toml:"enabled" json:"enabled"`
	PrimaryTimeoutMs    int                 `toml:"primary_timeout_ms" json:"primary_timeout_ms"`
	MaxAttempts         int                 `toml:"max_attempts" json:"max_attempts"`
	InterAttemptDelayMs int                 `toml:"inter_attempt_delay_ms" json:"inter_attempt_delay_ms"`
	FallbackModels      []model.ModelConfig `toml:"fallback_models" json:"fallback_models"`
}

// StandardModeConfig holds the standard-tier quota policy.
type StandardModeConfig struct {
	RequestLimit  int `toml:"request_limit" json:"request_limit"`
	CooldownHours int `toml:"cooldown_hours" json:"cooldown_hours"`
}

// Provider is the read-only settings surface the orchestration core consumes.
//
// Implementations must be safe for concurrent reads; the core never writes.
type Provider interface {
	// APIKey returns the active key for the mode, or "" when not configured.
	APIKey(mode Mode) string

	// BackupAPIKey returns the secondary key, or "" when not configured.
	BackupAPIKey() string

	// ModelSettings returns the per-mode model parameters.
	ModelSettings(mode Mode) ModelSettings

	// FallbackSystem returns the fallback cascade configuration.
	FallbackSystem() FallbackSystemConfig

	// StandardMode returns the standard-tier quota policy.
	StandardMode() StandardModeConfig

	// ProUnderMaintenance reports whether the pro tier is closed.
	ProUnderMaintenance() bool
}
