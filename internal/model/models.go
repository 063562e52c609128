// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"sort"
	"time"
)

// =============================================================================
// MODEL CONFIGURATION
// =============================================================================

// ModelConfig describes one model in the fallback chain.
type ModelConfig struct {
	// ModelID is the gateway model identifier, e.g. "anthropic/claude-3.5-haiku".
	ModelID string `toml:"model_id" json:"model_id"`

	// Priority defines the attempt order among enabled fallback models.
	// 1 is highest; ties are broken by list position.
	Priority int `toml:"priority" json:"priority"`

	// TimeoutMs is this model's independent attempt timeout.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms"`

	// MaxRetries bounds retries within a single attempt (transport-level).
	MaxRetries int `toml:"max_retries" json:"max_retries"`

	// Sampling parameters
	Temperature float64 `toml:"temperature" json:"temperature"`
	MaxTokens   int     `toml:"max_tokens" json:"max_tokens"`

	// Enabled models participate in the cascade; disabled ones are skipped
	// entirely, regardless of priority.
	Enabled bool `toml:"enabled" json:"enabled"`

	// Description is free-form admin text, not used by the core.
	Description string `toml:"description" json:"description"`
}

// Timeout returns the attempt timeout as a duration.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// SortByPriority returns the enabled models in strict attempt order:
// ascending priority, ties broken by original list position.
func SortByPriority(models []ModelConfig) []ModelConfig {
	enabled := make([]ModelConfig, 0, len(models))
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		enabled = append(enabled, m)
	}

	// Stable sort keeps list position as the tie-breaker.
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority < enabled[j].Priority
	})
	return enabled
}

// =============================================================================
// ATTEMPT STATE
// =============================================================================

// AttemptOutcome is the terminal status of one fallback attempt.
type AttemptOutcome string

const (
	OutcomePending AttemptOutcome = "pending"
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeTimeout AttemptOutcome = "timeout"
	OutcomeError   AttemptOutcome = "error"
)

// AttemptState is the transient per-attempt record kept for one orchestration
// run. It is created at orchestration start, mutated per attempt, and
// discarded on completion.
type AttemptState struct {
	AttemptIndex int
	CurrentModel *ModelConfig
	StartedAt    time.Time
	ElapsedMs    int64
	Outcome      AttemptOutcome
}

// MarkDone records the outcome and elapsed time of the attempt.
func (a *AttemptState) MarkDone(outcome AttemptOutcome) {
	a.Outcome = outcome
	a.ElapsedMs = time.Since(a.StartedAt).Milliseconds()
}
