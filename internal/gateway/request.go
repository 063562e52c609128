// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/chatfall/internal/model"
	"github.com/jeranaias/chatfall/internal/settings"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage is a single role/content pair on the wire.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the JSON body of a chat completions call.
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	Temperature      float64       `json:"temperature,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	TopP             float64       `json:"top_p,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
}

// =============================================================================
// REQUEST DESCRIPTOR
// =============================================================================

// Variant distinguishes which credential/model pairing a descriptor carries.
// All variants share the same shape so the orchestrator treats them uniformly.
type Variant string

const (
	// VariantPrimary uses the mode's configured key and model.
	VariantPrimary Variant = "primary"
	// VariantBackup uses the secondary key with the mode's default model.
	VariantBackup Variant = "backup"
	// VariantFallback uses the mode's key with one of the fallback models.
	VariantFallback Variant = "fallback"
)

// RequestDescriptor is one fully prepared outbound LLM request.
type RequestDescriptor struct {
	Variant Variant
	ModelID string
	URL     string
	Headers http.Header
	Body    []byte
	Timeout time.Duration
}

// Overrides optionally replaces mode-default sampling parameters.
// Nil fields keep the defaults.
type Overrides struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

// =============================================================================
// SETTINGS SURFACE
// =============================================================================

// Settings is the slice of the settings provider the builder reads.
type Settings interface {
	APIKey(mode settings.Mode) string
	BackupAPIKey() string
	ModelSettings(mode settings.Mode) settings.ModelSettings
	GatewayBaseURL() string
	Site() (url, name string)
}

// =============================================================================
// REQUEST BUILDER
// =============================================================================

// Builder constructs request descriptors from conversation state.
//
// Building has no side effects beyond reading the active API key from the
// settings provider; the same inputs always produce the same descriptor.
type Builder struct {
	settings Settings
}

// NewBuilder creates a request builder over the given settings source.
func NewBuilder(s Settings) *Builder {
	return &Builder{settings: s}
}

// BuildPrimary builds the descriptor for the mode's configured key and model.
func (b *Builder) BuildPrimary(mode settings.Mode, history []*model.Message, systemPrompt, userMessage string, overrides *Overrides) (*RequestDescriptor, error) {
	ms := b.settings.ModelSettings(mode)
	key := b.settings.APIKey(mode)
	return b.build(VariantPrimary, key, ms.Model, ms, history, systemPrompt, userMessage, overrides, time.Duration(ms.TimeoutMs)*time.Millisecond)
}

// BuildBackup builds the descriptor for the secondary key with the mode's
// default model. Tried independently of the fallback-model cascade.
func (b *Builder) BuildBackup(mode settings.Mode, history []*model.Message, systemPrompt, userMessage string, overrides *Overrides) (*RequestDescriptor, error) {
	ms := b.settings.ModelSettings(mode)
	key := b.settings.BackupAPIKey()
	return b.build(VariantBackup, key, ms.Model, ms, history, systemPrompt, userMessage, overrides, time.Duration(ms.TimeoutMs)*time.Millisecond)
}

// BuildFallback builds the descriptor for one prioritized fallback model.
func (b *Builder) BuildFallback(mode settings.Mode, history []*model.Message, systemPrompt, userMessage string, fallback model.ModelConfig, overrides *Overrides) (*RequestDescriptor, error) {
	ms := b.settings.ModelSettings(mode)
	// Sampling defaults come from the fallback model's own config.
	ms.Temperature = fallback.Temperature
	ms.MaxTokens = fallback.MaxTokens
	key := b.settings.APIKey(mode)
	return b.build(VariantFallback, key, fallback.ModelID, ms, history, systemPrompt, userMessage, overrides, fallback.Timeout())
}

// build assembles one descriptor. The system message always comes first and
// reflects the supplied systemPrompt; empty-content messages are dropped.
func (b *Builder) build(variant Variant, apiKey, modelID string, ms settings.ModelSettings, history []*model.Message, systemPrompt, userMessage string, overrides *Overrides, timeout time.Duration) (*RequestDescriptor, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: variant %s", ErrNotConfigured, variant)
	}
	if modelID == "" {
		return nil, fmt.Errorf("%w: variant %s has no model configured", ErrModelNotFound, variant)
	}
	if strings.TrimSpace(userMessage) == "" {
		return nil, fmt.Errorf("user message must not be empty")
	}

	messages := flattenHistory(history, systemPrompt, userMessage)

	req := ChatRequest{
		Model:       modelID,
		Messages:    messages,
		Stream:      true,
		Temperature: ms.Temperature,
		MaxTokens:   ms.MaxTokens,
		TopP:        ms.TopP,
	}
	applyOverrides(&req, overrides)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+strings.TrimSpace(apiKey))
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	if siteURL, siteName := b.settings.Site(); siteURL != "" || siteName != "" {
		if siteURL != "" {
			headers.Set("HTTP-Referer", siteURL)
		}
		if siteName != "" {
			headers.Set("X-Title", siteName)
		}
	}

	return &RequestDescriptor{
		Variant: variant,
		ModelID: modelID,
		URL:     strings.TrimSuffix(b.settings.GatewayBaseURL(), "/") + "/chat/completions",
		Headers: headers,
		Body:    body,
		Timeout: timeout,
	}, nil
}

// flattenHistory produces the wire message list: system first, then the
// prior turns in order, then the new user message. Messages with empty
// content never reach the wire.
func flattenHistory(history []*model.Message, systemPrompt, userMessage string) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+2)

	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, ChatMessage{Role: model.RoleSystem.String(), Content: systemPrompt})
	}

	for _, msg := range history {
		if msg == nil || msg.Role == model.RoleSystem {
			// System content comes from systemPrompt, which the caller
			// refreshes for the current page and mode before building.
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out = append(out, ChatMessage{Role: msg.Role.String(), Content: msg.Content})
	}

	out = append(out, ChatMessage{Role: model.RoleUser.String(), Content: userMessage})
	return out
}

// applyOverrides applies non-nil override fields over the mode defaults.
func applyOverrides(req *ChatRequest, o *Overrides) {
	if o == nil {
		return
	}
	if o.Temperature != nil {
		req.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		req.TopP = *o.TopP
	}
	if o.MaxTokens != nil {
		req.MaxTokens = *o.MaxTokens
	}
	if o.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.FrequencyPenalty
	}
	if o.PresencePenalty != nil {
		req.PresencePenalty = *o.PresencePenalty
	}
}
