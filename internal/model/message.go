// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the known wire roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content string `json:"content"`

	// Streaming state (not persisted)
	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`

	// Which model produced this message (assistant messages only).
	// Empty when the primary model served the response.
	ServedBy string `json:"served_by,omitempty"`

	// Generation metrics (assistant messages only)
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new empty assistant message in streaming state.
func NewAssistantMessage() *Message {
	return &Message{
		ID:          uuid.NewString(),
		Role:        RoleAssistant,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// AppendStream appends a streamed fragment to the in-progress content.
func (m *Message) AppendStream(fragment string) {
	m.streamContent.WriteString(fragment)
}

// StreamingContent returns the content streamed so far.
func (m *Message) StreamingContent() string {
	return m.streamContent.String()
}

// ResetStream discards partial streamed content. Called when a new attempt
// replaces a failed one so the old attempt's fragments never leak into the
// new response.
func (m *Message) ResetStream() {
	m.streamContent.Reset()
}

// FinishStreaming merges the streamed content into Content and clears the
// streaming state. A terminal message never streams again.
func (m *Message) FinishStreaming() {
	if m.streamContent.Len() > 0 {
		m.Content = m.streamContent.String()
	}
	m.IsStreaming = false
	m.streamContent.Reset()
}

// IsEmpty reports whether the message has no visible content.
func (m *Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == "" && m.streamContent.Len() == 0
}
