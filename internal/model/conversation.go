// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds the ordered message sequence for one chat session.
//
// The sequence is append-only with a single exception: the system message is
// singular and is replaced in place whenever page context or mode changes.
type Conversation struct {
	ID        string     `json:"id"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		Messages:  []*Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message to the end of the conversation.
func (c *Conversation) Append(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
}

// SetSystemMessage replaces the system message, or inserts it at position 0
// when none exists yet. The system message is always first.
func (c *Conversation) SetSystemMessage(content string) {
	for _, msg := range c.Messages {
		if msg.Role == RoleSystem {
			msg.Content = content
			msg.Timestamp = time.Now()
			c.UpdatedAt = msg.Timestamp
			return
		}
	}
	sys := NewSystemMessage(content)
	c.Messages = append([]*Message{sys}, c.Messages...)
	c.UpdatedAt = time.Now()
}

// SystemMessage returns the system message, or nil when none is set.
func (c *Conversation) SystemMessage() *Message {
	for _, msg := range c.Messages {
		if msg.Role == RoleSystem {
			return msg
		}
	}
	return nil
}

// FindByID returns the message with the given ID, or nil.
func (c *Conversation) FindByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// Last returns the most recent message, or nil for an empty conversation.
func (c *Conversation) Last() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// MessageCount returns the number of messages in the conversation.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}
