// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, messages,
// and fallback model configuration.
//
// This package defines the core domain types used throughout the application
// for representing chat history, streamed responses, and the fallback chain.
//
// # Key Types
//
//   - Conversation: Container for a chat session holding ordered messages
//   - Message: Single message with role, content, timestamp, and stream state
//   - ModelConfig: One fallback model entry (id, priority, timeout, sampling)
//   - AttemptState: Transient per-attempt record for one orchestration run
//   - Role: Message role enumeration (user, assistant, system)
//
// # Usage
//
// Create a conversation and append messages:
//
//	conv := model.NewConversation()
//	conv.Append(model.NewUserMessage("Hello!"))
//
// Stream into an assistant slot:
//
//	msg := model.NewAssistantMessage()
//	msg.AppendStream("partial ")
//	msg.FinishStreaming()
//
// Order the fallback chain:
//
//	chain := model.SortByPriority(cfg.FallbackModels)
package model
