// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session coordinates one chat send end to end: quota gate, request
// orchestration, streaming into the in-progress assistant message, response
// validation, backup-key retry, failsafe substitution, and persistence.
//
// # Key Types
//
//   - Controller: Owns one conversation and sequences each send
//   - Events: UI-facing hooks (deltas, switch notices, finalized message)
//   - Preferences: Persisted user sampling overrides
//
// # Usage
//
// Wire the controller and process a send:
//
//	c := session.New(provider, tracker, orch, validator, kv, session.Events{
//	    OnDelta: func(messageID, fragment string) { render(messageID, fragment) },
//	})
//	if err := c.Open(); err != nil {
//	    return err
//	}
//	msg, err := c.Send(ctx, userText)
//
// Every failure path ends in a concrete assistant reply; the returned error
// is advisory for callers that distinguish quota rejections from delivered
// responses. Stop cancels the in-flight send and leaves a stopped note.
package session
