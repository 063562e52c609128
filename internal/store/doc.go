// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the persisted key-value state for the chat widget:
// conversation history, the session-open flag, the quota record, and user
// sampling preferences.
//
// # Key Types
//
//   - KV: The store interface (Get, Set, Delete)
//   - FileStore: Atomic-write file-backed implementation
//   - MemStore: In-memory implementation for tests
//   - StoreError: Typed store failure; ErrKeyNotFound is its sentinel
//
// # Usage
//
// Persist and restore JSON values under well-known keys:
//
//	kv, err := store.NewFileStore()
//	if err != nil {
//	    return err
//	}
//	if err := store.SetJSON(kv, store.KeyConversation, conv); err != nil {
//	    return err
//	}
//	var restored model.Conversation
//	err = store.GetJSON(kv, store.KeyConversation, &restored)
//	if store.IsNotFound(err) {
//	    // first run, nothing stored yet
//	}
package store
