// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for the chatfall core.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//
// String Utilities:
//   - TruncateForLog: UTF-8 safe truncation with ellipsis for log lines
//
// # Usage
//
//	// Write state files atomically to prevent data loss
//	err := util.AtomicWriteFile(path, data, 0600)
//
//	// Keep user text short in log output
//	log.Printf("SESSION: text=%q", util.TruncateForLog(text, 64))
package util
