// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings provides chatbot configuration loading and management.
//
// The orchestration core consumes configuration exclusively through the
// Provider interface, never through ambient globals. The admin dashboard
// owns the settings file; this package reads it, applies defaults and
// validation, and reloads it when it changes on disk.
//
// # Key Types
//
//   - Config: Full TOML-backed configuration (gateway, modes, fallback, quota)
//   - Provider: Read surface the core depends on (keys, model settings, flags)
//   - StaticProvider: Thread-safe Provider over a swappable Config
//   - Watcher: fsnotify-based live reload of the settings file
//   - Mode: Usage tier enumeration (standard, pro)
//
// # Usage
//
// Load configuration with defaults, env overrides, and validation:
//
//	cfg, err := settings.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	provider := settings.NewStaticProvider(cfg)
//
// Reload on file change:
//
//	path, _ := settings.ConfigPath()
//	w, err := settings.NewWatcher(path, provider)
//	if err == nil {
//	    defer w.Close()
//	}
//
// Environment variables prefixed CHATFALL_ override file values.
package settings
