// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry records per-attempt outcomes of the fallback cascade in
// a local SQLite database, so operators can see which models fail and how
// often the cascade engages.
//
// # Key Types
//
//   - Log: SQLite-backed attempt recorder; satisfies the orchestrator's sink
//   - Attempt: One recorded attempt (model, variant, outcome, latency)
//
// # Usage
//
// Open the log and attach it to the orchestrator:
//
//	path, err := telemetry.DefaultPath()
//	if err != nil {
//	    return err
//	}
//	tlog, err := telemetry.Open(path)
//	if err != nil {
//	    return err
//	}
//	defer tlog.Close()
//	orch.WithSink(tlog)
//
// Recording failures are logged and swallowed; a nil *Log drops records, so
// telemetry stays optional.
package telemetry
