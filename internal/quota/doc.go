// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package quota enforces the standard-tier message budget: a maximum number
// of sends per rolling period, with a cooldown window once exceeded.
//
// State is persisted through the key-value store so counts survive restarts.
// Resets are lazy, computed from timestamps on the next query rather than by
// a background timer.
//
// # Key Types
//
//   - Tracker: Counts sends, opens and clears the cooldown window
//   - Record: Persisted state (count, window start, cooldown expiry)
//   - Cooldown: Remaining wait broken out as hours, minutes, seconds
//
// # Usage
//
// Gate a send and record it exactly once on success:
//
//	if !tracker.CanSend() {
//	    wait := tracker.RemainingCooldown()
//	    return fmt.Errorf("quota exhausted, retry in %s", wait)
//	}
//	// ... deliver the response ...
//	if err := tracker.RecordSend(); err != nil {
//	    log.Printf("QUOTA: %v", err)
//	}
package quota
