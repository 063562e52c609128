// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator implements the fallback state machine for one LLM
// send: attempt the primary model under its timeout, then walk the
// priority-ordered fallback models, stopping at first success.
//
// # Key Types
//
//   - Orchestrator: Runs the cascade and the single backup-key attempt
//   - Callbacks: Per-run hooks (deltas, attempt starts, switch notice)
//   - Result: Winning attempt (text, variant, serving model, counts)
//   - AllFailedError: Primary and every eligible fallback failed
//   - ErrStopped: The user cancelled the send; cancellation is final
//
// # Usage
//
// Run the cascade and fall back to the backup key on total failure:
//
//	res, err := orch.Run(ctx, mode, history, prompt, userMsg, nil, cb)
//	var allFailed *orchestrator.AllFailedError
//	if errors.As(err, &allFailed) {
//	    res, err = orch.RunBackup(ctx, mode, history, prompt, userMsg, nil, cb)
//	}
//
// A cancelled context ends the run with ErrStopped and no further attempts.
// Expiry of the overall wall-clock ceiling ends it with AllFailedError.
package orchestrator
