// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validate inspects completed LLM responses for emptiness,
// truncation, and error-pattern signatures, and supplies deterministic
// failsafe replies when nothing usable came back.
//
// # Key Types
//
//   - Validator: Applies the acceptance checks to one response
//   - Policy: Tunable thresholds (minimum length, truncation, overlap)
//
// # Usage
//
// Validate a response and substitute a failsafe on rejection:
//
//	v := validate.New(validate.DefaultPolicy())
//	if !v.Validate(responseText, userMessage) {
//	    responseText = validate.Failsafe(userMessage)
//	}
//
// Validate never panics and never errors; an unusable response simply
// reports false.
package validate
