// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway builds, executes, and streams OpenRouter-style LLM
// requests for the chat widget core.
//
// This package owns the wire surface: request construction for the primary,
// backup, and fallback variants, the error taxonomy mapped from gateway
// status codes, the shared pooled HTTP client, and the SSE stream consumer.
//
// # Key Types
//
//   - Builder: Assembles RequestDescriptors from settings, history, overrides
//   - RequestDescriptor: One ready-to-send request (URL, headers, body, timeout)
//   - Client: Executes descriptors with retry on transient failures
//   - StreamError: Carries the partial text alongside a mid-stream failure
//   - GatewayError: Typed gateway failure with code, message, and HTTP status
//
// # Usage
//
// Build and execute a primary request, streaming deltas:
//
//	desc, err := builder.BuildPrimary(mode, history, prompt, userMsg, nil)
//	if err != nil {
//	    return err
//	}
//	body, err := client.Do(ctx, desc, 0)
//	if err != nil {
//	    return err
//	}
//	defer body.Close()
//	text, err := gateway.Consume(ctx, body, func(delta string) {
//	    render(delta)
//	})
//
// Consumers rendering live output should throttle redraws themselves; the
// reader delivers every delta it parses.
package gateway
