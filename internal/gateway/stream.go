// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxFrameSize is the maximum allowed size for a single SSE data line (64KB).
const MaxFrameSize = 64 * 1024

// doneSentinel terminates the event stream without error.
const doneSentinel = "[DONE]"

// =============================================================================
// STREAM TYPES
// =============================================================================

// StreamChunk mirrors one gateway streaming frame.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Content returns the content delta from the first choice.
func (c *StreamChunk) Content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// IsDone returns true if the frame carries a finish reason.
func (c *StreamChunk) IsDone() bool {
	return len(c.Choices) > 0 && c.Choices[0].FinishReason != ""
}

// DeltaFunc receives each decoded content fragment as it arrives.
//
// It is invoked synchronously on the consuming goroutine; callers rendering
// live output should throttle redraws themselves (~60 updates/second), the
// reader does not pace delivery.
type DeltaFunc func(text string)

// StreamError preserves partial content received before a mid-stream failure.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// STREAM READER
// =============================================================================

// Consume reads an SSE-framed response body, invoking onDelta for each
// decoded content fragment, and returns the full concatenated text once the
// stream signals completion.
//
// Frame handling is best-effort: a malformed JSON payload in one frame is
// logged and skipped, never aborting the rest of the answer. Lines without
// the "data:" marker are ignored. A context cancellation stops consumption
// and returns the text accumulated so far alongside the context error.
func Consume(ctx context.Context, body io.Reader, onDelta DeltaFunc) (string, error) {
	var accumulated strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), MaxFrameSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return accumulated.String(), ctx.Err()
		default:
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == doneSentinel {
			return accumulated.String(), nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Printf("STREAM: skipping malformed frame: %v", err)
			continue
		}

		// Frames without a delta (role announcements, keepalives) are normal.
		if content := chunk.Content(); content != "" {
			accumulated.WriteString(content)
			onDelta(content)
		}

		if chunk.IsDone() {
			return accumulated.String(), nil
		}
	}

	if err := scanner.Err(); err != nil {
		// A cancelled request surfaces here as a read error on the body.
		if ctx.Err() != nil {
			return accumulated.String(), ctx.Err()
		}
		if accumulated.Len() > 0 {
			return accumulated.String(), &StreamError{Partial: accumulated.String(), Err: err}
		}
		return "", fmt.Errorf("read error: %w", err)
	}

	// EOF without the terminal sentinel: treat accumulated text as the answer.
	return accumulated.String(), nil
}

// IsCancellation reports whether err is a user/context cancellation rather
// than a genuine stream failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
