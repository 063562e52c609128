// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// =============================================================================
// CLIENT CONSTANTS
// =============================================================================

const (
	// DefaultTimeout is the fallback request timeout when a descriptor
	// carries none.
	DefaultTimeout = 60 * time.Second

	// MaxErrorBodySize caps how much of an error response body is read.
	MaxErrorBodySize = 1 * 1024 * 1024

	// retryBaseDelay is the base delay for transport-level backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for transport-level backoff.
	retryMaxDelay = 10 * time.Second
)

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
// Streaming responses are context-controlled, so the client itself carries
// no timeout.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// CLIENT
// =============================================================================

// Client executes prepared request descriptors against the gateway.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a gateway client using the shared pooled transport.
func NewClient() *Client {
	return &Client{httpClient: sharedStreamingClient}
}

// NewClientWithHTTP creates a client over a custom *http.Client (tests).
func NewClientWithHTTP(hc *http.Client) *Client {
	return &Client{httpClient: hc}
}

// Do executes a descriptor and returns the open streaming response body.
//
// The caller owns the returned body and must close it. Non-2xx statuses are
// converted to the gateway error taxonomy; transient 5xx and rate-limit
// failures are retried with exponential backoff up to maxRetries.
func (c *Client) Do(ctx context.Context, desc *RequestDescriptor, maxRetries int) (io.ReadCloser, error) {
	if desc == nil {
		return nil, fmt.Errorf("nil request descriptor")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.doOnce(ctx, desc)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doOnce performs a single HTTP exchange.
func (c *Client) doOnce(ctx context.Context, desc *RequestDescriptor) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.URL, bytes.NewReader(desc.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = desc.Headers.Clone()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	// Status and duration only; headers carry auth, bodies carry user text.
	log.Printf("GATEWAY: %s %s -> %d (%v)", desc.Variant, desc.ModelID, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		resp.Body.Close()
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	return resp.Body, nil
}

// backoff returns the transport-level retry delay for an attempt.
func backoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// =============================================================================
// KEY FINGERPRINTING
// =============================================================================

// KeyFingerprint returns a short SHA-256 fingerprint of an API key for
// logging. The key itself never appears in any log line.
func KeyFingerprint(apiKey string) string {
	if apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(h[:4])
}
