// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func descriptorFor(url string) *RequestDescriptor {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return &RequestDescriptor{
		Variant: VariantPrimary,
		ModelID: "test/model",
		URL:     url,
		Headers: headers,
		Body:    []byte(`{"model":"test/model"}`),
		Timeout: 5 * time.Second,
	}
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestDo_ReturnsOpenBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: [DONE]\n"))
	}))
	defer server.Close()

	c := NewClient()
	body, err := c.Do(context.Background(), descriptorFor(server.URL), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer body.Close()

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data: [DONE]\n" {
		t.Errorf("body = %q", got)
	}
}

func TestDo_ErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuthFailed},
		{http.StatusPaymentRequired, ErrInsufficientCredits},
		{http.StatusNotFound, ErrModelNotFound},
		{http.StatusTooManyRequests, ErrRateLimited},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error":{"message":"scripted","code":"scripted"}}`))
		}))

		c := NewClient()
		_, err := c.Do(context.Background(), descriptorFor(server.URL), 0)
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		server.Close()
	}
}

// TestDo_RetriesTransient verifies a 5xx is retried and a subsequent success
// is returned.
func TestDo_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"transient","code":"transient"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c := NewClient()
	body, err := c.Do(context.Background(), descriptorFor(server.URL), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body.Close()

	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

// TestDo_NoRetryOnPermanent verifies a 4xx fails immediately.
func TestDo_NoRetryOnPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient()
	_, err := c.Do(context.Background(), descriptorFor(server.URL), 3)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, permanent failures must not be retried", calls.Load())
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrRateLimited) {
		t.Error("rate limits are retryable")
	}
	if !IsRetryable(&GatewayError{Status: 503}) {
		t.Error("5xx is retryable")
	}
	if IsRetryable(&GatewayError{Status: 400}) {
		t.Error("4xx is not retryable")
	}
	if IsRetryable(ErrAuthFailed) {
		t.Error("auth failures are not retryable")
	}
}

// =============================================================================
// FINGERPRINT TESTS
// =============================================================================

func TestKeyFingerprint(t *testing.T) {
	a := KeyFingerprint("sk-or-aaaa")
	b := KeyFingerprint("sk-or-bbbb")

	if a == b {
		t.Error("different keys must fingerprint differently")
	}
	if a != KeyFingerprint("sk-or-aaaa") {
		t.Error("fingerprints must be deterministic")
	}
	if len(a) != 8 {
		t.Errorf("fingerprint length = %d, want 8 hex chars", len(a))
	}
	if KeyFingerprint("") != "none" {
		t.Error("empty key should fingerprint as none")
	}
}
