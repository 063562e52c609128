// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatfall/internal/gateway"
	"github.com/jeranaias/chatfall/internal/model"
	"github.com/jeranaias/chatfall/internal/orchestrator"
	"github.com/jeranaias/chatfall/internal/quota"
	"github.com/jeranaias/chatfall/internal/settings"
	"github.com/jeranaias/chatfall/internal/store"
	"github.com/jeranaias/chatfall/internal/validate"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

const (
	primaryKey = "sk-or-primary"
	backupKey  = "sk-or-backup"
)

// testProvider implements the full settings surface for session tests.
type testProvider struct {
	baseURL     string
	fallback    settings.FallbackSystemConfig
	quota       settings.StandardModeConfig
	maintenance bool
}

func (p *testProvider) APIKey(settings.Mode) string { return primaryKey }
func (p *testProvider) BackupAPIKey() string        { return backupKey }
func (p *testProvider) ModelSettings(settings.Mode) settings.ModelSettings {
	return settings.ModelSettings{
		Model:       "primary/model",
		Temperature: 0.7,
		MaxTokens:   256,
		TopP:        1.0,
		TimeoutMs:   200,
	}
}
func (p *testProvider) FallbackSystem() settings.FallbackSystemConfig { return p.fallback }
func (p *testProvider) StandardMode() settings.StandardModeConfig     { return p.quota }
func (p *testProvider) ProUnderMaintenance() bool                     { return p.maintenance }
func (p *testProvider) GatewayBaseURL() string                        { return p.baseURL }
func (p *testProvider) Site() (string, string)                        { return "", "" }

// scripted describes one response keyed by model id, or by key role for the
// backup credential.
type scripted struct {
	status int
	text   string
	block  bool
}

// gatewayDouble dispatches on requested model, with a separate script for
// requests carrying the backup key.
type gatewayDouble struct {
	mu       sync.Mutex
	byModel  map[string]scripted
	onBackup scripted
	requests []string
	server   *httptest.Server
}

func newGatewayDouble(byModel map[string]scripted, onBackup scripted) *gatewayDouble {
	g := &gatewayDouble{byModel: byModel, onBackup: onBackup}
	g.server = httptest.NewServer(http.HandlerFunc(g.handle))
	return g
}

func (g *gatewayDouble) handle(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	isBackup := r.Header.Get("Authorization") == "Bearer "+backupKey

	g.mu.Lock()
	tag := req.Model
	if isBackup {
		tag = "backup:" + req.Model
	}
	g.requests = append(g.requests, tag)
	s := g.byModel[req.Model]
	if isBackup {
		s = g.onBackup
	}
	g.mu.Unlock()

	if s.block {
		<-r.Context().Done()
		return
	}
	if s.status != 0 && s.status != http.StatusOK {
		w.WriteHeader(s.status)
		fmt.Fprintf(w, `{"error":{"message":"scripted failure","code":%d}}`, s.status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", s.text)
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (g *gatewayDouble) tags() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.requests))
	copy(out, g.requests)
	return out
}

func (g *gatewayDouble) Close() { g.server.Close() }

type fixture struct {
	controller *Controller
	tracker    *quota.Tracker
	kv         store.KV
	provider   *testProvider
	notices    *[]orchestrator.Notification
}

func newFixture(t *testing.T, g *gatewayDouble, fb settings.FallbackSystemConfig) *fixture {
	t.Helper()

	provider := &testProvider{
		baseURL:  g.server.URL,
		fallback: fb,
		quota:    settings.StandardModeConfig{RequestLimit: 15, CooldownHours: 12},
	}
	kv := store.NewMemStore()
	tracker := quota.New(kv, provider)
	orch := orchestrator.New(provider, gateway.NewBuilder(provider), gateway.NewClient())
	validator := validate.New(validate.DefaultPolicy())

	var notices []orchestrator.Notification
	events := Events{
		OnNotification: func(n orchestrator.Notification) { notices = append(notices, n) },
	}

	c := New(provider, tracker, orch, validator, kv, events)
	return &fixture{controller: c, tracker: tracker, kv: kv, provider: provider, notices: &notices}
}

func singleFallback(id string) settings.FallbackSystemConfig {
	return settings.FallbackSystemConfig{
		Enabled:             true,
		PrimaryTimeoutMs:    100,
		MaxAttempts:         3,
		InterAttemptDelayMs: 1,
		FallbackModels: []model.ModelConfig{
			{ModelID: id, Priority: 1, TimeoutMs: 200, Temperature: 0.5, MaxTokens: 256, Enabled: true},
		},
	}
}

func quotaCount(t *testing.T, kv store.KV) int {
	t.Helper()
	var rec quota.Record
	err := store.GetJSON(kv, store.KeyQuotaRecord, &rec)
	if store.IsNotFound(err) {
		return 0
	}
	require.NoError(t, err)
	return rec.RequestCount
}

// =============================================================================
// SEND PIPELINE TESTS
// =============================================================================

func TestSend_PrimaryHappyPath(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {text: "This is a perfectly good answer about testing."},
	}, scripted{})
	defer g.Close()

	f := newFixture(t, g, settings.FallbackSystemConfig{Enabled: true})
	f.controller.SetSystemPrompt("be helpful")

	msg, err := f.controller.Send(context.Background(), "a question about testing")
	require.NoError(t, err)
	require.Equal(t, "This is a perfectly good answer about testing.", msg.Content)
	require.False(t, msg.IsStreaming)
	require.Equal(t, 1, quotaCount(t, f.kv), "one send records exactly one quota increment")
}

// TestSend_QuotaExhausted covers the 14-of-15 edge: the 15th send goes
// through, trips the cooldown, and the next attempt is rejected with a
// cooldown message carrying the remaining time.
func TestSend_QuotaExhausted(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {text: "A complete answer about the question asked."},
	}, scripted{})
	defer g.Close()

	f := newFixture(t, g, settings.FallbackSystemConfig{Enabled: true})

	for i := 0; i < 14; i++ {
		require.NoError(t, f.tracker.RecordSend())
	}

	msg, err := f.controller.Send(context.Background(), "one more question please")
	require.NoError(t, err, "the 15th send still goes through")
	require.NotEmpty(t, msg.Content)
	require.Equal(t, 15, quotaCount(t, f.kv))

	rejected, err := f.controller.Send(context.Background(), "over the limit now")
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.Contains(t, rejected.Content, "limit")
	require.Contains(t, rejected.Content, "h ", "cooldown message must carry hours remaining")
	require.Equal(t, 15, quotaCount(t, f.kv), "a rejected send must not be counted")
}

// TestSend_BurstLimited verifies rapid-fire sends hit the pacing limiter with
// their own rejection, distinct from the in-flight conflict, and still leave
// a concrete assistant reply.
func TestSend_BurstLimited(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {text: "A complete answer about the question asked."},
	}, scripted{})
	defer g.Close()

	f := newFixture(t, g, settings.FallbackSystemConfig{Enabled: true})

	for i := 0; i < 5; i++ {
		require.True(t, f.tracker.AllowBurst())
	}

	rejected, err := f.controller.Send(context.Background(), "sixth send in a row")
	require.ErrorIs(t, err, ErrTooFast)
	require.NotErrorIs(t, err, ErrSendInFlight)
	require.Contains(t, rejected.Content, "quickly")
	require.Equal(t, 0, quotaCount(t, f.kv), "a paced-out send must not be counted")
}

// TestSend_FallbackServes covers the primary-timeout path: the fallback's
// streamed text becomes the final message and the switch notice fires once.
func TestSend_FallbackServes(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {block: true},
		"fb-fast":       {text: "The fallback model delivered this complete answer."},
	}, scripted{})
	defer g.Close()

	f := newFixture(t, g, singleFallback("fb-fast"))

	msg, err := f.controller.Send(context.Background(), "please answer my question")
	require.NoError(t, err)
	require.Equal(t, "The fallback model delivered this complete answer.", msg.Content)
	require.Equal(t, "fb-fast", msg.ServedBy)
	require.Len(t, *f.notices, 1, "switch notice must fire exactly once")
}

// TestSend_BackupKeyRescues covers the all-fallbacks-fail path: the backup
// key serves the final text, and the quota records exactly one send for the
// whole cascade.
func TestSend_BackupKeyRescues(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {status: http.StatusInternalServerError},
		"fb-broken":     {status: http.StatusInternalServerError},
	}, scripted{text: "The backup credential produced this complete answer."})
	defer g.Close()

	f := newFixture(t, g, singleFallback("fb-broken"))

	msg, err := f.controller.Send(context.Background(), "please answer my question")
	require.NoError(t, err)
	require.Equal(t, "The backup credential produced this complete answer.", msg.Content)
	require.Equal(t, 1, quotaCount(t, f.kv), "one quota increment for the whole cascade")

	tags := g.tags()
	require.Equal(t, "backup:primary/model", tags[len(tags)-1])
}

// TestSend_FailsafeWhenEverythingFails verifies the final message is the
// topic-matched failsafe when primary, fallbacks, and backup all fail.
func TestSend_FailsafeWhenEverythingFails(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {status: http.StatusInternalServerError},
		"fb-broken":     {status: http.StatusInternalServerError},
	}, scripted{status: http.StatusInternalServerError})
	defer g.Close()

	f := newFixture(t, g, singleFallback("fb-broken"))

	msg, err := f.controller.Send(context.Background(), "what is the price of a website")
	require.NoError(t, err, "a failed cascade still yields a concrete reply")
	require.Contains(t, strings.ToLower(msg.Content), "pricing",
		"a price question must get the pricing-flavored failsafe")
}

// TestSend_ValidationFailureTriggersBackup verifies a rejected response
// (error-phrase signature) falls through to the backup key.
func TestSend_ValidationFailureTriggersBackup(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {text: "Error: upstream provider returned garbage."},
	}, scripted{text: "A clean answer about your actual question here."})
	defer g.Close()

	f := newFixture(t, g, settings.FallbackSystemConfig{Enabled: true})

	msg, err := f.controller.Send(context.Background(), "an actual question about things")
	require.NoError(t, err)
	require.Equal(t, "A clean answer about your actual question here.", msg.Content)
}

// TestSend_StopLeavesStoppedMessage verifies cancellation is final and the
// slot ends with the neutral stopped note, uncounted by the quota.
func TestSend_StopLeavesStoppedMessage(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {block: true},
	}, scripted{})
	defer g.Close()

	fb := singleFallback("fb-unused")
	fb.PrimaryTimeoutMs = 5000
	f := newFixture(t, g, fb)

	done := make(chan *model.Message, 1)
	go func() {
		msg, err := f.controller.Send(context.Background(), "a question that gets stopped")
		require.NoError(t, err)
		done <- msg
	}()

	// Give the send time to reach the gateway, then stop it.
	time.Sleep(100 * time.Millisecond)
	f.controller.Stop()

	select {
	case msg := <-done:
		require.Equal(t, validate.StoppedMessage, msg.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("stopped send did not finish")
	}

	require.Equal(t, 0, quotaCount(t, f.kv), "a stopped send is not charged")
}

func TestSend_RejectsEmptyMessage(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{}, scripted{})
	defer g.Close()

	f := newFixture(t, g, settings.FallbackSystemConfig{})
	_, err := f.controller.Send(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSend_ProMaintenanceGate(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{}, scripted{})
	defer g.Close()

	f := newFixture(t, g, settings.FallbackSystemConfig{})
	f.provider.maintenance = true
	require.NoError(t, f.controller.SetMode(settings.ModePro))

	_, err := f.controller.Send(context.Background(), "pro question")
	require.ErrorIs(t, err, ErrProMaintenance)
}

// =============================================================================
// CONVERSATION STATE TESTS
// =============================================================================

func TestSend_SystemMessageRefreshed(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {text: "A fine answer to the question you asked."},
	}, scripted{})
	defer g.Close()

	f := newFixture(t, g, settings.FallbackSystemConfig{Enabled: true})

	f.controller.SetSystemPrompt("page: home")
	_, err := f.controller.Send(context.Background(), "first question here")
	require.NoError(t, err)

	f.controller.SetSystemPrompt("page: pricing")
	_, err = f.controller.Send(context.Background(), "second question here")
	require.NoError(t, err)

	conv := f.controller.Conversation()
	systemCount := 0
	for _, m := range conv.Messages {
		if m.Role == model.RoleSystem {
			systemCount++
		}
	}
	require.Equal(t, 1, systemCount, "the system message is singular")
	require.Equal(t, "page: pricing", conv.SystemMessage().Content)
}

func TestSessionOpen_PersistsHistory(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {text: "A fine answer to the question you asked."},
	}, scripted{})
	defer g.Close()

	f := newFixture(t, g, settings.FallbackSystemConfig{Enabled: true})
	require.NoError(t, f.controller.Open())

	_, err := f.controller.Send(context.Background(), "remember this question")
	require.NoError(t, err)

	var stored model.Conversation
	require.NoError(t, store.GetJSON(f.kv, store.KeyConversation, &stored))
	require.Equal(t, f.controller.Conversation().MessageCount(), len(stored.Messages))

	// A closed session stops persisting and clears the stored copy.
	require.NoError(t, f.controller.Close())
	err = store.GetJSON(f.kv, store.KeyConversation, &stored)
	require.True(t, store.IsNotFound(err), "closing must clear stored history")
}

func TestOpen_RestoresPreviousConversation(t *testing.T) {
	g := newGatewayDouble(map[string]scripted{
		"primary/model": {text: "A fine answer to the question you asked."},
	}, scripted{})
	defer g.Close()

	f := newFixture(t, g, settings.FallbackSystemConfig{Enabled: true})
	require.NoError(t, f.controller.Open())
	_, err := f.controller.Send(context.Background(), "a question to restore later")
	require.NoError(t, err)
	wantCount := f.controller.Conversation().MessageCount()

	// A second controller over the same store picks up where the first left off.
	resumed := newFixture(t, g, settings.FallbackSystemConfig{Enabled: true})
	resumed.kv = f.kv
	resumed.controller = New(resumed.provider, resumed.tracker,
		orchestrator.New(resumed.provider, gateway.NewBuilder(resumed.provider), gateway.NewClient()),
		validate.New(validate.DefaultPolicy()), f.kv, Events{})
	require.NoError(t, resumed.controller.Open())
	require.Equal(t, wantCount, resumed.controller.Conversation().MessageCount())
}

func TestPreferences_FlowIntoRequests(t *testing.T) {
	var seenTemp float64
	g := newGatewayDouble(map[string]scripted{}, scripted{})
	defer g.Close()

	g.server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seenTemp = req.Temperature
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"A fine answer to that question.\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	f := newFixture(t, g, settings.FallbackSystemConfig{Enabled: true})

	temp := 1.3
	require.NoError(t, f.controller.SetPreferences(Preferences{Temperature: &temp}))

	_, err := f.controller.Send(context.Background(), "a question with custom sampling")
	require.NoError(t, err)
	require.Equal(t, 1.3, seenTemp, "stored preference must override the mode default")
}
