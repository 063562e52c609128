// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/chatfall/internal/gateway"
	"github.com/jeranaias/chatfall/internal/model"
	"github.com/jeranaias/chatfall/internal/orchestrator"
	"github.com/jeranaias/chatfall/internal/quota"
	"github.com/jeranaias/chatfall/internal/settings"
	"github.com/jeranaias/chatfall/internal/store"
	"github.com/jeranaias/chatfall/internal/util"
	"github.com/jeranaias/chatfall/internal/validate"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrQuotaExceeded means the standard-tier quota gate rejected the send.
	ErrQuotaExceeded = errors.New("message limit reached")

	// ErrProMaintenance means pro mode is temporarily disabled.
	ErrProMaintenance = errors.New("pro mode under maintenance")

	// ErrSendInFlight means a send for this controller is already streaming.
	ErrSendInFlight = errors.New("send already in flight")

	// ErrTooFast means the burst limiter rejected a rapid-fire send.
	ErrTooFast = errors.New("sending too fast")

	// ErrEmptyMessage means the user message had no content.
	ErrEmptyMessage = errors.New("empty message")
)

// genericErrorReply replaces the response when the pipeline fails in a way
// none of the dedicated paths anticipated.
const genericErrorReply = "I'm sorry, something went wrong on my end. Please try sending that again."

// =============================================================================
// EVENTS
// =============================================================================

// Events carries the UI-facing hooks. All hooks are optional and are invoked
// synchronously from the sending goroutine.
type Events struct {
	// OnDelta fires per streamed fragment with the in-progress message ID.
	OnDelta func(messageID, fragment string)

	// OnNotification fires when the orchestrator switches to a fallback model.
	OnNotification func(n orchestrator.Notification)

	// OnFinalized fires once per send with the terminal assistant message.
	OnFinalized func(msg *model.Message)
}

// Preferences is the persisted user sampling-override blob.
type Preferences struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
}

// overrides converts the blob into request overrides, nil when empty.
func (p *Preferences) overrides() *gateway.Overrides {
	if p == nil || (p.Temperature == nil && p.TopP == nil && p.MaxTokens == nil) {
		return nil
	}
	return &gateway.Overrides{
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
	}
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns one conversation and sequences each send through the
// quota tracker, orchestrator, validator, and store.
//
// Sends are processed one at a time per controller. Each in-flight response
// writes only to its own message slot, addressed by message ID, so a late
// response from an aborted attempt can never clobber a newer message.
type Controller struct {
	mu sync.Mutex

	settings settings.Provider
	quota    *quota.Tracker
	orch     *orchestrator.Orchestrator
	valid    *validate.Validator
	kv       store.KV
	events   Events

	conv         *model.Conversation
	mode         settings.Mode
	systemPrompt string
	prefs        Preferences

	sessionOpen bool
	sending     bool
	currentID   string
	cancelSend  context.CancelFunc
}

// New creates a controller in standard mode with an empty conversation.
func New(provider settings.Provider, tracker *quota.Tracker, orch *orchestrator.Orchestrator, validator *validate.Validator, kv store.KV, events Events) *Controller {
	return &Controller{
		settings: provider,
		quota:    tracker,
		orch:     orch,
		valid:    validator,
		kv:       kv,
		events:   events,
		conv:     model.NewConversation(),
		mode:     settings.ModeStandard,
	}
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// Open marks the session open, loads persisted preferences, and restores the
// previous conversation when one was left open.
func (c *Controller) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionOpen = true

	if err := store.GetJSON(c.kv, store.KeyPreferences, &c.prefs); err != nil && !store.IsNotFound(err) {
		log.Printf("SESSION: failed to load preferences: %v", err)
	}

	var wasOpen bool
	if err := store.GetJSON(c.kv, store.KeySessionOpen, &wasOpen); err != nil && !store.IsNotFound(err) {
		log.Printf("SESSION: failed to load session flag: %v", err)
	}
	if wasOpen {
		var conv model.Conversation
		if err := store.GetJSON(c.kv, store.KeyConversation, &conv); err != nil {
			if !store.IsNotFound(err) {
				log.Printf("SESSION: failed to restore history: %v", err)
			}
		} else {
			c.conv = &conv
		}
	}

	return store.SetJSON(c.kv, store.KeySessionOpen, true)
}

// Close marks the session closed. History stops being persisted and the
// stored copy is removed.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionOpen = false
	if err := c.kv.Delete(store.KeyConversation); err != nil {
		log.Printf("SESSION: failed to clear stored history: %v", err)
	}
	return store.SetJSON(c.kv, store.KeySessionOpen, false)
}

// SetMode switches the usage tier. The system prompt is refreshed on the
// next send.
func (c *Controller) SetMode(mode settings.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	return nil
}

// SetSystemPrompt updates the page/mode context injected as the singular
// system message.
func (c *Controller) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = prompt
}

// SetPreferences stores the user's sampling overrides.
func (c *Controller) SetPreferences(p Preferences) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefs = p
	return store.SetJSON(c.kv, store.KeyPreferences, p)
}

// Conversation returns the controller's conversation. The caller must treat
// it as read-only while a send is in flight.
func (c *Controller) Conversation() *model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Stop cancels the in-flight send, if any. Cancellation is final: the
// current attempt is aborted and no further fallback attempts are made.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancelSend
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// =============================================================================
// SEND
// =============================================================================

// Send processes one user message and returns the terminal assistant
// message. Every failure path ends in a concrete assistant reply, never a
// raw error string or silence; the returned error is advisory for callers
// that distinguish quota rejections from delivered responses.
func (c *Controller) Send(ctx context.Context, userText string) (*model.Message, error) {
	if userText == "" {
		return nil, ErrEmptyMessage
	}

	msg, sendCtx, err := c.begin(ctx, userText)
	if err != nil {
		return msg, err
	}

	// RELIABILITY: transient state is reset on every exit path so a failure
	// mid-stream can never leave the session stuck in a "thinking" state.
	defer c.finishSend()

	final := c.runPipeline(sendCtx, userText, msg)

	c.finalize(msg, final)
	return msg, nil
}

// begin runs the pre-flight gates and installs the in-flight state. On
// success it returns the appended assistant message slot and the send
// context.
func (c *Controller) begin(ctx context.Context, userText string) (*model.Message, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sending {
		return nil, nil, ErrSendInFlight
	}

	switch c.mode {
	case settings.ModePro:
		if c.settings.ProUnderMaintenance() {
			return nil, nil, ErrProMaintenance
		}
	default:
		if !c.quota.CanSend() {
			cooldown := c.quota.RemainingCooldown()
			reply := fmt.Sprintf(
				"You've reached the message limit for now. Please try again in %s.",
				cooldown)
			rejected := model.NewMessage(model.RoleAssistant, reply)
			c.conv.Append(rejected)
			return rejected, nil, ErrQuotaExceeded
		}
		if !c.quota.AllowBurst() {
			reply := "You're sending messages very quickly. Give it a moment and try again."
			rejected := model.NewMessage(model.RoleAssistant, reply)
			c.conv.Append(rejected)
			return rejected, nil, ErrTooFast
		}
	}

	if c.systemPrompt != "" {
		c.conv.SetSystemMessage(c.systemPrompt)
	}
	c.conv.Append(model.NewUserMessage(userText))

	msg := model.NewAssistantMessage()
	c.conv.Append(msg)

	sendCtx, cancel := context.WithCancel(ctx)
	c.sending = true
	c.currentID = msg.ID
	c.cancelSend = cancel

	log.Printf("SESSION: send start mode=%s msg=%s text=%q",
		c.mode, msg.ID, util.TruncateForLog(userText, 64))

	return msg, sendCtx, nil
}

// runPipeline produces the final text for one send: cascade, validation,
// backup retry, and failsafe. It never returns an empty string.
func (c *Controller) runPipeline(ctx context.Context, userText string, msg *model.Message) (finalText string) {
	// Unexpected panics anywhere in the pipeline become a generic apology
	// rather than crossing the session boundary.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("SESSION: pipeline panic recovered: %v", r)
			finalText = genericErrorReply
		}
	}()

	mode, history, prompt, overrides := c.snapshot()
	cb := c.callbacks(msg)

	result, err := c.orch.Run(ctx, mode, history, prompt, userText, overrides, cb)
	if err == nil && c.valid.Validate(result.Text, userText) {
		msg.ServedBy = result.ServedBy
		msg.DurationMs = result.Elapsed.Milliseconds()
		return result.Text
	}

	if errors.Is(err, orchestrator.ErrStopped) {
		return validate.StoppedMessage
	}
	if err != nil {
		log.Printf("SESSION: cascade failed: %v", err)
	} else {
		log.Printf("SESSION: response rejected by validator, trying backup key")
	}

	// The partial stream from the rejected or failed cascade must not be
	// shown; the backup attempt owns the slot from here.
	msg.ResetStream()

	backupStart := time.Now()
	backup, berr := c.orch.RunBackup(ctx, mode, history, prompt, userText, overrides, cb)
	if berr == nil && c.valid.Validate(backup.Text, userText) {
		msg.ServedBy = backup.ServedBy
		msg.DurationMs = time.Since(backupStart).Milliseconds()
		return backup.Text
	}
	if errors.Is(berr, orchestrator.ErrStopped) {
		return validate.StoppedMessage
	}
	if berr != nil {
		log.Printf("SESSION: backup key failed: %v", berr)
	}

	return validate.Failsafe(userText)
}

// finalize commits the terminal text, records the send, and persists the
// conversation while the session is open.
func (c *Controller) finalize(msg *model.Message, text string) {
	c.mu.Lock()

	msg.ResetStream()
	msg.Content = text
	msg.FinishStreaming()

	// Exactly one quota increment per user message, however many attempts
	// the cascade cost. A cancelled send that delivered nothing still
	// consumed a request upstream only if it reached the gateway, but the
	// stopped reply carries no answer, so it is not charged.
	if c.mode == settings.ModeStandard && text != validate.StoppedMessage {
		if err := c.quota.RecordSend(); err != nil {
			log.Printf("SESSION: failed to record send: %v", err)
		}
	}

	if c.sessionOpen {
		if err := store.SetJSON(c.kv, store.KeyConversation, c.conv); err != nil {
			log.Printf("SESSION: failed to persist history: %v", err)
		}
	}
	c.mu.Unlock()

	// The callback runs outside the lock so a consumer may call back into
	// the controller from it.
	if c.events.OnFinalized != nil {
		c.events.OnFinalized(msg)
	}

	log.Printf("SESSION: send done msg=%s served_by=%s chars=%d",
		msg.ID, msg.ServedBy, len(msg.Content))
}

// finishSend clears the transient in-flight state.
func (c *Controller) finishSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelSend != nil {
		c.cancelSend()
	}
	c.sending = false
	c.currentID = ""
	c.cancelSend = nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// snapshot copies the send inputs under the lock. The in-flight turn (the
// just-appended user message and the assistant slot) is excluded: the
// request builder adds the new user message to the wire list itself.
func (c *Controller) snapshot() (settings.Mode, []*model.Message, string, *gateway.Overrides) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prior := c.conv.Messages
	if c.sending && len(prior) >= 2 {
		prior = prior[:len(prior)-2]
	}
	history := make([]*model.Message, len(prior))
	copy(history, prior)
	return c.mode, history, c.systemPrompt, c.prefs.overrides()
}

// callbacks builds the orchestrator hooks bound to one message slot.
// Fragments are applied only while the slot is still the current one.
func (c *Controller) callbacks(msg *model.Message) orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnDelta: func(fragment string) {
			if !c.stillCurrent(msg.ID) {
				return
			}
			msg.AppendStream(fragment)
			if c.events.OnDelta != nil {
				c.events.OnDelta(msg.ID, fragment)
			}
		},
		OnAttemptStart: func(variant gateway.Variant, modelID string) {
			if c.stillCurrent(msg.ID) {
				msg.ResetStream()
			}
		},
		Notify: func(n orchestrator.Notification) {
			if c.events.OnNotification != nil {
				c.events.OnNotification(n)
			}
		},
	}
}

// stillCurrent reports whether the given message is the active send slot.
func (c *Controller) stillCurrent(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending && c.currentID == id
}
