// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jeranaias/chatfall/internal/gateway"
	"github.com/jeranaias/chatfall/internal/model"
	"github.com/jeranaias/chatfall/internal/settings"
	"github.com/jeranaias/chatfall/internal/util"
)

// =============================================================================
// STATES
// =============================================================================

// State is one phase of the fallback state machine.
type State string

const (
	StateIdle               State = "idle"
	StateAttemptingPrimary  State = "attempting_primary"
	StateAttemptingFallback State = "attempting_fallback"
	StateSuccess            State = "success"
	StateAllFailed          State = "all_failed"
)

// DefaultOverallCeiling bounds total cascade latency independently of the
// per-attempt timeouts. Sequential attempts otherwise sum to the worst case
// of every timeout plus every inter-attempt delay.
const DefaultOverallCeiling = 90 * time.Second

// NotificationDismissAfter is how long the UI should keep the
// "switched model" notice visible.
const NotificationDismissAfter = 5 * time.Second

// =============================================================================
// ERRORS
// =============================================================================

// ErrStopped indicates the user cancelled the send. Cancellation is final:
// no further attempts are made after it.
var ErrStopped = errors.New("send cancelled")

// AllFailedError indicates the primary and every eligible fallback failed.
type AllFailedError struct {
	Attempts int
	LastErr  error
}

// Error implements the error interface.
func (e *AllFailedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.LastErr)
}

// Unwrap returns the last attempt's error.
func (e *AllFailedError) Unwrap() error {
	return e.LastErr
}

// =============================================================================
// CALLBACKS
// =============================================================================

// Notification is a user-visible notice that a fallback model took over.
type Notification struct {
	Message      string
	ModelID      string
	DismissAfter time.Duration
}

// Callbacks carries the hooks one orchestration run reports through.
// Any nil hook is skipped.
type Callbacks struct {
	// OnDelta receives streamed content fragments from the current attempt.
	OnDelta gateway.DeltaFunc

	// OnAttemptStart fires before each attempt. A partially streamed failed
	// attempt precedes it, so receivers reset their in-progress slot here.
	OnAttemptStart func(variant gateway.Variant, modelID string)

	// Notify raises the user-visible "switched model" notice.
	Notify func(Notification)
}

// AttemptSink receives per-attempt telemetry.
type AttemptSink interface {
	RecordAttempt(modelID string, variant string, outcome model.AttemptOutcome, elapsed time.Duration)
}

// =============================================================================
// RESULT
// =============================================================================

// Result is a successful orchestration outcome.
type Result struct {
	// Text is the complete streamed response.
	Text string
	// Variant and ServedBy identify which request produced the text.
	Variant  gateway.Variant
	ServedBy string
	// Attempts counts requests issued, the primary included.
	Attempts int
	Elapsed  time.Duration
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// FallbackSource is the slice of the settings provider the orchestrator reads.
type FallbackSource interface {
	FallbackSystem() settings.FallbackSystemConfig
}

// Orchestrator runs the primary-then-fallback cascade for one send.
type Orchestrator struct {
	settings FallbackSource
	builder  *gateway.Builder
	client   *gateway.Client
	sink     AttemptSink

	// OverallCeiling caps total wall-clock time across all attempts.
	OverallCeiling time.Duration
}

// New creates an orchestrator.
func New(src FallbackSource, builder *gateway.Builder, client *gateway.Client) *Orchestrator {
	return &Orchestrator{
		settings:       src,
		builder:        builder,
		client:         client,
		OverallCeiling: DefaultOverallCeiling,
	}
}

// WithSink attaches a per-attempt telemetry sink.
func (o *Orchestrator) WithSink(sink AttemptSink) *Orchestrator {
	o.sink = sink
	return o
}

// Run executes the cascade: primary under its timeout, then each enabled
// fallback model in ascending priority order, with the configured delay
// between attempts. The first successful stream wins.
//
// The passed context belongs to the whole send; cancelling it aborts the
// in-flight attempt and ends the run with ErrStopped. Deadline expiry, the
// overall ceiling included, ends the run with AllFailedError instead. Each
// attempt also owns an independent timeout context, so one attempt's expiry
// never shortens the next attempt's countdown.
func (o *Orchestrator) Run(ctx context.Context, mode settings.Mode, history []*model.Message, systemPrompt, userMessage string, overrides *gateway.Overrides, cb Callbacks) (*Result, error) {
	cfg := o.settings.FallbackSystem()
	start := time.Now()

	if o.OverallCeiling > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.OverallCeiling)
		defer cancel()
	}

	// --- AttemptingPrimary ---------------------------------------------------
	primary, err := o.builder.BuildPrimary(mode, history, systemPrompt, userMessage, overrides)
	if err != nil {
		return nil, err
	}
	if cfg.Enabled && cfg.PrimaryTimeoutMs > 0 {
		primary.Timeout = time.Duration(cfg.PrimaryTimeoutMs) * time.Millisecond
	}

	o.logTransition(StateAttemptingPrimary, 0, primary.ModelID, start)

	text, err := o.attempt(ctx, primary, 0, cb)
	if err == nil {
		o.logTransition(StateSuccess, 0, primary.ModelID, start)
		return &Result{
			Text:     text,
			Variant:  gateway.VariantPrimary,
			ServedBy: primary.ModelID,
			Attempts: 1,
			Elapsed:  time.Since(start),
		}, nil
	}
	if stopErr := stopped(ctx); stopErr != nil {
		return nil, stopErr
	}

	lastErr := err
	attempts := 1

	// --- AttemptingFallback(i) -----------------------------------------------
	chain := model.SortByPriority(cfg.FallbackModels)
	if !cfg.Enabled || len(chain) == 0 || ctx.Err() != nil {
		o.logTransition(StateAllFailed, attempts, primary.ModelID, start)
		return nil, &AllFailedError{Attempts: attempts, LastErr: lastErr}
	}
	if cfg.MaxAttempts > 0 && len(chain) > cfg.MaxAttempts {
		chain = chain[:cfg.MaxAttempts]
	}

	delay := time.Duration(cfg.InterAttemptDelayMs) * time.Millisecond

	for i, fb := range chain {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				if stopErr := stopped(ctx); stopErr != nil {
					return nil, stopErr
				}
				o.logTransition(StateAllFailed, attempts, "", start)
				return nil, &AllFailedError{Attempts: attempts, LastErr: lastErr}
			case <-time.After(delay):
			}
		}

		desc, err := o.builder.BuildFallback(mode, history, systemPrompt, userMessage, fb, overrides)
		if err != nil {
			lastErr = err
			continue
		}

		o.logTransition(StateAttemptingFallback, i, fb.ModelID, start)
		// One notice per run, raised when the cascade first engages.
		if i == 0 && cb.Notify != nil {
			cb.Notify(Notification{
				Message:      fmt.Sprintf("Switching to backup model %s", fb.ModelID),
				ModelID:      fb.ModelID,
				DismissAfter: NotificationDismissAfter,
			})
		}

		attempts++
		text, err := o.attempt(ctx, desc, fb.MaxRetries, cb)
		if err == nil {
			o.logTransition(StateSuccess, i, fb.ModelID, start)
			return &Result{
				Text:     text,
				Variant:  gateway.VariantFallback,
				ServedBy: fb.ModelID,
				Attempts: attempts,
				Elapsed:  time.Since(start),
			}, nil
		}
		if stopErr := stopped(ctx); stopErr != nil {
			return nil, stopErr
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	o.logTransition(StateAllFailed, attempts, "", start)
	return nil, &AllFailedError{Attempts: attempts, LastErr: lastErr}
}

// RunBackup issues the single backup-key request. Callers invoke it after
// Run returns AllFailedError; it shares the cascade's shape but never
// recurses into further fallbacks.
func (o *Orchestrator) RunBackup(ctx context.Context, mode settings.Mode, history []*model.Message, systemPrompt, userMessage string, overrides *gateway.Overrides, cb Callbacks) (*Result, error) {
	start := time.Now()

	desc, err := o.builder.BuildBackup(mode, history, systemPrompt, userMessage, overrides)
	if err != nil {
		return nil, err
	}

	log.Printf("ORCHESTRATOR: backup key attempt model=%s", desc.ModelID)

	text, err := o.attempt(ctx, desc, 0, cb)
	if err != nil {
		if stopErr := stopped(ctx); stopErr != nil {
			return nil, stopErr
		}
		return nil, err
	}

	return &Result{
		Text:     text,
		Variant:  gateway.VariantBackup,
		ServedBy: desc.ModelID,
		Attempts: 1,
		Elapsed:  time.Since(start),
	}, nil
}

// =============================================================================
// SINGLE ATTEMPT
// =============================================================================

// attempt issues one descriptor under its own timeout and streams the
// response. Fragments stop flowing the moment the attempt context ends, so a
// late response can never touch a newer attempt's state.
func (o *Orchestrator) attempt(ctx context.Context, desc *gateway.RequestDescriptor, maxRetries int, cb Callbacks) (string, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = gateway.DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state := &model.AttemptState{
		CurrentModel: &model.ModelConfig{ModelID: desc.ModelID},
		StartedAt:    time.Now(),
		Outcome:      model.OutcomePending,
	}

	if cb.OnAttemptStart != nil {
		cb.OnAttemptStart(desc.Variant, desc.ModelID)
	}

	body, err := o.client.Do(attemptCtx, desc, maxRetries)
	if err != nil {
		o.record(state, desc, outcomeFor(attemptCtx, err))
		return "", err
	}
	defer body.Close()

	// Deltas from this attempt are dropped once its context ends.
	onDelta := func(text string) {
		if attemptCtx.Err() == nil && cb.OnDelta != nil {
			cb.OnDelta(text)
		}
	}

	text, err := gateway.Consume(attemptCtx, body, onDelta)
	if err != nil {
		o.record(state, desc, outcomeFor(attemptCtx, err))
		return text, err
	}

	o.record(state, desc, model.OutcomeSuccess)
	return text, nil
}

// record closes the attempt state and forwards it to the telemetry sink.
func (o *Orchestrator) record(state *model.AttemptState, desc *gateway.RequestDescriptor, outcome model.AttemptOutcome) {
	state.MarkDone(outcome)
	if o.sink != nil {
		o.sink.RecordAttempt(desc.ModelID, string(desc.Variant), outcome, time.Duration(state.ElapsedMs)*time.Millisecond)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// stopped maps an explicit cancellation of the send to ErrStopped. Deadline
// expiry, the overall ceiling included, is an ordinary failure, so the
// caller's backup and failsafe paths still get their turn.
func stopped(sendCtx context.Context) error {
	if errors.Is(sendCtx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %v", ErrStopped, sendCtx.Err())
	}
	return nil
}

// outcomeFor classifies an attempt error.
func outcomeFor(attemptCtx context.Context, err error) model.AttemptOutcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return model.OutcomeTimeout
	}
	return model.OutcomeError
}

// logTransition logs one state transition with attempt index, model id, and
// elapsed time since the run started.
func (o *Orchestrator) logTransition(state State, attemptIndex int, modelID string, start time.Time) {
	log.Printf("ORCHESTRATOR: state=%s attempt=%d model=%s elapsed=%v",
		state, attemptIndex, util.TruncateForLog(modelID, 48), time.Since(start).Round(time.Millisecond))
}
