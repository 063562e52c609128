// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package quota

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/chatfall/internal/settings"
	"github.com/jeranaias/chatfall/internal/store"
)

// =============================================================================
// RECORD
// =============================================================================

// Record is the persisted quota state. Timestamps are unix milliseconds so
// the record survives process restarts without timezone drift.
type Record struct {
	RequestCount    int   `json:"requestCount"`
	WindowStartMs   int64 `json:"windowStartMs"`
	CooldownUntilMs int64 `json:"cooldownUntilMs"`
}

// Cooldown is the remaining wait, broken out for display.
type Cooldown struct {
	Hours   int
	Minutes int
	Seconds int
}

// String formats the cooldown as "2h 13m 05s".
func (c Cooldown) String() string {
	return fmt.Sprintf("%dh %dm %02ds", c.Hours, c.Minutes, c.Seconds)
}

// IsZero reports whether no cooldown remains.
func (c Cooldown) IsZero() bool {
	return c.Hours == 0 && c.Minutes == 0 && c.Seconds == 0
}

// =============================================================================
// TRACKER
// =============================================================================

// Source is the slice of the settings provider the tracker reads.
type Source interface {
	StandardMode() settings.StandardModeConfig
}

// Tracker counts standard-tier sends against the configured limit and opens
// a cooldown window once the limit is reached. State is persisted through
// the key-value store so the count survives restarts; resets are lazy,
// computed from timestamps on the next query rather than by a background
// timer.
type Tracker struct {
	mu       sync.Mutex
	kv       store.KV
	settings Source
	now      func() time.Time
	burst    *rate.Limiter
	rec      Record
	loaded   bool
}

// New creates a tracker backed by the given store.
func New(kv store.KV, src Source) *Tracker {
	return &Tracker{
		kv:       kv,
		settings: src,
		now:      time.Now,
		// Smooths rapid-fire sends independently of the rolling window.
		burst: rate.NewLimiter(rate.Every(2*time.Second), 5),
	}
}

// WithClock replaces the tracker's time source. Tests use it to simulate
// cooldown expiry without sleeping.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	return t
}

// CanSend reports whether another standard-tier send is allowed right now.
// It is a pure query apart from the lazy cooldown reset; callers poll it on
// their own cadence.
func (t *Tracker) CanSend() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.load()
	t.maybeReset()

	if t.rec.CooldownUntilMs > t.nowMs() {
		return false
	}
	return t.rec.RequestCount < t.limit()
}

// AllowBurst reports whether the short-term pacing limiter permits a send.
// It is separate from the rolling quota so a legitimate user under budget is
// still slowed down when hammering the send button.
func (t *Tracker) AllowBurst() bool {
	return t.burst.Allow()
}

// RecordSend increments the count by exactly one and persists the record.
// Exactly one call per user message, regardless of how many fallback
// attempts that message cost. Reaching the limit opens the cooldown window.
func (t *Tracker) RecordSend() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.load()
	t.maybeReset()

	if t.rec.RequestCount == 0 {
		t.rec.WindowStartMs = t.nowMs()
	}
	t.rec.RequestCount++

	if t.rec.RequestCount >= t.limit() && t.rec.CooldownUntilMs == 0 {
		cooldown := time.Duration(t.settings.StandardMode().CooldownHours) * time.Hour
		t.rec.CooldownUntilMs = t.now().Add(cooldown).UnixMilli()
		log.Printf("QUOTA: limit reached count=%d cooldown_until=%s",
			t.rec.RequestCount, time.UnixMilli(t.rec.CooldownUntilMs).Format(time.RFC3339))
	}

	return t.persist()
}

// RemainingCooldown returns the time left before sends are allowed again,
// zero when no cooldown is active.
func (t *Tracker) RemainingCooldown() Cooldown {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.load()

	remaining := time.UnixMilli(t.rec.CooldownUntilMs).Sub(t.now())
	if t.rec.CooldownUntilMs == 0 || remaining <= 0 {
		return Cooldown{}
	}

	total := int(remaining.Round(time.Second).Seconds())
	return Cooldown{
		Hours:   total / 3600,
		Minutes: (total % 3600) / 60,
		Seconds: total % 60,
	}
}

// Remaining returns how many sends are left before the limit.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.load()
	t.maybeReset()

	left := t.limit() - t.rec.RequestCount
	if left < 0 {
		return 0
	}
	return left
}

// =============================================================================
// INTERNALS
// =============================================================================

// load reads the persisted record once. A missing or unreadable record
// starts the tracker fresh rather than blocking sends.
func (t *Tracker) load() {
	if t.loaded {
		return
	}
	t.loaded = true

	var rec Record
	if err := store.GetJSON(t.kv, store.KeyQuotaRecord, &rec); err != nil {
		if !store.IsNotFound(err) {
			log.Printf("QUOTA: failed to load record, starting fresh: %v", err)
		}
		return
	}
	t.rec = rec
}

// maybeReset clears the count and cooldown once the cooldown has elapsed.
func (t *Tracker) maybeReset() {
	if t.rec.CooldownUntilMs == 0 || t.rec.CooldownUntilMs > t.nowMs() {
		return
	}
	log.Printf("QUOTA: cooldown elapsed, resetting count from %d", t.rec.RequestCount)
	t.rec = Record{}
	if err := t.persist(); err != nil {
		log.Printf("QUOTA: failed to persist reset: %v", err)
	}
}

// persist writes the record through the store.
func (t *Tracker) persist() error {
	if err := store.SetJSON(t.kv, store.KeyQuotaRecord, t.rec); err != nil {
		return fmt.Errorf("persisting quota record: %w", err)
	}
	return nil
}

func (t *Tracker) limit() int {
	limit := t.settings.StandardMode().RequestLimit
	if limit <= 0 {
		limit = settings.DefaultRequestLimit
	}
	return limit
}

func (t *Tracker) nowMs() int64 {
	return t.now().UnixMilli()
}
