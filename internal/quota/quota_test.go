// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatfall/internal/settings"
	"github.com/jeranaias/chatfall/internal/store"
)

// fakeSource supplies a fixed quota policy.
type fakeSource struct {
	limit int
	hours int
}

func (f *fakeSource) StandardMode() settings.StandardModeConfig {
	return settings.StandardModeConfig{RequestLimit: f.limit, CooldownHours: f.hours}
}

// testClock is a manually advanced time source.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time         { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(t *testing.T, limit, hours int) (*Tracker, *testClock, store.KV) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemStore()
	tracker := New(kv, &fakeSource{limit: limit, hours: hours}).WithClock(clock.Now)
	return tracker, clock, kv
}

// =============================================================================
// QUOTA INVARIANT TESTS
// =============================================================================

// TestRecordSend_Monotonic verifies the count increases by exactly 1 per
// call and never decreases within a window.
func TestRecordSend_Monotonic(t *testing.T) {
	tracker, _, kv := newTestTracker(t, 100, 12)

	for i := 1; i <= 10; i++ {
		require.NoError(t, tracker.RecordSend())

		var rec Record
		require.NoError(t, store.GetJSON(kv, store.KeyQuotaRecord, &rec))
		require.Equal(t, i, rec.RequestCount, "count must increase by exactly 1 per send")
	}
}

// TestCooldownGate verifies sends are blocked at the limit and allowed again
// once simulated time passes the cooldown, with the count reset.
func TestCooldownGate(t *testing.T) {
	tracker, clock, _ := newTestTracker(t, 3, 12)

	for i := 0; i < 3; i++ {
		require.True(t, tracker.CanSend(), "send %d should be allowed under the limit", i)
		require.NoError(t, tracker.RecordSend())
	}

	require.False(t, tracker.CanSend(), "sends must be blocked at the limit")

	// Just before expiry the gate stays closed.
	clock.Advance(12*time.Hour - time.Minute)
	require.False(t, tracker.CanSend())

	// Past expiry the gate reopens and the next send starts a fresh window.
	clock.Advance(2 * time.Minute)
	require.True(t, tracker.CanSend(), "cooldown expiry must reopen the gate")

	require.NoError(t, tracker.RecordSend())
	require.Equal(t, 2, tracker.Remaining(), "count must restart from zero after the reset")
}

// TestLimitReached_SetsCooldown covers the 14-of-15 edge: the send that
// reaches the limit opens the cooldown, and the remaining wait is reported
// in hours and minutes.
func TestLimitReached_SetsCooldown(t *testing.T) {
	tracker, _, _ := newTestTracker(t, 15, 12)

	for i := 0; i < 14; i++ {
		require.NoError(t, tracker.RecordSend())
	}
	require.True(t, tracker.CanSend(), "one send should remain at 14/15")

	require.NoError(t, tracker.RecordSend())
	require.False(t, tracker.CanSend(), "15th send must trip the cooldown")

	cd := tracker.RemainingCooldown()
	require.Equal(t, 12, cd.Hours)
	require.Equal(t, 0, cd.Minutes)
	require.Equal(t, 0, cd.Seconds)
}

// TestRemainingCooldown_Breakdown verifies the hours/minutes/seconds split.
func TestRemainingCooldown_Breakdown(t *testing.T) {
	tracker, clock, _ := newTestTracker(t, 1, 12)

	require.NoError(t, tracker.RecordSend())
	clock.Advance(9*time.Hour + 45*time.Minute + 30*time.Second)

	cd := tracker.RemainingCooldown()
	require.Equal(t, 2, cd.Hours)
	require.Equal(t, 14, cd.Minutes)
	require.Equal(t, 30, cd.Seconds)
}

// TestRemainingCooldown_ZeroWhenIdle verifies no cooldown reports as zero.
func TestRemainingCooldown_ZeroWhenIdle(t *testing.T) {
	tracker, _, _ := newTestTracker(t, 15, 12)
	require.True(t, tracker.RemainingCooldown().IsZero())
}

// TestPersistence verifies a fresh tracker picks up the stored record.
func TestPersistence(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemStore()
	src := &fakeSource{limit: 3, hours: 12}

	first := New(kv, src).WithClock(clock.Now)
	require.NoError(t, first.RecordSend())
	require.NoError(t, first.RecordSend())

	second := New(kv, src).WithClock(clock.Now)
	require.Equal(t, 1, second.Remaining(), "restarted tracker must see the persisted count")
}

// TestLazyReset_OnRecordSend verifies an expired cooldown is cleared by the
// next RecordSend, not only by CanSend.
func TestLazyReset_OnRecordSend(t *testing.T) {
	tracker, clock, kv := newTestTracker(t, 2, 12)

	require.NoError(t, tracker.RecordSend())
	require.NoError(t, tracker.RecordSend())
	require.False(t, tracker.CanSend())

	clock.Advance(13 * time.Hour)
	require.NoError(t, tracker.RecordSend())

	var rec Record
	require.NoError(t, store.GetJSON(kv, store.KeyQuotaRecord, &rec))
	require.Equal(t, 1, rec.RequestCount, "expired cooldown must reset before counting")
	require.EqualValues(t, 0, rec.CooldownUntilMs)
}
