// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source injected into every time-dependent
// component. Real() returns a wall-clock implementation; Fake()
// returns a deterministic one for tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Today returns the calendar date of Now in the given location,
	// truncated to midnight. A nil location means time.Local.
	Today(loc *time.Location) time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f. The returned
	// Timer cancels the pending call with Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to
// release it. C has capacity 1 — a slow consumer drops ticks rather
// than queueing them, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. No ticks are sent after Stop returns.
// Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Timer is a one-shot scheduled event. For timers created by
// AfterFunc, C is nil.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the timer from firing. Returns true if the call
// stopped the timer, false if it had already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// dateOf truncates t to midnight in loc.
func dateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	year, month, day := local.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}
