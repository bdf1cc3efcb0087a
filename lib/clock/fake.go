// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to initial. Time stands still until
// Advance is called; timers, tickers, and sleeps fire in deadline
// order as the clock passes them.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests. It is safe for
// concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. Do not call Advance or Sleep from inside such a callback —
// that deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is a pending timer, ticker, or sleep.
type fakeWaiter struct {
	deadline time.Time

	// channel receives the fire time for After, Sleep, and Ticker
	// waiters. Nil for AfterFunc waiters.
	channel chan time.Time

	// callback runs synchronously during Advance. Nil unless the
	// waiter came from AfterFunc.
	callback func()

	// interval is non-zero for tickers; after firing, the waiter is
	// rescheduled at deadline + interval.
	interval time.Duration

	stopped bool
	fired   bool
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) Today(loc *time.Location) time.Time {
	return dateOf(c.Now(), loc)
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  ch,
	})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()

	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.waiters = append(c.waiters, waiter)
	c.mu.Unlock()

	if d <= 0 {
		// Fire immediately, synchronously, outside the lock.
		c.mu.Lock()
		fire := !waiter.stopped && !waiter.fired
		waiter.fired = true
		c.mu.Unlock()
		if fire {
			f()
		}
	}

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if waiter.stopped || waiter.fired {
			return false
		}
		waiter.stopped = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  ch,
		interval: d,
	}
	c.waiters = append(c.waiters, waiter)

	return &Ticker{
		C: ch,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
	}
}

func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the window, in deadline order. Tickers fire
// once per elapsed interval; ticks that find a full channel are
// dropped, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.nextDueLocked(target)
		if next == nil {
			break
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}

		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
			select {
			case next.channel <- c.current:
			default:
			}
			continue
		}

		next.fired = true
		if next.channel != nil {
			next.channel <- c.current
			continue
		}
		// AfterFunc callbacks run without the lock so they can
		// register new timers.
		callback := next.callback
		c.mu.Unlock()
		callback()
		c.mu.Lock()
	}

	c.current = target
	c.compactLocked()
	c.mu.Unlock()
}

// Set jumps the clock directly to t. Equivalent to Advance(t - Now()).
func (c *FakeClock) Set(t time.Time) {
	c.Advance(t.Sub(c.Now()))
}

// nextDueLocked returns the earliest live waiter due at or before
// target, or nil when none remain in the window.
func (c *FakeClock) nextDueLocked(target time.Time) *fakeWaiter {
	var due []*fakeWaiter
	for _, w := range c.waiters {
		if w.stopped || w.fired {
			continue
		}
		if !w.deadline.After(target) {
			due = append(due, w)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due[0]
}

// compactLocked drops spent and stopped waiters.
func (c *FakeClock) compactLocked() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped || w.fired {
			continue
		}
		live = append(live, w)
	}
	c.waiters = live
}
