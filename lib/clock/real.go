// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Real returns a Clock backed by the system wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Today(loc *time.Location) time.Time {
	return dateOf(time.Now(), loc)
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	inner := time.AfterFunc(d, f)
	return &Timer{stopFunc: inner.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	inner := time.NewTicker(d)
	return &Ticker{C: inner.C, stopFunc: inner.Stop}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
