// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestFakeNowAndAdvance(t *testing.T) {
	c := Fake(testEpoch)

	if got := c.Now(); !got.Equal(testEpoch) {
		t.Fatalf("Now = %v, want %v", got, testEpoch)
	}

	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(testEpoch.Add(90 * time.Second)) {
		t.Fatalf("Now after Advance = %v", got)
	}
}

func TestFakeAfter(t *testing.T) {
	c := Fake(testEpoch)
	ch := c.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	c.Advance(time.Minute)
	select {
	case fired := <-ch:
		if !fired.Equal(testEpoch.Add(time.Minute)) {
			t.Errorf("fire time = %v", fired)
		}
	default:
		t.Fatal("After did not fire")
	}
}

func TestFakeAfterFuncOrderAndStop(t *testing.T) {
	c := Fake(testEpoch)

	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	stopped := c.AfterFunc(3*time.Second, func() { order = append(order, "c") })

	if !stopped.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}

	c.Advance(5 * time.Second)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("callback order = %v, want [a b]", order)
	}
	if stopped.Stop() {
		t.Error("second Stop returned true")
	}
}

func TestFakeTickerDropsWhenBehind(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	// Three intervals elapse but C has capacity 1: extra ticks drop.
	c.Advance(3 * time.Second)

	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick delivered")
	}
	select {
	case <-ticker.C:
		t.Fatal("queued more than one tick")
	default:
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(10 * time.Second)

	select {
	case <-ticker.C:
		t.Fatal("tick after Stop")
	default:
	}
}

func TestFakeToday(t *testing.T) {
	c := Fake(time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC))

	got := c.Today(time.UTC)
	want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Today = %v, want %v", got, want)
	}
}
