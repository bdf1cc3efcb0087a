// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package decision

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/allow2/engine/lib/clock"
	"github.com/allow2/engine/lib/deficit"
	"github.com/allow2/engine/lib/offlinecache"
	"github.com/allow2/engine/lib/travel"
)

var decisionNow = time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)

const (
	actQuota     = 1 // 120 min quota, all slots
	actSchool    = 2 // no quota, slots 09:00-18:00
	actBanned    = 3 // banned until +2h
	actException = 4 // exception
	actFree      = 5 // no quota, all slots
)

func slots(from, to int) []bool {
	s := make([]bool, offlinecache.SlotsPerDay)
	for i := from; i < to; i++ {
		s[i] = true
	}
	return s
}

// testEngine loads a snapshot for child 1001 valid for 12 hours and
// returns the engine plus its collaborators.
func testEngine(t *testing.T, mutate func(map[string]any)) (*Engine, *offlinecache.Cache, *deficit.Tracker, *clock.FakeClock) {
	t.Helper()

	clk := clock.Fake(decisionNow)
	cache := offlinecache.New(clk)
	envelope := map[string]any{
		"generatedAt":   decisionNow.Format(time.RFC3339),
		"validUntil":    decisionNow.Add(12 * time.Hour).Format(time.RFC3339),
		"cachedChildId": 1001,
		"timezone":      "UTC",
		"days": []map[string]any{{
			"date":        "2026-05-02",
			"dayTypeId":   2,
			"dayTypeName": "Weekend",
			"activities": map[string]any{
				"1": map[string]any{
					"id": 1, "name": "internet", "quotaMinutes": 120,
					"timeBlocks": slots(0, 48),
				},
				"2": map[string]any{
					"id": 2, "name": "gaming", "quotaMinutes": 0,
					"timeBlocks": slots(18, 36),
				},
				"3": map[string]any{
					"id": 3, "name": "social", "quotaMinutes": 0,
					"timeBlocks": slots(0, 48),
					"banned":      true,
					"bannedUntil": decisionNow.Add(2 * time.Hour).Format(time.RFC3339),
				},
				"4": map[string]any{
					"id": 4, "name": "homework", "quotaMinutes": 0,
					"timeBlocks": slots(0, 0), "exception": true,
				},
				"5": map[string]any{
					"id": 5, "name": "reading", "quotaMinutes": 0,
					"timeBlocks": slots(0, 48),
				},
			},
		}},
	}
	if mutate != nil {
		mutate(envelope)
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := cache.UpdateFromJSON(data); err != nil {
		t.Fatalf("UpdateFromJSON: %v", err)
	}

	tracker := deficit.New()
	return New(cache, tracker, clk), cache, tracker, clk
}

func TestCheckAllowedWithQuotaHeadroom(t *testing.T) {
	engine, _, _, _ := testEngine(t, nil)

	d := engine.Check(actQuota)
	if !d.Allowed || d.Reason != ReasonNone {
		t.Fatalf("Check = %+v, want allowed", d)
	}
	if d.RemainingMinutes != 120 {
		t.Errorf("RemainingMinutes = %d, want 120", d.RemainingMinutes)
	}
	if d.Restricted || d.Unlimited {
		t.Errorf("unexpected flags in %+v", d)
	}
}

func TestCheckExceptionAlwaysAllowed(t *testing.T) {
	engine, _, _, _ := testEngine(t, nil)

	// No slots are open for the exception activity; it passes anyway.
	d := engine.Check(actException)
	if !d.Allowed || !d.Unlimited {
		t.Fatalf("Check = %+v, want unlimited allow", d)
	}
}

func TestCheckBanned(t *testing.T) {
	engine, _, _, _ := testEngine(t, nil)

	d := engine.Check(actBanned)
	if d.Allowed || d.Reason != ReasonBanned {
		t.Fatalf("Check = %+v, want banned", d)
	}
	if !d.BlockEndsAt.Equal(decisionNow.Add(2 * time.Hour)) {
		t.Errorf("BlockEndsAt = %v", d.BlockEndsAt)
	}

	// Past the ban expiry the activity is allowed again.
	d = engine.CheckAt(actBanned, decisionNow.Add(3*time.Hour))
	if !d.Allowed {
		t.Fatalf("CheckAt after ban = %+v, want allowed", d)
	}
}

func TestCheckOutsideTimeBlock(t *testing.T) {
	engine, _, _, _ := testEngine(t, nil)

	// 08:00 is before the 09:00 opening of activity 2.
	morning := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	d := engine.CheckAt(actSchool, morning)
	if d.Allowed || d.Reason != ReasonOutsideTimeBlock {
		t.Fatalf("CheckAt = %+v, want outside_time_block", d)
	}
	want := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	if !d.BlockEndsAt.Equal(want) {
		t.Errorf("BlockEndsAt = %v, want %v", d.BlockEndsAt, want)
	}
}

func TestCheckSlotBoundaryBelongsToNextSlot(t *testing.T) {
	engine, _, _, _ := testEngine(t, nil)

	opening := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	if d := engine.CheckAt(actSchool, opening); !d.Allowed {
		t.Errorf("CheckAt at opening tick = %+v, want allowed", d)
	}

	closing := time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)
	if d := engine.CheckAt(actSchool, closing); d.Allowed {
		t.Errorf("CheckAt at closing tick = %+v, want blocked", d)
	}
}

func TestCheckRemainingBoundedBySlotRun(t *testing.T) {
	engine, _, _, _ := testEngine(t, nil)

	// 17:45, fifteen minutes before activity 2's run ends at 18:00.
	late := time.Date(2026, 5, 2, 17, 45, 0, 0, time.UTC)
	d := engine.CheckAt(actSchool, late)
	if !d.Allowed || d.RemainingMinutes != 15 {
		t.Fatalf("CheckAt = %+v, want 15 remaining", d)
	}
}

func TestCheckQuotaExhaustedCombinesSources(t *testing.T) {
	engine, cache, tracker, _ := testEngine(t, nil)

	// 90 local minutes plus 25 minutes of banked deficit against a
	// 120 minute quota leaves 5.
	cache.RecordUsage(actQuota, 90)
	tracker.Add(1001, actQuota, 25*60)

	d := engine.Check(actQuota)
	if !d.Allowed || d.RemainingMinutes != 5 {
		t.Fatalf("Check = %+v, want 5 remaining", d)
	}

	cache.RecordUsage(actQuota, 5)
	d = engine.Check(actQuota)
	if d.Allowed || d.Reason != ReasonQuotaExhausted {
		t.Fatalf("Check = %+v, want quota_exhausted", d)
	}
	want := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	if !d.BlockEndsAt.Equal(want) {
		t.Errorf("BlockEndsAt = %v, want %v", d.BlockEndsAt, want)
	}
}

func TestCheckExtensionOverridesQuota(t *testing.T) {
	engine, cache, _, _ := testEngine(t, nil)

	cache.RecordUsage(actQuota, 120)
	if d := engine.Check(actQuota); d.Allowed {
		t.Fatalf("Check = %+v, want blocked before extension", d)
	}

	cache.AddLocalExtension(offlinecache.Extension{
		ID: -1, ChildID: 1001, ActivityID: actQuota,
		Minutes: 30, ExpiresAt: decisionNow.Add(time.Hour),
	})
	d := engine.Check(actQuota)
	if !d.Allowed || d.RemainingMinutes != 30 {
		t.Fatalf("Check = %+v, want 30 remaining from extension", d)
	}
}

func TestCheckExtensionBoundedByExpiry(t *testing.T) {
	engine, cache, _, _ := testEngine(t, nil)

	cache.RecordUsage(actQuota, 120)
	cache.AddLocalExtension(offlinecache.Extension{
		ID: -1, ChildID: 1001, ActivityID: actQuota,
		Minutes: 60, ExpiresAt: decisionNow.Add(10 * time.Minute),
	})
	d := engine.Check(actQuota)
	if !d.Allowed || d.RemainingMinutes != 10 {
		t.Fatalf("Check = %+v, want 10 remaining", d)
	}
}

func TestCheckNoSchedule(t *testing.T) {
	engine, _, _, _ := testEngine(t, nil)

	if d := engine.Check(99); d.Allowed || d.Reason != ReasonNoSchedule {
		t.Fatalf("Check = %+v, want no_schedule", d)
	}
}

func TestCheckNotLoaded(t *testing.T) {
	clk := clock.Fake(decisionNow)
	engine := New(offlinecache.New(clk), deficit.New(), clk)

	d := engine.Check(actQuota)
	if d.Allowed || d.Reason != ReasonCacheExpired || !d.Restricted {
		t.Fatalf("Check = %+v, want restricted cache_expired", d)
	}
}

func TestCheckRestrictiveMode(t *testing.T) {
	engine, _, _, _ := testEngine(t, nil)

	// validUntil is +12h; 13h later the snapshot is stale.
	stale := decisionNow.Add(13 * time.Hour)

	// Metered activity: blocked.
	d := engine.CheckAt(actQuota, stale)
	if d.Allowed || d.Reason != ReasonCacheExpired || !d.Restricted {
		t.Fatalf("CheckAt quota = %+v, want restricted block", d)
	}

	// Unmetered activity inside an allowed slot: still allowed.
	d = engine.CheckAt(actFree, stale)
	if !d.Allowed || !d.Restricted {
		t.Fatalf("CheckAt free = %+v, want restricted allow", d)
	}

	// Exception: always allowed.
	d = engine.CheckAt(actException, stale)
	if !d.Allowed || !d.Unlimited {
		t.Fatalf("CheckAt exception = %+v, want allowed", d)
	}

	// Unmetered but outside its slots: blocked.
	d = engine.CheckAt(actSchool, stale) // 23:00, slots end at 18:00
	if d.Allowed {
		t.Fatalf("CheckAt school = %+v, want blocked", d)
	}
}

func TestCheckTravelClampsRemaining(t *testing.T) {
	engine, cache, _, _ := testEngine(t, func(e map[string]any) {
		e["validUntil"] = decisionNow.Add(20 * time.Hour).Format(time.RFC3339)
	})

	cache.RecordUsage(actQuota, 120)
	cache.AddLocalExtension(offlinecache.Extension{
		ID: -1, ChildID: 1001, ActivityID: actQuota,
		Minutes: 120, ExpiresAt: decisionNow.Add(16 * time.Hour),
	})
	engine.SetTravelMode(travel.New("UTC", "Pacific/Auckland"))

	// 23:30 home time: only 30 minutes remain before home midnight.
	late := time.Date(2026, 5, 2, 23, 30, 0, 0, time.UTC)
	d := engine.CheckAt(actQuota, late)
	if !d.Allowed || d.RemainingMinutes != 30 {
		t.Fatalf("CheckAt = %+v, want 30 remaining under travel clamp", d)
	}
}

func TestCrossedWarningThresholds(t *testing.T) {
	cases := []struct {
		previous, current int
		want              []int
	}{
		{16, 15, []int{15}},
		{15, 14, nil},
		{20, 4, []int{15, 5}},
		{2, 1, []int{1}},
		{20, 0, []int{15, 5, 1}},
		{15, 15, nil},
		{5, 5, nil},
	}
	for _, tc := range cases {
		got := CrossedWarningThresholds(tc.previous, tc.current)
		if len(got) != len(tc.want) {
			t.Errorf("CrossedWarningThresholds(%d, %d) = %v, want %v",
				tc.previous, tc.current, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("CrossedWarningThresholds(%d, %d) = %v, want %v",
					tc.previous, tc.current, got, tc.want)
				break
			}
		}
	}
}

func TestCountdownIsMonotonic(t *testing.T) {
	engine, cache, _, _ := testEngine(t, nil)

	previous := engine.Check(actQuota).RemainingMinutes
	var warned []int
	for i := 0; i < 120; i++ {
		cache.RecordUsage(actQuota, 1)
		d := engine.Check(actQuota)
		if d.Allowed {
			if d.RemainingMinutes >= previous {
				t.Fatalf("remaining did not decrease: %d -> %d", previous, d.RemainingMinutes)
			}
			warned = append(warned, CrossedWarningThresholds(previous, d.RemainingMinutes)...)
			previous = d.RemainingMinutes
			continue
		}
		if d.Reason != ReasonQuotaExhausted {
			t.Fatalf("blocked with %q, want quota_exhausted", d.Reason)
		}
		if i != 119 {
			t.Fatalf("blocked after %d minutes, want 120", i+1)
		}
	}
	if len(warned) != 3 || warned[0] != 15 || warned[1] != 5 || warned[2] != 1 {
		t.Errorf("warnings = %v, want [15 5 1]", warned)
	}
}
