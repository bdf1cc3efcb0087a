// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package decision evaluates whether an activity is currently allowed,
// combining the cached schedule, local usage, extensions, banked
// deficit, and travel adjustments into a single verdict.
//
// Evaluation order: exception, ban, extension, time block, quota. An
// expired or missing snapshot drops the engine into restrictive mode,
// where only exceptions and unmetered activities inside an allowed
// slot pass.
package decision

import (
	"sync"
	"time"

	"github.com/allow2/engine/lib/clock"
	"github.com/allow2/engine/lib/deficit"
	"github.com/allow2/engine/lib/offlinecache"
	"github.com/allow2/engine/lib/travel"
)

// Reason is a stable machine-readable code explaining a block.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonBanned           Reason = "banned"
	ReasonOutsideTimeBlock Reason = "outside_time_block"
	ReasonQuotaExhausted   Reason = "quota_exhausted"
	ReasonNoSchedule       Reason = "no_schedule"
	ReasonCacheExpired     Reason = "cache_expired"
)

// WarningThresholds are the remaining-minute marks at which the
// caller should surface a countdown warning, largest first.
var WarningThresholds = []int{15, 5, 1}

// Decision is the outcome of evaluating one activity at one instant.
type Decision struct {
	// Allowed reports whether the activity may run right now.
	Allowed bool

	// Unlimited is set when no quota or slot boundary bounds the
	// allowance (exceptions). RemainingMinutes is meaningless then.
	Unlimited bool

	// Reason is set when Allowed is false.
	Reason Reason

	// RemainingMinutes is how long the activity may continue: the
	// tightest of quota headroom, the current allowed-slot run, and
	// any travel clamp.
	RemainingMinutes int

	// BlockEndsAt, when non-zero, is when the block lifts: ban
	// expiry, next allowed slot, or quota reset at midnight.
	BlockEndsAt time.Time

	// Restricted marks a verdict produced in restrictive mode, i.e.
	// without a trustworthy snapshot.
	Restricted bool
}

// Engine evaluates allowance decisions. It does not own its inputs;
// the caller keeps feeding the cache and deficit tracker.
type Engine struct {
	cache   *offlinecache.Cache
	deficit *deficit.Tracker
	clock   clock.Clock

	mu     sync.RWMutex
	travel *travel.Mode
}

// New returns an engine over the given cache and deficit tracker.
// A nil clk means the real clock.
func New(cache *offlinecache.Cache, tracker *deficit.Tracker, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{cache: cache, deficit: tracker, clock: clk}
}

// SetTravelMode installs (or clears, with nil) the travel adjustment
// applied to remaining time.
func (e *Engine) SetTravelMode(m *travel.Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.travel = m
}

func (e *Engine) travelMode() *travel.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.travel
}

// Check evaluates activityID at the current time.
func (e *Engine) Check(activityID uint8) Decision {
	return e.CheckAt(activityID, e.clock.Now())
}

// LogUsage books minutes of local usage against activityID for today.
func (e *Engine) LogUsage(activityID uint8, minutes uint16) {
	e.cache.RecordUsage(activityID, minutes)
}

// CheckAt evaluates activityID at an explicit instant. It reads state
// but never mutates it, so concurrent calls are safe.
func (e *Engine) CheckAt(activityID uint8, now time.Time) Decision {
	if !e.cache.Loaded() {
		return Decision{Reason: ReasonCacheExpired, Restricted: true}
	}
	if e.cache.Expired(now) {
		return e.checkRestricted(activityID, now)
	}

	activity, ok := e.cache.Activity(now, activityID)
	if !ok {
		return Decision{Reason: ReasonNoSchedule}
	}
	if activity.Exception {
		return Decision{Allowed: true, Unlimited: true}
	}
	if banActive(activity, now) {
		return Decision{Reason: ReasonBanned, BlockEndsAt: activity.BannedUntil}
	}

	if minutes := e.extensionMinutes(activityID, now); minutes > 0 {
		return Decision{Allowed: true, RemainingMinutes: e.clampTravel(minutes, now)}
	}

	loc := e.cache.Location()
	local := now.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	slot := minuteOfDay / 30
	if slot >= len(activity.TimeBlocks) || !activity.TimeBlocks[slot] {
		return Decision{
			Reason:      ReasonOutsideTimeBlock,
			BlockEndsAt: nextAllowedSlot(activity.TimeBlocks, slot, local),
		}
	}

	remaining := slotRunEnd(activity.TimeBlocks, slot)*30 - minuteOfDay
	if quota := int(activity.QuotaMinutes); quota > 0 {
		used := int(activity.UsedMinutes) +
			int(e.cache.LocalUsage(now, activityID)) +
			int(e.deficit.GetActivity(e.cache.CachedChildID(), activityID)/60)
		if used >= quota {
			return Decision{Reason: ReasonQuotaExhausted, BlockEndsAt: nextMidnight(local)}
		}
		if headroom := quota - used; headroom < remaining {
			remaining = headroom
		}
	}
	return Decision{Allowed: true, RemainingMinutes: e.clampTravel(remaining, now)}
}

// checkRestricted is the degraded path taken once the snapshot can no
// longer be trusted: exceptions pass, unmetered activities pass inside
// an allowed slot, everything else is blocked.
func (e *Engine) checkRestricted(activityID uint8, now time.Time) Decision {
	activity, ok := e.cache.Activity(now, activityID)
	if !ok {
		return Decision{Reason: ReasonCacheExpired, Restricted: true}
	}
	if activity.Exception {
		return Decision{Allowed: true, Unlimited: true, Restricted: true}
	}
	if banActive(activity, now) || activity.QuotaMinutes > 0 {
		return Decision{Reason: ReasonCacheExpired, Restricted: true}
	}

	local := now.In(e.cache.Location())
	minuteOfDay := local.Hour()*60 + local.Minute()
	slot := minuteOfDay / 30
	if slot >= len(activity.TimeBlocks) || !activity.TimeBlocks[slot] {
		return Decision{Reason: ReasonCacheExpired, Restricted: true}
	}
	remaining := slotRunEnd(activity.TimeBlocks, slot)*30 - minuteOfDay
	return Decision{
		Allowed:          true,
		RemainingMinutes: e.clampTravel(remaining, now),
		Restricted:       true,
	}
}

// CrossedWarningThresholds returns the thresholds passed when
// remaining minutes drop from previous to current, largest first. A
// threshold fires on the tick remaining first reaches it.
func CrossedWarningThresholds(previous, current int) []int {
	var crossed []int
	for _, threshold := range WarningThresholds {
		if current <= threshold && threshold < previous {
			crossed = append(crossed, threshold)
		}
	}
	return crossed
}

// extensionMinutes sums the remaining value of active extensions for
// activityID, each bounded by its own expiry.
func (e *Engine) extensionMinutes(activityID uint8, now time.Time) int {
	var total int
	for _, ext := range e.cache.ActiveExtensions(e.cache.CachedChildID(), now) {
		if ext.ActivityID != activityID {
			continue
		}
		minutes := int(ext.Minutes)
		if until := ceilMinutes(ext.ExpiresAt.Sub(now)); until < minutes {
			minutes = until
		}
		total += minutes
	}
	return total
}

// clampTravel applies the travel adjustment, never extending the raw
// remaining time.
func (e *Engine) clampTravel(minutes int, now time.Time) int {
	m := e.travelMode()
	if m == nil || !m.IsTraveling() {
		return minutes
	}
	adjusted := m.AdjustedRemaining(time.Duration(minutes)*time.Minute, now)
	return int(adjusted / time.Minute)
}

func banActive(activity *offlinecache.Activity, now time.Time) bool {
	if !activity.Banned {
		return false
	}
	return activity.BannedUntil.IsZero() || activity.BannedUntil.After(now)
}

// slotRunEnd returns the exclusive end slot of the contiguous allowed
// run containing slot.
func slotRunEnd(blocks []bool, slot int) int {
	end := slot
	for end < len(blocks) && blocks[end] {
		end++
	}
	return end
}

// nextAllowedSlot returns when the current disallowed stretch ends:
// the start of the next allowed slot today, or midnight if none
// remain.
func nextAllowedSlot(blocks []bool, slot int, local time.Time) time.Time {
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	for s := slot + 1; s < len(blocks); s++ {
		if blocks[s] {
			return midnight.Add(time.Duration(s) * 30 * time.Minute)
		}
	}
	return midnight.AddDate(0, 0, 1)
}

func nextMidnight(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location()).AddDate(0, 0, 1)
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
