// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package deficit tracks borrowed time: seconds consumed past quota
// through locally granted extensions, owed back at the next server
// reconciliation. The ledger is per (child, activity), capped at 30
// minutes per child — once a child is at cap, further offline grants
// are refused.
package deficit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// CapSeconds is the hard per-child ceiling on borrowed time.
const CapSeconds = 1800

// Tracker is the borrowed-time ledger. Writes come from the
// enforcer's executor; reads are safe from anywhere.
type Tracker struct {
	mu      sync.RWMutex
	entries map[uint64]map[uint8]int64
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[uint64]map[uint8]int64)}
}

// Get returns the child's total borrowed seconds across activities.
func (t *Tracker) Get(childID uint64) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalLocked(childID)
}

// GetActivity returns the borrowed seconds for one activity.
func (t *Tracker) GetActivity(childID uint64, activityID uint8) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[childID][activityID]
}

// Add records borrowed seconds, clamped so the child's total never
// exceeds CapSeconds. Negative and zero deltas are ignored. Returns
// the seconds actually recorded.
func (t *Tracker) Add(childID uint64, activityID uint8, seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	headroom := CapSeconds - t.totalLocked(childID)
	if headroom <= 0 {
		return 0
	}
	if seconds > headroom {
		seconds = headroom
	}
	perActivity := t.entries[childID]
	if perActivity == nil {
		perActivity = make(map[uint8]int64)
		t.entries[childID] = perActivity
	}
	perActivity[activityID] += seconds
	return seconds
}

// Clear forgives the child's whole debt, on successful server
// reconciliation or explicit parent forgiveness.
func (t *Tracker) Clear(childID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, childID)
}

// Apply discounts an allowance by the activity's outstanding debt:
// max(0, remainingSeconds - deficit).
func (t *Tracker) Apply(childID uint64, activityID uint8, remainingSeconds int64) int64 {
	discounted := remainingSeconds - t.GetActivity(childID, activityID)
	if discounted < 0 {
		return 0
	}
	return discounted
}

// Exceeded reports whether the child is at cap, refusing further
// offline grants.
func (t *Tracker) Exceeded(childID uint64) bool {
	return t.Get(childID) >= CapSeconds
}

// MarshalJSON serializes the ledger keyed by stringified ids, for the
// preference store.
func (t *Tracker) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]map[string]int64, len(t.entries))
	for childID, perActivity := range t.entries {
		inner := make(map[string]int64, len(perActivity))
		for activityID, seconds := range perActivity {
			inner[strconv.Itoa(int(activityID))] = seconds
		}
		out[strconv.FormatUint(childID, 10)] = inner
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a ledger persisted by MarshalJSON. Entries
// are re-clamped to the cap on load.
func (t *Tracker) UnmarshalJSON(data []byte) error {
	var in map[string]map[string]int64
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("deficit: decoding ledger: %w", err)
	}

	entries := make(map[uint64]map[uint8]int64, len(in))
	for childKey, perActivity := range in {
		childID, err := strconv.ParseUint(childKey, 10, 64)
		if err != nil {
			return fmt.Errorf("deficit: bad child key %q: %w", childKey, err)
		}
		inner := make(map[uint8]int64, len(perActivity))
		var total int64
		for activityKey, seconds := range perActivity {
			activityID, err := strconv.ParseUint(activityKey, 10, 8)
			if err != nil {
				return fmt.Errorf("deficit: bad activity key %q: %w", activityKey, err)
			}
			if seconds <= 0 {
				continue
			}
			if total+seconds > CapSeconds {
				seconds = CapSeconds - total
			}
			if seconds <= 0 {
				continue
			}
			inner[uint8(activityID)] = seconds
			total += seconds
		}
		if len(inner) > 0 {
			entries[childID] = inner
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = entries
	return nil
}

func (t *Tracker) totalLocked(childID uint64) int64 {
	var total int64
	for _, seconds := range t.entries[childID] {
		total += seconds
	}
	return total
}
