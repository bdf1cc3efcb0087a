// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package offlinecache holds the last snapshot the remote service
// pushed — daily schedules, active extensions, access restrictions —
// plus the facts the device accumulates on its own while offline:
// a per-day usage ledger and locally granted extensions.
//
// The snapshot is replaced atomically: a malformed envelope leaves
// the previous contents untouched. Days carry exactly 48 half-hour
// time slots; usage is keyed by "YYYY-MM-DD-<activity_id>" in the
// cached timezone.
package offlinecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allow2/engine/lib/clock"
)

const (
	// SlotsPerDay is the number of half-hour blocks in a day.
	SlotsPerDay = 48

	// MaxAge is how long a snapshot remains usable. Past it the
	// decision engine drops into restrictive mode.
	MaxAge = 24 * time.Hour

	// dateLayout keys days and usage entries.
	dateLayout = "2006-01-02"
)

// ErrInvalidEnvelope is returned when an envelope fails validation.
// The cache contents are unchanged in that case.
var ErrInvalidEnvelope = errors.New("offlinecache: invalid envelope")

// Activity is one activity's allowance for a particular day: a quota
// and the 48 half-hour slots in which it may be used. Slot i covers
// local time [i*30min, (i+1)*30min).
type Activity struct {
	ID           uint8  `json:"id"`
	Name         string `json:"name"`
	QuotaMinutes uint16 `json:"quotaMinutes"`
	TimeBlocks   []bool `json:"timeBlocks"`

	// UsedMinutes is the server-side usage already booked against the
	// quota when the snapshot was cut. Local usage accumulates on top.
	UsedMinutes uint16 `json:"usedMinutes,omitempty"`

	// Exception marks an activity the schedule always allows,
	// overriding bans, time blocks, and quotas.
	Exception bool `json:"exception,omitempty"`

	// Banned blocks the activity outright until BannedUntil (or
	// indefinitely when BannedUntil is zero).
	Banned      bool      `json:"banned,omitempty"`
	BannedUntil time.Time `json:"bannedUntil,omitempty"`
}

// Day is one calendar day's schedule.
type Day struct {
	Date        string              `json:"date"`
	DayTypeID   int                 `json:"dayTypeId"`
	DayTypeName string              `json:"dayTypeName"`
	Activities  map[uint8]*Activity `json:"activities"`
}

// Extension is a parent-issued grant of extra minutes, valid until
// ExpiresAt.
type Extension struct {
	ID         int64     `json:"id"`
	ChildID    uint64    `json:"childId"`
	ActivityID uint8     `json:"activityId"`
	Minutes    uint16    `json:"minutes"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Restriction is a URL or app pattern with a block flag.
type Restriction struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
	Blocked bool   `json:"blocked"`
}

// envelope is the wire and persistence form of the cache.
type envelope struct {
	GeneratedAt     time.Time         `json:"generatedAt"`
	ValidUntil      time.Time         `json:"validUntil"`
	CachedChildID   uint64            `json:"cachedChildId"`
	Timezone        string            `json:"timezone"`
	Days            []*Day            `json:"days"`
	Restrictions    []Restriction     `json:"restrictions"`
	Extensions      []Extension       `json:"extensions"`
	LocalExtensions []Extension       `json:"localExtensions"`
	LocalUsage      map[string]uint16 `json:"localUsage"`
}

// Cache is the typed snapshot plus local ledgers. Mutations are
// expected from the enforcer's executor only; reads are safe from
// anywhere.
type Cache struct {
	mu    sync.RWMutex
	clock clock.Clock

	loaded          bool
	generatedAt     time.Time
	validUntil      time.Time
	cachedChildID   uint64
	timezone        string
	location        *time.Location
	days            map[string]*Day
	restrictions    []Restriction
	extensions      []Extension
	localExtensions []Extension
	localUsage      map[string]uint16
}

// New returns an empty cache. A nil clk means the real clock.
func New(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		clock:      clk,
		days:       make(map[string]*Day),
		localUsage: make(map[string]uint16),
	}
}

// UpdateFromJSON validates and atomically installs an envelope. Any
// validation failure returns ErrInvalidEnvelope and leaves the prior
// contents in place. The envelope's local ledger fields replace the
// current ones: a fresh server snapshot (which carries none) implies
// the accumulated usage was just reconciled.
func (c *Cache) UpdateFromJSON(data []byte) error {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if e.GeneratedAt.IsZero() || e.ValidUntil.IsZero() || e.GeneratedAt.After(e.ValidUntil) {
		return fmt.Errorf("%w: generatedAt/validUntil out of order", ErrInvalidEnvelope)
	}
	if e.CachedChildID == 0 {
		return fmt.Errorf("%w: missing child id", ErrInvalidEnvelope)
	}
	location, err := time.LoadLocation(e.Timezone)
	if err != nil || e.Timezone == "" {
		return fmt.Errorf("%w: bad timezone %q", ErrInvalidEnvelope, e.Timezone)
	}

	days := make(map[string]*Day, len(e.Days))
	for _, day := range e.Days {
		if day == nil {
			return fmt.Errorf("%w: null day", ErrInvalidEnvelope)
		}
		if _, err := time.ParseInLocation(dateLayout, day.Date, location); err != nil {
			return fmt.Errorf("%w: bad day date %q", ErrInvalidEnvelope, day.Date)
		}
		if _, dup := days[day.Date]; dup {
			return fmt.Errorf("%w: duplicate day %s", ErrInvalidEnvelope, day.Date)
		}
		for id, activity := range day.Activities {
			if activity == nil || activity.ID != id {
				return fmt.Errorf("%w: activity key/id mismatch on %s", ErrInvalidEnvelope, day.Date)
			}
			if len(activity.TimeBlocks) != SlotsPerDay {
				return fmt.Errorf("%w: activity %d on %s has %d slots, want %d",
					ErrInvalidEnvelope, id, day.Date, len(activity.TimeBlocks), SlotsPerDay)
			}
		}
		days[day.Date] = day
	}

	for _, extension := range append(append([]Extension(nil), e.Extensions...), e.LocalExtensions...) {
		if extension.ExpiresAt.IsZero() {
			return fmt.Errorf("%w: extension %d has no expiry", ErrInvalidEnvelope, extension.ID)
		}
	}

	localUsage := e.LocalUsage
	if localUsage == nil {
		localUsage = make(map[string]uint16)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = true
	c.generatedAt = e.GeneratedAt
	c.validUntil = e.ValidUntil
	c.cachedChildID = e.CachedChildID
	c.timezone = e.Timezone
	c.location = location
	c.days = days
	c.restrictions = append([]Restriction(nil), e.Restrictions...)
	c.extensions = append([]Extension(nil), e.Extensions...)
	c.localExtensions = append([]Extension(nil), e.LocalExtensions...)
	c.localUsage = localUsage
	return nil
}

// MarshalJSON serializes the full cache — snapshot and local ledgers
// — for persistence. UpdateFromJSON on the output reproduces the
// cache exactly.
func (c *Cache) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	days := make([]*Day, 0, len(c.days))
	for _, day := range c.days {
		days = append(days, day)
	}
	return json.Marshal(envelope{
		GeneratedAt:     c.generatedAt,
		ValidUntil:      c.validUntil,
		CachedChildID:   c.cachedChildID,
		Timezone:        c.timezone,
		Days:            days,
		Restrictions:    c.restrictions,
		Extensions:      c.extensions,
		LocalExtensions: c.localExtensions,
		LocalUsage:      c.localUsage,
	})
}

// Clear wipes the snapshot and the local ledgers.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.generatedAt = time.Time{}
	c.validUntil = time.Time{}
	c.cachedChildID = 0
	c.timezone = ""
	c.location = nil
	c.days = make(map[string]*Day)
	c.restrictions = nil
	c.extensions = nil
	c.localExtensions = nil
	c.localUsage = make(map[string]uint16)
}

// Day returns the schedule for t's calendar day in the cached
// timezone.
func (c *Cache) Day(t time.Time) (*Day, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return nil, false
	}
	day, ok := c.days[t.In(c.location).Format(dateLayout)]
	return day, ok
}

// Activity returns one activity's allowance for t's calendar day.
func (c *Cache) Activity(t time.Time, activityID uint8) (*Activity, bool) {
	day, ok := c.Day(t)
	if !ok {
		return nil, false
	}
	activity, ok := day.Activities[activityID]
	return activity, ok
}

// LiftBan clears the ban flag on one activity for t's calendar day.
// It reports whether the activity was found.
func (c *Cache) LiftBan(t time.Time, activityID uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return false
	}
	day, ok := c.days[t.In(c.location).Format(dateLayout)]
	if !ok {
		return false
	}
	activity, ok := day.Activities[activityID]
	if !ok {
		return false
	}
	activity.Banned = false
	activity.BannedUntil = time.Time{}
	return true
}

// ActiveExtensions returns the union of server and local extensions
// for childID that have not expired, de-duplicated by ID (server
// copy wins).
func (c *Cache) ActiveExtensions(childID uint64, now time.Time) []Extension {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[int64]bool)
	var active []Extension
	for _, list := range [][]Extension{c.extensions, c.localExtensions} {
		for _, extension := range list {
			if extension.ChildID != childID || seen[extension.ID] {
				continue
			}
			if !extension.ExpiresAt.After(now) {
				continue
			}
			seen[extension.ID] = true
			active = append(active, extension)
		}
	}
	return active
}

// Restrictions returns a copy of the cached restrictions.
func (c *Cache) Restrictions() []Restriction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Restriction(nil), c.restrictions...)
}

// Loaded reports whether a snapshot has been installed.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Expired reports whether the snapshot is too old to trust: past its
// validUntil or older than MaxAge, whichever comes first.
func (c *Cache) Expired(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return true
	}
	deadline := c.validUntil
	if byAge := c.generatedAt.Add(MaxAge); byAge.Before(deadline) {
		deadline = byAge
	}
	return now.After(deadline)
}

// Valid reports whether the cache is loaded and not expired.
func (c *Cache) Valid(now time.Time) bool {
	return c.Loaded() && !c.Expired(now)
}

// Age returns how long ago the snapshot was generated. Exposed for
// restrictive-mode UI.
func (c *Cache) Age(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return 0
	}
	return now.Sub(c.generatedAt)
}

// GeneratedAt returns the snapshot generation time.
func (c *Cache) GeneratedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generatedAt
}

// ValidUntil returns the snapshot's declared expiry.
func (c *Cache) ValidUntil() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validUntil
}

// CachedChildID returns the child this snapshot was cut for.
func (c *Cache) CachedChildID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cachedChildID
}

// Timezone returns the cached IANA timezone id.
func (c *Cache) Timezone() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timezone
}

// Location returns the cached timezone, or UTC before any snapshot.
func (c *Cache) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// usageKey builds the "YYYY-MM-DD-<activity_id>" ledger key.
func usageKey(date string, activityID uint8) string {
	return fmt.Sprintf("%s-%d", date, activityID)
}

// RecordUsage accumulates minutes against today's date key in the
// cached timezone.
func (c *Cache) RecordUsage(activityID uint8, minutes uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	location := c.location
	if location == nil {
		location = time.UTC
	}
	key := usageKey(c.clock.Now().In(location).Format(dateLayout), activityID)
	c.localUsage[key] += minutes
}

// LocalUsage returns the accumulated minutes for a date and activity.
func (c *Cache) LocalUsage(date time.Time, activityID uint8) uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	location := c.location
	if location == nil {
		location = time.UTC
	}
	return c.localUsage[usageKey(date.In(location).Format(dateLayout), activityID)]
}

// AllLocalUsage returns a copy of the usage ledger for syncing.
func (c *Cache) AllLocalUsage() map[string]uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint16, len(c.localUsage))
	for key, minutes := range c.localUsage {
		out[key] = minutes
	}
	return out
}

// ClearLocalUsage empties the usage ledger after a successful sync.
func (c *Cache) ClearLocalUsage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localUsage = make(map[string]uint16)
}

// AddLocalExtension records an extension granted on-device (via
// voice code or QR token) pending server reconciliation.
func (c *Cache) AddLocalExtension(extension Extension) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localExtensions = append(c.localExtensions, extension)
}

// LocalExtensions returns a copy of the pending local extensions.
func (c *Cache) LocalExtensions() []Extension {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Extension(nil), c.localExtensions...)
}

// ClearLocalExtensions empties the pending extensions after a
// successful sync. Cleared together with the usage ledger.
func (c *Cache) ClearLocalExtensions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localExtensions = nil
}
