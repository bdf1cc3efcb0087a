// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package travel reconciles the home timezone the schedule was
// written in with the timezone the device currently sits in. Day
// boundaries and day types follow the home zone so a schedule does
// not jump when a child crosses timezones; adjustments only ever
// tighten an allowance, never extend it.
package travel

import (
	"time"
)

// Mode holds the home/device timezone pair. Zone ids are IANA names.
// An id that fails to load degrades to "not traveling" — the fail-safe
// is plain local enforcement, not a crash or an open gate.
type Mode struct {
	homeID   string
	deviceID string
	home     *time.Location
	device   *time.Location
}

// New builds a Mode from the server-provided home zone and the
// OS-reported device zone.
func New(homeTimezone, deviceTimezone string) *Mode {
	m := &Mode{homeID: homeTimezone, deviceID: deviceTimezone}
	if loc, err := time.LoadLocation(homeTimezone); err == nil && homeTimezone != "" {
		m.home = loc
	}
	if loc, err := time.LoadLocation(deviceTimezone); err == nil && deviceTimezone != "" {
		m.device = loc
	}
	return m
}

// HomeTimezone returns the configured home zone id.
func (m *Mode) HomeTimezone() string { return m.homeID }

// DeviceTimezone returns the configured device zone id.
func (m *Mode) DeviceTimezone() string { return m.deviceID }

// IsTraveling reports whether both zones resolved and differ.
func (m *Mode) IsTraveling() bool {
	return m.home != nil && m.device != nil && m.homeID != m.deviceID
}

// OffsetDeltaSeconds returns the device UTC offset minus the home UTC
// offset at instant t. Zero when not traveling.
func (m *Mode) OffsetDeltaSeconds(t time.Time) int {
	if !m.IsTraveling() {
		return 0
	}
	_, deviceOffset := t.In(m.device).Zone()
	_, homeOffset := t.In(m.home).Zone()
	return deviceOffset - homeOffset
}

// HomeToDevice re-expresses an instant in the device zone.
func (m *Mode) HomeToDevice(t time.Time) time.Time {
	if m.device == nil {
		return t
	}
	return t.In(m.device)
}

// DeviceToHome re-expresses an instant in the home zone.
func (m *Mode) DeviceToHome(t time.Time) time.Time {
	if m.home == nil {
		return t
	}
	return t.In(m.home)
}

// EffectiveDate returns the calendar date (midnight-truncated) that
// schedule evaluation should use for instant t: the date in the home
// zone when traveling, otherwise the date where the device is.
func (m *Mode) EffectiveDate(t time.Time) time.Time {
	loc := m.device
	if m.IsTraveling() {
		loc = m.home
	}
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	year, month, day := local.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

// AdjustedRemaining trims a raw remaining duration when the home
// zone's day ends before the device zone's: past the home midnight
// the schedule row the allowance came from no longer applies. The
// result never exceeds raw.
func (m *Mode) AdjustedRemaining(raw time.Duration, t time.Time) time.Duration {
	if raw <= 0 {
		return 0
	}
	if !m.IsTraveling() {
		return raw
	}

	local := t.In(m.home)
	year, month, day := local.Date()
	homeMidnight := time.Date(year, month, day, 0, 0, 0, 0, m.home).AddDate(0, 0, 1)
	untilHomeMidnight := homeMidnight.Sub(t)
	if untilHomeMidnight < raw {
		return untilHomeMidnight
	}
	return raw
}
