// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package prefstore defines the typed preference storage the engine
// persists through: pairing metadata, the encrypted credential blob,
// the offline cache snapshot, and last-known decision state.
//
// The host usually binds Store to its own preference subsystem. Two
// implementations ship here: Memory for tests and simple embeddings,
// and SQLite for hosts without a preference system of their own.
package prefstore

import "time"

// Kind is the declared value type of a preference key.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindTime
)

// Preference keys. Every durable key the engine touches is declared
// here; hosts bind this table to their preference subsystem once.
const (
	KeyCredentials      = "allow2.credentials"
	KeyMasterKey        = "allow2.master_key"
	KeyDeviceToken      = "allow2.device_token"
	KeyDeviceName       = "allow2.device_name"
	KeyPairedAt         = "allow2.paired_at"
	KeyCachedChildren   = "allow2.cached_children"
	KeyChildID          = "allow2.child_id"
	KeyOfflineCache     = "allow2.offline_cache"
	KeyDeficitPool      = "allow2.deficit_pool"
	KeyReplayLedger     = "allow2.replay_ledger"
	KeyHomeTimezone     = "allow2.home_timezone"
	KeyEnabled          = "allow2.enabled"
	KeyBlocked          = "allow2.blocked"
	KeyRemainingSeconds = "allow2.remaining_seconds"
	KeyDayTypeToday     = "allow2.day_type_today"
)

// Registration declares one preference key: its kind and default.
type Registration struct {
	Key     string
	Kind    Kind
	Default any
}

// Registered returns the static preference table. Hosts that own a
// preference subsystem iterate this once at startup to register keys.
func Registered() []Registration {
	return []Registration{
		{KeyCredentials, KindString, ""},
		{KeyMasterKey, KindString, ""},
		{KeyDeviceToken, KindString, ""},
		{KeyDeviceName, KindString, ""},
		{KeyPairedAt, KindTime, time.Time{}},
		{KeyCachedChildren, KindString, ""},
		{KeyChildID, KindString, ""},
		{KeyOfflineCache, KindString, ""},
		{KeyDeficitPool, KindString, ""},
		{KeyReplayLedger, KindString, ""},
		{KeyHomeTimezone, KindString, ""},
		{KeyEnabled, KindBool, false},
		{KeyBlocked, KindBool, false},
		{KeyRemainingSeconds, KindInt, int64(0)},
		{KeyDayTypeToday, KindString, ""},
	}
}

// Store is typed get/set of preference values by key. Writes are
// atomic per key. Get methods report presence via the second return;
// a key that was never set is absent, not zero-valued.
type Store interface {
	GetString(key string) (string, bool)
	SetString(key, value string) error

	GetBool(key string) (bool, bool)
	SetBool(key string, value bool) error

	GetInt64(key string) (int64, bool)
	SetInt64(key string, value int64) error

	GetTime(key string) (time.Time, bool)
	SetTime(key string, value time.Time) error

	// Delete removes a key. Deleting an absent key is a no-op.
	Delete(key string) error

	// Has reports whether the key is present.
	Has(key string) bool
}
