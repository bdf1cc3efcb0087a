// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package prefstore

import (
	"path/filepath"
	"testing"
	"time"
)

// storeUnderTest exercises the Store contract against any
// implementation.
func storeUnderTest(t *testing.T, store Store) {
	t.Helper()

	if store.Has(KeyDeviceName) {
		t.Error("fresh store claims device name")
	}
	if _, ok := store.GetString(KeyDeviceName); ok {
		t.Error("fresh store returned a string value")
	}

	if err := store.SetString(KeyDeviceName, "Emma's laptop"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if got, ok := store.GetString(KeyDeviceName); !ok || got != "Emma's laptop" {
		t.Errorf("GetString = %q, %v", got, ok)
	}
	if !store.Has(KeyDeviceName) {
		t.Error("Has false after set")
	}

	if err := store.SetBool(KeyEnabled, true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	if got, ok := store.GetBool(KeyEnabled); !ok || !got {
		t.Errorf("GetBool = %v, %v", got, ok)
	}

	if err := store.SetInt64(KeyRemainingSeconds, 1200); err != nil {
		t.Fatalf("SetInt64: %v", err)
	}
	if got, ok := store.GetInt64(KeyRemainingSeconds); !ok || got != 1200 {
		t.Errorf("GetInt64 = %d, %v", got, ok)
	}

	pairedAt := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	if err := store.SetTime(KeyPairedAt, pairedAt); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	if got, ok := store.GetTime(KeyPairedAt); !ok || !got.Equal(pairedAt) {
		t.Errorf("GetTime = %v, %v", got, ok)
	}

	// Overwrite is atomic per key: latest value wins.
	if err := store.SetString(KeyDeviceName, "Family tablet"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if got, _ := store.GetString(KeyDeviceName); got != "Family tablet" {
		t.Errorf("after overwrite GetString = %q", got)
	}

	if err := store.Delete(KeyDeviceName); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.Has(KeyDeviceName) {
		t.Error("Has true after Delete")
	}
	if err := store.Delete(KeyDeviceName); err != nil {
		t.Errorf("Delete of absent key: %v", err)
	}

	// A key set as one kind does not answer as another.
	if _, ok := store.GetString(KeyEnabled); ok {
		t.Error("bool key answered a string get")
	}
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "prefs.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	storeUnderTest(t, store)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")

	store, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := store.SetString(KeyDeviceToken, "tok-123"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got, ok := reopened.GetString(KeyDeviceToken); !ok || got != "tok-123" {
		t.Errorf("after reopen GetString = %q, %v", got, ok)
	}
}

func TestRegisteredCoversEveryKey(t *testing.T) {
	registered := make(map[string]Kind)
	for _, reg := range Registered() {
		registered[reg.Key] = reg.Kind
	}

	wantKinds := map[string]Kind{
		KeyCredentials:      KindString,
		KeyMasterKey:        KindString,
		KeyDeviceToken:      KindString,
		KeyDeviceName:       KindString,
		KeyPairedAt:         KindTime,
		KeyCachedChildren:   KindString,
		KeyChildID:          KindString,
		KeyOfflineCache:     KindString,
		KeyDeficitPool:      KindString,
		KeyReplayLedger:     KindString,
		KeyHomeTimezone:     KindString,
		KeyEnabled:          KindBool,
		KeyBlocked:          KindBool,
		KeyRemainingSeconds: KindInt,
		KeyDayTypeToday:     KindString,
	}
	for key, kind := range wantKinds {
		got, ok := registered[key]
		if !ok {
			t.Errorf("key %s not registered", key)
			continue
		}
		if got != kind {
			t.Errorf("key %s registered as kind %d, want %d", key, got, kind)
		}
	}
	if len(registered) != len(wantKinds) {
		t.Errorf("registered %d keys, want %d", len(registered), len(wantKinds))
	}
}
