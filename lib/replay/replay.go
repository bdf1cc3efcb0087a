// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay is the consumed-nonce ledger behind voice codes and
// QR grant tokens. A voice nonce is remembered for two bucket widths
// — the full window in which its approval could still validate — and
// a grant nonce until the token itself has expired (plus a grace for
// clock skew, after which expiry checks reject it anyway).
//
// The ledger snapshots to deterministic CBOR so the enforcer can
// persist it across restarts; a replayed token does not become fresh
// by rebooting the device.
package replay

import (
	"fmt"
	"sync"
	"time"

	"github.com/allow2/engine/lib/codec"
	"github.com/allow2/engine/lib/voicecode"
)

// grantGrace keeps grant nonces a little past token expiry to absorb
// clock skew between parent and child devices.
const grantGrace = time.Hour

// Ledger records consumed nonces. Safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	// voice maps a voice-code nonce (0-99) to the bucket in which it
	// was consumed.
	voice map[int]int64

	// grants maps a grant nonce to the instant its entry may be
	// dropped.
	grants map[string]time.Time
}

// snapshot is the CBOR persistence form.
type snapshot struct {
	Voice  map[int]int64    `cbor:"1,keyasint"`
	Grants map[string]int64 `cbor:"2,keyasint"`
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		voice:  make(map[int]int64),
		grants: make(map[string]time.Time),
	}
}

// ConsumeVoice records a voice nonce at the given approval bucket.
// Returns false — a replay — if the nonce was already consumed within
// the retention window.
func (l *Ledger) ConsumeVoice(nonce int, bucket int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if consumedAt, seen := l.voice[nonce]; seen {
		if bucket-consumedAt < voicecode.ReplayWindowBuckets {
			return false
		}
	}
	l.voice[nonce] = bucket
	return true
}

// ConsumeGrant records a grant nonce. Returns false if the nonce was
// seen before and its retention has not lapsed.
func (l *Ledger) ConsumeGrant(nonce string, expiresAt time.Time, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dropAt, seen := l.grants[nonce]; seen && now.Before(dropAt) {
		return false
	}
	l.grants[nonce] = expiresAt.Add(grantGrace)
	return true
}

// Cleanup drops voice entries older than the retention window and
// grant entries past their drop time. Returns the number removed.
func (l *Ledger) Cleanup(currentBucket int64, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for nonce, bucket := range l.voice {
		if currentBucket-bucket >= voicecode.ReplayWindowBuckets {
			delete(l.voice, nonce)
			removed++
		}
	}
	for nonce, dropAt := range l.grants {
		if !now.Before(dropAt) {
			delete(l.grants, nonce)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.voice) + len(l.grants)
}

// Snapshot serializes the ledger to deterministic CBOR.
func (l *Ledger) Snapshot() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := snapshot{
		Voice:  make(map[int]int64, len(l.voice)),
		Grants: make(map[string]int64, len(l.grants)),
	}
	for nonce, bucket := range l.voice {
		s.Voice[nonce] = bucket
	}
	for nonce, dropAt := range l.grants {
		s.Grants[nonce] = dropAt.Unix()
	}

	data, err := codec.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("replay: encoding snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the ledger contents from a Snapshot.
func (l *Ledger) Restore(data []byte) error {
	var s snapshot
	if err := codec.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("replay: decoding snapshot: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.voice = make(map[int]int64, len(s.Voice))
	for nonce, bucket := range s.Voice {
		l.voice[nonce] = bucket
	}
	l.grants = make(map[string]time.Time, len(s.Grants))
	for nonce, dropAt := range s.Grants {
		l.grants[nonce] = time.Unix(dropAt, 0).UTC()
	}
	return nil
}
