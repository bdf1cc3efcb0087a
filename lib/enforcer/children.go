// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/allow2/engine/lib/crypto"
	"github.com/allow2/engine/lib/pairing"
	"github.com/allow2/engine/lib/prefstore"
)

// InitQRPairing opens a QR pairing session, replacing any active one.
func (e *Enforcer) InitQRPairing(ctx context.Context, deviceName string) (pairing.Display, error) {
	token, err := e.creds.DeviceToken()
	if err != nil {
		return pairing.Display{}, err
	}
	if err := e.creds.SetDeviceName(deviceName); err != nil {
		return pairing.Display{}, err
	}
	return e.session.StartQR(ctx, token, deviceName)
}

// InitPINPairing opens a PIN pairing session, replacing any active
// one.
func (e *Enforcer) InitPINPairing(ctx context.Context, deviceName string) (pairing.Display, error) {
	token, err := e.creds.DeviceToken()
	if err != nil {
		return pairing.Display{}, err
	}
	if err := e.creds.SetDeviceName(deviceName); err != nil {
		return pairing.Display{}, err
	}
	return e.session.StartPIN(ctx, token, deviceName)
}

// PairingState returns the session's lifecycle state.
func (e *Enforcer) PairingState() pairing.State {
	return e.session.State()
}

// PairingDisplay returns the active session's display material.
func (e *Enforcer) PairingDisplay() (pairing.Display, bool) {
	return e.session.Display()
}

// CancelPairing drops the active session. Idempotent.
func (e *Enforcer) CancelPairing(ctx context.Context) {
	e.session.Cancel(ctx)
}

// completePairing stores the credentials and child records a
// successful session delivered.
func (e *Enforcer) completePairing(result pairing.Result) {
	if err := e.creds.Save(result.Credentials); err != nil {
		e.log.Error("storing pairing credentials failed", "error", err)
		return
	}
	if data, err := json.Marshal(result.Children); err == nil {
		if err := e.prefs.SetString(prefstore.KeyCachedChildren, string(data)); err != nil {
			e.log.Warn("caching children failed", "error", err)
		}
	}

	e.mu.Lock()
	e.invalidated = false
	enabled := e.enabled
	observers := e.observerSnapshotLocked()
	e.mu.Unlock()

	e.log.Info("device paired", "children", len(result.Children))
	for _, o := range observers {
		o.PairedStateChanged(true)
	}
	if enabled {
		e.startChecks()
	}
}

// Children returns the child records cached at pairing time.
func (e *Enforcer) Children() []Child {
	raw, ok := e.prefs.GetString(prefstore.KeyCachedChildren)
	if !ok || raw == "" {
		return nil
	}
	var children []Child
	if err := json.Unmarshal([]byte(raw), &children); err != nil {
		e.log.Warn("discarding cached children", "error", err)
		return nil
	}
	return children
}

// SelectChild verifies pin against the cached record for id and makes
// that child current. Five consecutive failures lock the child out
// for five minutes, doubling on repeated lockouts up to an hour.
func (e *Enforcer) SelectChild(id uint64, pin string) error {
	if pin == "" {
		return ErrInvalidArgument
	}
	var child *Child
	for _, c := range e.Children() {
		if c.ID == id {
			found := c
			child = &found
			break
		}
	}
	if child == nil {
		return ErrInvalidArgument
	}

	now := e.clock.Now()
	e.mu.Lock()
	state := e.lockouts[id]
	if state == nil {
		state = &lockout{}
		e.lockouts[id] = state
	}
	if state.lockedUntil.After(now) {
		e.mu.Unlock()
		return ErrLocked
	}

	if !crypto.VerifyPIN(child.PinHash, pin, child.PinSalt) {
		state.failures++
		if state.failures >= lockoutThreshold {
			duration := lockoutBase
			for i := 0; i < state.repeats && duration < lockoutCap; i++ {
				duration *= 2
			}
			if duration > lockoutCap {
				duration = lockoutCap
			}
			state.lockedUntil = now.Add(duration)
			state.repeats++
			state.failures = 0
			e.mu.Unlock()
			e.log.Info("pin lockout engaged", "child_id", id, "duration", duration)
			return ErrLocked
		}
		e.mu.Unlock()
		return ErrInvalidPIN
	}

	delete(e.lockouts, id)
	e.currentChild = child
	observers := e.observerSnapshotLocked()
	e.mu.Unlock()

	if err := e.prefs.SetString(prefstore.KeyChildID, strconv.FormatUint(id, 10)); err != nil {
		e.log.Warn("persisting selected child failed", "error", err)
	}
	e.log.Info("child selected", "child_id", id)
	for _, o := range observers {
		o.CurrentChildChanged(child)
	}
	return nil
}

// CurrentChild returns the selected child, if any.
func (e *Enforcer) CurrentChild() (Child, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentChild == nil {
		return Child{}, false
	}
	return *e.currentChild, true
}

// ClearCurrentChild returns the device to guest mode.
func (e *Enforcer) ClearCurrentChild() {
	e.mu.Lock()
	had := e.currentChild != nil
	e.currentChild = nil
	observers := e.observerSnapshotLocked()
	e.mu.Unlock()

	if !had {
		return
	}
	if err := e.prefs.Delete(prefstore.KeyChildID); err != nil {
		e.log.Warn("clearing selected child failed", "error", err)
	}
	for _, o := range observers {
		o.CurrentChildChanged(nil)
	}
}
