// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package enforcer

// Observer receives the facade's event stream. Events for one
// allowance check arrive in a fixed order: remaining time, warning
// thresholds, then the blocking change if one occurred.
//
// Callbacks run on the goroutine that triggered the event. A callback
// may call RemoveObserver; the list is snapshotted before iteration.
type Observer interface {
	PairedStateChanged(paired bool)
	BlockingStateChanged(blocked bool, reason string)
	RemainingTimeUpdated(seconds int64)
	WarningThresholdReached(minutes int)
	CurrentChildChanged(child *Child)
	CredentialsInvalidated()
}

// ObserverFuncs adapts free functions to Observer; nil fields ignore
// their event.
type ObserverFuncs struct {
	OnPairedStateChanged      func(paired bool)
	OnBlockingStateChanged    func(blocked bool, reason string)
	OnRemainingTimeUpdated    func(seconds int64)
	OnWarningThresholdReached func(minutes int)
	OnCurrentChildChanged     func(child *Child)
	OnCredentialsInvalidated  func()
}

func (o *ObserverFuncs) PairedStateChanged(paired bool) {
	if o.OnPairedStateChanged != nil {
		o.OnPairedStateChanged(paired)
	}
}

func (o *ObserverFuncs) BlockingStateChanged(blocked bool, reason string) {
	if o.OnBlockingStateChanged != nil {
		o.OnBlockingStateChanged(blocked, reason)
	}
}

func (o *ObserverFuncs) RemainingTimeUpdated(seconds int64) {
	if o.OnRemainingTimeUpdated != nil {
		o.OnRemainingTimeUpdated(seconds)
	}
}

func (o *ObserverFuncs) WarningThresholdReached(minutes int) {
	if o.OnWarningThresholdReached != nil {
		o.OnWarningThresholdReached(minutes)
	}
}

func (o *ObserverFuncs) CurrentChildChanged(child *Child) {
	if o.OnCurrentChildChanged != nil {
		o.OnCurrentChildChanged(child)
	}
}

func (o *ObserverFuncs) CredentialsInvalidated() {
	if o.OnCredentialsInvalidated != nil {
		o.OnCredentialsInvalidated()
	}
}

// AddObserver registers an observer for subsequent events.
func (e *Enforcer) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// RemoveObserver unregisters a previously added observer. Safe to
// call from inside a callback.
func (e *Enforcer) RemoveObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.observers {
		if existing == o {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return
		}
	}
}

// observerSnapshotLocked copies the list so a callback can mutate it
// mid-iteration.
func (e *Enforcer) observerSnapshotLocked() []Observer {
	return append([]Observer(nil), e.observers...)
}
