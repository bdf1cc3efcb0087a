// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/allow2/engine/lib/credstore"
	"github.com/allow2/engine/lib/decision"
	"github.com/allow2/engine/lib/prefstore"
)

// CheckAllowance evaluates an activity for the current child. The
// local decision always answers; when the service is reachable the
// cache is refreshed first and the decision recomputed. A 401 from
// the service releases the pairing.
func (e *Enforcer) CheckAllowance(ctx context.Context, activityID uint8) (decision.Decision, error) {
	if !e.IsPaired() {
		return decision.Decision{}, ErrNotPaired
	}
	childID, err := e.activeChildID()
	if err != nil {
		return decision.Decision{}, err
	}

	if creds, ok := e.creds.Load(); ok {
		e.refreshFromService(ctx, creds, childID, activityID)
	}
	if !e.IsPaired() {
		// The refresh hit a 401.
		return decision.Decision{}, ErrNotPaired
	}

	d := e.engine.CheckAt(activityID, e.clock.Now())
	e.publishDecision(d)
	return d, nil
}

// TrackURL categorizes a URL host into an activity and evaluates it.
func (e *Enforcer) TrackURL(ctx context.Context, rawURL string) (decision.Decision, error) {
	if e.categorizer == nil {
		return decision.Decision{}, ErrInvalidArgument
	}
	host := hostOf(rawURL)
	if host == "" {
		return decision.Decision{}, ErrInvalidArgument
	}
	activityID := e.categorizer.Categorize(host)
	if activityID == 0 {
		activityID = DefaultActivity
	}
	return e.CheckAllowance(ctx, activityID)
}

// LogUsage books local usage minutes against an activity and persists
// the ledger.
func (e *Enforcer) LogUsage(activityID uint8, minutes uint16) {
	e.engine.LogUsage(activityID, minutes)
	e.persist()
}

// IsBlocked reports the last published blocking state.
func (e *Enforcer) IsBlocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBlocked
}

// BlockReason returns the last published block reason code.
func (e *Enforcer) BlockReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReason
}

// RemainingSeconds returns the last published remaining time.
func (e *Enforcer) RemainingSeconds() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRemaining
}

// activeChildID resolves the child decisions apply to: the selected
// child, falling back to the cache's child.
func (e *Enforcer) activeChildID() (uint64, error) {
	e.mu.Lock()
	child := e.currentChild
	e.mu.Unlock()
	if child != nil {
		return child.ID, nil
	}
	if id := e.cache.CachedChildID(); id != 0 {
		return id, nil
	}
	return 0, ErrNoChildSelected
}

// refreshFromService performs the online half of a check: pull the
// service's verdict, install any cache envelope it carries, and
// promote a 401 to a credential release. Network failures other than
// 401 are logged and absorbed; offline operation is the normal case.
func (e *Enforcer) refreshFromService(ctx context.Context, creds credstore.Credentials, childID uint64, activityID uint8) {
	resp, err := e.client.Check(ctx, creds, childID, []uint8{activityID}, true)
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.Code == 401 {
			e.invalidate()
			return
		}
		e.log.Debug("service check failed, staying on cache", "error", err)
		return
	}
	if len(resp.OfflineCache) > 0 {
		if err := e.cache.UpdateFromJSON(resp.OfflineCache); err != nil {
			e.log.Warn("rejecting cache envelope from service", "error", err)
		} else {
			// A fresh envelope is the server's reconciled view; the
			// offline debt it absorbed is settled.
			e.deficit.Clear(childID)
			if tz := e.cache.Timezone(); tz != "" {
				if err := e.prefs.SetString(prefstore.KeyHomeTimezone, tz); err != nil {
					e.log.Warn("persisting home timezone failed", "error", err)
				}
			}
			e.refreshTravelMode()
			e.persist()
		}
	}
	if resp.DayType != "" {
		if err := e.prefs.SetString(prefstore.KeyDayTypeToday, resp.DayType); err != nil {
			e.log.Warn("persisting day type failed", "error", err)
		}
	}
}

func hostOf(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// publishDecision folds one decision into the last-known state and
// notifies observers: remaining time first, then any warning
// thresholds crossed, then the blocking change.
func (e *Enforcer) publishDecision(d decision.Decision) {
	remaining := int64(d.RemainingMinutes) * 60
	blocked := !d.Allowed

	e.mu.Lock()
	prevRemaining := int(e.lastRemaining / 60)
	blockedChanged := !e.haveLast || blocked != e.lastBlocked
	var warnings []int
	if e.haveLast && d.Allowed && !d.Unlimited {
		warnings = decision.CrossedWarningThresholds(prevRemaining, d.RemainingMinutes)
	}
	e.lastBlocked = blocked
	e.lastReason = string(d.Reason)
	e.lastRemaining = remaining
	e.haveLast = true
	observers := e.observerSnapshotLocked()
	e.mu.Unlock()

	if err := e.prefs.SetBool(prefstore.KeyBlocked, blocked); err != nil {
		e.log.Warn("persisting blocked flag failed", "error", err)
	}
	if err := e.prefs.SetInt64(prefstore.KeyRemainingSeconds, remaining); err != nil {
		e.log.Warn("persisting remaining seconds failed", "error", err)
	}
	if day, ok := e.cache.Day(e.clock.Now()); ok {
		if err := e.prefs.SetString(prefstore.KeyDayTypeToday, day.DayTypeName); err != nil {
			e.log.Warn("persisting day type failed", "error", err)
		}
	}

	for _, o := range observers {
		o.RemainingTimeUpdated(remaining)
	}
	for _, minutes := range warnings {
		for _, o := range observers {
			o.WarningThresholdReached(minutes)
		}
	}
	if blockedChanged {
		for _, o := range observers {
			o.BlockingStateChanged(blocked, string(d.Reason))
		}
	}
}

// startChecks launches the periodic check loop. No-op when already
// running.
func (e *Enforcer) startChecks() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checksCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.checksCancel = cancel
	go e.checkLoop(ctx)
}

func (e *Enforcer) stopChecks() {
	e.mu.Lock()
	cancel := e.checksCancel
	e.checksCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pause suspends the periodic check loop (host went to background).
func (e *Enforcer) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Resume reactivates the loop and forces an immediate check.
func (e *Enforcer) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	select {
	case e.resume <- struct{}{}:
	default:
	}
}

func (e *Enforcer) checkLoop(ctx context.Context) {
	ticker := e.clock.NewTicker(CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			paused := e.paused
			e.mu.Unlock()
			if paused {
				continue
			}
		case <-e.resume:
		}
		if e.sweepReplay() > 0 {
			e.persist()
		}
		if !e.IsPaired() || !e.Enabled() {
			continue
		}
		if _, err := e.CheckAllowance(ctx, DefaultActivity); err != nil &&
			!errors.Is(err, ErrNotPaired) && !errors.Is(err, ErrNoChildSelected) {
			e.log.Warn("periodic check failed", "error", err)
		}
	}
}
