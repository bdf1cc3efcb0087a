// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"context"
	"time"

	"github.com/allow2/engine/lib/crypto"
	"github.com/allow2/engine/lib/grant"
	"github.com/allow2/engine/lib/offlinecache"
	"github.com/allow2/engine/lib/voicecode"
)

// RequestMoreTime creates a voice request for extra minutes and
// forwards it to the service for in-app parent approval. The returned
// request's Code is what the child reads to the parent; it stays
// outstanding until a matching approval arrives.
func (e *Enforcer) RequestMoreTime(ctx context.Context, activityID uint8, minutes int, message string) (*voicecode.Request, error) {
	if minutes < 1 {
		return nil, ErrInvalidArgument
	}
	childID, err := e.activeChildID()
	if err != nil {
		return nil, err
	}

	request, err := voicecode.GenerateRequest(voicecode.TypeExtend, int(activityID), minutes)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.outstanding = append(e.outstanding, request)
	if len(e.outstanding) > maxOutstandingRequests {
		e.outstanding = e.outstanding[len(e.outstanding)-maxOutstandingRequests:]
	}
	e.mu.Unlock()

	if creds, ok := e.creds.Load(); ok {
		if _, err := e.client.RequestTime(ctx, creds, childID, activityID, minutes, message); err != nil {
			// The voice path still works; the parent just won't see
			// an in-app prompt.
			e.log.Debug("forwarding time request failed", "error", err)
		}
	}
	e.log.Info("time requested", "activity_id", activityID, "minutes", minutes)
	return request, nil
}

// OutstandingRequests returns the voice requests awaiting approval.
func (e *Enforcer) OutstandingRequests() []*voicecode.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*voicecode.Request(nil), e.outstanding...)
}

// ApplyVoiceCode validates a spoken approval code against the
// outstanding requests and applies the granted minutes as a local
// extension, bounded by the deficit cap. Returns the minutes actually
// granted.
func (e *Enforcer) ApplyVoiceCode(code string) (int, error) {
	if len(e.voiceKey) == 0 {
		return 0, ErrInvalidArgument
	}
	childID, err := e.activeChildID()
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	outstanding := append([]*voicecode.Request(nil), e.outstanding...)
	e.mu.Unlock()
	if len(outstanding) == 0 {
		return 0, voicecode.ErrInvalidCode
	}

	now := e.clock.Now()
	matched := matchApproval(e.voiceKey, outstanding, code, now)
	if len(matched) == 0 {
		return 0, voicecode.ErrInvalidCode
	}

	requested := 0
	for _, request := range matched {
		requested += request.Minutes
	}
	if requested < 1 {
		return 0, ErrInvalidArgument
	}

	bucket := crypto.TimeBucket(now, voicecode.BucketSeconds)
	for _, request := range matched {
		if !e.replay.ConsumeVoice(request.Nonce, bucket) {
			return 0, ErrReplay
		}
	}

	granted := 0
	expires := e.endOfDay(now)
	for _, request := range matched {
		recorded := e.deficit.Add(childID, uint8(request.ActivityID), int64(request.Minutes)*60)
		minutes := int(recorded / 60)
		if minutes < 1 {
			continue
		}
		e.addLocalExtension(childID, uint8(request.ActivityID), minutes, expires)
		granted += minutes
	}
	if granted == 0 {
		return 0, ErrDeficitExceeded
	}

	e.removeOutstanding(matched)
	e.persist()
	e.log.Info("voice grant applied", "minutes", granted)
	return granted, nil
}

// ApplyQRToken verifies a scanned grant token and applies it. Returns
// the granted minutes (zero for a ban lift).
func (e *Enforcer) ApplyQRToken(token string) (int, error) {
	if len(e.parentPub) == 0 {
		return 0, grant.ErrInvalidToken
	}
	now := e.clock.Now()
	g, err := grant.ParseAndVerifyAt(token, e.parentPub, now)
	if err != nil {
		return 0, err
	}
	if g.Type != grant.TypeLiftBan && g.Minutes < 1 {
		return 0, ErrInvalidArgument
	}

	childID, err := e.activeChildID()
	if err != nil {
		return 0, err
	}
	if g.ChildID != childID {
		return 0, grant.ErrInvalidToken
	}
	if g.DeviceID != "" {
		deviceToken, err := e.creds.DeviceToken()
		if err != nil || g.DeviceID != deviceToken {
			return 0, grant.ErrInvalidToken
		}
	}

	if !e.replay.ConsumeGrant(g.Nonce, g.ExpiresAt, now) {
		return 0, ErrReplay
	}

	switch g.Type {
	case grant.TypeLiftBan:
		e.cache.LiftBan(now, uint8(g.ActivityID))
	default:
		e.addLocalExtension(childID, uint8(g.ActivityID), g.Minutes, g.ExpiresAt)
	}
	e.persist()
	e.log.Info("grant token applied",
		"type", string(g.Type), "activity_id", g.ActivityID, "minutes", g.Minutes)
	return g.Minutes, nil
}

// matchApproval finds which outstanding requests an approval covers:
// the whole set first, then each request alone.
func matchApproval(key []byte, outstanding []*voicecode.Request, approval string, now time.Time) []*voicecode.Request {
	if len(outstanding) > 1 {
		codes := make([]string, len(outstanding))
		for i, request := range outstanding {
			codes[i] = request.Code()
		}
		if voicecode.ValidateApprovalAt(key, codes, approval, now) {
			return outstanding
		}
	}
	for _, request := range outstanding {
		if voicecode.ValidateApprovalAt(key, []string{request.Code()}, approval, now) {
			return []*voicecode.Request{request}
		}
	}
	return nil
}

func (e *Enforcer) addLocalExtension(childID uint64, activityID uint8, minutes int, expires time.Time) {
	e.mu.Lock()
	e.extensionSeq++
	id := -e.extensionSeq
	e.mu.Unlock()

	e.cache.AddLocalExtension(offlinecache.Extension{
		ID:         id,
		ChildID:    childID,
		ActivityID: activityID,
		Minutes:    uint16(minutes),
		ExpiresAt:  expires,
	})
}

func (e *Enforcer) removeOutstanding(consumed []*voicecode.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.outstanding[:0]
	for _, request := range e.outstanding {
		used := false
		for _, c := range consumed {
			if request == c {
				used = true
				break
			}
		}
		if !used {
			kept = append(kept, request)
		}
	}
	e.outstanding = kept
}

// endOfDay returns the next midnight in the schedule's timezone;
// local extensions never outlive the day they were granted on.
func (e *Enforcer) endOfDay(now time.Time) time.Time {
	loc := e.cache.Location()
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}
