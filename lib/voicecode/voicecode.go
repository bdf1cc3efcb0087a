// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package voicecode implements the 6-digit parent/child code protocol
// for offline time grants.
//
// A child device emits a request code — six decimal digits encoding
// the request type, activity, minutes in 5-minute increments, and a
// random nonce — which a parent reads back over voice or a phone
// screen. The parent device answers with a 6-digit approval code: an
// HMAC-SHA256 over the sorted request codes and the current 30-second
// time bucket, truncated HOTP-style (RFC 4226 §5.3). The child
// validates against the adjacent buckets too, tolerating ±30 seconds
// of relative clock drift.
//
// Everything here is stateless; replay protection over consumed
// (nonce, bucket) pairs lives in the replay ledger, driven by the
// enforcer.
package voicecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/allow2/engine/lib/crypto"
)

const (
	// CodeLength is the length of both request and approval codes.
	CodeLength = 6

	// BucketSeconds is the approval-code time bucket width. It is a
	// protocol constant fixed at 30 seconds; it is unrelated to the
	// storage bucket in lib/crypto and must stay separate.
	BucketSeconds = 30

	// ReplayWindowBuckets is how many bucket widths consumed nonces
	// must be remembered for. With ±1 bucket of drift tolerance, two
	// widths (60 seconds) cover every instant an approval can match.
	ReplayWindowBuckets = 2

	// MaxMinutes is the largest grant a request code can carry:
	// 99 increments of 5 minutes.
	MaxMinutes = 495

	approvalModulus = 1_000_000

	// Raw big-endian uint64 bucket appended after the ':' separator.
	bucketEncodedSize = 8
)

// RequestType is the leading digit of a request code.
type RequestType int

const (
	TypeQuota   RequestType = 0
	TypeExtend  RequestType = 1
	TypeEarlier RequestType = 2
	TypeLiftBan RequestType = 3

	// Digits 4-6 are reserved; 7-9 mark continuation codes of a
	// multi-code request.
	firstReservedType     RequestType = 4
	firstContinuationType RequestType = 7
)

// Errors returned by this package.
var (
	ErrInvalidCode = errors.New("voicecode: invalid code")
	ErrInvalidKey  = errors.New("voicecode: invalid shared key")
)

// Request is a decoded request code.
type Request struct {
	// Type is the request kind (quota, extend, earlier, lift-ban).
	// For continuation codes it holds the raw digit 7-9.
	Type RequestType

	// ActivityID is the single-digit activity identifier, 0-9.
	ActivityID int

	// Minutes is the requested grant, already expanded from
	// 5-minute increments (0-495).
	Minutes int

	// Nonce is the random two-digit anti-replay value, 0-99.
	Nonce int

	// Continuation marks codes with a leading digit of 7-9, parts of
	// a multi-code request.
	Continuation bool

	// Reserved marks codes with a leading digit of 4-6. They parse
	// but carry no defined meaning yet.
	Reserved bool
}

// Code renders the canonical 6-digit string for the request.
func (r *Request) Code() string {
	return fmt.Sprintf("%d%d%02d%02d", int(r.Type), r.ActivityID, MinutesToIncrements(r.Minutes), r.Nonce)
}

// ParseRequest decodes a request code. It fails unless the code is
// exactly six ASCII decimal digits.
func ParseRequest(code string) (*Request, error) {
	if len(code) != CodeLength {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidCode, len(code), CodeLength)
	}
	digits := make([]int, CodeLength)
	for i := 0; i < CodeLength; i++ {
		c := code[i]
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: non-digit character", ErrInvalidCode)
		}
		digits[i] = int(c - '0')
	}

	requestType := RequestType(digits[0])
	return &Request{
		Type:         requestType,
		ActivityID:   digits[1],
		Minutes:      IncrementsToMinutes(digits[2]*10 + digits[3]),
		Nonce:        digits[4]*10 + digits[5],
		Continuation: requestType >= firstContinuationType,
		Reserved:     requestType >= firstReservedType && requestType < firstContinuationType,
	}, nil
}

// GenerateRequest builds a request code for the given type, activity,
// and minutes. Minutes round to the nearest 5-minute increment and
// clamp to MaxMinutes; the nonce comes from the CSPRNG.
func GenerateRequest(requestType RequestType, activityID, minutes int) (*Request, error) {
	if requestType < TypeQuota || requestType > TypeLiftBan {
		return nil, fmt.Errorf("%w: request type %d not generatable", ErrInvalidCode, requestType)
	}
	if activityID < 0 || activityID > 9 {
		return nil, fmt.Errorf("%w: activity id %d out of range 0-9", ErrInvalidCode, activityID)
	}
	if minutes < 0 {
		return nil, fmt.Errorf("%w: negative minutes", ErrInvalidCode)
	}

	nonceByte, err := crypto.RandBytes(1)
	if err != nil {
		return nil, fmt.Errorf("voicecode: nonce: %w", err)
	}

	return &Request{
		Type:       requestType,
		ActivityID: activityID,
		Minutes:    IncrementsToMinutes(MinutesToIncrements(minutes)),
		Nonce:      int(nonceByte[0]) % 100,
	}, nil
}

// MinutesToIncrements converts minutes to 5-minute increments,
// rounding to nearest and clamping to the two-digit ceiling.
func MinutesToIncrements(minutes int) int {
	increments := int(math.Round(float64(minutes) / 5))
	if increments < 0 {
		return 0
	}
	if increments > 99 {
		return 99
	}
	return increments
}

// IncrementsToMinutes expands 5-minute increments back to minutes.
func IncrementsToMinutes(increments int) int {
	return increments * 5
}

// GenerateApproval computes the approval code for one or more request
// codes at the current instant.
func GenerateApproval(sharedKey []byte, requestCodes []string) (string, error) {
	return GenerateApprovalAt(sharedKey, requestCodes, time.Now())
}

// GenerateApprovalAt is GenerateApproval with an explicit time, for
// deterministic tests and drift-window validation.
func GenerateApprovalAt(sharedKey []byte, requestCodes []string, now time.Time) (string, error) {
	return approvalForBucket(sharedKey, requestCodes, crypto.TimeBucket(now, BucketSeconds))
}

// ValidateApproval checks an approval code against the request codes
// at the current instant.
func ValidateApproval(sharedKey []byte, requestCodes []string, approval string) bool {
	return ValidateApprovalAt(sharedKey, requestCodes, approval, time.Now())
}

// ValidateApprovalAt recomputes the approval for the current bucket
// and its two neighbours, accepting a constant-time match in any.
// This tolerates ±30 seconds of clock drift between the devices.
func ValidateApprovalAt(sharedKey []byte, requestCodes []string, approval string, now time.Time) bool {
	if len(approval) != CodeLength {
		return false
	}

	current := crypto.TimeBucket(now, BucketSeconds)
	matched := false
	for _, bucket := range []int64{current - 1, current, current + 1} {
		expected, err := approvalForBucket(sharedKey, requestCodes, bucket)
		if err != nil {
			return false
		}
		// No early exit: every bucket is checked so validation time
		// does not reveal which bucket matched.
		if crypto.ConstantTimeEqual([]byte(expected), []byte(approval)) {
			matched = true
		}
	}
	return matched
}

// approvalForBucket computes HMAC-SHA256 over the sorted request
// codes joined by '|', a ':' separator, and the big-endian bucket,
// then applies HOTP dynamic truncation to six decimal digits.
func approvalForBucket(sharedKey []byte, requestCodes []string, bucket int64) (string, error) {
	if len(sharedKey) == 0 {
		return "", ErrInvalidKey
	}
	if len(requestCodes) == 0 {
		return "", fmt.Errorf("%w: no request codes", ErrInvalidCode)
	}
	for _, code := range requestCodes {
		if _, err := ParseRequest(code); err != nil {
			return "", err
		}
	}

	sorted := append([]string(nil), requestCodes...)
	sort.Strings(sorted)

	payload := make([]byte, 0, len(sorted)*(CodeLength+1)+bucketEncodedSize)
	payload = append(payload, strings.Join(sorted, "|")...)
	payload = append(payload, ':')
	payload = binary.BigEndian.AppendUint64(payload, uint64(bucket))

	tag := crypto.HMACSHA256(sharedKey, payload)

	offset := tag[31] & 0x0F
	truncated := uint32(tag[offset]&0x7F)<<24 |
		uint32(tag[offset+1])<<16 |
		uint32(tag[offset+2])<<8 |
		uint32(tag[offset+3])

	return fmt.Sprintf("%06d", truncated%approvalModulus), nil
}
