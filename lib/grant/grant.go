// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package grant implements the signed QR grant token: a compact
// three-part ASCII string `header.payload.signature` (base64url, no
// padding) carrying a typed parent-issued grant — extension, quota,
// earlier start, or lift-ban — scoped to a child and optionally to a
// single device.
//
// The signature is Ed25519 over the exact bytes
// `header_b64u || "." || payload_b64u` and is checked before the
// payload is even decoded. Every failure mode collapses into
// ErrInvalidToken so the parser cannot be used as an oracle.
package grant

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allow2/engine/lib/crypto"
)

const (
	// Algorithm is the only accepted header algorithm.
	Algorithm = "Ed25519"

	// MaxMinutes caps the minutes a single token may grant.
	MaxMinutes = 480

	// MaxValidity caps expiresAt - issuedAt.
	MaxValidity = 24 * time.Hour

	// timestampLayout is the strict wire form: UTC, seconds
	// precision, literal Z. No other RFC 3339 variants parse.
	timestampLayout = "2006-01-02T15:04:05Z"
)

// Type is the grant kind carried in the payload's "type" field.
type Type string

const (
	TypeExtension Type = "extension"
	TypeQuota     Type = "quota"
	TypeEarlier   Type = "earlier"
	TypeLiftBan   Type = "lift_ban"
)

// valid reports whether t is one of the defined grant kinds.
func (t Type) valid() bool {
	switch t {
	case TypeExtension, TypeQuota, TypeEarlier, TypeLiftBan:
		return true
	}
	return false
}

// ErrInvalidToken is the single error every parse, signature, range,
// or expiry failure collapses to.
var ErrInvalidToken = errors.New("grant: invalid token")

// Grant is a verified grant token's contents.
type Grant struct {
	Type       Type
	ChildID    uint64
	ActivityID int
	Minutes    int
	IssuedAt   time.Time
	ExpiresAt  time.Time

	// Nonce is the token's unique anti-replay value. The caller must
	// refuse tokens whose nonce has been consumed before.
	Nonce string

	// DeviceID scopes the grant to one device; empty means any.
	DeviceID string

	// KeyID identifies the signing key, from the token header.
	KeyID string
}

type wireHeader struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
}

type wirePayload struct {
	Type       string `json:"type"`
	ChildID    uint64 `json:"childId"`
	ActivityID int    `json:"activityId"`
	Minutes    int    `json:"minutes"`
	IssuedAt   string `json:"issuedAt"`
	ExpiresAt  string `json:"expiresAt"`
	Nonce      string `json:"nonce"`
	DeviceID   string `json:"deviceId,omitempty"`
}

var b64 = base64.RawURLEncoding

// Generate serializes and signs a grant under the 32-byte Ed25519
// seed, producing the three-part token string. The grant's fields
// must already satisfy the token invariants; an invalid grant or key
// yields an empty string and an error.
func Generate(g *Grant, seed []byte, keyID string) (string, error) {
	if keyID == "" {
		return "", fmt.Errorf("%w: empty key id", ErrInvalidToken)
	}
	if err := checkFields(g); err != nil {
		return "", err
	}

	headerJSON, err := json.Marshal(wireHeader{Algorithm: Algorithm, KeyID: keyID})
	if err != nil {
		return "", fmt.Errorf("grant: encoding header: %w", err)
	}
	payloadJSON, err := json.Marshal(wirePayload{
		Type:       string(g.Type),
		ChildID:    g.ChildID,
		ActivityID: g.ActivityID,
		Minutes:    g.Minutes,
		IssuedAt:   g.IssuedAt.UTC().Format(timestampLayout),
		ExpiresAt:  g.ExpiresAt.UTC().Format(timestampLayout),
		Nonce:      g.Nonce,
		DeviceID:   g.DeviceID,
	})
	if err != nil {
		return "", fmt.Errorf("grant: encoding payload: %w", err)
	}

	signingInput := b64.EncodeToString(headerJSON) + "." + b64.EncodeToString(payloadJSON)
	signature, err := crypto.Sign(seed, []byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("grant: signing: %w", err)
	}

	return signingInput + "." + b64.EncodeToString(signature), nil
}

// ParseAndVerify verifies token under publicKey at the current time.
func ParseAndVerify(token string, publicKey []byte) (*Grant, error) {
	return ParseAndVerifyAt(token, publicKey, time.Now())
}

// ParseAndVerifyAt verifies the token's structure, header, signature
// (before payload decode), field ranges, and expiry against now. The
// caller must still enforce child scoping, device scoping, and nonce
// freshness.
func ParseAndVerifyAt(token string, publicKey []byte, now time.Time) (*Grant, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrInvalidToken
	}

	headerJSON, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header wireHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != Algorithm || header.KeyID == "" {
		return nil, ErrInvalidToken
	}

	signature, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	// Signature first: the payload bytes stay opaque until the token
	// proves authentic.
	signingInput := parts[0] + "." + parts[1]
	if !crypto.Verify(publicKey, []byte(signingInput), signature) {
		return nil, ErrInvalidToken
	}

	payloadJSON, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload wirePayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, ErrInvalidToken
	}

	issuedAt, err := time.Parse(timestampLayout, payload.IssuedAt)
	if err != nil {
		return nil, ErrInvalidToken
	}
	expiresAt, err := time.Parse(timestampLayout, payload.ExpiresAt)
	if err != nil {
		return nil, ErrInvalidToken
	}

	g := &Grant{
		Type:       Type(payload.Type),
		ChildID:    payload.ChildID,
		ActivityID: payload.ActivityID,
		Minutes:    payload.Minutes,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
		Nonce:      payload.Nonce,
		DeviceID:   payload.DeviceID,
		KeyID:      header.KeyID,
	}
	if err := checkFields(g); err != nil {
		return nil, err
	}
	// expiresAt == now is already expired.
	if !g.ExpiresAt.After(now) {
		return nil, ErrInvalidToken
	}
	return g, nil
}

// checkFields enforces the token invariants shared by Generate and
// ParseAndVerifyAt: a known type, sane ranges, a nonce, and a
// validity window of at most MaxValidity.
func checkFields(g *Grant) error {
	if g == nil || !g.Type.valid() {
		return ErrInvalidToken
	}
	if g.ActivityID < 0 || g.ActivityID > 255 {
		return ErrInvalidToken
	}
	if g.Minutes < 0 || g.Minutes > MaxMinutes {
		return ErrInvalidToken
	}
	if g.Nonce == "" {
		return ErrInvalidToken
	}
	if !g.ExpiresAt.After(g.IssuedAt) {
		return ErrInvalidToken
	}
	if g.ExpiresAt.Sub(g.IssuedAt) > MaxValidity {
		return ErrInvalidToken
	}
	return nil
}
