// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// pinHashPrefix labels the hash scheme so stored hashes can be
// migrated if the scheme ever changes.
const pinHashPrefix = "sha256:"

// HashPIN returns the labeled hash string "sha256:" + 64 hex digits
// of SHA-256(pin || salt). This is the format cached child records
// carry in their pinHash field.
func HashPIN(pin, salt string) string {
	sum := sha256.Sum256([]byte(pin + salt))
	return pinHashPrefix + hex.EncodeToString(sum[:])
}

// VerifyPIN reports whether pin+salt hashes to labeledHash. The
// comparison is constant-time over the digest so response timing does
// not leak how much of the hash matched.
func VerifyPIN(labeledHash, pin, salt string) bool {
	encoded, ok := strings.CutPrefix(labeledHash, pinHashPrefix)
	if !ok {
		return false
	}
	stored, err := hex.DecodeString(encoded)
	if err != nil || len(stored) != sha256.Size {
		return false
	}
	sum := sha256.Sum256([]byte(pin + salt))
	return ConstantTimeEqual(sum[:], stored)
}
