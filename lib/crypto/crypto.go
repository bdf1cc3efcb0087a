// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// SeedSize is the Ed25519 private seed length.
	SeedSize = ed25519.SeedSize // 32

	// PublicKeySize is the Ed25519 public key length.
	PublicKeySize = ed25519.PublicKeySize // 32

	// SignatureSize is the Ed25519 signature length.
	SignatureSize = ed25519.SignatureSize // 64

	// AEADKeySize is the AES-256-GCM key length.
	AEADKeySize = 32

	// AEADNonceSize is the AES-GCM nonce length.
	AEADNonceSize = 12

	// TimeBucketSeconds is the storage-layer bucket width used when
	// rotating derived storage keys. This is a different constant
	// from the 30-second voice-code approval bucket; the two must
	// not be unified.
	TimeBucketSeconds = 900
)

// Errors returned by the primitive operations.
var (
	ErrInvalidKey = errors.New("crypto: invalid key")
	ErrAuthFailed = errors.New("crypto: authentication failed")
)

// Sign produces a deterministic Ed25519 signature of message under
// the 32-byte private seed.
func Sign(seed, message []byte) ([]byte, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKey, len(seed), SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	return ed25519.Sign(private, message), nil
}

// Verify reports whether signature is a valid Ed25519 signature of
// message under publicKey. It returns false — never an error — on any
// length mismatch, malformed key, or bad signature.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// HMACSHA256 computes the 32-byte HMAC-SHA256 tag of message under key.
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// HKDFSHA256 derives length bytes from ikm with the given salt and
// info, per RFC 5869.
func HKDFSHA256(ikm, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("crypto: hkdf length must be positive, got %d", length)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return out, nil
}

// AEADSeal encrypts plaintext with AES-256-GCM under a 32-byte key and
// 12-byte nonce, binding aad. The returned ciphertext includes the
// 16-byte GCM tag.
func AEADSeal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen decrypts ciphertextWithTag produced by AEADSeal. Every
// failure — wrong key, truncated input, tampered bytes, mismatched
// aad — returns ErrAuthFailed; callers cannot distinguish the cause.
func AEADOpen(key, nonce, ciphertextWithTag, aad []byte) ([]byte, error) {
	aead, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertextWithTag, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func newGCM(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != AEADKeySize {
		return nil, fmt.Errorf("%w: AEAD key is %d bytes, want %d", ErrInvalidKey, len(key), AEADKeySize)
	}
	if len(nonce) != AEADNonceSize {
		return nil, fmt.Errorf("%w: AEAD nonce is %d bytes, want %d", ErrInvalidKey, len(nonce), AEADNonceSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}

// RandBytes returns n bytes from the CSPRNG.
func RandBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("crypto: rand length must be positive, got %d", n)
	}
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("crypto: rand: %w", err)
	}
	return out, nil
}

// ConstantTimeEqual compares a and b in time dependent only on
// len(a). Slices of different lengths compare unequal.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// TimeBucket returns floor(unix(now) / bucketSeconds). Bucketed time
// underlies both the voice-code approval window and storage key
// rotation; the bucket width is always supplied by the caller.
func TimeBucket(now time.Time, bucketSeconds int64) int64 {
	if bucketSeconds <= 0 {
		return 0
	}
	seconds := now.Unix()
	bucket := seconds / bucketSeconds
	if seconds < 0 && seconds%bucketSeconds != 0 {
		bucket--
	}
	return bucket
}
