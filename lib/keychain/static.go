// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"fmt"

	"github.com/allow2/engine/lib/crypto"
)

// StaticCipher is a Cipher over a fixed 32-byte AES-256-GCM key. It
// exists for tests and for hosts that already manage a device key
// themselves; it offers no device binding of its own.
type StaticCipher struct {
	key []byte
}

// NewStaticCipher wraps a 32-byte key. The key is copied.
func NewStaticCipher(key []byte) (*StaticCipher, error) {
	if len(key) != crypto.AEADKeySize {
		return nil, fmt.Errorf("%w: static cipher key is %d bytes, want %d", crypto.ErrInvalidKey, len(key), crypto.AEADKeySize)
	}
	return &StaticCipher{key: append([]byte(nil), key...)}, nil
}

// Encrypt seals plaintext under a fresh random nonce; the nonce is
// prefixed to the ciphertext.
func (c *StaticCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce, err := crypto.RandBytes(crypto.AEADNonceSize)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.AEADSeal(c.key, nonce, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return append(nonce, sealed...), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (c *StaticCipher) Decrypt(ciphertext []byte) ([]byte, bool) {
	if len(ciphertext) < crypto.AEADNonceSize {
		return nil, false
	}
	plaintext, err := crypto.AEADOpen(c.key, ciphertext[:crypto.AEADNonceSize], ciphertext[crypto.AEADNonceSize:], nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}
