// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package keychain defines the device-bound cipher the credential
// store wraps its master key material with. On platforms with an OS
// keychain the host supplies its own Cipher; AgeCipher is the
// software fallback (an age x25519 identity kept in locked memory),
// and StaticCipher is a fixed-key cipher for tests.
package keychain

// Cipher encrypts and decrypts small secrets under a device-bound
// key. Decrypt reports failure with a false second return rather than
// an error: callers treat "tampered", "wrong device", and "corrupt"
// identically.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, bool)
}
