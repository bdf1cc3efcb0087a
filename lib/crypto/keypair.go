// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/allow2/engine/lib/secret"
)

const (
	seedFile      = "grant-signing-key"
	publicKeyFile = "grant-signing-key.pub"
)

// KeyPair is a device or parent Ed25519 keypair. The private seed
// lives in locked memory; the public key is plain bytes, safe to
// publish or embed in a paired device.
//
// The caller must Close the pair when the seed is no longer needed.
type KeyPair struct {
	// Public is the 32-byte Ed25519 public key.
	Public []byte

	// Seed is the 32-byte private seed in a locked buffer. Never
	// log it, write it unencrypted, or pass it on a command line.
	Seed *secret.Buffer
}

// Close releases the seed memory. Idempotent.
func (k *KeyPair) Close() error {
	if k.Seed != nil {
		return k.Seed.Close()
	}
	return nil
}

// GenerateKeyPair creates a fresh Ed25519 keypair from the CSPRNG and
// moves the seed into locked memory immediately.
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generating Ed25519 keypair: %w", err)
	}

	seedBytes := private.Seed()
	seed, err := secret.NewFromBytes(seedBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: protecting seed: %w", err)
	}

	return &KeyPair{Public: public, Seed: seed}, nil
}

// SaveKeyPair writes the keypair under dir: the seed with 0600
// permissions, the public key with 0644.
func SaveKeyPair(dir string, pair *KeyPair) error {
	seedPath := filepath.Join(dir, seedFile)
	if err := os.WriteFile(seedPath, pair.Seed.Bytes(), 0600); err != nil {
		return fmt.Errorf("crypto: writing seed: %w", err)
	}
	publicPath := filepath.Join(dir, publicKeyFile)
	if err := os.WriteFile(publicPath, pair.Public, 0644); err != nil {
		return fmt.Errorf("crypto: writing public key: %w", err)
	}
	return nil
}

// LoadKeyPair reads a keypair previously written by SaveKeyPair.
// Returns an error if either file is missing or has the wrong size.
func LoadKeyPair(dir string) (*KeyPair, error) {
	seed, err := secret.ReadFile(filepath.Join(dir, seedFile))
	if err != nil {
		return nil, err
	}
	if seed.Len() != SeedSize {
		seed.Close()
		return nil, fmt.Errorf("%w: seed file has %d bytes, want %d", ErrInvalidKey, seed.Len(), SeedSize)
	}

	public, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		seed.Close()
		return nil, fmt.Errorf("crypto: reading public key: %w", err)
	}
	if len(public) != PublicKeySize {
		seed.Close()
		return nil, fmt.Errorf("%w: public key file has %d bytes, want %d", ErrInvalidKey, len(public), PublicKeySize)
	}

	return &KeyPair{Public: public, Seed: seed}, nil
}
