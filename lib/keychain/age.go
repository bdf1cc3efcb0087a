// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/allow2/engine/lib/secret"
)

// AgeCipher is a software keychain: an age x25519 identity held in
// locked memory, encrypting to itself. Hosts without an OS keychain
// generate one identity per device, store the identity file with
// 0600 permissions, and load it at startup.
type AgeCipher struct {
	identity *secret.Buffer
}

// GenerateAgeIdentity creates a fresh x25519 identity. The identity
// string (AGE-SECRET-KEY-1...) is returned in a locked buffer along
// with the public recipient string, which is safe to log or publish.
func GenerateAgeIdentity() (*secret.Buffer, string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, "", fmt.Errorf("keychain: generating age identity: %w", err)
	}

	buffer, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, "", fmt.Errorf("keychain: protecting identity: %w", err)
	}
	return buffer, identity.Recipient().String(), nil
}

// NewAgeCipher wraps an identity buffer as a Cipher. The buffer is
// borrowed: the caller keeps ownership and must not Close it while
// the cipher is in use.
func NewAgeCipher(identity *secret.Buffer) (*AgeCipher, error) {
	if _, err := age.ParseX25519Identity(trimmedIdentity(identity)); err != nil {
		return nil, fmt.Errorf("keychain: invalid age identity: %w", err)
	}
	return &AgeCipher{identity: identity}, nil
}

// LoadAgeCipher reads an identity file written by the host and wraps
// it as a Cipher.
func LoadAgeCipher(path string) (*AgeCipher, error) {
	identity, err := secret.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cipher, err := NewAgeCipher(identity)
	if err != nil {
		identity.Close()
		return nil, err
	}
	return cipher, nil
}

// Encrypt seals plaintext to this device's identity.
func (c *AgeCipher) Encrypt(plaintext []byte) ([]byte, error) {
	identity, err := age.ParseX25519Identity(trimmedIdentity(c.identity))
	if err != nil {
		return nil, fmt.Errorf("keychain: parsing identity: %w", err)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("keychain: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("keychain: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("keychain: finalizing encryption: %w", err)
	}
	return sealed.Bytes(), nil
}

// Decrypt opens ciphertext sealed by Encrypt. Any failure returns
// (nil, false).
func (c *AgeCipher) Decrypt(ciphertext []byte) ([]byte, bool) {
	identity, err := age.ParseX25519Identity(trimmedIdentity(c.identity))
	if err != nil {
		return nil, false
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, false
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// trimmedIdentity strips the trailing newline identity files carry.
func trimmedIdentity(buffer *secret.Buffer) string {
	s := buffer.String()
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
