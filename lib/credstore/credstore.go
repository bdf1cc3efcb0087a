// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package credstore stores the device's pair credentials encrypted at
// rest, together with the plaintext device identity metadata (device
// token, device name, pairing timestamp).
//
// Credentials are JSON-encoded, sealed with AES-256-GCM under a key
// derived by HKDF-SHA256 from a device-bound master key, prefixed
// with the random nonce, and base64-encoded into the preference
// store. The master key itself is random, generated on first save,
// and wrapped by the host's keychain cipher — so credentials at rest
// are unreadable without both the preference data and the device
// keychain.
//
// There is deliberately no public Clear: credentials leave the device
// only through Invalidate, which the enforcer calls when the remote
// service signals that the pairing was released (HTTP 401). A UI
// cannot self-unpair.
package credstore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/allow2/engine/lib/clock"
	"github.com/allow2/engine/lib/crypto"
	"github.com/allow2/engine/lib/keychain"
	"github.com/allow2/engine/lib/prefstore"
)

// storageKeyInfo is the HKDF info string binding derived keys to this
// use. Changing it invalidates every stored credential blob.
const storageKeyInfo = "allow2-storage-encryption"

// Errors returned by the store.
var (
	ErrInvalidCredentials = errors.New("credstore: invalid credentials")
)

// Credentials is the opaque pairing triple. It is valid only when all
// three fields are non-empty.
type Credentials struct {
	UserID    string `json:"userId"`
	PairID    string `json:"pairId"`
	PairToken string `json:"pairToken"`
}

// Valid reports whether every field is populated.
func (c Credentials) Valid() bool {
	return c.UserID != "" && c.PairID != "" && c.PairToken != ""
}

// Store persists credentials and device identity.
type Store struct {
	prefs  prefstore.Store
	cipher keychain.Cipher
	clock  clock.Clock
}

// New builds a Store over the host's preference store and keychain
// cipher. A nil clk means the real clock.
func New(prefs prefstore.Store, cipher keychain.Cipher, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{prefs: prefs, cipher: cipher, clock: clk}
}

// Save encrypts and persists credentials, stamping the pairing time.
// Invalid credentials (any empty field) are refused.
func (s *Store) Save(credentials Credentials) error {
	if !credentials.Valid() {
		return ErrInvalidCredentials
	}

	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("credstore: encoding credentials: %w", err)
	}

	key, err := s.storageKey(true)
	if err != nil {
		return err
	}

	nonce, err := crypto.RandBytes(crypto.AEADNonceSize)
	if err != nil {
		return fmt.Errorf("credstore: nonce: %w", err)
	}
	sealed, err := crypto.AEADSeal(key, nonce, plaintext, []byte(prefstore.KeyCredentials))
	if err != nil {
		return fmt.Errorf("credstore: sealing credentials: %w", err)
	}

	blob := base64.StdEncoding.EncodeToString(append(nonce, sealed...))
	if err := s.prefs.SetString(prefstore.KeyCredentials, blob); err != nil {
		return fmt.Errorf("credstore: writing credentials: %w", err)
	}
	if err := s.prefs.SetTime(prefstore.KeyPairedAt, s.clock.Now()); err != nil {
		return fmt.Errorf("credstore: writing paired-at: %w", err)
	}
	return nil
}

// Load decrypts and returns the stored credentials. Any failure —
// absent blob, keychain refusal, tamper, malformed JSON, invalid
// triple — returns ok=false without distinguishing why.
func (s *Store) Load() (Credentials, bool) {
	blob, present := s.prefs.GetString(prefstore.KeyCredentials)
	if !present || blob == "" {
		return Credentials{}, false
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(raw) < crypto.AEADNonceSize {
		return Credentials{}, false
	}

	key, err := s.storageKey(false)
	if err != nil {
		return Credentials{}, false
	}

	plaintext, err := crypto.AEADOpen(key, raw[:crypto.AEADNonceSize], raw[crypto.AEADNonceSize:], []byte(prefstore.KeyCredentials))
	if err != nil {
		return Credentials{}, false
	}

	var credentials Credentials
	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		return Credentials{}, false
	}
	if !credentials.Valid() {
		return Credentials{}, false
	}
	return credentials, true
}

// Has reports whether a credential blob is present, without
// decrypting it.
func (s *Store) Has() bool {
	blob, present := s.prefs.GetString(prefstore.KeyCredentials)
	return present && blob != ""
}

// Invalidate removes the stored credentials and pairing timestamp.
// It is the only clear path and exists solely for the remote-release
// signal. Idempotent. Device token and name survive: they identify
// the device, not the pairing.
func (s *Store) Invalidate() error {
	if err := s.prefs.Delete(prefstore.KeyCredentials); err != nil {
		return fmt.Errorf("credstore: clearing credentials: %w", err)
	}
	if err := s.prefs.Delete(prefstore.KeyPairedAt); err != nil {
		return fmt.Errorf("credstore: clearing paired-at: %w", err)
	}
	return nil
}

// DeviceToken returns the persistent opaque device identifier,
// generating and persisting one on first use.
func (s *Store) DeviceToken() (string, error) {
	if token, ok := s.prefs.GetString(prefstore.KeyDeviceToken); ok && token != "" {
		return token, nil
	}
	token := uuid.NewString()
	if err := s.prefs.SetString(prefstore.KeyDeviceToken, token); err != nil {
		return "", fmt.Errorf("credstore: writing device token: %w", err)
	}
	return token, nil
}

// DeviceName returns the human label for this device, if set.
func (s *Store) DeviceName() string {
	name, _ := s.prefs.GetString(prefstore.KeyDeviceName)
	return name
}

// SetDeviceName stores the human label for this device.
func (s *Store) SetDeviceName(name string) error {
	if err := s.prefs.SetString(prefstore.KeyDeviceName, name); err != nil {
		return fmt.Errorf("credstore: writing device name: %w", err)
	}
	return nil
}

// PairedAt returns the first-pairing timestamp, if paired.
func (s *Store) PairedAt() (time.Time, bool) {
	return s.prefs.GetTime(prefstore.KeyPairedAt)
}

// storageKey derives the 32-byte AES key from the device master key.
// The master key is random, generated on first use when generate is
// true, and stored keychain-wrapped in the preference store.
func (s *Store) storageKey(generate bool) ([]byte, error) {
	master, err := s.masterKey(generate)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HKDFSHA256(master, nil, []byte(storageKeyInfo), crypto.AEADKeySize)
	if err != nil {
		return nil, fmt.Errorf("credstore: deriving storage key: %w", err)
	}
	return key, nil
}

func (s *Store) masterKey(generate bool) ([]byte, error) {
	if wrapped, ok := s.prefs.GetString(prefstore.KeyMasterKey); ok && wrapped != "" {
		raw, err := base64.StdEncoding.DecodeString(wrapped)
		if err != nil {
			return nil, fmt.Errorf("credstore: master key is not base64: %w", err)
		}
		master, ok := s.cipher.Decrypt(raw)
		if !ok {
			return nil, fmt.Errorf("credstore: keychain refused the master key")
		}
		return master, nil
	}
	if !generate {
		return nil, fmt.Errorf("credstore: no master key")
	}

	master, err := crypto.RandBytes(crypto.AEADKeySize)
	if err != nil {
		return nil, fmt.Errorf("credstore: master key: %w", err)
	}
	wrapped, err := s.cipher.Encrypt(master)
	if err != nil {
		return nil, fmt.Errorf("credstore: wrapping master key: %w", err)
	}
	if err := s.prefs.SetString(prefstore.KeyMasterKey, base64.StdEncoding.EncodeToString(wrapped)); err != nil {
		return nil, fmt.Errorf("credstore: writing master key: %w", err)
	}
	return master, nil
}
