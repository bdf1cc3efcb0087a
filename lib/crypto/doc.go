// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto is the single cryptographic surface of the engine:
// Ed25519 signing, HMAC-SHA256, HKDF-SHA256, AES-256-GCM sealing, PIN
// hashing, and time-bucket helpers. Every higher layer — grant tokens,
// voice codes, the credential store — calls through this package, so
// the underlying implementations can be swapped in one place.
//
// All functions are total: they return explicit errors and never
// panic on untrusted input. Verify and AEADOpen deliberately collapse
// every failure mode into a single negative result.
package crypto
