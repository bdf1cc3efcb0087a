// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the enforcement engine.
//
// Every component that reads the current time, schedules a timer, or
// runs a periodic check takes a Clock instead of calling the time
// package directly. Production code injects Real(); tests inject
// Fake() and advance it explicitly, which makes pairing-poll loops,
// the periodic allowance check, and voice-code bucket math fully
// deterministic under test.
package clock
