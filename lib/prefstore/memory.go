// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package prefstore

import (
	"sync"
	"time"
)

// Memory is an in-memory Store. It is safe for concurrent use and is
// the standard backing for tests.
type Memory struct {
	mu      sync.RWMutex
	strings map[string]string
	bools   map[string]bool
	ints    map[string]int64
	times   map[string]time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]string),
		bools:   make(map[string]bool),
		ints:    make(map[string]int64),
		times:   make(map[string]time.Time),
	}
}

func (m *Memory) GetString(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.strings[key]
	return v, ok
}

func (m *Memory) SetString(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	return nil
}

func (m *Memory) GetBool(key string) (bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.bools[key]
	return v, ok
}

func (m *Memory) SetBool(key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bools[key] = value
	return nil
}

func (m *Memory) GetInt64(key string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.ints[key]
	return v, ok
}

func (m *Memory) SetInt64(key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ints[key] = value
	return nil
}

func (m *Memory) GetTime(key string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.times[key]
	return v, ok
}

func (m *Memory) SetTime(key string, value time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.times[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.bools, key)
	delete(m.ints, key)
	delete(m.times, key)
	return nil
}

func (m *Memory) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.strings[key]; ok {
		return true
	}
	if _, ok := m.bools[key]; ok {
		return true
	}
	if _, ok := m.ints[key]; ok {
		return true
	}
	_, ok := m.times[key]
	return ok
}
