// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds sensitive key material — Ed25519 seeds, shared
// voice-code keys, the storage master key — in memory that is locked
// against swap and excluded from core dumps.
//
// A Buffer is backed by an anonymous mmap region outside the Go heap:
// the garbage collector never copies or relocates it, and Close zeros
// it before unmapping. This is the only way to guarantee a secret does
// not linger in process memory after use.
package secret

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds secret bytes in mlock'd, dump-excluded memory. It must
// not be copied. After Close, reads panic.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	closed bool
}

// New allocates a zeroed Buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}

	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}

	// MADV_DONTDUMP is unsupported on some kernels; losing it still
	// leaves the swap protection intact, so treat failure as fatal
	// only because the caller asked for the full guarantee.
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}

	return &Buffer{data: data, length: size}, nil
}

// NewFromBytes copies source into a protected Buffer and zeros the
// source in place, so the caller's slice no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	for i := range source {
		source[i] = 0
	}
	return buffer, nil
}

// ReadFile loads a file's contents into a protected Buffer. Trailing
// newlines are preserved; callers that load text keys should trim via
// String at the use site.
func ReadFile(path string) (*Buffer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret: reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("secret: %s is empty", path)
	}
	return NewFromBytes(raw)
}

// Bytes returns the secret data. The slice aliases the mmap region —
// do not retain it past the Buffer's lifetime. Panics after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data[:b.length]
}

// String returns a heap copy of the data as a string. Use only at API
// boundaries that require strings; prefer Bytes. Panics after Close.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return string(b.data[:b.length])
}

// Len returns the secret's size in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Close zeros, unlocks, and unmaps the buffer. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for i := range b.data {
		b.data[i] = 0
	}

	var firstError error
	if err := unix.Munlock(b.data); err != nil {
		firstError = fmt.Errorf("secret: munlock: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap: %w", err)
	}
	b.data = nil
	return firstError
}
