// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is the panic value for reads after Close.
var ErrClosed = errors.New("secret: buffer is closed")

// Buffer holds one secret. It must not be copied; pass *Buffer.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	closed bool
}

// FromBytes copies source into a new locked region and zeroes source.
func FromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secret: empty source")
	}
	region, err := unix.Mmap(-1, 0, len(source),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise: %w", err)
	}
	copy(region, source)
	Zero(source)
	return &Buffer{region: region}, nil
}

// Bytes returns the secret in place. The slice aliases the locked
// region and is invalid after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic(ErrClosed)
	}
	return b.region
}

// String copies the secret onto the heap. Use only where an API
// insists on a string, such as http.Request.SetBasicAuth.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len returns the secret length, or 0 after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.region)
}

// Close zeroes and releases the region. Safe to call more than once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.region)
	err := errors.Join(unix.Munlock(b.region), unix.Munmap(b.region))
	b.region = nil
	if err != nil {
		return fmt.Errorf("secret: release: %w", err)
	}
	return nil
}

// Zero overwrites data with zeroes.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
