// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Driver = (*MemoryDriver)(nil)

// MemoryDriver is an in-process Driver for tests. It also exposes
// error injection hooks so lifecycle tests can exercise failure paths
// without a real database.
type MemoryDriver struct {
	mu     sync.Mutex
	state  []byte
	closed bool

	syncOnce sync.Once
	synced   chan struct{}

	// LoadErr, SaveErr, and CloseErr, when non-nil, are returned by
	// the corresponding method. Set them before handing the driver to
	// the code under test.
	LoadErr  error
	SaveErr  error
	CloseErr error
}

// NewMemoryDriver creates an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{synced: make(chan struct{})}
}

func (d *MemoryDriver) Load(_ context.Context) ([]byte, error) {
	defer d.markSynced()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.LoadErr != nil {
		return nil, d.LoadErr
	}
	if d.state == nil {
		return nil, nil
	}
	return append([]byte(nil), d.state...), nil
}

func (d *MemoryDriver) Save(_ context.Context, state []byte) error {
	defer d.markSynced()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.SaveErr != nil {
		return d.SaveErr
	}
	d.state = append([]byte(nil), state...)
	return nil
}

func (d *MemoryDriver) Synced() <-chan struct{} {
	return d.synced
}

func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return d.CloseErr
}

// Closed reports whether Close has been called.
func (d *MemoryDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// State returns the currently stored bytes (nil if never saved).
func (d *MemoryDriver) State() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == nil {
		return nil
	}
	return append([]byte(nil), d.state...)
}

func (d *MemoryDriver) markSynced() {
	d.syncOnce.Do(func() { close(d.synced) })
}
