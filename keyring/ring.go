// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/haven-notes/haven/lib/secret"
)

// KeySize is the size in bytes of every room key: generated, derived
// from a password, or derived as a subkey.
const KeySize = 32

// ErrKeyNotFound is returned by Get when no key is stored for a room.
// An encryption path that hits this must surface it to the caller —
// never fall back to a default key.
var ErrKeyNotFound = errors.New("keyring: no key for room")

// Generate returns a fresh random room key from the operating system's
// CSPRNG, held in a secret buffer.
//
// The caller owns the returned buffer until it is handed to a Ring via
// Store, which takes ownership.
func Generate() (*secret.Buffer, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating room key: %w", err)
	}
	// NewFromBytes copies into mmap-backed memory and zeros the heap slice.
	return secret.NewFromBytes(key)
}

// Fingerprint returns a short hex identifier for a key, derived with
// BLAKE3 so the key itself can never be recovered from it. Safe to
// include in logs and diagnostics.
func Fingerprint(key *secret.Buffer) string {
	sum := blake3.Sum256(key.Bytes())
	return hex.EncodeToString(sum[:8])
}

// Ring is the in-memory room key store. It is the only process-wide
// holder of key material; everything else borrows keys for the
// duration of a call.
//
// Ring is safe for concurrent use.
type Ring struct {
	mu     sync.Mutex
	keys   map[string]*secret.Buffer
	logger *slog.Logger
}

// NewRing creates an empty key ring.
func NewRing(logger *slog.Logger) *Ring {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ring{
		keys:   make(map[string]*secret.Buffer),
		logger: logger,
	}
}

// Store associates key with roomID, taking ownership of the buffer.
// A previously stored key for the same room is erased first.
func (r *Ring) Store(roomID string, key *secret.Buffer) error {
	if key.Len() != KeySize {
		return fmt.Errorf("keyring: room key must be %d bytes, got %d", KeySize, key.Len())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.keys[roomID]; ok {
		previous.Close()
	}
	r.keys[roomID] = key

	r.logger.Debug("room key stored", "room", roomID, "fingerprint", Fingerprint(key))
	return nil
}

// Get returns the key for roomID, or ErrKeyNotFound. The buffer is
// borrowed: it remains owned by the ring and is valid only until
// Remove or Clear erases it. Callers must not close it.
func (r *Ring) Get(roomID string) (*secret.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[roomID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrKeyNotFound, roomID)
	}
	return key, nil
}

// Has reports whether a key is stored for roomID.
func (r *Ring) Has(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.keys[roomID]
	return ok
}

// Remove erases the key for roomID. The backing memory is zeroed
// before the entry is dropped; removing an absent key is a no-op.
func (r *Ring) Remove(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[roomID]; ok {
		key.Close()
		delete(r.keys, roomID)
		r.logger.Debug("room key removed", "room", roomID)
	}
}

// Clear erases every stored key.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID, key := range r.keys {
		key.Close()
		delete(r.keys, roomID)
	}
	r.logger.Debug("key ring cleared")
}

// Len returns the number of stored keys.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.keys)
}
