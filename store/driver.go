// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the local persistence boundary for replicated
// documents. A [Driver] durably holds one document's byte-level CRDT
// state under a namespace derived from the document identifier, and
// signals via [Driver.Synced] when the initial load has completed.
//
// The production implementation, [SQLiteDriver], keeps all documents
// in one SQLite database (WAL mode, zombiezen driver) with snapshots
// zstd-compressed on disk. [MemoryDriver] backs tests.
//
// The persisted bytes are the CRDT engine's encoded state; this
// package never interprets them.
package store

import (
	"context"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Driver persists the state of one replicated document.
//
// Implementations must tolerate Save after load, concurrent callers,
// and Close while a Save is in flight. Load on a namespace that has
// never been saved returns (nil, nil) — absence is not an error.
type Driver interface {
	// Load returns the most recently saved state, or nil if nothing
	// has been saved under this driver's namespace.
	Load(ctx context.Context) ([]byte, error)

	// Save durably replaces the stored state.
	Save(ctx context.Context, state []byte) error

	// Synced returns a channel closed once the initial load handshake
	// has completed. It reports readiness, not success: a driver whose
	// initial load failed still closes it after surfacing the error.
	Synced() <-chan struct{}

	// Close releases the driver. Idempotent.
	Close() error
}

// Namespace derives the storage namespace for a document identifier.
// Identifiers are free-form strings chosen by users; hashing them with
// BLAKE3 yields fixed-size, collision-resistant keys that never need
// escaping in SQL or filenames, and keeps raw room ids out of the
// database's key column.
func Namespace(documentID string) string {
	sum := blake3.Sum256([]byte("haven.store.v1:" + documentID))
	return hex.EncodeToString(sum[:16])
}
