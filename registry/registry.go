// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry manages the lifetime of open documents. Several
// parts of an application can hold the same document at once — an
// editor pane, a search indexer, a share dialog — so the registry
// refcounts: the first Open of a document ID builds the document
// adapter, every Open hands out its own network provider, and the
// underlying document is destroyed only when the last handle closes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/haven-notes/haven/document"
	"github.com/haven-notes/haven/keyring"
	"github.com/haven-notes/haven/lib/clock"
	"github.com/haven-notes/haven/store"
	"github.com/haven-notes/haven/transport"
)

// ErrNotOpen is returned by Get for a document no handle currently
// holds.
var ErrNotOpen = errors.New("registry: document not open")

// ErrClosed is returned by Open after the registry has shut down.
var ErrClosed = errors.New("registry: closed")

// Config holds the registry's shared dependencies.
type Config struct {
	// Keys holds the room keys. Opening a document whose key is not in
	// the ring fails with keyring.ErrKeyNotFound.
	Keys *keyring.Ring

	// Drivers creates the persistence driver for a document. The
	// registry opens one driver per live document and lets the
	// document close it.
	Drivers func(documentID string) store.Driver

	// Signaler is shared by every provider the registry creates.
	Signaler transport.Signaler

	// ICE is the ICE server configuration for new providers.
	ICE transport.ICEConfig

	// Clock drives document flush debouncing and provider polling. If
	// nil, the real clock is used.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Registry is the refcounted document table. Safe for concurrent use.
type Registry struct {
	keys     *keyring.Ring
	drivers  func(documentID string) store.Driver
	signaler transport.Signaler
	ice      transport.ICEConfig
	clk      clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry is one live document and its reference count.
type entry struct {
	doc  *document.Document
	refs int
}

// New creates an empty registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("registry: Keys is required")
	}
	if cfg.Drivers == nil {
		return nil, fmt.Errorf("registry: Drivers is required")
	}
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("registry: Signaler is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Registry{
		keys:     cfg.Keys,
		drivers:  cfg.Drivers,
		signaler: cfg.Signaler,
		ice:      cfg.ICE,
		clk:      clk,
		logger:   logger,
		entries:  make(map[string]*entry),
	}, nil
}

// Keys returns the key ring the registry opens documents with.
func (r *Registry) Keys() *keyring.Ring { return r.keys }

// Handle is one caller's grip on an open document. The document is
// shared with every other handle on the same ID; the provider is this
// handle's own.
type Handle struct {
	registry *Registry
	id       string
	doc      *document.Document
	provider *transport.Provider

	closeOnce sync.Once
}

// ID returns the document ID this handle holds.
func (h *Handle) ID() string { return h.id }

// Document returns the shared document adapter. It stays valid until
// the last handle on this ID closes.
func (h *Handle) Document() *document.Document { return h.doc }

// Provider returns this handle's network provider, already connected,
// or nil for a handle opened without presence.
func (h *Handle) Provider() *transport.Provider { return h.provider }

// Close releases the handle: its provider is destroyed, and if this
// was the last handle on the document, the document flushes and
// releases its persistence driver. Idempotent.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		// Provider first so no remote update arrives at a document
		// mid-teardown.
		if h.provider != nil {
			h.provider.Destroy()
		}
		h.registry.release(h.id)
	})
}

// Open returns a handle on the document, creating the document adapter
// on first open and reusing it afterwards. With a non-nil presence the
// handle gets its own provider, connected to the document's room
// before Open returns; with a nil presence the handle is local-only
// and Provider returns nil.
func (r *Registry) Open(ctx context.Context, documentID string, presence *transport.UserPresence) (*Handle, error) {
	if documentID == "" {
		return nil, fmt.Errorf("registry: document ID is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	ent, ok := r.entries[documentID]
	if ok {
		ent.refs++
		r.mu.Unlock()
	} else {
		// Document construction is non-blocking (the initial load runs
		// in the background), so holding the lock here is fine.
		doc, err := document.New(document.Config{
			ID:     documentID,
			Driver: r.drivers(documentID),
			Clock:  r.clk,
			Logger: r.logger,
		})
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("creating document %s: %w", documentID, err)
		}
		ent = &entry{doc: doc, refs: 1}
		r.entries[documentID] = ent
		r.mu.Unlock()
		r.logger.Info("document opened", "document", documentID)
	}

	var provider *transport.Provider
	if presence != nil {
		// The room key is only needed to encrypt wire traffic; a
		// local-only handle never touches it.
		key, err := r.keys.Get(documentID)
		if err != nil {
			r.release(documentID)
			return nil, fmt.Errorf("opening document %s: %w", documentID, err)
		}
		provider, err = transport.NewProvider(ent.doc, transport.ProviderConfig{
			Room:     documentID,
			Key:      key,
			Presence: *presence,
			Signaler: r.signaler,
			ICE:      r.ice,
			Clock:    r.clk,
			Logger:   r.logger,
		})
		if err != nil {
			r.release(documentID)
			return nil, fmt.Errorf("creating provider for %s: %w", documentID, err)
		}
		if err := provider.Connect(ctx); err != nil {
			provider.Destroy()
			r.release(documentID)
			return nil, fmt.Errorf("connecting provider for %s: %w", documentID, err)
		}
	}

	return &Handle{registry: r, id: documentID, doc: ent.doc, provider: provider}, nil
}

// Get returns the live document for an ID some handle currently holds.
func (r *Registry) Get(documentID string) (*document.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.entries[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, documentID)
	}
	return ent.doc, nil
}

// IsOpen reports whether any handle currently holds the document.
func (r *Registry) IsOpen(documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[documentID]
	return ok
}

// OpenCount returns the number of handles currently holding the
// document, zero if none.
func (r *Registry) OpenCount(documentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.entries[documentID]; ok {
		return ent.refs
	}
	return 0
}

// Close destroys every remaining document and refuses further opens.
// Outstanding handles stay safe to Close (their teardown becomes a
// no-op) but their documents are gone.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for id, ent := range entries {
		if err := ent.doc.Destroy(); err != nil {
			r.logger.Warn("destroying document at shutdown failed", "document", id, "error", err)
		}
	}
}

// release drops one reference, destroying the document when the count
// reaches zero.
func (r *Registry) release(documentID string) {
	r.mu.Lock()
	ent, ok := r.entries[documentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	ent.refs--
	if ent.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, documentID)
	r.mu.Unlock()

	if err := ent.doc.Destroy(); err != nil {
		r.logger.Warn("destroying document failed", "document", documentID, "error", err)
	}
	r.logger.Info("document closed", "document", documentID)
}
