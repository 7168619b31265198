// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package document presents the stable, engine-agnostic surface over
// one replicated document. Consumers read and write titles, tags, and
// metadata through a [Document]; the CRDT engine and the persistence
// driver stay behind it, so either can be swapped without touching
// callers.
//
// Every mutation runs as one engine transaction that also bumps the
// updatedAt metadata, so an observer can never see new content with a
// stale timestamp. Local changes are debounced into snapshot flushes
// to the persistence driver; [Document.Synced] starts false and flips
// to true exactly once, when the driver's initial load handshake
// completes.
package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/haven-notes/haven/crdt"
	"github.com/haven-notes/haven/lib/clock"
	"github.com/haven-notes/haven/lib/codec"
	"github.com/haven-notes/haven/lib/observer"
	"github.com/haven-notes/haven/store"
)

// Metadata keys every document carries.
const (
	MetaCreatedAt = "createdAt"
	MetaUpdatedAt = "updatedAt"
)

// defaultFlushDebounce is how long after a change the snapshot flush
// waits for further changes before writing. Destroy always performs a
// final synchronous flush, so the debounce only trades write volume
// against crash-window size.
const defaultFlushDebounce = 500 * time.Millisecond

// ErrDestroyed is returned by any operation on a document after
// Destroy has completed. This is a caller bug, not a recoverable
// runtime condition.
var ErrDestroyed = errors.New("document: adapter destroyed")

// Config holds the dependencies for one document adapter.
type Config struct {
	// ID is the document identifier (the room id).
	ID string

	// Driver persists this document's state. The adapter owns it and
	// closes it on Destroy.
	Driver store.Driver

	// Clock stamps updatedAt and drives flush debouncing. If nil, the
	// real clock is used.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger

	// FlushDebounce overrides the default flush debounce when > 0.
	FlushDebounce time.Duration
}

// Document is the adapter over one replicated document. All methods
// are safe for concurrent use.
type Document struct {
	id     string
	doc    *crdt.Doc
	driver store.Driver
	clk    clock.Clock
	logger *slog.Logger

	flushDebounce time.Duration

	mu           sync.Mutex
	destroyed    bool
	synced       bool
	flushArmed   bool
	flushPending bool

	// syncMu orders the one synced flip against OnSyncChange
	// subscriptions so a subscriber racing the flip fires exactly once.
	syncMu sync.Mutex

	titleObservers *observer.List[string]
	tagsObservers  *observer.List[[]string]
	metaObservers  *observer.List[map[string]any]
	syncObservers  *observer.List[bool]

	disposeChange func()
}

// New creates a document adapter and starts its initial load in the
// background. The returned document is immediately usable; reads see
// the empty state until the load merges persisted bytes in, and
// Synced flips once the handshake completes.
func New(cfg Config) (*Document, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("document: ID is required")
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("document: Driver is required")
	}

	engine, err := crdt.New()
	if err != nil {
		return nil, fmt.Errorf("creating replicated document: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	flushDebounce := cfg.FlushDebounce
	if flushDebounce <= 0 {
		flushDebounce = defaultFlushDebounce
	}

	d := &Document{
		id:             cfg.ID,
		doc:            engine,
		driver:         cfg.Driver,
		clk:            clk,
		logger:         logger.With("document", cfg.ID),
		flushDebounce:  flushDebounce,
		titleObservers: observer.NewList[string](),
		tagsObservers:  observer.NewList[[]string](),
		metaObservers:  observer.NewList[map[string]any](),
		syncObservers:  observer.NewList[bool](),
	}

	// Fan engine change notifications out to the per-field observers
	// and arm the flush debounce.
	d.disposeChange = engine.OnChange(d.handleChanges)

	go d.initialLoad()

	return d, nil
}

// ID returns the document identifier.
func (d *Document) ID() string { return d.id }

// initialLoad merges persisted state into the engine, stamps creation
// metadata on a first-ever open, and flips the synced flag. Runs once,
// in its own goroutine; a destroy during the load makes the completion
// a no-op.
func (d *Document) initialLoad() {
	state, err := d.driver.Load(context.Background())
	if err != nil {
		// The document stays usable in memory; persistence failures
		// must never block editing.
		d.logger.Warn("initial load failed, continuing with empty state", "error", err)
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if state != nil {
		if _, err := d.doc.ApplyUpdate(state); err != nil {
			d.logger.Warn("persisted state rejected by engine", "error", err)
		}
	}

	if _, ok := d.doc.MetaValue(MetaCreatedAt); !ok {
		now := d.clk.Now().UnixMilli()
		d.doc.Transact(func(tx *crdt.Tx) {
			tx.SetMeta(MetaCreatedAt, now)
			tx.SetMeta(MetaUpdatedAt, now)
		})
	}

	// The driver closes its handshake channel during the first Load;
	// waiting on it here keeps the sync flip ordered behind whatever
	// bookkeeping the driver does after returning the bytes.
	<-d.driver.Synced()

	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.synced = true
	d.mu.Unlock()

	d.syncObservers.Emit(true)
}

// Title returns the current title.
func (d *Document) Title() string { return d.doc.Title() }

// SetTitle replaces the title and bumps updatedAt in one transaction.
func (d *Document) SetTitle(title string) error {
	return d.mutate(func(tx *crdt.Tx) { tx.SetTitle(title) })
}

// Tags returns the current tags in sorted order.
func (d *Document) Tags() []string { return d.doc.Tags() }

// AddTag inserts a tag; adding a present tag is a no-op and does not
// bump updatedAt.
func (d *Document) AddTag(tag string) error {
	return d.mutateIf(func(tx *crdt.Tx) bool {
		if tx.HasTag(tag) {
			return false
		}
		tx.AddTag(tag)
		return true
	})
}

// RemoveTag deletes a tag; removing an absent tag is a no-op.
func (d *Document) RemoveTag(tag string) error {
	return d.mutateIf(func(tx *crdt.Tx) bool {
		if !tx.HasTag(tag) {
			return false
		}
		tx.RemoveTag(tag)
		return true
	})
}

// SetTags atomically replaces the whole tag collection.
func (d *Document) SetTags(tags []string) error {
	return d.mutate(func(tx *crdt.Tx) { tx.SetTags(tags) })
}

// Meta returns a copy of the metadata map.
func (d *Document) Meta() map[string]any { return d.doc.Meta() }

// UpdateMeta sets one metadata entry and bumps updatedAt in the same
// transaction. The value must survive the wire codec: an unencodable
// value (channel, function, ...) is rejected before the transaction
// starts, leaving the document untouched.
func (d *Document) UpdateMeta(key string, value any) error {
	if _, err := codec.Marshal(value); err != nil {
		return fmt.Errorf("meta value for %q: %w", key, err)
	}
	return d.mutate(func(tx *crdt.Tx) { tx.SetMeta(key, value) })
}

// SetContent replaces the opaque content fragment.
func (d *Document) SetContent(fragment crdt.Fragment) error {
	return d.mutate(func(tx *crdt.Tx) { tx.SetContent(fragment) })
}

// UpdatedAt returns the updatedAt metadata as a Unix-millisecond
// timestamp, or zero if never set.
func (d *Document) UpdatedAt() int64 {
	value, ok := d.doc.MetaValue(MetaUpdatedAt)
	if !ok {
		return 0
	}
	return asInt64(value)
}

// RawDocument returns the engine-native document for the editing
// surface to bind against. Opaque to this layer.
func (d *Document) RawDocument() *crdt.Doc { return d.doc }

// RawContent returns the engine-native content fragment. Opaque to
// this layer.
func (d *Document) RawContent() crdt.Fragment { return d.doc.Content() }

// Synced reports whether the initial persistence handshake completed.
func (d *Document) Synced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.synced
}

// OnTitleChange registers an observer for title changes.
func (d *Document) OnTitleChange(callback func(string)) func() {
	return d.titleObservers.Subscribe(callback)
}

// OnTagsChange registers an observer for tag collection changes.
func (d *Document) OnTagsChange(callback func([]string)) func() {
	return d.tagsObservers.Subscribe(callback)
}

// OnMetaChange registers an observer for metadata changes.
func (d *Document) OnMetaChange(callback func(map[string]any)) func() {
	return d.metaObservers.Subscribe(callback)
}

// OnSyncChange registers an observer for the synced flag. If the
// document is already synced, the callback fires immediately with
// true, so late subscribers never wait for a transition that already
// happened.
func (d *Document) OnSyncChange(callback func(bool)) func() {
	// Subscribe and the already-synced check happen under syncMu, the
	// same lock initialLoad holds across the flip and its emit, so the
	// callback fires exactly once however the subscription races the
	// flip.
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	dispose := d.syncObservers.Subscribe(callback)

	d.mu.Lock()
	alreadySynced := d.synced
	d.mu.Unlock()

	if alreadySynced {
		callback(true)
	}
	return dispose
}

// OnLocalUpdate registers an observer for locally originated engine
// updates. The network provider broadcasts these to peers.
func (d *Document) OnLocalUpdate(callback func([]byte)) func() {
	return d.doc.OnUpdate(callback)
}

// ApplyRemoteUpdate merges an update received from a peer. Field and
// sync observers fire as usual; the update is not re-broadcast.
func (d *Document) ApplyRemoteUpdate(update []byte) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	d.mu.Unlock()

	if _, err := d.doc.ApplyUpdate(update); err != nil {
		return fmt.Errorf("merging remote update: %w", err)
	}
	return nil
}

// EncodeState returns the full document state as one engine update,
// for initial exchange with a newly connected peer.
func (d *Document) EncodeState() ([]byte, error) {
	return d.doc.EncodeState()
}

// Destroy flushes outstanding changes, releases the persistence
// driver, and marks the adapter dead. Idempotent: repeated calls
// return nil without side effects. Do not call this directly on a
// registry-managed document — release the registry handle instead.
func (d *Document) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	d.mu.Unlock()

	d.disposeChange()

	// Final synchronous flush so nothing committed is lost to the
	// debounce window.
	if err := d.flush(); err != nil {
		d.logger.Warn("final flush failed", "error", err)
	}

	if err := d.driver.Close(); err != nil {
		return fmt.Errorf("closing persistence driver: %w", err)
	}
	return nil
}

// mutate runs fn plus the updatedAt bump as one engine transaction.
func (d *Document) mutate(fn func(tx *crdt.Tx)) error {
	return d.mutateIf(func(tx *crdt.Tx) bool {
		fn(tx)
		return true
	})
}

// mutateIf lets no-op mutations (AddTag on a present tag) skip the
// updatedAt bump entirely.
func (d *Document) mutateIf(fn func(tx *crdt.Tx) bool) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	d.mu.Unlock()

	d.doc.Transact(func(tx *crdt.Tx) {
		if fn(tx) {
			d.bumpUpdatedAt(tx)
		}
	})
	return nil
}

// bumpUpdatedAt advances updatedAt to now, clamped so the stored value
// never decreases even if the wall clock steps backwards.
func (d *Document) bumpUpdatedAt(tx *crdt.Tx) {
	now := d.clk.Now().UnixMilli()
	if value, ok := tx.MetaValue(MetaUpdatedAt); ok {
		if current := asInt64(value); current > now {
			now = current
		}
	}
	tx.SetMeta(MetaUpdatedAt, now)
}

// handleChanges fans an engine change notification out to the
// per-field observers with fresh values, then arms the flush debounce.
func (d *Document) handleChanges(changes crdt.Changes) {
	if changes.Title {
		d.titleObservers.Emit(d.doc.Title())
	}
	if changes.Tags {
		d.tagsObservers.Emit(d.doc.Tags())
	}
	if changes.Meta {
		d.metaObservers.Emit(d.doc.Meta())
	}
	d.scheduleFlush()
}

// scheduleFlush arms the debounced snapshot flush. While a flush is
// armed, further changes coalesce into it; a change arriving during
// the flush itself re-arms.
func (d *Document) scheduleFlush() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	if d.flushArmed {
		d.flushPending = true
		d.mu.Unlock()
		return
	}
	d.flushArmed = true
	d.mu.Unlock()

	go func() {
		for {
			<-d.clk.After(d.flushDebounce)

			d.mu.Lock()
			if d.destroyed {
				d.flushArmed = false
				d.flushPending = false
				d.mu.Unlock()
				return
			}
			d.flushPending = false
			d.mu.Unlock()

			if err := d.flush(); err != nil {
				d.logger.Warn("snapshot flush failed", "error", err)
			}

			d.mu.Lock()
			again := d.flushPending
			if !again {
				d.flushArmed = false
			}
			d.mu.Unlock()
			if !again {
				return
			}
		}
	}()
}

// flush writes a full state snapshot to the driver.
func (d *Document) flush() error {
	state, err := d.doc.EncodeState()
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := d.driver.Save(context.Background(), state); err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

// asInt64 normalizes the integer types CBOR decoding can produce for
// a timestamp metadata value.
func asInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
