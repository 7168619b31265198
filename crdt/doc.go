// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package crdt implements Haven's replicated document engine. A [Doc]
// holds the convergent state of one collaborative note: a title
// register, a tag set, a metadata map, and an opaque content fragment.
//
// Every field is stamped with a Lamport clock plus actor id, giving a
// total order over concurrent writes. Merging is last-writer-wins per
// field (per element for tags), which makes [Doc.ApplyUpdate]
// commutative, idempotent, and order-independent: two replicas that
// apply the same updates in any order converge to identical state.
//
// The document adapter is the only intended consumer; everything else
// sees this engine through the adapter's interface, keeping the engine
// swappable. Updates travel as deterministic CBOR (lib/codec).
package crdt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/haven-notes/haven/lib/observer"
)

// Stamp orders writes across replicas: Lamport clock first, actor id
// as the tiebreak. Two stamps are equal only for the same write.
type Stamp struct {
	Clock uint64 `cbor:"c"`
	Actor string `cbor:"a"`
}

// newer reports whether s supersedes other.
func (s Stamp) newer(other Stamp) bool {
	if s.Clock != other.Clock {
		return s.Clock > other.Clock
	}
	return s.Actor > other.Actor
}

// Fragment is the engine-native rich-content payload. It is opaque to
// every layer of this module: the adapter hands it to the editing
// surface without interpretation, and the engine merges it as a unit.
type Fragment []byte

// Changes describes which document fields a mutation or merge touched.
type Changes struct {
	Title   bool
	Tags    bool
	Meta    bool
	Content bool
}

// Any reports whether anything changed.
func (c Changes) Any() bool { return c.Title || c.Tags || c.Meta || c.Content }

func (c *Changes) merge(other Changes) {
	c.Title = c.Title || other.Title
	c.Tags = c.Tags || other.Tags
	c.Meta = c.Meta || other.Meta
	c.Content = c.Content || other.Content
}

// register is an LWW cell.
type register[T any] struct {
	value T
	stamp Stamp
}

// tagEntry is one element of the LWW-element-set backing tags. Removed
// tags stay as tombstones so a concurrent stale add cannot resurrect
// them.
type tagEntry struct {
	present bool
	stamp   Stamp
}

// Doc is one replicated document. All methods are safe for concurrent
// use; mutations within one Transact call are atomic with respect to
// observers.
type Doc struct {
	mu    sync.Mutex
	actor string
	clock uint64

	title   register[string]
	content register[Fragment]
	meta    map[string]register[any]
	tags    map[string]tagEntry

	// emitMu serializes observer fan-out so callbacks see transactions
	// in the order they committed.
	emitMu          sync.Mutex
	changeObservers *observer.List[Changes]
	updateObservers *observer.List[[]byte]
}

// New creates an empty document with a random actor id.
func New() (*Doc, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating actor id: %w", err)
	}
	return NewWithActor(hex.EncodeToString(raw)), nil
}

// NewWithActor creates an empty document with a fixed actor id. Tests
// use this for deterministic stamps; production code uses New.
func NewWithActor(actor string) *Doc {
	return &Doc{
		actor:           actor,
		meta:            make(map[string]register[any]),
		tags:            make(map[string]tagEntry),
		changeObservers: observer.NewList[Changes](),
		updateObservers: observer.NewList[[]byte](),
	}
}

// Actor returns this replica's actor id.
func (d *Doc) Actor() string {
	return d.actor
}

// Title returns the current title.
func (d *Doc) Title() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title.value
}

// Tags returns the present tags in sorted order.
func (d *Doc) Tags() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var tags []string
	for tag, entry := range d.tags {
		if entry.present {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// HasTag reports whether tag is present.
func (d *Doc) HasTag(tag string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.tags[tag]
	return ok && entry.present
}

// Meta returns a copy of the metadata map.
func (d *Doc) Meta() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta := make(map[string]any, len(d.meta))
	for key, cell := range d.meta {
		meta[key] = cell.value
	}
	return meta
}

// MetaValue returns one metadata value and whether it is set.
func (d *Doc) MetaValue(key string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cell, ok := d.meta[key]
	if !ok {
		return nil, false
	}
	return cell.value, true
}

// Content returns the opaque content fragment.
func (d *Doc) Content() Fragment {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.content.value == nil {
		return nil
	}
	return append(Fragment(nil), d.content.value...)
}

// SetTitle replaces the title.
func (d *Doc) SetTitle(title string) { d.Transact(func(tx *Tx) { tx.SetTitle(title) }) }

// AddTag inserts a tag. Adding a tag that is already present is a
// no-op: tags are a set, not a multiset.
func (d *Doc) AddTag(tag string) { d.Transact(func(tx *Tx) { tx.AddTag(tag) }) }

// RemoveTag deletes a tag. Removing an absent tag is a no-op.
func (d *Doc) RemoveTag(tag string) { d.Transact(func(tx *Tx) { tx.RemoveTag(tag) }) }

// SetTags replaces the whole tag collection atomically.
func (d *Doc) SetTags(tags []string) { d.Transact(func(tx *Tx) { tx.SetTags(tags) }) }

// SetMeta sets one metadata entry.
func (d *Doc) SetMeta(key string, value any) { d.Transact(func(tx *Tx) { tx.SetMeta(key, value) }) }

// SetContent replaces the opaque content fragment.
func (d *Doc) SetContent(fragment Fragment) { d.Transact(func(tx *Tx) { tx.SetContent(fragment) }) }

// OnChange registers an observer fired after any committed change,
// local or remote, with the set of fields that changed. The returned
// disposer unsubscribes and is safe to call more than once.
func (d *Doc) OnChange(callback func(Changes)) func() {
	return d.changeObservers.Subscribe(callback)
}

// OnUpdate registers an observer fired with the encoded update for
// every locally originated transaction. The network layer broadcasts
// these to peers; remote merges do not re-emit.
func (d *Doc) OnUpdate(callback func([]byte)) func() {
	return d.updateObservers.Subscribe(callback)
}

// Tx batches mutations into one atomic transaction. Its methods must
// only be used inside the Transact callback.
type Tx struct {
	doc     *Doc
	ops     []op
	changes Changes
}

// Transact runs fn with exclusive access to the document state. All
// mutations commit together: observers see either none of them or all
// of them, and a single update is emitted for the whole batch.
func (d *Doc) Transact(fn func(tx *Tx)) {
	// Holding emitMu across mutation and fan-out keeps transactions and
	// their notifications in the same order without firing callbacks
	// under the state lock.
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	tx := &Tx{doc: d}
	fn(tx)
	d.mu.Unlock()

	if len(tx.ops) == 0 {
		return
	}

	encoded, err := encodeUpdate(tx.ops)
	if err != nil {
		// Ops are plain CBOR-able values, so encoding cannot fail
		// short of a broken codec. Surface loudly.
		panic("crdt: encoding local update: " + err.Error())
	}

	d.updateObservers.Emit(encoded)
	d.changeObservers.Emit(tx.changes)
}

// nextStamp issues the next local stamp. Caller holds d.mu.
func (d *Doc) nextStamp() Stamp {
	d.clock++
	return Stamp{Clock: d.clock, Actor: d.actor}
}

// HasTag reports tag presence as of the transaction so far.
func (tx *Tx) HasTag(tag string) bool {
	entry, ok := tx.doc.tags[tag]
	return ok && entry.present
}

// MetaValue reads one metadata entry as of the transaction so far.
func (tx *Tx) MetaValue(key string) (any, bool) {
	entry, ok := tx.doc.meta[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// SetTitle replaces the title within the transaction.
func (tx *Tx) SetTitle(title string) {
	stamp := tx.doc.nextStamp()
	tx.doc.title = register[string]{value: title, stamp: stamp}
	tx.ops = append(tx.ops, op{Field: fieldTitle, Value: title, Stamp: stamp})
	tx.changes.Title = true
}

// AddTag inserts a tag; no-op if already present.
func (tx *Tx) AddTag(tag string) {
	if entry, ok := tx.doc.tags[tag]; ok && entry.present {
		return
	}
	stamp := tx.doc.nextStamp()
	tx.doc.tags[tag] = tagEntry{present: true, stamp: stamp}
	tx.ops = append(tx.ops, op{Field: fieldTag, Key: tag, Stamp: stamp})
	tx.changes.Tags = true
}

// RemoveTag deletes a tag; no-op if absent.
func (tx *Tx) RemoveTag(tag string) {
	entry, ok := tx.doc.tags[tag]
	if !ok || !entry.present {
		return
	}
	stamp := tx.doc.nextStamp()
	tx.doc.tags[tag] = tagEntry{present: false, stamp: stamp}
	tx.ops = append(tx.ops, op{Field: fieldTag, Key: tag, Removed: true, Stamp: stamp})
	tx.changes.Tags = true
}

// SetTags replaces the whole collection: tags absent from the new set
// are removed, new ones added, all under this transaction's stamps.
func (tx *Tx) SetTags(tags []string) {
	wanted := make(map[string]bool, len(tags))
	for _, tag := range tags {
		wanted[tag] = true
	}
	for tag, entry := range tx.doc.tags {
		if entry.present && !wanted[tag] {
			tx.RemoveTag(tag)
		}
	}
	for _, tag := range tags {
		tx.AddTag(tag)
	}
}

// SetMeta sets one metadata entry.
func (tx *Tx) SetMeta(key string, value any) {
	stamp := tx.doc.nextStamp()
	tx.doc.meta[key] = register[any]{value: value, stamp: stamp}
	tx.ops = append(tx.ops, op{Field: fieldMeta, Key: key, Value: value, Stamp: stamp})
	tx.changes.Meta = true
}

// SetContent replaces the content fragment.
func (tx *Tx) SetContent(fragment Fragment) {
	stamp := tx.doc.nextStamp()
	stored := append(Fragment(nil), fragment...)
	tx.doc.content = register[Fragment]{value: stored, stamp: stamp}
	tx.ops = append(tx.ops, op{Field: fieldContent, Value: []byte(stored), Stamp: stamp})
	tx.changes.Content = true
}
