// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"
	"sort"

	"github.com/haven-notes/haven/lib/codec"
)

// Field identifiers in the update wire format.
const (
	fieldTitle   = "title"
	fieldTag     = "tag"
	fieldMeta    = "meta"
	fieldContent = "content"
)

// op is one stamped field write. Updates are lists of ops; merging an
// op is a pure LWW comparison against the receiving replica's state,
// so updates can arrive in any order, any number of times.
type op struct {
	Field   string `cbor:"f"`
	Key     string `cbor:"k,omitempty"`
	Value   any    `cbor:"v,omitempty"`
	Removed bool   `cbor:"r,omitempty"`
	Stamp   Stamp  `cbor:"s"`
}

// update is the wire envelope for a batch of ops.
type update struct {
	Ops []op `cbor:"ops"`
}

func encodeUpdate(ops []op) ([]byte, error) {
	return codec.Marshal(update{Ops: ops})
}

// ApplyUpdate merges an encoded update into the document and returns
// which fields actually changed. Already-seen or superseded ops are
// ignored, so applying the same update twice is harmless. Change
// observers fire once if anything changed; update observers do not —
// remote state is never re-broadcast as a local update.
func (d *Doc) ApplyUpdate(data []byte) (Changes, error) {
	var decoded update
	if err := codec.Unmarshal(data, &decoded); err != nil {
		return Changes{}, fmt.Errorf("decoding update: %w", err)
	}

	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	var changes Changes
	for _, o := range decoded.Ops {
		applied, err := d.applyOp(o)
		if err != nil {
			d.mu.Unlock()
			return Changes{}, err
		}
		changes.merge(applied)
		if o.Stamp.Clock > d.clock {
			d.clock = o.Stamp.Clock
		}
	}
	d.mu.Unlock()

	if changes.Any() {
		d.changeObservers.Emit(changes)
	}
	return changes, nil
}

// applyOp merges one op. Caller holds d.mu.
func (d *Doc) applyOp(o op) (Changes, error) {
	switch o.Field {
	case fieldTitle:
		title, ok := o.Value.(string)
		if !ok {
			return Changes{}, fmt.Errorf("title op carries %T, want string", o.Value)
		}
		if o.Stamp.newer(d.title.stamp) {
			d.title = register[string]{value: title, stamp: o.Stamp}
			return Changes{Title: true}, nil
		}

	case fieldTag:
		entry, exists := d.tags[o.Key]
		if !exists || o.Stamp.newer(entry.stamp) {
			present := !o.Removed
			d.tags[o.Key] = tagEntry{present: present, stamp: o.Stamp}
			if !exists || entry.present != present {
				return Changes{Tags: true}, nil
			}
		}

	case fieldMeta:
		cell, exists := d.meta[o.Key]
		if !exists || o.Stamp.newer(cell.stamp) {
			d.meta[o.Key] = register[any]{value: o.Value, stamp: o.Stamp}
			return Changes{Meta: true}, nil
		}

	case fieldContent:
		fragment, ok := o.Value.([]byte)
		if !ok {
			return Changes{}, fmt.Errorf("content op carries %T, want bytes", o.Value)
		}
		if o.Stamp.newer(d.content.stamp) {
			d.content = register[Fragment]{value: append(Fragment(nil), fragment...), stamp: o.Stamp}
			return Changes{Content: true}, nil
		}

	default:
		// Unknown field from a newer peer: skip, do not fail the batch.
	}
	return Changes{}, nil
}

// EncodeState encodes the entire document as one update. Applying it
// to any replica — including an empty one — converges that replica to
// at least this document's state. Tag tombstones are included so
// removals survive the exchange.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []op

	if d.title.stamp != (Stamp{}) {
		ops = append(ops, op{Field: fieldTitle, Value: d.title.value, Stamp: d.title.stamp})
	}
	if d.content.stamp != (Stamp{}) {
		ops = append(ops, op{Field: fieldContent, Value: []byte(d.content.value), Stamp: d.content.stamp})
	}

	metaKeys := make([]string, 0, len(d.meta))
	for key := range d.meta {
		metaKeys = append(metaKeys, key)
	}
	sort.Strings(metaKeys)
	for _, key := range metaKeys {
		cell := d.meta[key]
		ops = append(ops, op{Field: fieldMeta, Key: key, Value: cell.value, Stamp: cell.stamp})
	}

	tagKeys := make([]string, 0, len(d.tags))
	for tag := range d.tags {
		tagKeys = append(tagKeys, tag)
	}
	sort.Strings(tagKeys)
	for _, tag := range tagKeys {
		entry := d.tags[tag]
		ops = append(ops, op{Field: fieldTag, Key: tag, Removed: !entry.present, Stamp: entry.stamp})
	}

	return encodeUpdate(ops)
}
