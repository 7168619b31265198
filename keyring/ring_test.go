// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"errors"
	"testing"

	"github.com/haven-notes/haven/lib/secret"
)

func TestGenerateProducesDistinctKeys(t *testing.T) {
	first, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer first.Close()

	second, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer second.Close()

	if first.Len() != KeySize {
		t.Errorf("key length = %d, want %d", first.Len(), KeySize)
	}
	if bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("two generated keys are identical")
	}
}

func TestRingStoreGetRemove(t *testing.T) {
	ring := NewRing(nil)

	key, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := ring.Store("note-1", key); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if !ring.Has("note-1") {
		t.Error("Has = false after Store")
	}

	got, err := ring.Get("note-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != key {
		t.Error("Get returned a different buffer than stored")
	}

	ring.Remove("note-1")
	if ring.Has("note-1") {
		t.Error("Has = true after Remove")
	}
	if _, err := ring.Get("note-1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get after Remove: err = %v, want ErrKeyNotFound", err)
	}
	if !key.Closed() {
		t.Error("removed key buffer was not erased")
	}
}

func TestRingGetUnknownRoomIsExplicitAbsent(t *testing.T) {
	ring := NewRing(nil)
	if _, err := ring.Get("never-opened"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestRingRemoveAbsentIsNoOp(t *testing.T) {
	ring := NewRing(nil)
	ring.Remove("absent") // must not panic
}

func TestRingClearErasesEverything(t *testing.T) {
	ring := NewRing(nil)

	stored := make(map[string]*secret.Buffer)
	for _, room := range []string{"a", "b", "c"} {
		key, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if err := ring.Store(room, key); err != nil {
			t.Fatalf("Store: %v", err)
		}
		stored[room] = key
	}

	ring.Clear()
	if ring.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", ring.Len())
	}
	for room, key := range stored {
		if !key.Closed() {
			t.Errorf("key for room %q not erased by Clear", room)
		}
	}
}

func TestRingStoreReplacesAndErasesPrevious(t *testing.T) {
	ring := NewRing(nil)

	previous, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := ring.Store("note-1", previous); err != nil {
		t.Fatalf("Store: %v", err)
	}

	replacement, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := ring.Store("note-1", replacement); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if !previous.Closed() {
		t.Error("replaced key was not erased")
	}
	got, err := ring.Get("note-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != replacement {
		t.Error("Get did not return the replacement key")
	}
}
