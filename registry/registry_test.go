// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/haven-notes/haven/keyring"
	"github.com/haven-notes/haven/store"
	"github.com/haven-notes/haven/transport"
)

// testEnv bundles a registry with inspectable drivers and a stocked
// key ring.
type testEnv struct {
	registry *Registry
	ring     *keyring.Ring
	drivers  map[string]*store.MemoryDriver
}

func newTestEnv(t *testing.T, documentIDs ...string) *testEnv {
	t.Helper()

	ring := keyring.NewRing(nil)
	for _, id := range documentIDs {
		key, err := keyring.Generate()
		if err != nil {
			t.Fatalf("generating key for %s: %v", id, err)
		}
		if err := ring.Store(id, key); err != nil {
			t.Fatalf("storing key for %s: %v", id, err)
		}
	}

	env := &testEnv{ring: ring, drivers: make(map[string]*store.MemoryDriver)}
	reg, err := New(Config{
		Keys: ring,
		Drivers: func(documentID string) store.Driver {
			driver := store.NewMemoryDriver()
			env.drivers[documentID] = driver
			return driver
		},
		Signaler: transport.NewMemorySignaler(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.registry = reg
	t.Cleanup(reg.Close)
	return env
}

func TestOpenSharesDocumentAcrossHandles(t *testing.T) {
	env := newTestEnv(t, "doc-1")
	ctx := context.Background()

	first, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p1"})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	second, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p2"})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}

	if first.Document() != second.Document() {
		t.Errorf("handles on the same ID got different documents")
	}
	if first.Provider() == second.Provider() {
		t.Errorf("handles share a provider, want one per handle")
	}
	if got := env.registry.OpenCount("doc-1"); got != 2 {
		t.Errorf("OpenCount = %d, want 2", got)
	}

	first.Close()
	second.Close()
}

func TestOpenWithoutPresenceIsLocalOnly(t *testing.T) {
	env := newTestEnv(t, "doc-1")
	ctx := context.Background()

	first, err := env.registry.Open(ctx, "doc-1", nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	second, err := env.registry.Open(ctx, "doc-1", nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}

	if first.Provider() != nil {
		t.Errorf("local-only handle has a provider")
	}
	if got := env.registry.OpenCount("doc-1"); got != 2 {
		t.Errorf("OpenCount = %d, want 2", got)
	}
	if err := first.Document().SetTitle("offline edit"); err != nil {
		t.Errorf("mutation through local-only handle failed: %v", err)
	}

	first.Close()
	if !env.registry.IsOpen("doc-1") {
		t.Fatalf("document destroyed while a handle remains")
	}
	second.Close()
	if env.registry.IsOpen("doc-1") {
		t.Errorf("IsOpen = true after last close")
	}
}

func TestDocumentSurvivesUntilLastClose(t *testing.T) {
	env := newTestEnv(t, "doc-1")
	ctx := context.Background()

	first, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p1"})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	second, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p2"})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}

	first.Close()
	if !env.registry.IsOpen("doc-1") {
		t.Fatalf("document destroyed while a handle remains")
	}
	if env.drivers["doc-1"].Closed() {
		t.Fatalf("driver closed while a handle remains")
	}
	if err := second.Document().SetTitle("still alive"); err != nil {
		t.Errorf("mutation through surviving handle failed: %v", err)
	}

	second.Close()
	if env.registry.IsOpen("doc-1") {
		t.Errorf("IsOpen = true after last close")
	}
	if !env.drivers["doc-1"].Closed() {
		t.Errorf("driver not closed after last close")
	}
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t, "doc-1")
	ctx := context.Background()

	first, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p1"})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	second, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p2"})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}

	// Double-closing one handle must not steal the other's reference.
	first.Close()
	first.Close()
	if !env.registry.IsOpen("doc-1") {
		t.Fatalf("double Close released the other handle's reference")
	}
	second.Close()
	if env.registry.IsOpen("doc-1") {
		t.Errorf("document still open after all handles closed")
	}
}

func TestReopenAfterCloseCreatesFreshDocument(t *testing.T) {
	env := newTestEnv(t, "doc-1")
	ctx := context.Background()

	first, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p1"})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	doc := first.Document()
	first.Close()

	reopened, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p1"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Document() == doc {
		t.Errorf("reopen returned the destroyed document instance")
	}
}

func TestOpenWithoutKeyFails(t *testing.T) {
	env := newTestEnv(t) // no keys stored

	_, err := env.registry.Open(context.Background(), "doc-unknown", &transport.UserPresence{ID: "p1"})
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		t.Errorf("Open without key = %v, want ErrKeyNotFound", err)
	}
	if env.registry.IsOpen("doc-unknown") {
		t.Errorf("failed open left a registry entry behind")
	}
}

func TestLocalOnlyOpenNeedsNoKey(t *testing.T) {
	env := newTestEnv(t) // no keys stored

	handle, err := env.registry.Open(context.Background(), "unprotected-doc", nil)
	if err != nil {
		t.Fatalf("local-only Open without key: %v", err)
	}
	if handle.Provider() != nil {
		t.Errorf("local-only handle has a provider")
	}
	if err := handle.Document().SetTitle("offline"); err != nil {
		t.Errorf("mutation through keyless handle failed: %v", err)
	}
	handle.Close()
}

func TestGetAndIsOpen(t *testing.T) {
	env := newTestEnv(t, "doc-1")
	ctx := context.Background()

	if _, err := env.registry.Get("doc-1"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Get before open = %v, want ErrNotOpen", err)
	}

	handle, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	doc, err := env.registry.Get("doc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc != handle.Document() {
		t.Errorf("Get returned a different document than the handle")
	}

	handle.Close()
	if _, err := env.registry.Get("doc-1"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Get after close = %v, want ErrNotOpen", err)
	}
}

func TestRegistryCloseRefusesFurtherOpens(t *testing.T) {
	env := newTestEnv(t, "doc-1")
	ctx := context.Background()

	handle, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	env.registry.Close()

	if !env.drivers["doc-1"].Closed() {
		t.Errorf("registry Close did not destroy the open document")
	}
	if _, err := env.registry.Open(ctx, "doc-1", &transport.UserPresence{ID: "p1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close = %v, want ErrClosed", err)
	}

	// Closing an outstanding handle after shutdown is safe.
	handle.Close()
}
