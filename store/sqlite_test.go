// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haven-notes/haven/lib/testutil"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := OpenDB(DBConfig{Path: filepath.Join(t.TempDir(), "haven.db")})
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteSaveLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	driver := db.Driver("note-1")
	state := bytes.Repeat([]byte("crdt state "), 100)

	if err := driver.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := driver.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(loaded, state) {
		t.Error("loaded state differs from saved state")
	}
}

func TestSQLiteLoadAbsentReturnsNil(t *testing.T) {
	db := openTestDB(t)

	driver := db.Driver("never-saved")
	loaded, err := driver.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("loaded = %v, want nil for absent state", loaded)
	}
}

func TestSQLiteNamespacesAreIsolated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := db.Driver("note-1")
	second := db.Driver("note-2")

	if err := first.Save(ctx, []byte("first")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := second.Save(ctx, []byte("second")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := first.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(loaded) != "first" {
		t.Errorf("note-1 state = %q, want %q", loaded, "first")
	}
}

func TestSQLiteSaveReplacesState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	driver := db.Driver("note-1")
	if err := driver.Save(ctx, []byte("old")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := driver.Save(ctx, []byte("new")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := driver.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(loaded) != "new" {
		t.Errorf("state = %q, want %q", loaded, "new")
	}
}

func TestSyncedClosesAfterFirstLoad(t *testing.T) {
	db := openTestDB(t)

	driver := db.Driver("note-1")
	select {
	case <-driver.Synced():
		t.Fatal("Synced closed before initial load")
	default:
	}

	if _, err := driver.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	testutil.RequireClosed(t, driver.Synced(), time.Second, "synced after first load")
}

func TestNamespaceIsStableAndDistinct(t *testing.T) {
	if Namespace("note-1") != Namespace("note-1") {
		t.Error("Namespace is not deterministic")
	}
	if Namespace("note-1") == Namespace("note-2") {
		t.Error("distinct documents share a namespace")
	}
}

func TestDriverCloseLeavesDatabaseUsable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := db.Driver("note-1")
	if err := first.Save(ctx, []byte("persisted")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// A fresh driver for the same document still sees the state.
	second := db.Driver("note-1")
	loaded, err := second.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(loaded) != "persisted" {
		t.Errorf("state = %q, want %q", loaded, "persisted")
	}
}
