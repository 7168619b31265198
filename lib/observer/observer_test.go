// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package observer

import "testing"

func TestEmitInSubscriptionOrder(t *testing.T) {
	list := NewList[int]()

	var order []string
	list.Subscribe(func(v int) { order = append(order, "first") })
	list.Subscribe(func(v int) { order = append(order, "second") })
	list.Subscribe(func(v int) { order = append(order, "third") })

	list.Emit(42)

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("got %d callbacks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("callback order = %v, want %v", order, want)
		}
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	list := NewList[string]()

	calls := 0
	dispose := list.Subscribe(func(string) { calls++ })
	keep := 0
	list.Subscribe(func(string) { keep++ })

	dispose()
	dispose()
	list.Emit("x")

	if calls != 0 {
		t.Errorf("disposed observer called %d times, want 0", calls)
	}
	if keep != 1 {
		t.Errorf("remaining observer called %d times, want 1", keep)
	}
	if list.Len() != 1 {
		t.Errorf("Len() = %d after dispose, want 1", list.Len())
	}
}
