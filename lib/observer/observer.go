// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package observer provides the explicit observer list used for every
// change-subscription surface in Haven (document fields, sync status,
// connection status, peers). No event-emitter dependency: a List is a
// plain registry of callbacks with disposer closures.
package observer

import (
	"sort"
	"sync"
)

// List is a set of callbacks receiving values of type T. The zero
// value is not usable; create with NewList.
//
// List is safe for concurrent use. Emit calls callbacks outside the
// internal lock, in subscription order.
type List[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	observers map[uint64]func(T)
}

// NewList creates an empty observer list.
func NewList[T any]() *List[T] {
	return &List[T]{observers: make(map[uint64]func(T))}
}

// Subscribe registers callback and returns a disposer. The disposer is
// idempotent and remains safe to call after the owning object has been
// destroyed.
func (l *List[T]) Subscribe(callback func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.observers[id] = callback

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.observers, id)
	}
}

// Emit calls every subscribed callback with value, in subscription
// order. Callbacks registered or disposed during Emit take effect on
// the next Emit.
func (l *List[T]) Emit(value T) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.observers))
	for id := range l.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]func(T), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, l.observers[id])
	}
	l.mu.Unlock()

	for _, callback := range callbacks {
		callback(value)
	}
}

// Len returns the number of subscribed callbacks.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.observers)
}
