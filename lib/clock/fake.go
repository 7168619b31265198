// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake is a Clock with manually controlled time. The zero time is an
// arbitrary fixed instant; tests advance it explicitly with Advance.
// Timers and tickers fire synchronously inside Advance, so tests never
// need real sleeps.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is a pending After channel or ticker registration.
type fakeWaiter struct {
	deadline time.Time
	interval time.Duration // zero for one-shot After waiters
	ch       chan time.Time
	stopped  bool
}

// NewFake returns a Fake clock starting at a fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives the fake time once Advance
// moves the clock past d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	waiter := &fakeWaiter{
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.waiters = append(f.waiters, waiter)
	return waiter.ch
}

// NewTicker returns a Ticker driven by Advance.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	waiter := &fakeWaiter{
		deadline: f.now.Add(d),
		interval: d,
		ch:       make(chan time.Time, 1),
	}
	f.waiters = append(f.waiters, waiter)

	return &Ticker{
		C: waiter.ch,
		stopFunc: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// Advance moves the fake clock forward by d, firing every waiter whose
// deadline falls inside the window, in deadline order. Ticker waiters
// re-arm and can fire multiple times in one Advance; a tick that finds
// the channel buffer full is dropped, matching time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.now.Add(d)
	for {
		next := f.earliestWaiter(target)
		if next == nil {
			break
		}
		f.now = next.deadline

		select {
		case next.ch <- f.now:
		default:
		}

		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.stopped = true
		}
	}
	f.now = target
}

// earliestWaiter returns the live waiter with the earliest deadline at
// or before target, or nil. Caller holds f.mu.
func (f *Fake) earliestWaiter(target time.Time) *fakeWaiter {
	var earliest *fakeWaiter
	for _, waiter := range f.waiters {
		if waiter.stopped || waiter.deadline.After(target) {
			continue
		}
		if earliest == nil || waiter.deadline.Before(earliest.deadline) {
			earliest = waiter
		}
	}
	return earliest
}
