// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject a Fake with deterministic control.
//
// Every function in this module that observes time — metadata updatedAt
// bumps, persistence flush debouncing, signaling poll tickers — accepts
// a Clock (or is a method on a struct with a Clock field) instead of
// calling the time package directly.
package clock

import "time"

// Clock is the subset of the time package Haven components use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker that delivers ticks on its C channel
	// at the specified interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C. Call Stop when the
// Ticker is no longer needed.
//
// The C channel has capacity 1, matching time.Ticker: if the consumer
// falls behind, ticks are dropped rather than queued.
type Ticker struct {
	// C delivers ticks. Buffered with capacity 1.
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks are sent on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
