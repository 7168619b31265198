// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel helpers for tests so individual
// test functions never need their own time.After safety valves.
package testutil

import (
	"fmt"
	"time"
)

// failer is the subset of *testing.T the helpers need.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test.
//
//	status := testutil.RequireReceive(t, statusChanges, 5*time.Second, "waiting for status")
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", formatMessage(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to be closed (or receive a value) within
// timeout, or fails the test. Use this for readiness channels that
// signal by closing, such as a store's Synced channel.
func RequireClosed(t failer, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for channel close: %s", timeout, formatMessage(msgAndArgs))
	}
}

// RequireNoReceive asserts that ch stays silent for the given window.
// Use sparingly — it costs the full window on success.
func RequireNoReceive[T any](t failer, ch <-chan T, window time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v: %s", v, formatMessage(msgAndArgs))
	case <-time.After(window):
	}
}

// formatMessage formats optional message arguments into a string.
// Accepts either a single string or a format string followed by args.
func formatMessage(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return "(no message)"
	}
	if len(msgAndArgs) == 1 {
		if s, ok := msgAndArgs[0].(string); ok {
			return s
		}
		return fmt.Sprintf("%v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
