// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data such
// as room keys, derived keys, and passphrases.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped.
//
// Because the memory is allocated outside the Go heap, the garbage
// collector never sees it and cannot copy or relocate it. This is what
// makes "remove key" in the keyring an actual erasure rather than a
// map delete that leaves the bytes reachable until the next GC cycle.
package secret
