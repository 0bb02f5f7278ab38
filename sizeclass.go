// Copyright 2025 The memory-pool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memorypool implements a three-tier, TCMalloc-style small-object
// allocator: a lock-free ThreadCache per caller, a CentralCache shared
// across callers and partitioned by size class, and a PageCache that
// obtains multi-page spans from the OS and carves/coalesces them on
// demand. See PageCache, CentralCache and ThreadCache for the three tiers,
// and Initialize/Allocate/Deallocate for the package-level front facade.
package memorypool

// Alignment is the block-size granularity A. Every request is rounded up
// to a multiple of Alignment before a size class is assigned.
const Alignment = 8

// PageSize is the OS page size this allocator is built for. PageCache
// requests memory from the OS in multiples of PageSize.
const PageSize = 4096

// MaxSmall is the largest request size handled by the size-class
// machinery. Requests above MaxSmall bypass the allocator and are
// satisfied directly by the OS (see Allocate/Deallocate).
const MaxSmall = 256 * 1024

// NumSizeClasses is the number of size classes, MaxSmall/Alignment.
const NumSizeClasses = MaxSmall / Alignment

// RoundUp returns the smallest multiple of Alignment that is >= n.
// RoundUp(0) == Alignment, matching the "size == 0 behaves like an
// Alignment-byte request" rule in the front facade.
func RoundUp(n uintptr) uintptr {
	if n == 0 {
		return Alignment
	}
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// IndexOf returns the size-class index for a request of n bytes:
// roundUp(n)/Alignment - 1. IndexOf(0) == 0, the same class RoundUp(0)
// lands in.
func IndexOf(n uintptr) int {
	return int(RoundUp(n)/Alignment) - 1
}

// BlockSize returns the block size in bytes carved for size class idx:
// (idx+1)*Alignment. Every block in a span assigned to class idx has
// exactly this size (invariant I3, class purity).
func BlockSize(idx int) uintptr {
	return uintptr(idx+1) * Alignment
}
