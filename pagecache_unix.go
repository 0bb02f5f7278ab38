// Copyright 2025 The memory-pool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux || darwin

package memorypool

import (
	"syscall"
	"unsafe"
)

// pager is the OS page source PageCache grows from. Kept as an
// interface so tests can substitute a fake and assert on call counts
// instead of exhausting real address space.
type pager interface {
	// mapPages returns the base address of a fresh, zero-filled,
	// page-aligned mapping of numPages*PageSize bytes.
	mapPages(numPages uint32) (uintptr, error)
}

// osPager obtains pages directly from the kernel via an anonymous,
// private mmap — the same MAP_ANON/MAP_PRIVATE approach other
// mmap-backed pool allocators in the Go ecosystem use, rather than a
// wrapper library. Pages are never munmapped; they're retained for reuse
// for the life of the process.
type osPager struct{}

func (osPager) mapPages(numPages uint32) (uintptr, error) {
	length := int(numPages) * PageSize
	data, err := syscall.Mmap(-1, 0, length,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(&data[0])), nil
}
