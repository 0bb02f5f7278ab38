// Copyright 2025 The memory-pool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux || darwin

package memorypool

import (
	"syscall"
	"unsafe"
)

// sysAllocOversize satisfies a request above MaxSmall directly from the
// OS, the same primitive osPager uses. Returns nil on failure.
func sysAllocOversize(size uintptr) unsafe.Pointer {
	length := int(RoundUp(size))
	if length < int(PageSize) {
		length = int(PageSize)
	}
	length = (length + int(PageSize) - 1) &^ (int(PageSize) - 1)
	data, err := syscall.Mmap(-1, 0, length,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return nil
	}
	return unsafe.Pointer(&data[0])
}

// sysFreeOversize returns a block obtained from sysAllocOversize. size
// must be the same value passed to the matching allocation call.
func sysFreeOversize(ptr unsafe.Pointer, size uintptr) {
	length := int(RoundUp(size))
	if length < int(PageSize) {
		length = int(PageSize)
	}
	length = (length + int(PageSize) - 1) &^ (int(PageSize) - 1)
	data := unsafe.Slice((*byte)(ptr), length)
	syscall.Munmap(data)
}
