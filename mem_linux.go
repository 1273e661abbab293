// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build linux

package btmalloc

import (
	"golang.org/x/sys/unix"
)

// MmapHeap returns a page-aligned, zeroed HeapMaxSize buffer obtained
// with an anonymous mmap, outside the Go heap. Release it with
// MunmapHeap.
func MmapHeap() ([]byte, error) {
	return unix.Mmap(-1, 0, HeapMaxSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// MunmapHeap releases a buffer returned by MmapHeap.
func MunmapHeap(mem []byte) error {
	return unix.Munmap(mem)
}
