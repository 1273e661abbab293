// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !linux

package btmalloc

// MmapHeap returns a zeroed HeapMaxSize buffer. On platforms without
// the mmap path it comes from the Go heap.
func MmapHeap() ([]byte, error) {
	return make([]byte, HeapMaxSize), nil
}

// MunmapHeap releases a buffer returned by MmapHeap.
func MunmapHeap(mem []byte) error {
	return nil
}
