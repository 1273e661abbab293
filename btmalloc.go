// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package btmalloc provides a boundary-tag malloc library over a
// page-grown heap modelled as a byte slice. Free blocks are indexed by
// one of three strategies selectable per allocator: an implicit list
// (plain heap scan), an explicit free list, or a segregated scheme
// combining an 8-byte small list, an explicit list for mid blocks and
// a size-keyed red-black tree for large ones.
package btmalloc

const NAME = "btmalloc"

const (
	// PageSize is the granularity of heap extension.
	PageSize = 4096
	// HeapMaxSize caps the heap at 8 pages.
	HeapMaxSize = PageSize * 8
)

const (
	// Free marks a free block, Allocated an allocated one.
	Free      uint32 = 0
	Allocated uint32 = 1
)

// NIL is the reserved invalid virtual address.
const NIL uint64 = 0

const (
	minSmallBlockSize    = 8
	minExplicitBlockSize = 16
	// segregated scheme: the explicit list keeps 16..32 byte blocks,
	// everything from 40 up goes to the tree
	maxSegregatedListBlockSize = 32
	minTreeBlockSize           = 40
)

// Policy selects the free-block index strategy of an allocator.
type Policy uint32

const (
	// PolicyImplicit scans the heap itself; only 8-byte free blocks
	// are indexed (in the small list).
	PolicyImplicit Policy = iota
	// PolicyExplicit keeps every free block of 16 bytes and more on
	// one explicit list, 8-byte ones on the small list.
	PolicyExplicit
	// PolicySegregated splits free blocks by size class between the
	// small list, the explicit list and the red-black tree.
	PolicySegregated
)

// Options encodes various configuration flags for Allocator
type Options uint32

const (
	MCDebug          Options = 1 << iota // extra per-access block checking
	MCChecks                             // verify heap & indexes after each op
	MCDumpStatsShort                     // dump status in log, short version
	MCDefaultOptions = MCChecks
)

// MUsed contains the btmalloc memory usage statistics.
type MUsed struct {
	Used        uint64 // total size allocated
	RealUsed    uint64 // real size = Used + malloc overhead
	MaxRealUsed uint64
}

// Allocator is the memory block or arena used for allocating.
// It includes the actual memory area used, all the bookkeeping
// information and the classical malloc functions (as methods).
// It is not safe for concurrent use: every public call assumes
// exclusive access.
type Allocator struct {
	policy  Policy
	options Options

	heapStart uint64
	heapEnd   uint64
	heapMax   uint64 // capacity usable by extension
	used      MUsed  // statistics

	small *smallList
	flist *explicitList
	tree  *freeRBT

	mem []byte // actual memory used
}

// Debug returns true if malloc debugging is turned on.
func (a *Allocator) Debug() bool { return a.options&MCDebug != 0 }

// Checks returns true if per-operation consistency checking is on.
func (a *Allocator) Checks() bool { return a.options&MCChecks != 0 }

// addUsed increases the "used" stats with the given size.
func (a *Allocator) addUsed(size uint64) {
	a.used.Used += size
	a.used.RealUsed += size
	if a.used.MaxRealUsed < a.used.RealUsed {
		a.used.MaxRealUsed = a.used.RealUsed
	}
}

// subUsed subtracts size from the "used" stats.
func (a *Allocator) subUsed(size uint64) {
	a.used.Used -= size
	a.used.RealUsed -= size
}

// addOverhead adds bookkeeping overhead to the stats.
func (a *Allocator) addOverhead(overhead uint64) {
	a.used.RealUsed += overhead
	if a.used.MaxRealUsed < a.used.RealUsed {
		a.used.MaxRealUsed = a.used.RealUsed
	}
}

// MUsage returns current memory usage values.
func (a *Allocator) MUsage() MUsed {
	return a.used
}

// Available returns how many bytes are available for allocation
// (counting pages not yet requested from the OS).
func (a *Allocator) Available() uint64 {
	return a.heapMax - a.used.RealUsed
}

// Owns returns whether or not p was allocated with this Allocator
// (the address is inside the dynamic block region).
// Behaviour is undefined if p was Free()d.
func (a *Allocator) Owns(p uint64) bool {
	return p > a.firstBlock() && p < a.epilogue()
}

// New returns an allocator over a fresh HeapMaxSize buffer.
func New(policy Policy, options Options) *Allocator {
	a := &Allocator{}
	if !a.Init(nil, policy, options) {
		return nil
	}
	return a
}

// Init (re)initialises the allocator over mem: the region is zeroed,
// the prologue/epilogue sentinels installed and the single free block
// covering the rest of the first page inserted into the index the
// policy uses for its size. A nil mem allocates a HeapMaxSize buffer.
// All previously returned addresses are invalidated.
// It returns true on success and false otherwise.
func (a *Allocator) Init(mem []byte, policy Policy, options Options) bool {
	*a = Allocator{policy: policy, options: options} // zero, in case of re-init

	if mem == nil {
		mem = make([]byte, HeapMaxSize)
	}
	size := roundDown(uint64(len(mem)), PageSize)
	if size > HeapMaxSize {
		size = HeapMaxSize
	}
	if size < PageSize {
		return false
	}
	for i := range mem[:size] {
		mem[i] = 0
	}

	a.mem = mem
	a.heapMax = size
	a.heapStart = 0
	a.heapEnd = PageSize

	// prologue: an 8-byte allocated block right after the unused word
	prologue := a.prologue()
	a.setBlockSize(prologue, 8)
	a.setAllocated(prologue, Allocated)
	a.setBlockSize(prologue+4, 8)
	a.setAllocated(prologue+4, Allocated)

	// epilogue: header only
	epilogue := a.epilogue()
	a.setBlockSize(epilogue, 0)
	a.setAllocated(epilogue, Allocated)

	// the single regular block covering the rest of the page
	firstHdr := a.firstBlock()
	firstSize := uint32(PageSize - 4 - 8 - 4)
	a.setBlockSize(firstHdr, firstSize)
	a.setAllocated(firstHdr, Free)

	firstFooter := a.footerAddr(firstHdr)
	a.setBlockSize(firstFooter, firstSize)
	a.setAllocated(firstFooter, Free)

	a.small = newSmallList(a)
	switch a.policy {
	case PolicyImplicit:
	case PolicyExplicit:
		a.flist = newExplicitList(a)
	case PolicySegregated:
		a.flist = newExplicitList(a)
		a.tree = newFreeRBT(a)
	default:
		return false
	}
	a.indexInsert(firstHdr)

	// the not-in-use word and the sentinels are pure overhead
	a.addOverhead(4 + 8 + 4)

	if a.Checks() {
		a.CheckConsistency()
	}
	return true
}

/* ------------------------------------- */
/*  Free block index dispatch            */
/* ------------------------------------- */

// indexInsert files a free block into the index its size class maps to
// under the active policy. Must be called after the block's tags are
// final.
func (a *Allocator) indexInsert(freeHdr uint64) {
	size := a.blockSize(freeHdr)
	switch a.policy {
	case PolicyImplicit:
		// the heap itself is the index; only 8-byte blocks need one
		if size == minSmallBlockSize {
			a.small.insertBlock(freeHdr)
		}
	case PolicyExplicit:
		if size == minSmallBlockSize {
			a.small.insertBlock(freeHdr)
		} else {
			listInsert(a.flist, freeHdr)
		}
	case PolicySegregated:
		switch {
		case size == minSmallBlockSize:
			a.small.insertBlock(freeHdr)
		case size <= maxSegregatedListBlockSize:
			listInsert(a.flist, freeHdr)
		default:
			a.tree.insertBlock(freeHdr)
		}
	}
}

// indexDelete removes a free block from its index. Must be called
// before any of the block's tags change.
func (a *Allocator) indexDelete(freeHdr uint64) {
	size := a.blockSize(freeHdr)
	switch a.policy {
	case PolicyImplicit:
		if size == minSmallBlockSize {
			a.small.deleteBlock(freeHdr)
		}
	case PolicyExplicit:
		if size == minSmallBlockSize {
			a.small.deleteBlock(freeHdr)
		} else {
			listDelete(a.flist, freeHdr)
		}
	case PolicySegregated:
		switch {
		case size == minSmallBlockSize:
			a.small.deleteBlock(freeHdr)
		case size <= maxSegregatedListBlockSize:
			listDelete(a.flist, freeHdr)
		default:
			a.tree.deleteBlock(freeHdr)
		}
	}
}

/* ------------------------------------- */
/*  Malloc and Free                      */
/* ------------------------------------- */

// requiredBlock converts a requested payload size into a block size:
// payloads up to 4 bytes fit the footer-less 8-byte block, everything
// else needs header + rounded payload + footer.
func requiredBlock(size uint32) uint32 {
	if size <= 4 {
		return 8
	}
	return uint32(roundUp(uint64(size), 8)) + 8
}

// minSplitBlock is the smallest remainder worth splitting off.
func (a *Allocator) minSplitBlock() uint32 {
	if a.policy == PolicyExplicit {
		return minExplicitBlockSize
	}
	return minSmallBlockSize
}

// searchFree finds a free block of at least reqBlockSize bytes in the
// active index, or NIL. First-fit for the lists and the implicit scan,
// best-fit via findGE for the tree.
func (a *Allocator) searchFree(reqBlockSize uint32) uint64 {
	if reqBlockSize == minSmallBlockSize && a.small.count() != 0 {
		return a.small.head()
	}

	switch a.policy {
	case PolicyImplicit:
		for b := a.firstBlock(); b != NIL && b <= a.lastBlock(); b = a.nextHeader(b) {
			if a.allocated(b) == Free && a.blockSize(b) >= reqBlockSize {
				return b
			}
		}
	case PolicyExplicit:
		return a.flist.firstFit(reqBlockSize)
	case PolicySegregated:
		if reqBlockSize <= maxSegregatedListBlockSize {
			if b := a.flist.firstFit(reqBlockSize); b != NIL {
				return b
			}
		}
		return a.tree.findGE(reqBlockSize)
	}
	return NIL
}

// allocFromBlock turns the free block b (already removed from every
// index) into an allocated block of reqBlockSize bytes. When the
// remainder reaches the minimum block size it is split off, re-tagged
// free and filed back into an index; otherwise the whole block is
// handed out and the slack stays inside it.
// Returns the payload address.
func (a *Allocator) allocFromBlock(b uint64, reqBlockSize uint32) uint64 {
	bSize := a.blockSize(b)
	if a.allocated(b) != Free || bSize < reqBlockSize {
		PANIC("BUG: alloc from unfit block %#x (size %d, want %d)\n",
			b, bSize, reqBlockSize)
	}

	if bSize-reqBlockSize >= a.minSplitBlock() {
		restSize := bSize - reqBlockSize

		// the old footer becomes the remainder's footer
		restFooter := a.footerAddr(b)
		a.setAllocated(restFooter, Free)
		a.setBlockSize(restFooter, restSize)

		a.setAllocated(b, Allocated)
		a.setBlockSize(b, reqBlockSize)

		bFooter := a.footerAddr(b)
		a.setAllocated(bFooter, Allocated)
		a.setBlockSize(bFooter, reqBlockSize)

		restHdr := a.nextHeader(b)
		a.setAllocated(restHdr, Free)
		a.setBlockSize(restHdr, restSize)

		a.indexInsert(restHdr)
		a.addUsed(uint64(reqBlockSize))
		return a.payloadAddr(b)
	}

	// remainder too small for a block of its own: allocate it all
	a.setAllocated(b, Allocated)
	a.setBlockSize(b, bSize)
	bFooter := a.footerAddr(b)
	a.setAllocated(bFooter, Allocated)
	a.setBlockSize(bFooter, bSize)

	a.addUsed(uint64(bSize))
	return a.payloadAddr(b)
}

// tryExtendAlloc requests pages from the OS to satisfy reqBlockSize
// and allocates from the grown tail. A free last block chips in: it is
// pulled from its index and only the shortfall is requested. Returns
// the payload address, or NIL when the OS refuses.
func (a *Allocator) tryExtendAlloc(reqBlockSize uint32) uint64 {
	oldLast := a.lastBlock()
	lastAllocated := a.allocated(oldLast)
	lastSize := a.blockSize(oldLast)

	toRequest := reqBlockSize
	if lastAllocated == Free {
		// the last block helps the request
		a.indexDelete(oldLast)
		toRequest -= lastSize
	}

	oldEpilogue := a.epilogue()

	granted := a.extendHeap(toRequest)
	if granted == 0 {
		if lastAllocated == Free {
			a.indexInsert(oldLast)
		}
		if WARNon() {
			WARN("OS cannot allocate physical page for heap"+
				" (%d bytes requested, %d in use)\n",
				toRequest, a.heapEnd-a.heapStart)
		}
		return NIL
	}

	var blockHdr uint64
	if lastAllocated == Allocated {
		// the old epilogue becomes the header of the new last block
		newLast := oldEpilogue
		a.setAllocated(newLast, Free)
		a.setBlockSize(newLast, granted)

		newLastFooter := a.footerAddr(newLast)
		a.setAllocated(newLastFooter, Free)
		a.setBlockSize(newLastFooter, granted)

		blockHdr = newLast
	} else {
		// the free last block absorbs the grant
		a.setAllocated(oldLast, Free)
		a.setBlockSize(oldLast, lastSize+granted)

		lastFooter := a.footerAddr(oldLast)
		a.setAllocated(lastFooter, Free)
		a.setBlockSize(lastFooter, lastSize+granted)

		blockHdr = oldLast
	}

	return a.allocFromBlock(blockHdr, reqBlockSize)
}

// Alloc allocates size bytes and returns the 8-byte aligned payload
// address, or NIL when the heap cannot grow any further. A size
// outside (0, HeapMaxSize-16) is a contract violation and panics.
func (a *Allocator) Alloc(size uint32) uint64 {
	if size == 0 || size >= HeapMaxSize-16 {
		PANIC("BUG: Alloc called with size %d out of (0, %d)\n",
			size, HeapMaxSize-16)
	}

	reqBlockSize := requiredBlock(size)

	var p uint64
	if b := a.searchFree(reqBlockSize); b != NIL {
		a.indexDelete(b)
		p = a.allocFromBlock(b, reqBlockSize)
	} else {
		// no fitting free block: grow the heap
		p = a.tryExtendAlloc(reqBlockSize)
	}

	if a.Checks() {
		a.CheckConsistency()
	}
	return p
}

// Free releases the block owning the payload address p (previously
// returned by Alloc). Free neighbors are coalesced. Free(NIL) is a
// no-op; a double free or a foreign address is a contract violation
// and panics.
func (a *Allocator) Free(p uint64) {
	if p == NIL {
		WARN("free(0) called\n")
		return
	}
	if !a.Owns(p) {
		PANIC("BUG: Free called with address %#x out of the heap"+
			" (usable range %#x-%#x)\n", p, a.firstBlock(), a.epilogue())
	}
	if p&0x7 != 0 {
		PANIC("BUG: Free called with misaligned address %#x\n", p)
	}

	req := a.headerAddr(p)
	reqFooter := a.footerAddr(req)
	if a.allocated(req) != Allocated {
		PANIC("BUG: attempt to free already freed address %#x\n", p)
	}
	a.subUsed(uint64(a.blockSize(req)))

	next := a.nextHeader(req) // epilogue when req is the last block
	prev := a.prevHeader(req) // prologue when req is the first block

	nextAllocated := a.allocated(next)
	prevAllocated := a.allocated(prev)

	switch {
	case nextAllocated == Allocated && prevAllocated == Allocated:
		// *A(A->F)A* => *AFA*
		a.setAllocated(req, Free)
		a.setAllocated(reqFooter, Free)
		a.indexInsert(req)

	case nextAllocated == Free && prevAllocated == Allocated:
		// *A(A->F)FA => *A[FF]A
		a.indexDelete(next)
		oneFree := a.mergeBlocksAsFree(req, next)
		a.indexInsert(oneFree)

	case nextAllocated == Allocated && prevAllocated == Free:
		// AF(A->F)A* => A[FF]A*
		a.indexDelete(prev)
		oneFree := a.mergeBlocksAsFree(prev, req)
		a.indexInsert(oneFree)

	default:
		// AF(A->F)FA => A[FFF]A
		a.indexDelete(prev)
		a.indexDelete(next)
		oneFree := a.mergeBlocksAsFree(a.mergeBlocksAsFree(prev, req), next)
		a.indexInsert(oneFree)
	}

	if a.Checks() {
		a.CheckConsistency()
	}
}

// mergeBlocksAsFree fuses two adjacent blocks into one free block and
// returns its header. The footer is located through the low header
// after the size update, so the 8-byte-block indirection resolves on
// the real end of the merged block.
func (a *Allocator) mergeBlocksAsFree(low, high uint64) uint64 {
	if low%8 != 4 || high%8 != 4 {
		PANIC("BUG: merge of misaligned blocks %#x, %#x\n", low, high)
	}
	if low < a.firstBlock() || high > a.lastBlock() ||
		a.nextHeader(low) != high {
		PANIC("BUG: merge of non-adjacent blocks %#x, %#x\n", low, high)
	}

	blockSize := a.blockSize(low) + a.blockSize(high)

	a.setBlockSize(low, blockSize)
	a.setAllocated(low, Free)

	footer := a.footerAddr(low)
	a.setBlockSize(footer, blockSize)
	a.setAllocated(footer, Free)

	return low
}
