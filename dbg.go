// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"github.com/intuitivelabs/slog"
)

// DumpStatus will write current status information in the log
func (a *Allocator) DumpStatus() {
	const lev = slog.LDBG
	const prefix = "mc_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", a)
	if a == nil || a.mem == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "heap range= [%d, %d), cap= %d\n",
		a.heapStart, a.heapEnd, a.heapMax)
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d, free=%d\n",
		a.used.Used, a.used.RealUsed, a.Available())
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n",
		a.used.MaxRealUsed)
	if a.options&MCDumpStatsShort != 0 {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping all alloc'ed blocks:\n")
	i := 0
	for h := a.firstBlock(); h != NIL && h < a.epilogue(); h = a.nextHeader(h) {
		if a.allocated(h) == Allocated {
			Log.LLog(lev, 0, prefix,
				"   %3d.    payload=%d header=%d size=%d\n",
				i, a.payloadAddr(h), h, a.blockSize(h))
		}
		i++
	}
	Log.LLog(lev, 0, prefix, "free index stats:\n")
	Log.LLog(lev, 0, prefix, "small list: %d blocks\n", a.small.count())
	if a.flist != nil {
		Log.LLog(lev, 0, prefix, "explicit list: %d blocks (head %d)\n",
			a.flist.count(), a.flist.head())
	}
	if a.tree != nil {
		Log.LLog(lev, 0, prefix, "rbt: %d blocks (root %d)\n",
			rbtCount(a.tree, a.tree.root()), a.tree.root())
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}

// PrintHeap logs the block chain, one [header,footer,size,allocated]
// tuple per block.
func (a *Allocator) PrintHeap() {
	const lev = slog.LDBG
	const prefix = "mc_heap "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "============ heap blocks:\n")
	i := 0
	for h := a.firstBlock(); h != NIL && h < a.epilogue(); h = a.nextHeader(h) {
		Log.LLog(lev, 0, prefix, "[H:%d,F:%d,S:%d,A:%d]\n",
			h, a.footerAddr(h), a.blockSize(h), a.allocated(h))
		i++
	}
	Log.LLog(lev, 0, prefix, "============ (%d blocks)\n", i)
}

/* ------------------------------------- */
/*  Correctness checking                 */
/* ------------------------------------- */

// CheckConsistency walks the whole heap and every active free index
// and panics on the first violated invariant. With MCChecks set it
// runs automatically after each Alloc/Free.
func (a *Allocator) CheckConsistency() {
	a.checkHeap()
	a.checkSizeList(a.small, 8, 8)
	switch a.policy {
	case PolicyExplicit:
		a.checkSizeList(a.flist, minExplicitBlockSize, 0xFFFFFFF8)
	case PolicySegregated:
		a.checkSizeList(a.flist, minExplicitBlockSize,
			maxSegregatedListBlockSize)
		a.checkFreeTree()
	}
}

// checkHeap verifies the block chain: alignment, header/footer
// agreement, the B8/P8 encoding and the coalescing rule that no two
// adjacent blocks are both free.
func (a *Allocator) checkHeap() {
	linearFreeCount := 0
	last := a.lastBlock()
	for p := a.firstBlock(); p != NIL && p <= last; p = a.nextHeader(p) {
		if p%8 != 4 {
			PANIC("BUG: block header %#x misaligned\n", p)
		}

		f := a.footerAddr(p)
		if a.blockSize(p) != a.blockSize(f) {
			PANIC("BUG: block %#x header/footer size mismatch %d/%d\n",
				p, a.blockSize(p), a.blockSize(f))
		}
		if a.allocated(p) != a.allocated(f) {
			PANIC("BUG: block %#x header/footer allocated mismatch\n", p)
		}

		isB8 := a.blockSize(p) == 8
		if a.isBitSet(p, b8Bit) != isB8 {
			PANIC("BUG: block %#x B8 bit disagrees with size %d\n",
				p, a.blockSize(p))
		}
		if next := a.nextHeader(p); next != NIL {
			if a.isBitSet(next, p8Bit) != isB8 {
				PANIC("BUG: block %#x P8 bit disagrees with prev size %d\n",
					next, a.blockSize(p))
			}
		}

		// adjacent free blocks must have been merged
		if a.allocated(p) == Free {
			linearFreeCount++
		} else {
			linearFreeCount = 0
		}
		if linearFreeCount > 1 {
			PANIC("BUG: adjacent free blocks around %#x\n", p)
		}
	}

	if epi := a.epilogue(); a.blockSize(epi) != 0 ||
		a.allocated(epi) != Allocated {
		PANIC("BUG: corrupt epilogue %#x\n", epi)
	}
}

// checkSizeList verifies that every free block whose size falls in
// [minSize, maxSize] sits correctly linked on l, that l holds nothing
// else, and that both traversal directions cycle through exactly
// count(l) nodes.
func (a *Allocator) checkSizeList(l listOps, minSize, maxSize uint32) {
	counter := uint64(0)
	headSeen := false
	last := a.lastBlock()

	for b := a.firstBlock(); b != NIL && b <= last; b = a.nextHeader(b) {
		size := a.blockSize(b)
		if a.allocated(b) != Free || size < minSize || size > maxSize {
			continue
		}

		prev := l.nodePrev(b)
		next := l.nodeNext(b)
		if a.allocated(prev) != Free || a.allocated(next) != Free {
			PANIC("BUG: list block %#x linked to allocated blocks\n", b)
		}
		if !l.nodesEqual(l.nodeNext(prev), b) ||
			!l.nodesEqual(l.nodePrev(next), b) {
			PANIC("BUG: list block %#x neighbor links broken\n", b)
		}
		if l.nodesEqual(b, l.head()) {
			headSeen = true
		}
		counter++
	}

	if l.count() != counter {
		PANIC("BUG: list count %d but %d matching free blocks\n",
			l.count(), counter)
	}
	if l.count() != 0 && !headSeen {
		PANIC("BUG: list head %#x not a matching free block\n", l.head())
	}

	p := l.head()
	n := l.head()
	for i := uint64(0); i < l.count(); i++ {
		for _, b := range [2]uint64{p, n} {
			size := a.blockSize(b)
			if a.allocated(b) != Free || size < minSize || size > maxSize {
				PANIC("BUG: foreign node %#x on list\n", b)
			}
		}
		p = l.nodePrev(p)
		n = l.nodeNext(n)
	}
	if l.count() != 0 && (!l.nodesEqual(p, l.head()) ||
		!l.nodesEqual(n, l.head())) {
		PANIC("BUG: list traversal does not cycle back to the head\n")
	}
}

// checkFreeTree verifies the red-black invariants of the tree and that
// it indexes exactly the free blocks of the tree size class.
func (a *Allocator) checkFreeTree() {
	t := a.tree
	rbtVerify(t)

	free := uint64(0)
	last := a.lastBlock()
	for b := a.firstBlock(); b != NIL && b <= last; b = a.nextHeader(b) {
		if a.allocated(b) == Free && a.blockSize(b) >= minTreeBlockSize {
			free++
		}
	}
	if n := rbtCount(t, t.root()); n != free {
		PANIC("BUG: rbt holds %d nodes but %d large free blocks exist\n",
			n, free)
	}
	a.checkTreeBlocks(t.root())
}

func (a *Allocator) checkTreeBlocks(node uint64) {
	if node == NIL {
		return
	}
	if a.allocated(node) != Free {
		PANIC("BUG: rbt node %#x not free\n", node)
	}
	if a.blockSize(node) < minTreeBlockSize {
		PANIC("BUG: rbt node %#x below the tree size class (%d)\n",
			node, a.blockSize(node))
	}
	a.checkTreeBlocks(a.tree.left(node))
	a.checkTreeBlocks(a.tree.right(node))
}
