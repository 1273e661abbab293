// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"encoding/binary"
)

// Heap layout, all values are byte offsets ("virtual addresses") into
// the backing slice:
//
//	[0, 4)                      - not in use
//	[4, 12)                     - prologue block (8 bytes, allocated)
//	[12, heapEnd-4)             - regular blocks
//	[heapEnd-4, heapEnd)        - epilogue block (header only, size 0)
//
// Every block header sits at an offset = 4 mod 8 and packs, in one
// 32-bit word:
//
//	bits [31:3] - block size (multiple of 8)
//	bit  [2]    - B8: this block is exactly 8 bytes
//	bit  [1]    - P8: the previous block is exactly 8 bytes
//	bit  [0]    - allocated / free
//
// Blocks larger than 8 bytes carry the same word again as a footer at
// blockEnd-4. An 8-byte block has no footer: its trailing word doubles
// as payload and neighbors detect it through B8/P8 alone.

const (
	afBit = 0 // allocated / free bit
	p8Bit = 1 // previous block is an 8-byte block
	b8Bit = 2 // this block is an 8-byte block
)

// roundUp rounds x up to the next multiple of n.
func roundUp(x, n uint64) uint64 {
	return n * ((x + n - 1) / n)
}

// roundDown rounds x down to a multiple of n.
func roundDown(x, n uint64) uint64 {
	return x - x%n
}

func (a *Allocator) word(vaddr uint64) uint32 {
	return binary.LittleEndian.Uint32(a.mem[vaddr:])
}

func (a *Allocator) setWord(vaddr uint64, w uint32) {
	binary.LittleEndian.PutUint32(a.mem[vaddr:], w)
}

// checkTagAddr validates a header or footer address.
func (a *Allocator) checkTagAddr(vaddr uint64) {
	if vaddr&0x3 != 0 {
		PANIC("BUG: tag address %#x not 4-byte aligned\n", vaddr)
	}
	if vaddr < a.prologue() || vaddr > a.epilogue() {
		PANIC("BUG: tag address %#x outside [%#x, %#x]\n",
			vaddr, a.prologue(), a.epilogue())
	}
}

func (a *Allocator) setBit(vaddr uint64, bit int) {
	a.checkTagAddr(vaddr)
	a.setWord(vaddr, a.word(vaddr)|uint32(1)<<bit)
}

func (a *Allocator) resetBit(vaddr uint64, bit int) {
	a.checkTagAddr(vaddr)
	a.setWord(vaddr, a.word(vaddr)&^(uint32(1)<<bit))
}

func (a *Allocator) isBitSet(vaddr uint64, bit int) bool {
	a.checkTagAddr(vaddr)
	return (a.word(vaddr)>>bit)&0x1 == 1
}

// checkBlock8 cross-checks the compact 8-byte block encoding around
// vaddr (a header at 8n+4 or the overlap word at 8n).
func (a *Allocator) checkBlock8(vaddr uint64) {
	if vaddr == NIL {
		return
	}
	a.checkTagAddr(vaddr)

	switch vaddr % 8 {
	case 4: // header
		if !a.isBitSet(vaddr, b8Bit) {
			PANIC("BUG: block %#x claimed 8-byte but B8 unset\n", vaddr)
		}
		nextHdr := vaddr + 8
		// an 8-byte block cannot be the epilogue
		if nextHdr > a.epilogue() {
			PANIC("BUG: 8-byte block %#x overlaps the epilogue\n", vaddr)
		}
		if !a.isBitSet(nextHdr, p8Bit) {
			PANIC("BUG: next header %#x P8 unset for 8-byte block %#x\n",
				nextHdr, vaddr)
		}
		if a.allocated(vaddr) == Allocated &&
			a.word(vaddr)&0xFFFFFFF8 != 8 {
			PANIC("BUG: allocated 8-byte block %#x header size %#x\n",
				vaddr, a.word(vaddr)&0xFFFFFFF8)
		}
	case 0: // payload / overlap word
		nextHdr := vaddr + 4
		if nextHdr > a.epilogue() {
			PANIC("BUG: 8-byte block word %#x overlaps the epilogue\n", vaddr)
		}
		if !a.isBitSet(nextHdr, p8Bit) {
			PANIC("BUG: next header %#x P8 unset for 8-byte word %#x\n",
				nextHdr, vaddr)
		}
		hdr := vaddr - 4
		if !a.isBitSet(hdr, b8Bit) {
			PANIC("BUG: header %#x B8 unset for 8-byte word %#x\n",
				hdr, vaddr)
		}
		if a.allocated(hdr) == Allocated &&
			a.word(hdr)&0xFFFFFFF8 != 8 {
			PANIC("BUG: allocated 8-byte block %#x header size %#x\n",
				hdr, a.word(hdr)&0xFFFFFFF8)
		}
	default:
		PANIC("BUG: misaligned 8-byte block address %#x\n", vaddr)
	}
}

// isBlock8 reports whether vaddr (header or footer position) belongs
// to an 8-byte block.
func (a *Allocator) isBlock8(vaddr uint64) bool {
	if vaddr == NIL {
		return false
	}
	a.checkTagAddr(vaddr)

	if vaddr%8 == 4 {
		// header position
		if a.isBitSet(vaddr, b8Bit) {
			if a.Debug() {
				a.checkBlock8(vaddr)
			}
			return true
		}
	} else if vaddr%8 == 0 {
		// footer / overlap word position
		nextHdr := vaddr + 4
		if nextHdr <= a.epilogue() && a.isBitSet(nextHdr, p8Bit) {
			if a.Debug() {
				a.checkBlock8(vaddr - 4)
			}
			return true
		}
	}
	return false
}

// blockSize reads the size of the block owning vaddr.
// It accepts both header and footer addresses; NIL reads as 0.
func (a *Allocator) blockSize(vaddr uint64) uint32 {
	if vaddr == NIL {
		return 0
	}
	a.checkTagAddr(vaddr)

	if a.isBlock8(vaddr) {
		return 8
	}
	return a.word(vaddr) & 0xFFFFFFF8
}

// setBlockSize writes blockSize into the tag word at vaddr and keeps
// the B8/P8 encoding coherent. For blockSize == 8 the size bits of a
// free block are left alone (they carry the small-list prev link); the
// 8-byte-ness is conveyed by B8 on this header and P8 on the next.
func (a *Allocator) setBlockSize(vaddr uint64, blockSize uint32) {
	if vaddr == NIL {
		return
	}
	a.checkTagAddr(vaddr)
	if blockSize&0x7 != 0 {
		PANIC("BUG: block size %d not 8-byte aligned\n", blockSize)
	}

	var nextHdr uint64
	if blockSize == 8 {
		// small block: never write a footer, operate on the header
		if vaddr%8 == 0 {
			vaddr -= 4
		}
		nextHdr = vaddr + 8

		a.setBit(vaddr, b8Bit)
		if nextHdr <= a.epilogue() {
			a.setBit(nextHdr, p8Bit)
		}

		if a.allocated(vaddr) == Free {
			// a free 8-byte block keeps its size bits for the
			// small-list links
			return
		}
	} else {
		if vaddr%8 == 4 {
			nextHdr = vaddr + uint64(blockSize)
		} else {
			nextHdr = vaddr + 4
		}

		a.resetBit(vaddr, b8Bit)
		if nextHdr <= a.epilogue() {
			a.resetBit(nextHdr, p8Bit)
		}
	}

	w := a.word(vaddr)&0x00000007 | blockSize
	a.setWord(vaddr, w)

	if a.Debug() && blockSize == 8 {
		a.checkBlock8(vaddr)
	}
}

// allocated reads the allocated bit of the block owning vaddr.
// A footer address of an 8-byte block (which has no real footer) is
// redirected to the header, detected through the next header's P8 bit.
// NIL reads as Allocated so that coalescing sees a wall.
func (a *Allocator) allocated(vaddr uint64) uint32 {
	if vaddr == NIL {
		return Allocated
	}
	a.checkTagAddr(vaddr)

	if vaddr%8 == 0 {
		// footer position
		nextHdr := vaddr + 4
		if nextHdr > a.epilogue() {
			PANIC("BUG: footer %#x behind the epilogue\n", vaddr)
		}
		if a.isBitSet(nextHdr, p8Bit) {
			// current block is 8 bytes and has no footer, use the header
			vaddr -= 4
			if a.Debug() {
				a.checkBlock8(vaddr)
			}
		}
	}
	return a.word(vaddr) & 0x1
}

// setAllocated updates only the allocated bit, with the same 8-byte
// footer redirection as allocated.
func (a *Allocator) setAllocated(vaddr uint64, allocated uint32) {
	if vaddr == NIL {
		return
	}
	a.checkTagAddr(vaddr)

	if vaddr%8 == 0 {
		nextHdr := vaddr + 4
		if nextHdr > a.epilogue() {
			PANIC("BUG: footer %#x behind the epilogue\n", vaddr)
		}
		if a.isBitSet(nextHdr, p8Bit) {
			vaddr -= 4
			if a.Debug() {
				a.checkBlock8(vaddr)
			}
		}
	}

	w := a.word(vaddr)&0xFFFFFFFE | allocated&0x1
	a.setWord(vaddr, w)
}

// checkBlockAddr validates a header or payload address of a regular
// block.
func (a *Allocator) checkBlockAddr(vaddr uint64) {
	if vaddr&0x3 != 0 {
		PANIC("BUG: block address %#x not 4-byte aligned\n", vaddr)
	}
	if vaddr < a.firstBlock() || vaddr >= a.epilogue() {
		PANIC("BUG: block address %#x outside [%#x, %#x)\n",
			vaddr, a.firstBlock(), a.epilogue())
	}
}

// payloadAddr converts a header or payload address to the payload
// address of the same block.
func (a *Allocator) payloadAddr(vaddr uint64) uint64 {
	if vaddr == NIL {
		return NIL
	}
	a.checkBlockAddr(vaddr)
	return roundUp(vaddr, 8)
}

// headerAddr converts a header or payload address to the header
// address of the same block.
func (a *Allocator) headerAddr(vaddr uint64) uint64 {
	if vaddr == NIL {
		return NIL
	}
	if vaddr&0x3 != 0 {
		PANIC("BUG: block address %#x not 4-byte aligned\n", vaddr)
	}
	if vaddr < a.firstBlock() || vaddr > a.epilogue() {
		PANIC("BUG: block address %#x outside [%#x, %#x]\n",
			vaddr, a.firstBlock(), a.epilogue())
	}
	return roundUp(vaddr, 8) - 4
}

// footerAddr converts a header or payload address to the footer
// address of the same block. For an 8-byte block this is the overlap
// word at header+4.
func (a *Allocator) footerAddr(vaddr uint64) uint64 {
	if vaddr == NIL {
		return NIL
	}
	a.checkBlockAddr(vaddr)

	hdr := a.headerAddr(vaddr)
	footer := hdr + uint64(a.blockSize(hdr)) - 4
	if footer <= a.firstBlock() || footer >= a.epilogue() {
		PANIC("BUG: footer %#x of block %#x outside the heap\n", footer, hdr)
	}
	return footer
}

// nextHeader returns the header address of the next adjacent block,
// or NIL when called on the epilogue.
func (a *Allocator) nextHeader(vaddr uint64) uint64 {
	if vaddr == NIL || vaddr == a.epilogue() {
		return NIL
	}
	a.checkBlockAddr(vaddr)

	hdr := a.headerAddr(vaddr)
	nextHdr := hdr + uint64(a.blockSize(hdr))
	if nextHdr <= a.firstBlock() || nextHdr > a.epilogue() {
		PANIC("BUG: next header %#x of block %#x outside the heap\n",
			nextHdr, hdr)
	}
	return nextHdr
}

// prevHeader returns the header address of the previous adjacent
// block, or NIL when called on the prologue. The 8-byte shortcut: a
// set P8 bit means the previous block is exactly 8 bytes and carries
// no footer to read a size from.
func (a *Allocator) prevHeader(vaddr uint64) uint64 {
	if vaddr == NIL || vaddr == a.prologue() {
		return NIL
	}
	if vaddr&0x3 != 0 {
		PANIC("BUG: block address %#x not 4-byte aligned\n", vaddr)
	}
	if vaddr < a.firstBlock() || vaddr > a.epilogue() {
		PANIC("BUG: block address %#x outside [%#x, %#x]\n",
			vaddr, a.firstBlock(), a.epilogue())
	}
	hdr := a.headerAddr(vaddr)

	if a.isBitSet(hdr, p8Bit) {
		prevHdr := hdr - 8
		if a.Debug() {
			a.checkBlock8(prevHdr)
		}
		return prevHdr
	}

	prevFooter := hdr - 4
	prevSize := a.blockSize(prevFooter)
	prevHdr := hdr - uint64(prevSize)

	if prevHdr < a.firstBlock() || prevHdr >= a.epilogue() {
		PANIC("BUG: previous header %#x of block %#x outside the heap\n",
			prevHdr, hdr)
	}
	if a.blockSize(prevHdr) != prevSize ||
		a.allocated(prevHdr) != a.allocated(prevFooter) {
		PANIC("BUG: previous block %#x header/footer disagree\n", prevHdr)
	}
	return prevHdr
}

func (a *Allocator) checkHeapCursors() {
	if a.heapEnd <= a.heapStart ||
		(a.heapEnd-a.heapStart)%PageSize != 0 ||
		a.heapStart%PageSize != 0 {
		PANIC("BUG: bad heap cursors [%#x, %#x)\n", a.heapStart, a.heapEnd)
	}
}

// prologue returns the header of the allocated 8-byte sentinel block
// at the low end of the heap.
func (a *Allocator) prologue() uint64 {
	a.checkHeapCursors()
	// 4 for the not-in-use word
	return a.heapStart + 4
}

// epilogue returns the header-only, size 0, allocated sentinel at the
// high end of the heap.
func (a *Allocator) epilogue() uint64 {
	a.checkHeapCursors()
	return a.heapEnd - 4
}

func (a *Allocator) firstBlock() uint64 {
	// 4 for the not-in-use word, 8 for the prologue
	return a.prologue() + 8
}

func (a *Allocator) lastBlock() uint64 {
	return a.prevHeader(a.epilogue())
}

func (a *Allocator) isFirstBlock(vaddr uint64) bool {
	if vaddr == NIL {
		return false
	}
	a.checkBlockAddr(vaddr)
	return a.headerAddr(vaddr) == a.firstBlock()
}

func (a *Allocator) isLastBlock(vaddr uint64) bool {
	if vaddr == NIL {
		return false
	}
	a.checkBlockAddr(vaddr)
	hdr := a.headerAddr(vaddr)
	return hdr+uint64(a.blockSize(hdr)) == a.epilogue()
}

// field32 reads one of the 32-bit link fields a free block carries in
// its payload area (offset bytes past the header).
func (a *Allocator) field32(hdrVaddr uint64, minBlockSize, offset uint32) uint64 {
	if hdrVaddr == NIL {
		return NIL
	}
	a.checkLinkField(hdrVaddr, minBlockSize, offset)
	return uint64(a.word(hdrVaddr + uint64(offset)))
}

// setField32 stores a block pointer (a 32-bit heap offset) into one of
// the link fields of a free block.
func (a *Allocator) setField32(hdrVaddr, blockPtr uint64, minBlockSize, offset uint32) {
	if hdrVaddr == NIL {
		return
	}
	a.checkLinkField(hdrVaddr, minBlockSize, offset)
	if blockPtr != NIL {
		if blockPtr < a.firstBlock() || blockPtr > a.lastBlock() ||
			blockPtr%8 != 4 {
			PANIC("BUG: bad block pointer %#x\n", blockPtr)
		}
		if a.blockSize(blockPtr) < minBlockSize {
			PANIC("BUG: block pointer %#x smaller than %d bytes\n",
				blockPtr, minBlockSize)
		}
	}
	if blockPtr>>32 != 0 {
		PANIC("BUG: block pointer %#x does not fit 32 bits\n", blockPtr)
	}
	a.setWord(hdrVaddr+uint64(offset), uint32(blockPtr))
}

func (a *Allocator) checkLinkField(hdrVaddr uint64, minBlockSize, offset uint32) {
	if hdrVaddr < a.firstBlock() || hdrVaddr > a.lastBlock() ||
		hdrVaddr%8 != 4 {
		PANIC("BUG: bad link field owner %#x\n", hdrVaddr)
	}
	if a.blockSize(hdrVaddr) < minBlockSize {
		PANIC("BUG: link field owner %#x smaller than %d bytes\n",
			hdrVaddr, minBlockSize)
	}
	if offset%4 != 0 {
		PANIC("BUG: link field offset %d not 4-byte aligned\n", offset)
	}
}

/* ------------------------------------- */
/*  Heap extension                       */
/* ------------------------------------- */

// osSyscallBrk models the sbrk call-out. The bytes past the old heap
// end are already zeroed (Init zeroes the whole region and heapEnd
// only ever grows), so granting pages is pure bookkeeping.
func (a *Allocator) osSyscallBrk() {
	// an empty function
}

// extendHeap grows the heap by size bytes rounded up to whole pages,
// rewrites the epilogue at the new tail and returns the granted byte
// count, or 0 when the request would exceed the heap cap.
func (a *Allocator) extendHeap(size uint32) uint32 {
	granted := uint32(roundUp(uint64(size), PageSize))
	if a.heapEnd-a.heapStart+uint64(granted) > a.heapMax {
		return 0
	}
	a.osSyscallBrk()
	a.heapEnd += uint64(granted)

	epilogue := a.epilogue()
	a.setAllocated(epilogue, Allocated)
	a.setBlockSize(epilogue, 0)

	return granted
}
