// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// Circular doubly linked list as a capability: anything that can
// answer the accessors below gets the insert/delete/rotate/index
// algorithms for free. Nodes are uint64 handles, NIL means absent;
// what a handle denotes (heap offset, arena index) is up to the
// implementation.

type listOps interface {
	head() uint64
	setHead(newHead uint64)

	count() uint64
	setCount(newCount uint64)

	destructNode(node uint64)
	nodesEqual(first, second uint64) bool

	nodePrev(node uint64) uint64
	setNodePrev(node, prev uint64)

	nodeNext(node uint64) uint64
	setNodeNext(node, next uint64)
}

// listInsert head-inserts node into l. In a non-empty list the node is
// spliced between head.prev and head and becomes the new head.
func listInsert(l listOps, node uint64) bool {
	curHead := l.head()
	curCount := l.count()

	if node == NIL {
		return false
	}

	if curHead == NIL && curCount == 0 {
		// empty list: node becomes a one-element cycle
		l.setHead(node)
		l.setCount(1)

		l.setNodePrev(node, node)
		l.setNodeNext(node, node)
		return true
	} else if curHead != NIL && curCount != 0 {
		headPrev := l.nodePrev(curHead)

		l.setNodeNext(node, curHead)
		l.setNodePrev(curHead, node)

		l.setNodeNext(headPrev, node)
		l.setNodePrev(node, headPrev)

		l.setHead(node)
		l.setCount(curCount + 1)
		return true
	}
	return false
}

// listDelete splices node out of its circular neighborhood. The same
// splice works for the one-element list.
func listDelete(l listOps, node uint64) bool {
	curHead := l.head()
	curCount := l.count()

	if curHead == NIL || node == NIL {
		return false
	}

	prev := l.nodePrev(node)
	next := l.nodeNext(node)

	l.setNodeNext(prev, next)
	l.setNodePrev(next, prev)

	if l.nodesEqual(node, curHead) {
		l.setHead(next)
	}

	l.destructNode(node)

	curCount--
	l.setCount(curCount)

	if curCount == 0 {
		l.setHead(NIL)
	}
	return true
}

// listRotate returns the current head and advances the head to its
// next node, turning the list into infinite-cyclic iteration fuel.
func listRotate(l listOps) uint64 {
	curHead := l.head()
	if curHead == NIL {
		return NIL
	}
	l.setHead(l.nodeNext(curHead))
	return curHead
}

// listIndex walks index nexts from the head.
func listIndex(l listOps, index uint64) uint64 {
	curHead := l.head()
	if curHead == NIL || index >= l.count() {
		return NIL
	}
	for i := uint64(0); i < index; i++ {
		curHead = l.nodeNext(curHead)
	}
	return curHead
}
