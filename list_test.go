// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// checkListCycle verifies the circular invariant: count() nodes
// reachable from the head in both directions, with consistent
// neighbor links, ending back at the head.
func checkListCycle(t *testing.T, l listOps) {
	t.Helper()

	if l.count() == 0 {
		require.Equal(t, NIL, l.head())
		return
	}

	seen := map[uint64]bool{}
	p := l.head()
	n := l.head()
	for i := uint64(0); i < l.count(); i++ {
		require.False(t, seen[n], "node %d visited twice", n)
		seen[n] = true

		require.Equal(t, n, l.nodeNext(l.nodePrev(n)))
		require.Equal(t, n, l.nodePrev(l.nodeNext(n)))

		p = l.nodePrev(p)
		n = l.nodeNext(n)
	}
	require.Equal(t, l.head(), p)
	require.Equal(t, l.head(), n)
}

func TestListInsertDelete(t *testing.T) {
	l := newIntList()

	require.False(t, listInsert(l, NIL))
	require.False(t, listDelete(l, NIL))
	require.Equal(t, NIL, listRotate(l))
	require.Equal(t, NIL, listIndex(l, 0))

	var handles []uint64
	for v := uint64(10); v <= 50; v += 10 {
		handles = append(handles, l.pushValue(v))
		checkListCycle(t, l)
	}
	require.Equal(t, uint64(5), l.count())

	// head-insert order: the head is the last inserted value
	require.Equal(t, uint64(50), l.value(l.head()))
	require.Equal(t, uint64(40), l.value(listIndex(l, 1)))
	require.Equal(t, uint64(10), l.value(listIndex(l, 4)))
	require.Equal(t, NIL, listIndex(l, 5))

	// delete a middle node
	require.True(t, listDelete(l, handles[2])) // value 30
	checkListCycle(t, l)
	require.Equal(t, uint64(4), l.count())
	for i := uint64(0); i < l.count(); i++ {
		require.NotEqual(t, uint64(30), l.value(listIndex(l, i)))
	}

	// delete the head
	head := l.head()
	require.True(t, listDelete(l, head))
	checkListCycle(t, l)
	require.Equal(t, uint64(40), l.value(l.head()))

	// drain
	for l.count() > 0 {
		require.True(t, listDelete(l, l.head()))
		checkListCycle(t, l)
	}
	require.Equal(t, NIL, l.head())
}

func TestListRotate(t *testing.T) {
	l := newIntList()
	for v := uint64(1); v <= 3; v++ {
		l.pushValue(v)
	}

	// head insert built 3,2,1 cyclic order; rotation is endless fuel
	var got []uint64
	for i := 0; i < 6; i++ {
		got = append(got, l.value(listRotate(l)))
	}
	require.Equal(t, []uint64{3, 2, 1, 3, 2, 1}, got)
	require.Equal(t, uint64(3), l.count())
}

func TestListSingleNode(t *testing.T) {
	l := newIntList()
	n := l.pushValue(7)

	require.Equal(t, n, l.nodeNext(n))
	require.Equal(t, n, l.nodePrev(n))
	require.Equal(t, n, listRotate(l))
	require.Equal(t, n, l.head())

	require.True(t, listDelete(l, n))
	require.Equal(t, uint64(0), l.count())
	require.Equal(t, NIL, l.head())
}
