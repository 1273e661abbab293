// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireValidRBT(t *testing.T, tree rbtOps) {
	t.Helper()
	require.NotPanics(t, func() { rbtVerify(tree) })
}

// -----------------------------------------------------------------------------
// insertion rebalancing, fixed fixture
// -----------------------------------------------------------------------------

func TestRBTInsertFixture(t *testing.T) {
	// (11B, (2R, (1B,#,#), (7B, (5R,#,#), (8R,#,#))), (14B, #, (15R,#,#)))
	r := newIntRBTFromShape(&treeShape{
		key: 11, color: colorBlack,
		left: &treeShape{
			key: 2, color: colorRed,
			left: &treeShape{key: 1, color: colorBlack},
			right: &treeShape{
				key: 7, color: colorBlack,
				left:  &treeShape{key: 5, color: colorRed},
				right: &treeShape{key: 8, color: colorRed},
			},
		},
		right: &treeShape{
			key: 14, color: colorBlack,
			right: &treeShape{key: 15, color: colorRed},
		},
	})
	requireValidRBT(t, r)

	r.insertKey(4)
	requireValidRBT(t, r)

	// (5B, (2B, (1B,#,#), (4B,#,#)),
	//      (11B, (7B, #, (8R,#,#)), (14B, #, (15R,#,#))))
	want := newIntRBTFromShape(&treeShape{
		key: 5, color: colorBlack,
		left: &treeShape{
			key: 2, color: colorBlack,
			left:  &treeShape{key: 1, color: colorBlack},
			right: &treeShape{key: 4, color: colorBlack},
		},
		right: &treeShape{
			key: 11, color: colorBlack,
			left: &treeShape{
				key: 7, color: colorBlack,
				right: &treeShape{key: 8, color: colorRed},
			},
			right: &treeShape{
				key: 14, color: colorBlack,
				right: &treeShape{key: 15, color: colorRed},
			},
		},
	})
	requireValidRBT(t, want)

	require.True(t, rbtCompare(r, r.root(), want, want.root()))
}

// -----------------------------------------------------------------------------
// deletion rebalancing, fixed fixture (red parent absorbs the double
// black)
// -----------------------------------------------------------------------------

func TestRBTDeleteFixture(t *testing.T) {
	// (10B, (5B,#,#), (20R, (15B,#,#), (30B,#,#)))
	r := newIntRBTFromShape(&treeShape{
		key: 10, color: colorBlack,
		left: &treeShape{key: 5, color: colorBlack},
		right: &treeShape{
			key: 20, color: colorRed,
			left:  &treeShape{key: 15, color: colorBlack},
			right: &treeShape{key: 30, color: colorBlack},
		},
	})
	requireValidRBT(t, r)

	node := r.findKey(15)
	require.NotEqual(t, NIL, node)
	rbtDelete(r, node)
	requireValidRBT(t, r)

	// (10B, (5B,#,#), (20B, #, (30R,#,#)))
	want := newIntRBTFromShape(&treeShape{
		key: 10, color: colorBlack,
		left: &treeShape{key: 5, color: colorBlack},
		right: &treeShape{
			key: 20, color: colorBlack,
			right: &treeShape{key: 30, color: colorRed},
		},
	})
	requireValidRBT(t, want)

	require.True(t, rbtCompare(r, r.root(), want, want.root()))
}

func TestRBTDeleteSingleChild(t *testing.T) {
	// deleting a black node with one red child: the child recolors
	// black and slides up, no double black
	r := newIntRBTFromShape(&treeShape{
		key: 10, color: colorBlack,
		left: &treeShape{
			key: 5, color: colorBlack,
			right: &treeShape{key: 7, color: colorRed},
		},
		right: &treeShape{key: 20, color: colorBlack},
	})
	requireValidRBT(t, r)

	rbtDelete(r, r.findKey(5))
	requireValidRBT(t, r)

	want := newIntRBTFromShape(&treeShape{
		key: 10, color: colorBlack,
		left:  &treeShape{key: 7, color: colorBlack},
		right: &treeShape{key: 20, color: colorBlack},
	})
	require.True(t, rbtCompare(r, r.root(), want, want.root()))
}

func TestRBTDeleteRoot(t *testing.T) {
	r := newIntRBT()
	n := r.insertKey(42)
	requireValidRBT(t, r)

	rbtDelete(r, n)
	require.Equal(t, NIL, r.root())
}

// -----------------------------------------------------------------------------
// findGE
// -----------------------------------------------------------------------------

func TestRBTFindGE(t *testing.T) {
	r := newIntRBT()
	for _, k := range []uint64{40, 16, 72, 8, 24, 56, 96} {
		r.insertKey(k)
		requireValidRBT(t, r)
	}

	require.Equal(t, uint64(8), r.key(rbtFindGE(r, 1)))
	require.Equal(t, uint64(8), r.key(rbtFindGE(r, 8)))
	require.Equal(t, uint64(16), r.key(rbtFindGE(r, 9)))
	require.Equal(t, uint64(40), r.key(rbtFindGE(r, 33)))
	require.Equal(t, uint64(96), r.key(rbtFindGE(r, 96)))
	require.Equal(t, NIL, rbtFindGE(r, 97))

	// duplicates are permitted, lookups still hit the exact key
	r.insertKey(40)
	r.insertKey(40)
	requireValidRBT(t, r)
	require.Equal(t, uint64(40), r.key(rbtFindGE(r, 40)))
	require.Equal(t, uint64(40), r.key(rbtFindGE(r, 25)))
}

// -----------------------------------------------------------------------------
// randomized insert/delete with verification after every mutation
// -----------------------------------------------------------------------------

func TestRBTRandomInsertDelete(t *testing.T) {
	rng := rand.New(rand.NewSource(31337))
	r := newIntRBT()

	var live []uint64
	for i := 0; i < 2000; i++ {
		key := uint64(rng.Intn(1000))
		live = append(live, r.insertKey(key))
		requireValidRBT(t, r)
	}
	require.Equal(t, uint64(len(live)), rbtCount(r, r.root()))

	for i := 0; i < 3000; i++ {
		if len(live) != 0 && rng.Intn(2) == 0 {
			j := rng.Intn(len(live))
			rbtDelete(r, live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			live = append(live, r.insertKey(uint64(rng.Intn(1000))))
		}
		requireValidRBT(t, r)
		require.Equal(t, uint64(len(live)), rbtCount(r, r.root()))
	}

	for _, n := range live {
		rbtDelete(r, n)
		requireValidRBT(t, r)
	}
	require.Equal(t, NIL, r.root())
}
