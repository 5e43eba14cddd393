// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package deltatree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/deltatree"
)

// collect walks every chunk of a sealed tree and returns the offsets
// visited, in walk order, one slice per chunk.
func collect[T any](t *testing.T, chunks []*deltatree.Chunk[T]) [][]deltatree.Offset {
	t.Helper()
	out := make([][]deltatree.Offset, len(chunks))
	for i, c := range chunks {
		var offsets []deltatree.Offset
		err := c.Walk(func(n *deltatree.Node[T]) error {
			off, _ := n.Range()
			offsets = append(offsets, off)
			return nil
		})
		require.NoError(t, err)
		out[i] = offsets
	}
	return out
}

// S1: a pack of three roots and no children seals into three
// single-node chunks, each covering exactly its own root.
func TestSealThreeRoots(t *testing.T) {
	tree := deltatree.NewTree[string](3)
	require.NoError(t, tree.AddRoot(0, "a"))
	require.NoError(t, tree.AddRoot(10, "b"))
	require.NoError(t, tree.AddRoot(20, "c"))

	sealed, err := tree.Seal(30)
	require.NoError(t, err)
	assert.Equal(t, 3, sealed.NumRoots())
	assert.Equal(t, 0, sealed.NumChildren())

	chunks := sealed.IntoChunks(1)
	require.Len(t, chunks, 3)
	got := collect[string](t, chunks)
	assert.Equal(t, [][]deltatree.Offset{{0}, {10}, {20}}, got)
}

// S2: a child immediately follows its base and links to it without
// going through the pending-reference path.
func TestAddChildImmediateBase(t *testing.T) {
	tree := deltatree.NewTree[string](2)
	require.NoError(t, tree.AddRoot(0, "base"))
	require.NoError(t, tree.AddChild(0, 10, "delta"))

	sealed, err := tree.Seal(20)
	require.NoError(t, err)

	chunks := sealed.IntoChunks(0)
	require.Len(t, chunks, 1)
	got := collect[string](t, chunks)
	assert.Equal(t, [][]deltatree.Offset{{0, 10}}, got)
}

// S3: a forward reference (child inserted before its base has been
// seen among the roots) is resolved at Seal time, and each root's
// subtree ends up in its own chunk.
func TestForwardReferenceResolvedAtSeal(t *testing.T) {
	tree := deltatree.NewTree[string](3)
	require.NoError(t, tree.AddRoot(12, "solo-root"))
	require.NoError(t, tree.AddChild(80, 40, "pending-child"))
	require.NoError(t, tree.AddRoot(80, "late-base"))

	sealed, err := tree.Seal(100)
	require.NoError(t, err)
	require.Equal(t, 2, sealed.NumRoots())
	require.Equal(t, 1, sealed.NumChildren())

	chunks := sealed.IntoChunks(1)
	require.Len(t, chunks, 2)
	got := collect[string](t, chunks)
	assert.ElementsMatch(t, [][]deltatree.Offset{{12}, {80, 40}}, got)
}

// S4: a base offset that never appears in the pack is a pack
// corruption, reported when the pending reference is resolved.
func TestDanglingBaseOffset(t *testing.T) {
	tree := deltatree.NewTree[string](2)
	require.NoError(t, tree.AddChild(999, 10, "orphan"))
	require.NoError(t, tree.AddRoot(20, "unrelated"))

	_, err := tree.Seal(30)
	require.Error(t, err)
	var dangling *deltatree.DanglingBaseOffsetError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, deltatree.Offset(999), dangling.BaseOffset)
}

// S5: offsets that do not strictly increase are rejected immediately,
// without waiting for Seal.
func TestNonIncreasingOffsetRejected(t *testing.T) {
	tree := deltatree.NewTree[string](2)
	require.NoError(t, tree.AddRoot(10, "first"))

	err := tree.AddRoot(10, "repeat")
	require.Error(t, err)
	var violation *deltatree.IncreasingOffsetViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, deltatree.Offset(10), violation.Last)
	assert.Equal(t, deltatree.Offset(10), violation.Current)

	err = tree.AddChild(10, 5, "backwards")
	require.Error(t, err)
	require.ErrorAs(t, err, &violation)
}

// A chain of deltas against a single root all land in that root's
// chunk, walked in pre-order (parent before child).
func TestDeltaChainPreOrder(t *testing.T) {
	tree := deltatree.NewTree[int](4)
	require.NoError(t, tree.AddRoot(0, 0))
	require.NoError(t, tree.AddChild(0, 10, 1))
	require.NoError(t, tree.AddChild(10, 20, 2))
	require.NoError(t, tree.AddChild(20, 30, 3))

	sealed, err := tree.Seal(40)
	require.NoError(t, err)

	chunks := sealed.IntoChunks(0)
	require.Len(t, chunks, 1)
	got := collect[int](t, chunks)
	assert.Equal(t, [][]deltatree.Offset{{0, 10, 20, 30}}, got)
}

// IntoChunks groups multiple adjacent roots into the same chunk once
// desiredSize exceeds 1, and the final chunk may be short.
func TestIntoChunksGrouping(t *testing.T) {
	tree := deltatree.NewTree[int](5)
	for i, off := range []deltatree.Offset{0, 10, 20, 30, 40} {
		require.NoError(t, tree.AddRoot(off, i))
	}
	sealed, err := tree.Seal(50)
	require.NoError(t, err)

	chunks := sealed.IntoChunks(2)
	require.Len(t, chunks, 3)
	got := collect[int](t, chunks)
	assert.Equal(t, [][]deltatree.Offset{{0, 10}, {20, 30}, {40}}, got)
}

func TestCapacityExceededPanics(t *testing.T) {
	tree := deltatree.NewTree[int](1)
	require.NoError(t, tree.AddRoot(0, 0))
	assert.Panics(t, func() {
		_ = tree.AddRoot(10, 1)
	})
}

func TestSealTwicePanics(t *testing.T) {
	tree := deltatree.NewTree[int](1)
	require.NoError(t, tree.AddRoot(0, 0))
	_, err := tree.Seal(10)
	require.NoError(t, err)
	assert.Panics(t, func() {
		_, _ = tree.Seal(10)
	})
}

func TestSealEmptyTree(t *testing.T) {
	tree := deltatree.NewTree[int](0)
	sealed, err := tree.Seal(0)
	require.NoError(t, err)
	assert.Equal(t, 0, sealed.NumRoots())
	assert.Empty(t, sealed.IntoChunks(1))
}
