// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package deltatree

// SealedTree is the immutable result of sealing a Tree.  It cannot be
// mutated; it is split into Chunks for concurrent, lock-free
// traversal and then discarded.
type SealedTree[T any] struct {
	roots    []Item[T]
	children []Item[T]
}

// NumRoots returns the number of entries with no delta base.
func (s *SealedTree[T]) NumRoots() int {
	return len(s.roots)
}

// NumChildren returns the number of entries that delta against
// another entry.
func (s *SealedTree[T]) NumChildren() int {
	return len(s.children)
}

// Node is a read-only handle onto one entry of a SealedTree, reached
// while walking a Chunk.
type Node[T any] struct {
	tree *SealedTree[T]
	item *Item[T]
}

// Data returns a pointer to the caller-supplied payload for this
// entry.  The pointer is valid for the lifetime of the owning
// SealedTree.
func (n *Node[T]) Data() *T {
	return &n.item.Data
}

// Range returns the byte range [offset, nextOffset) this entry
// occupies in the pack.
func (n *Node[T]) Range() (Offset, Offset) {
	return n.item.Range()
}

// NumChildren returns how many entries delta against this one.
func (n *Node[T]) NumChildren() int {
	return len(n.item.Children)
}

func (n *Node[T]) childNode(i int) Node[T] {
	return Node[T]{tree: n.tree, item: &n.tree.children[n.item.Children[i]]}
}

// Chunk is a disjoint, contiguous run of roots (and, transitively,
// their descendants) that can be walked independently of every other
// Chunk produced from the same SealedTree, without synchronization.
//
// rootStart/rootEnd are logical root indices in ascending-offset
// order; since tree.roots itself is stored in descending-offset order
// (see Tree.roots), they are mapped to storage indices via
// rootStorageIndex before use.
type Chunk[T any] struct {
	tree      *SealedTree[T]
	rootStart int // inclusive, logical ascending-offset index
	rootEnd   int // exclusive, logical ascending-offset index
}

// rootStorageIndex converts a logical ascending-offset root index into
// the corresponding index into the descending-ordered tree.roots.
func rootStorageIndex[T any](tree *SealedTree[T], logical int) int {
	return len(tree.roots) - 1 - logical
}

// Walk visits every node reachable from this chunk's roots, in
// ascending-offset, pre-order (a root or child is visited before the
// entries that delta against it), stopping at the first error
// returned by fn.
func (c *Chunk[T]) Walk(fn func(*Node[T]) error) error {
	for i := c.rootStart; i < c.rootEnd; i++ {
		n := Node[T]{tree: c.tree, item: &c.tree.roots[rootStorageIndex(c.tree, i)]}
		if err := walkNode(&n, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkNode[T any](n *Node[T], fn func(*Node[T]) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for i := 0; i < n.NumChildren(); i++ {
		child := n.childNode(i)
		if err := walkNode(&child, fn); err != nil {
			return err
		}
	}
	return nil
}

// IntoChunks splits a SealedTree into chunks of roughly desiredSize
// roots each (the final chunk may be smaller), consuming the tree: no
// method on the SealedTree or on any Chunk it previously produced may
// be called again.  Every returned Chunk can be walked by a different
// goroutine concurrently with no shared mutable state between them.
//
// desiredSize must be a positive number of roots per chunk; a value
// of 0 or less yields a single chunk containing every root.
func (s *SealedTree[T]) IntoChunks(desiredSize int) []*Chunk[T] {
	total := len(s.roots)
	if total == 0 {
		return nil
	}
	if desiredSize <= 0 {
		desiredSize = total
	}
	numChunks := (total + desiredSize - 1) / desiredSize
	chunks := make([]*Chunk[T], 0, numChunks)
	for start := 0; start < total; start += desiredSize {
		end := start + desiredSize
		if end > total {
			end = total
		}
		chunks = append(chunks, &Chunk[T]{tree: s, rootStart: start, rootEnd: end})
	}
	return chunks
}
