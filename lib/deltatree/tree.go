// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package deltatree

import (
	"golang.org/x/exp/slices"

	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
)

type lastKind uint8

const (
	lastNone lastKind = iota
	lastRoot
	lastChild
)

// pendingRef is a forward reference: a child was inserted whose base
// offset had not yet been seen.  It is resolved when the tree is
// sealed.
type pendingRef struct {
	BaseOffset Offset
	ChildIndex int
}

// Tree records the parent/child structure of a pack's delta entries
// while the pack is being scanned, in on-disk (strictly increasing
// offset) order.  It is populated by a single producer through
// AddRoot/AddChild, then consumed exactly once by Seal.
//
// The zero Tree is not usable; construct one with NewTree.
type Tree[T any] struct {
	capacity int

	// roots holds entries with no delta base, in descending offset
	// order: each new root is logically prepended, so the
	// most-recently-inserted root is always roots[0].
	roots []Item[T]
	// children holds entries with a delta base, in ascending
	// offset order (append-only).  A Children index recorded on
	// any Item refers to a position in this slice.
	children []Item[T]

	last    lastKind
	pending []pendingRef

	sealed bool
}

// NewTree reserves storage for exactly capacity items.  Inserting
// beyond capacity is a programming error: it panics with
// *CapacityExceededError rather than growing the tree, so that
// indices handed out by AddChild/AddRoot remain stable for the life
// of the tree.
func NewTree[T any](capacity int) *Tree[T] {
	return &Tree[T]{
		capacity: capacity,
		roots:    make([]Item[T], 0, capacity),
		children: make([]Item[T], 0, capacity),
	}
}

func cmpOffset(a, b Offset) int {
	return containers.CmpUint(uint64(a), uint64(b))
}

func (t *Tree[T]) lastItem() *Item[T] {
	switch t.last {
	case lastRoot:
		return &t.roots[0]
	case lastChild:
		return &t.children[len(t.children)-1]
	default:
		return nil
	}
}

// recordOffset is the offset-ordering monitor: it checks the
// previously-inserted item's offset against the incoming one, and (if
// this is not the first item) stamps the previous item's NextOffset.
func (t *Tree[T]) recordOffset(offset Offset) error {
	last := t.lastItem()
	if last == nil {
		return nil
	}
	if offset <= last.Offset {
		return &IncreasingOffsetViolationError{Last: last.Offset, Current: offset}
	}
	last.NextOffset = offset
	return nil
}

func (t *Tree[T]) checkCapacity() {
	if len(t.roots)+len(t.children) >= t.capacity {
		panic(&CapacityExceededError{Declared: t.capacity})
	}
}

func searchChildren[T any](children []Item[T], baseOffset Offset) (int, bool) {
	return slices.BinarySearchFunc(children, baseOffset, func(it Item[T], target Offset) int {
		return cmpOffset(it.Offset, target)
	})
}

// searchRoots searches the roots region, which is stored in
// descending offset order (see Tree.roots); the comparator is
// reversed relative to searchChildren to account for that.
func searchRoots[T any](roots []Item[T], baseOffset Offset) (int, bool) {
	return slices.BinarySearchFunc(roots, baseOffset, func(it Item[T], target Offset) int {
		return cmpOffset(target, it.Offset)
	})
}

// AddRoot records a new root node: an entry with no delta base, at
// the given pack offset, carrying data.
func (t *Tree[T]) AddRoot(offset Offset, data T) error {
	if t.sealed {
		panic("deltatree: AddRoot called on a sealed Tree")
	}
	if err := t.recordOffset(offset); err != nil {
		return err
	}
	t.checkCapacity()
	t.roots = append(t.roots, Item[T]{})
	copy(t.roots[1:], t.roots[:len(t.roots)-1])
	t.roots[0] = Item[T]{Offset: offset, Data: data}
	t.last = lastRoot
	return nil
}

// AddChild records a new delta entry at offset, against the base
// entry at baseOffset.  If the base has already been seen, the link
// is made immediately; otherwise the reference is queued and resolved
// at Seal time.
func (t *Tree[T]) AddChild(baseOffset, offset Offset, data T) error {
	if t.sealed {
		panic("deltatree: AddChild called on a sealed Tree")
	}
	if err := t.recordOffset(offset); err != nil {
		return err
	}
	t.checkCapacity()

	childIndex := len(t.children)
	linked := false
	if i, ok := searchChildren(t.children, baseOffset); ok {
		t.children[i].Children = append(t.children[i].Children, childIndex)
		linked = true
	} else if i, ok := searchRoots(t.roots, baseOffset); ok {
		t.roots[i].Children = append(t.roots[i].Children, childIndex)
		linked = true
	}

	t.children = append(t.children, Item[T]{Offset: offset, Data: data})
	if !linked {
		t.pending = append(t.pending, pendingRef{BaseOffset: baseOffset, ChildIndex: childIndex})
	}
	t.last = lastChild
	return nil
}

// resolvePending links every queued forward reference onto its base,
// or fails with *DanglingBaseOffsetError if the base was never seen.
func (t *Tree[T]) resolvePending() error {
	for _, p := range t.pending {
		if i, ok := searchChildren(t.children, p.BaseOffset); ok {
			t.children[i].Children = append(t.children[i].Children, p.ChildIndex)
			continue
		}
		if i, ok := searchRoots(t.roots, p.BaseOffset); ok {
			t.roots[i].Children = append(t.roots[i].Children, p.ChildIndex)
			continue
		}
		return &DanglingBaseOffsetError{BaseOffset: p.BaseOffset}
	}
	t.pending = nil
	return nil
}

// Seal resolves any pending forward references, stamps the final
// entry's NextOffset with packEntriesEnd, and returns a SealedTree
// ready for traversal.  Seal may only be called once.
func (t *Tree[T]) Seal(packEntriesEnd Offset) (*SealedTree[T], error) {
	if t.sealed {
		panic("deltatree: Seal called twice on the same Tree")
	}
	if err := t.resolvePending(); err != nil {
		return nil, err
	}
	if last := t.lastItem(); last != nil {
		last.NextOffset = packEntriesEnd
	}
	t.sealed = true
	return &SealedTree[T]{roots: t.roots, children: t.children}, nil
}
