// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package deltatree implements a forest that records, for every entry
// in a content-addressed object pack, its byte position, its optional
// delta base, and the entries that delta against it.
//
// A Tree is built by a single producer while scanning a pack in
// on-disk order, sealed exactly once, and then consumed exactly once
// by splitting it into Chunks that independent workers can walk
// without synchronization.
package deltatree

import (
	"fmt"

	"git.lukeshu.com/btrfs-progs-ng/lib/fmtutil"
)

// Offset is a byte position within a pack.  Offsets recorded by a Tree
// must be strictly increasing in insertion order.
type Offset int64

// Format implements fmt.Formatter, rendering Offset in hex for %v/%s/%q
// (and falling through to the plain integer for other verbs like %d),
// the same convention the teacher uses for its own disk/logical
// address types.
func (o Offset) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), fmt.Sprintf("%#016x", int64(o)))
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), int64(o))
	}
}

// Item is one entry recorded in a Tree: its pack position, the
// position of whatever follows it, the caller's payload, and the
// entries that delta against it.
type Item[T any] struct {
	// Offset is this entry's start offset in the pack.
	Offset Offset
	// NextOffset is this entry's exclusive end offset; it is the
	// start offset of whatever comes after it in the pack, or (for
	// the final entry) the value passed to Seal.
	NextOffset Offset
	// Data is the caller's payload for this entry.
	Data T
	// Children holds, for each entry that is a delta against this
	// one, its index into the owning Tree's children region.
	Children []int
}

// Range returns the byte range [Offset, NextOffset) this entry
// occupies in the pack.
func (it *Item[T]) Range() (Offset, Offset) {
	return it.Offset, it.NextOffset
}

// IncreasingOffsetViolationError is returned by AddRoot/AddChild when
// offset does not strictly increase over the previously inserted
// entry's offset.
type IncreasingOffsetViolationError struct {
	Last, Current Offset
}

func (e *IncreasingOffsetViolationError) Error() string {
	return fmt.Sprintf("pack offsets must only increase: last offset was %v, got %v", e.Last, e.Current)
}

// DanglingBaseOffsetError is returned by Seal when a pending child's
// base offset does not match any item in the tree.
type DanglingBaseOffsetError struct {
	BaseOffset Offset
}

func (e *DanglingBaseOffsetError) Error() string {
	return fmt.Sprintf("delta base at offset %v is not in the pack", e.BaseOffset)
}

// CapacityExceededError panics out of AddRoot/AddChild when more
// items are inserted than the capacity a Tree was constructed with;
// this is a programming error in the caller, not a malformed pack.
type CapacityExceededError struct {
	Declared int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("deltatree: capacity exceeded: tree was declared with capacity %d", e.Declared)
}
