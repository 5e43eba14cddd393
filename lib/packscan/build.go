// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package packscan drives a single left-to-right scan of a pack file
// and feeds what it finds into a deltatree.Tree, producing a sealed
// tree ready to be split into chunks for concurrent consumption.
//
// The actual pack byte format (zlib streams, varint object headers,
// OBJ_OFS_DELTA/OBJ_REF_DELTA framing) is deliberately outside this
// package's concern; callers supply an EntryProvider that has already
// decoded each entry's offset and base hint.
package packscan

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
	"git.lukeshu.com/btrfs-progs-ng/lib/deltatree"
	"git.lukeshu.com/btrfs-progs-ng/lib/textui"
)

// ObjectID is the content-addressed identity of a pack object, e.g. a
// 20-byte SHA-1 or 32-byte SHA-256 digest.
type ObjectID []byte

// BaseKind classifies how an entry's delta base (if any) is
// expressed on disk.
type BaseKind int

const (
	// BaseNone means the entry is not a delta; it is a root.
	BaseNone BaseKind = iota
	// BaseOffset means the entry is an OFS_DELTA: BaseHint.Offset
	// holds the absolute pack offset at which its base starts.
	BaseOffset
	// BaseRef means the entry is a REF_DELTA: its base is given
	// by object ID and must be resolved to an offset via an
	// IDLookup before it can be recorded in the tree.
	BaseRef
)

// BaseHint is what the byte decoder tells packscan about one entry's
// delta base.
type BaseHint struct {
	Kind   BaseKind
	Offset deltatree.Offset
	RefID  ObjectID
}

// EntryMeta is the per-entry metadata a decoder hands to Build: where
// the entry starts in the pack, and what it deltas against.
type EntryMeta struct {
	Offset deltatree.Offset
	Base   BaseHint
}

// EntryProvider yields one pack entry's metadata and payload per call,
// in strictly increasing offset order, until it reports ok=false (end
// of pack) or a non-nil error.
type EntryProvider[T any] func(ctx context.Context) (meta EntryMeta, data T, ok bool, err error)

// IDLookup resolves a REF_DELTA's base object ID to its offset within
// the pack being scanned. It returns an Optional with OK=false if id
// is not present in the pack (e.g. the base lives in a different pack
// entirely, a "thin pack" base), in which case Build treats the entry
// as a root.
type IDLookup func(id ObjectID) containers.Optional[deltatree.Offset]

// InterruptedError is returned by Build when ctx is cancelled before
// the scan completes.
type InterruptedError struct {
	Cause error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("pack scan interrupted: %v", e.Cause)
}

func (e *InterruptedError) Unwrap() error {
	return e.Cause
}

// BuildOptions configures Build.
type BuildOptions[T any] struct {
	// NumEntries is the exact number of entries the provider will
	// yield; it sizes the underlying deltatree.Tree's capacity.
	NumEntries int
	// PackEntriesEnd is the offset immediately following the last
	// entry's data, passed through to deltatree.Tree.Seal.
	PackEntriesEnd deltatree.Offset
	// Provider supplies each entry in on-disk order.
	Provider EntryProvider[T]
	// ResolveRef resolves REF_DELTA base IDs to offsets. It is
	// only consulted for entries whose BaseHint.Kind is BaseRef;
	// it may be nil if the pack contains none.
	ResolveRef IDLookup
	// ProgressInterval, if non-zero, turns on periodic progress
	// logging at this interval.
	ProgressInterval time.Duration
}

type scanStats struct {
	Roots    int
	Children int
	Skipped  int
}

func (s scanStats) String() string {
	return fmt.Sprintf("scanning pack: %d roots, %d deltas, %d unresolved ref-deltas treated as roots",
		s.Roots, s.Children, s.Skipped)
}

// Build performs one left-to-right pass over a pack via opts.Provider,
// recording every entry into a deltatree.Tree and sealing it once the
// provider is exhausted. It returns *InterruptedError if ctx is
// cancelled mid-scan, and otherwise surfaces deltatree's own
// ordering/dangling-base errors unchanged.
func Build[T any](ctx context.Context, opts BuildOptions[T]) (*deltatree.SealedTree[T], error) {
	tree := deltatree.NewTree[T](opts.NumEntries)

	var progress *textui.Progress[scanStats]
	if opts.ProgressInterval > 0 {
		progress = textui.NewProgress[scanStats](ctx, dlog.LogLevelInfo, opts.ProgressInterval)
		defer progress.Done()
	}

	var stats scanStats

	for {
		if err := ctx.Err(); err != nil {
			return nil, &InterruptedError{Cause: err}
		}

		meta, data, ok, err := opts.Provider(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		switch meta.Base.Kind {
		case BaseNone:
			if err := tree.AddRoot(meta.Offset, data); err != nil {
				return nil, err
			}
			stats.Roots++
		case BaseOffset:
			if err := tree.AddChild(meta.Base.Offset, meta.Offset, data); err != nil {
				return nil, err
			}
			stats.Children++
		case BaseRef:
			var base containers.Optional[deltatree.Offset]
			if opts.ResolveRef != nil {
				base = opts.ResolveRef(meta.Base.RefID)
			}
			if !base.OK {
				if err := tree.AddRoot(meta.Offset, data); err != nil {
					return nil, err
				}
				stats.Roots++
				stats.Skipped++
				continue
			}
			if err := tree.AddChild(base.Val, meta.Offset, data); err != nil {
				return nil, err
			}
			stats.Children++
		default:
			return nil, fmt.Errorf("packscan: entry at offset %v has unrecognized base kind %v", meta.Offset, meta.Base.Kind)
		}

		if progress != nil {
			progress.Set(stats)
		}
	}

	return tree.Seal(opts.PackEntriesEnd)
}
