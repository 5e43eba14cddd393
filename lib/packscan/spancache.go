// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package packscan

import (
	"context"

	"git.lukeshu.com/btrfs-progs-ng/lib/caching"
	"git.lukeshu.com/btrfs-progs-ng/lib/deltatree"
)

// Span identifies a byte range of a pack file by its start offset and
// length; it is the cache key used by a SpanCache.
type Span struct {
	Start deltatree.Offset
	Size  int
}

// SpanData is the cached value for a Span: either its raw on-disk
// bytes, or the error encountered reading them.
type SpanData struct {
	Bytes []byte
	Err   error
}

// SpanReader reads the raw on-disk bytes for span into buf, which
// SpanReader may reslice or replace.
type SpanReader func(ctx context.Context, span Span, buf []byte) ([]byte, error)

type spanSource struct {
	read SpanReader
}

func (s spanSource) Load(ctx context.Context, span Span, val *SpanData) {
	val.Bytes, val.Err = s.read(ctx, span, val.Bytes[:0])
}

func (s spanSource) Flush(context.Context, *SpanData) {}

// NewSpanCache returns a pinning cache of pack-file spans backed by
// read, holding up to capacity spans at once. Concurrent chunk
// walkers Acquire the span they need and Release it when done; a
// span in use by one goroutine is never evicted out from under
// another.
func NewSpanCache(capacity int, read SpanReader) caching.Cache[Span, SpanData] {
	return caching.NewARCache[Span, SpanData](capacity, spanSource{read: read})
}
