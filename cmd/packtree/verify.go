// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"sync/atomic"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-progs-ng/lib/deltatree"
	"git.lukeshu.com/btrfs-progs-ng/lib/diskio"
	"git.lukeshu.com/btrfs-progs-ng/lib/packidx"
	"git.lukeshu.com/btrfs-progs-ng/lib/packscan"
)

func init() {
	var manifestFlag, packFlag, idxFlag string
	var idSizeFlag, chunkSizeFlag, workersFlag int

	cmd := cobra.Command{
		Use:   "verify --manifest manifest.json --pack file.pack --idx file.idx",
		Short: "Re-walk a pack's delta tree concurrently and check CRC32s against an index",
	}
	cmd.Flags().StringVar(&manifestFlag, "manifest", "", "JSON file describing each pack entry's offset and delta base")
	cmd.Flags().StringVar(&packFlag, "pack", "", "the pack file the manifest describes")
	cmd.Flags().StringVar(&idxFlag, "idx", "", "the pack-index v2 file to check against")
	cmd.Flags().IntVar(&idSizeFlag, "id-size", 20, "object ID length in bytes (20 for SHA-1, 32 for SHA-256)")
	cmd.Flags().IntVar(&chunkSizeFlag, "chunk-size", 64, "number of roots per chunk, i.e. the unit of concurrency")
	cmd.Flags().IntVar(&workersFlag, "workers", 4, "number of chunks to verify concurrently")

	subcommands = append(subcommands, subcommand{
		Command: cmd,
		RunE: func(ctx context.Context, _ *cobra.Command, _ []string) error {
			return runVerify(ctx, manifestFlag, packFlag, idxFlag, idSizeFlag, chunkSizeFlag, workersFlag)
		},
	})
}

// ChecksumMismatchError is returned by verify when a pack entry's
// recomputed CRC32 does not match what the index recorded for it.
type ChecksumMismatchError struct {
	Offset   int64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("entry at offset %d: index says crc32=%08x, pack contains %08x", e.Offset, e.Expected, e.Actual)
}

func runVerify(ctx context.Context, manifestPath, packPath, idxPath string, idSize, chunkSize, workers int) error {
	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}
	provider, idLookup, err := manifestProvider(m)
	if err != nil {
		return err
	}
	sealed, err := packscan.Build[objectData](ctx, packscan.BuildOptions[objectData]{
		NumEntries:     len(m.Entries),
		PackEntriesEnd: deltatree.Offset(m.PackEntriesEnd),
		Provider:       provider,
		ResolveRef:     idLookup,
	})
	if err != nil {
		return fmt.Errorf("scanning pack: %w", err)
	}

	idxFile, err := os.Open(idxPath)
	if err != nil {
		return err
	}
	defer idxFile.Close()
	info, err := idxFile.Stat()
	if err != nil {
		return err
	}
	idx, err := packidx.ReadIndex(idxFile, info.Size(), idSize)
	if err != nil {
		return fmt.Errorf("reading %q: %w", idxPath, err)
	}

	packFile, err := os.Open(packPath)
	if err != nil {
		return err
	}
	defer packFile.Close()
	osFile := &diskio.OSFile[packAddr]{File: packFile}
	buffered := diskio.NewBufferedFile[packAddr](osFile, 4096, 64)

	spans := packscan.NewSpanCache(2*workers, func(_ context.Context, span packscan.Span, buf []byte) ([]byte, error) {
		if cap(buf) < span.Size {
			buf = make([]byte, span.Size)
		} else {
			buf = buf[:span.Size]
		}
		if _, err := buffered.ReadAt(buf, packAddr(span.Start)); err != nil {
			return nil, err
		}
		return buf, nil
	})

	chunks := sealed.IntoChunks(chunkSize)
	var numOK int64

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	sem := make(chan struct{}, workers)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		grp.Go(fmt.Sprintf("chunk-%d", i), func(ctx context.Context) error {
			sem <- struct{}{}
			defer func() { <-sem }()

			return chunk.Walk(func(n *deltatree.Node[objectData]) error {
				start, end := n.Range()
				span := packscan.Span{Start: start, Size: int(end - start)}

				data := spans.Acquire(ctx, span)
				defer spans.Release(span)
				if data.Err != nil {
					return fmt.Errorf("reading entry at offset %d: %w", int64(start), data.Err)
				}

				_, expected, ok := idx.Lookup(n.Data().ID)
				if !ok {
					return fmt.Errorf("entry at offset %d: id %x not present in index", int64(start), n.Data().ID)
				}
				actual := crc32.ChecksumIEEE(data.Bytes)
				if actual != expected {
					return &ChecksumMismatchError{Offset: int64(start), Expected: expected, Actual: actual}
				}
				atomic.AddInt64(&numOK, 1)
				return nil
			})
		})
	}

	if err := grp.Wait(); err != nil {
		return err
	}
	dlog.Infof(ctx, "verified %d entries across %d chunks", numOK, len(chunks))
	return nil
}
