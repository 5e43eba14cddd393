// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
	"git.lukeshu.com/btrfs-progs-ng/lib/deltatree"
	"git.lukeshu.com/btrfs-progs-ng/lib/diskio"
	"git.lukeshu.com/btrfs-progs-ng/lib/packidx"
	"git.lukeshu.com/btrfs-progs-ng/lib/packscan"
)

// packAddr is the typed byte address used for all diskio.File access
// against pack files in this command.
type packAddr int64

// manifestEntry is one object as described by an external JSON
// manifest, mirroring how btrfs-rec accepts chunk/mapping data as a
// side-channel JSON file rather than parsing it out of the image
// itself.
type manifestEntry struct {
	Offset     int64  `json:"offset"`
	ID         string `json:"id"`
	BaseKind   string `json:"base_kind"` // "none", "offset", or "ref"
	BaseOffset int64  `json:"base_offset,omitempty"`
	BaseRef    string `json:"base_ref,omitempty"`
}

type manifest struct {
	IDSize         int             `json:"id_size"`
	PackEntriesEnd int64           `json:"pack_entries_end"`
	Entries        []manifestEntry `json:"entries"`
}

type objectData struct {
	ID []byte
}

func init() {
	var manifestFlag, packFlag, outFlag string

	cmd := cobra.Command{
		Use:   "build --manifest manifest.json --pack file.pack --out file.idx",
		Short: "Scan a pack's entries and write its pack-index v2 file",
	}
	cmd.Flags().StringVar(&manifestFlag, "manifest", "", "JSON file describing each pack entry's offset and delta base")
	cmd.Flags().StringVar(&packFlag, "pack", "", "the pack file the manifest describes")
	cmd.Flags().StringVar(&outFlag, "out", "", "where to write the pack-index v2 file")
	for _, name := range []string{"manifest", "pack", "out"} {
		if err := cmd.MarkFlagFilename(name); err != nil {
			panic(err)
		}
	}

	subcommands = append(subcommands, subcommand{
		Command: cmd,
		RunE: func(ctx context.Context, _ *cobra.Command, _ []string) error {
			return runBuild(ctx, manifestFlag, packFlag, outFlag)
		},
	})
}

func loadManifest(path string) (*manifest, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %q: %w", path, err)
	}
	if m.IDSize <= 0 {
		return nil, fmt.Errorf("manifest %q: id_size must be positive", path)
	}
	return &m, nil
}

func runBuild(ctx context.Context, manifestPath, packPath, outPath string) error {
	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}

	provider, idLookup, err := manifestProvider(m)
	if err != nil {
		return err
	}

	sealed, err := packscan.Build[objectData](ctx, packscan.BuildOptions[objectData]{
		NumEntries:       len(m.Entries),
		PackEntriesEnd:   deltatree.Offset(m.PackEntriesEnd),
		Provider:         provider,
		ResolveRef:       idLookup,
		ProgressInterval: 0,
	})
	if err != nil {
		return fmt.Errorf("scanning pack: %w", err)
	}

	entries, err := collectEntries(packPath, sealed)
	if err != nil {
		return fmt.Errorf("computing entry checksums: %w", err)
	}

	packHash, err := hashOfFile(packPath, m.IDSize)
	if err != nil {
		return fmt.Errorf("hashing pack: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := packidx.WriteV2(out, entries, packHash); err != nil {
		return fmt.Errorf("writing pack-index: %w", err)
	}
	return nil
}

// manifestProvider adapts a parsed manifest into the callback shape
// packscan.Build expects, and builds the ID->offset lookup table
// REF_DELTA entries are resolved against.
func manifestProvider(m *manifest) (packscan.EntryProvider[objectData], packscan.IDLookup, error) {
	offsetsByID := make(map[string]deltatree.Offset, len(m.Entries))
	for _, e := range m.Entries {
		id, err := hex.DecodeString(e.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("entry at offset %d: bad id %q: %w", e.Offset, e.ID, err)
		}
		offsetsByID[string(id)] = deltatree.Offset(e.Offset)
	}

	i := 0
	provider := func(_ context.Context) (packscan.EntryMeta, objectData, bool, error) {
		if i >= len(m.Entries) {
			return packscan.EntryMeta{}, objectData{}, false, nil
		}
		me := m.Entries[i]
		i++

		id, err := hex.DecodeString(me.ID)
		if err != nil {
			return packscan.EntryMeta{}, objectData{}, false, fmt.Errorf("entry at offset %d: bad id %q: %w", me.Offset, me.ID, err)
		}

		meta := packscan.EntryMeta{Offset: deltatree.Offset(me.Offset)}
		switch me.BaseKind {
		case "", "none":
			meta.Base.Kind = packscan.BaseNone
		case "offset":
			meta.Base.Kind = packscan.BaseOffset
			meta.Base.Offset = deltatree.Offset(me.BaseOffset)
		case "ref":
			refID, err := hex.DecodeString(me.BaseRef)
			if err != nil {
				return packscan.EntryMeta{}, objectData{}, false, fmt.Errorf("entry at offset %d: bad base_ref %q: %w", me.Offset, me.BaseRef, err)
			}
			meta.Base.Kind = packscan.BaseRef
			meta.Base.RefID = refID
		default:
			return packscan.EntryMeta{}, objectData{}, false, fmt.Errorf("entry at offset %d: unrecognized base_kind %q", me.Offset, me.BaseKind)
		}

		return meta, objectData{ID: id}, true, nil
	}

	lookup := func(id packscan.ObjectID) containers.Optional[deltatree.Offset] {
		off, ok := offsetsByID[string(id)]
		return containers.Optional[deltatree.Offset]{OK: ok, Val: off}
	}

	return provider, lookup, nil
}

var crc32Buffers containers.SlicePool[byte]

// collectEntries walks every chunk of the sealed tree, reading each
// entry's on-disk span out of the pack to compute its CRC32.
func collectEntries(packPath string, sealed *deltatree.SealedTree[objectData]) ([]packidx.Entry, error) {
	f, err := os.Open(packPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	osFile := &diskio.OSFile[packAddr]{File: f}
	buffered := diskio.NewBufferedFile[packAddr](osFile, 4096, 64)

	var entries []packidx.Entry
	for _, chunk := range sealed.IntoChunks(0) {
		err := chunk.Walk(func(n *deltatree.Node[objectData]) error {
			start, end := n.Range()
			size := int(end - start)
			if size < 0 {
				return fmt.Errorf("entry at offset %d has a negative span", start)
			}

			buf := crc32Buffers.Get(size)
			defer crc32Buffers.Put(buf)

			if _, err := buffered.ReadAt(buf, packAddr(start)); err != nil {
				return fmt.Errorf("reading entry at offset %d: %w", start, err)
			}

			entries = append(entries, packidx.Entry{
				ID:     n.Data().ID,
				Offset: int64(start),
				CRC32:  crc32.ChecksumIEEE(buf),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// hashOfFile hashes path with whichever algorithm packidx.HashKind
// says corresponds to idSize, so the pack hash it returns is always
// the right length to be written as WriteV2's trailer.
func hashOfFile(path string, idSize int) ([]byte, error) {
	newHash, _, err := packidx.HashKind(idSize)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
