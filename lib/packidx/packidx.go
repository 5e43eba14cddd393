// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package packidx writes and reads the pack-index v2 sidecar file for
// a content-addressed object pack: a sorted-by-ID table mapping each
// object to its pack offset and CRC32, fronted by a 256-way fanout
// table for fast lookup, and trailed by the pack's own checksum and a
// checksum of the index itself.
package packidx

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"math"
	"sort"

	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct/binint"
)

// V2Signature is the 4-byte magic that opens a pack-index v2 file.
var V2Signature = [4]byte{0xff, 0x74, 0x4f, 0x63}

const v2Version = 2

// largeOffsetThreshold is the largest pack offset that fits directly
// in the 31-bit offset table; offsets beyond this are recorded in the
// 64-bit overflow table instead, with the high bit of the 31-bit slot
// set and the remaining bits used as an index into the overflow
// table.
const largeOffsetThreshold = 0x7fff_ffff

const highBit = 0x8000_0000

// HashKind returns the trailer hash constructor and size for a given
// object ID length: the pack-index v2 format's pack/index checksum
// trailer is always the same hash that produced the object IDs it
// indexes (20-byte SHA-1 IDs get a 20-byte trailer hash, 32-byte
// SHA-256 IDs get a 32-byte one), never a fixed algorithm.
func HashKind(idLen int) (newHash func() hash.Hash, size int, err error) {
	switch idLen {
	case sha1.Size:
		return sha1.New, sha1.Size, nil
	case sha256.Size:
		return sha256.New, sha256.Size, nil
	default:
		return nil, 0, &MalformedIndexError{
			Reason: fmt.Sprintf("unsupported object ID length %d (expected %d for SHA-1 or %d for SHA-256)", idLen, sha1.Size, sha256.Size),
		}
	}
}

// Entry is one object recorded in a pack: its identity, its offset
// within the pack, and the CRC32 of its on-disk (still
// delta/zlib-encoded) representation.
type Entry struct {
	ID     []byte
	Offset int64
	CRC32  uint32
}

// MalformedIndexError is returned by ReadIndex when the input is not
// a well-formed pack-index v2 file.
type MalformedIndexError struct {
	Reason string
}

func (e *MalformedIndexError) Error() string {
	return fmt.Sprintf("malformed pack index: %s", e.Reason)
}

// hashingWriter mirrors the "everything written passes through a
// running hash" pattern: every write updates digest, except writes
// made directly against inner via writeRaw.
type hashingWriter struct {
	inner  io.Writer
	digest hash.Hash
}

func newHashingWriter(w io.Writer, newHash func() hash.Hash) *hashingWriter {
	return &hashingWriter{inner: w, digest: newHash()}
}

func (w *hashingWriter) Write(p []byte) (int, error) {
	w.digest.Write(p)
	return w.inner.Write(p)
}

func (w *hashingWriter) writeRaw(p []byte) error {
	_, err := w.inner.Write(p)
	return err
}

// WriteV2 writes a pack-index v2 file covering entries (which need
// not be pre-sorted; WriteV2 sorts a copy by ID) and the pack's own
// checksum packHash, to w. It returns the checksum of the index file
// it just wrote, which is also the last bytes written to w.
//
// The trailer hash algorithm is derived from entries' object ID
// length (20 bytes selects SHA-1, 32 bytes selects SHA-256); packHash
// must already be a digest of that same length.
//
// WriteV2 mirrors the streaming-hash discipline of the format it
// writes: the index checksum is computed over every byte written to w
// by WriteV2, including packHash, and is itself appended to w
// unhashed as the final bytes of the file.
func WriteV2(w io.Writer, entries []Entry, packHash []byte) ([]byte, error) {
	if len(entries) == 0 {
		return nil, &MalformedIndexError{Reason: "refusing to write an index with no entries"}
	}
	if uint64(len(entries)) > math.MaxUint32 {
		return nil, &MalformedIndexError{Reason: "too many objects for a pack index"}
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ID, sorted[j].ID) < 0
	})

	idLen := len(sorted[0].ID)
	newHash, hashSize, err := HashKind(idLen)
	if err != nil {
		return nil, err
	}
	if len(packHash) != hashSize {
		return nil, &MalformedIndexError{
			Reason: fmt.Sprintf("pack hash must be %d bytes for a %d-byte object ID, got %d", hashSize, idLen, len(packHash)),
		}
	}

	hw := newHashingWriter(w, newHash)

	if _, err := hw.Write(V2Signature[:]); err != nil {
		return nil, err
	}
	if _, err := hw.Write(mustMarshal(binint.U32be(v2Version))); err != nil {
		return nil, err
	}

	needs64BitOffsets := false
	for _, e := range sorted {
		if e.Offset > largeOffsetThreshold {
			needs64BitOffsets = true
			break
		}
	}

	var fanout [256]uint32
	var firstByte int
	var smallOffsets []uint32
	var largeOffsets []uint64
	if needs64BitOffsets {
		smallOffsets = make([]uint32, 0, len(sorted))
	}

	for idx, e := range sorted {
		if len(e.ID) != idLen {
			return nil, &MalformedIndexError{
				Reason: fmt.Sprintf("entry %d has a %d-byte object ID, expected %d", idx, len(e.ID), idLen),
			}
		}
		for int(e.ID[0]) > firstByte {
			fanout[firstByte] = uint32(idx)
			firstByte++
		}
		if needs64BitOffsets && e.Offset > largeOffsetThreshold {
			if len(largeOffsets) >= largeOffsetThreshold {
				return nil, &MalformedIndexError{Reason: "too many large offsets to encode"}
			}
			smallOffsets = append(smallOffsets, uint32(len(largeOffsets))|highBit)
			largeOffsets = append(largeOffsets, uint64(e.Offset))
		} else if needs64BitOffsets {
			smallOffsets = append(smallOffsets, uint32(e.Offset))
		}
	}
	for b := firstByte; b < 256; b++ {
		fanout[b] = uint32(len(sorted))
	}

	for _, v := range fanout {
		if _, err := hw.Write(mustMarshal(binint.U32be(v))); err != nil {
			return nil, err
		}
	}
	for _, e := range sorted {
		if _, err := hw.Write(e.ID); err != nil {
			return nil, err
		}
	}
	for _, e := range sorted {
		if _, err := hw.Write(mustMarshal(binint.U32be(e.CRC32))); err != nil {
			return nil, err
		}
	}
	if needs64BitOffsets {
		for _, v := range smallOffsets {
			if _, err := hw.Write(mustMarshal(binint.U32be(v))); err != nil {
				return nil, err
			}
		}
		for _, v := range largeOffsets {
			if _, err := hw.Write(mustMarshal(binint.U64be(v))); err != nil {
				return nil, err
			}
		}
	} else {
		for _, e := range sorted {
			if _, err := hw.Write(mustMarshal(binint.U32be(uint32(e.Offset)))); err != nil {
				return nil, err
			}
		}
	}

	if _, err := hw.Write(packHash); err != nil {
		return nil, err
	}

	indexHash := hw.digest.Sum(nil)
	if err := hw.writeRaw(indexHash); err != nil {
		return nil, err
	}
	return indexHash, nil
}

func mustMarshal(v interface{ MarshalBinary() ([]byte, error) }) []byte {
	dat, err := v.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return dat
}
