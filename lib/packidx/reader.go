// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package packidx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
)

// Index is a pack-index v2 file loaded into memory: the fanout table
// and the three parallel sorted-by-ID tables (IDs, CRC32s, offsets).
// An Index is safe for concurrent Lookup calls.
type Index struct {
	idLen   int
	fanout  [256]uint32
	ids     []byte
	crc32s  []uint32
	offsets []int64

	lookupCache *containers.LRUCache[string, lookupResult]
}

type lookupResult struct {
	offset int64
	crc32  uint32
}

// ReadIndex parses a pack-index v2 file. idLen is the byte length of
// the object IDs it contains (20 for SHA-1, 32 for SHA-256); ReadIndex
// has no way to infer this from the file itself, since the format
// stores IDs back-to-back with no length prefix. The trailer hash
// algorithm, and thus its on-disk size, is derived from idLen the same
// way WriteV2 derives it when writing.
func ReadIndex(r io.ReaderAt, size int64, idLen int) (*Index, error) {
	if idLen <= 0 {
		return nil, &MalformedIndexError{Reason: "idLen must be positive"}
	}
	newHash, hashSize, err := HashKind(idLen)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}

	if len(buf) < 4+4+256*4+hashSize*2 {
		return nil, &MalformedIndexError{Reason: "file is too short to contain a header and trailer"}
	}
	if !bytes.Equal(buf[0:4], V2Signature[:]) {
		return nil, &MalformedIndexError{Reason: "bad magic signature"}
	}
	if version := binary.BigEndian.Uint32(buf[4:8]); version != v2Version {
		return nil, &MalformedIndexError{Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	pos := 8
	var fanout [256]uint32
	for i := range fanout {
		fanout[i] = binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
	}
	numEntries := int(fanout[255])

	idsLen := numEntries * idLen
	if pos+idsLen > len(buf) {
		return nil, &MalformedIndexError{Reason: "truncated ID table"}
	}
	ids := buf[pos : pos+idsLen]
	pos += idsLen

	crc32sLen := numEntries * 4
	if pos+crc32sLen > len(buf) {
		return nil, &MalformedIndexError{Reason: "truncated CRC32 table"}
	}
	crc32s := make([]uint32, numEntries)
	for i := 0; i < numEntries; i++ {
		crc32s[i] = binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
	}

	smallOffsetsLen := numEntries * 4
	if pos+smallOffsetsLen > len(buf) {
		return nil, &MalformedIndexError{Reason: "truncated offset table"}
	}
	smallOffsets := make([]uint32, numEntries)
	for i := 0; i < numEntries; i++ {
		smallOffsets[i] = binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
	}

	numLarge := 0
	for _, v := range smallOffsets {
		if v&highBit != 0 {
			numLarge++
		}
	}
	largeOffsetsLen := numLarge * 8
	if pos+largeOffsetsLen > len(buf) {
		return nil, &MalformedIndexError{Reason: "truncated large-offset table"}
	}
	largeOffsets := make([]uint64, numLarge)
	for i := 0; i < numLarge; i++ {
		largeOffsets[i] = binary.BigEndian.Uint64(buf[pos : pos+8])
		pos += 8
	}

	offsets := make([]int64, numEntries)
	for i, v := range smallOffsets {
		if v&highBit != 0 {
			idx := v &^ highBit
			if int(idx) >= len(largeOffsets) {
				return nil, &MalformedIndexError{Reason: "large-offset index out of range"}
			}
			offsets[i] = int64(largeOffsets[idx])
		} else {
			offsets[i] = int64(v)
		}
	}

	if pos+hashSize*2 > len(buf) {
		return nil, &MalformedIndexError{Reason: "truncated trailer"}
	}
	packHash := buf[pos : pos+hashSize]
	pos += hashSize
	storedIndexHash := buf[pos : pos+hashSize]
	pos += hashSize

	digest := newHash()
	digest.Write(buf[:pos-hashSize])
	_ = packHash
	if !bytes.Equal(digest.Sum(nil), storedIndexHash) {
		return nil, &MalformedIndexError{Reason: "index checksum mismatch"}
	}

	return &Index{
		idLen:       idLen,
		fanout:      fanout,
		ids:         ids,
		crc32s:      crc32s,
		offsets:     offsets,
		lookupCache: containers.NewLRUCache[string, lookupResult](1024),
	}, nil
}

// NumEntries returns the number of objects recorded in the index.
func (idx *Index) NumEntries() int {
	return len(idx.offsets)
}

// Lookup returns the pack offset and CRC32 recorded for id, or ok=false
// if id does not appear in the index. Recently looked-up offsets are
// memoized in an LRU cache keyed by id.
func (idx *Index) Lookup(id []byte) (offset int64, crc32 uint32, ok bool) {
	if len(id) != idx.idLen {
		return 0, 0, false
	}
	if cached, hit := idx.lookupCache.Get(string(id)); hit {
		return cached.offset, cached.crc32, true
	}

	i := idx.indexOf(id)
	if i < 0 {
		return 0, 0, false
	}
	result := lookupResult{offset: idx.offsets[i], crc32: idx.crc32s[i]}
	idx.lookupCache.Add(string(id), result)
	return result.offset, result.crc32, true
}

// indexOf binary-searches the fanout-partitioned, sorted ID table.
func (idx *Index) indexOf(id []byte) int {
	first := int(id[0])
	lo := 0
	if first > 0 {
		lo = int(idx.fanout[first-1])
	}
	hi := int(idx.fanout[first])

	for lo < hi {
		mid := (lo + hi) / 2
		candidate := idx.ids[mid*idx.idLen : (mid+1)*idx.idLen]
		switch bytes.Compare(candidate, id) {
		case 0:
			return mid
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -1
}
