// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package packidx_test

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/packidx"
)

func fakeID(n byte) []byte {
	id := make([]byte, 32)
	id[0] = n
	id[31] = n
	return id
}

func fakeSHA1ID(n byte) []byte {
	id := make([]byte, 20)
	id[0] = n
	id[19] = n
	return id
}

// S6: writing an index and reading it back recovers every entry's
// offset and CRC32, and the stored index checksum verifies.
func TestWriteThenReadRoundTrip(t *testing.T) {
	entries := []packidx.Entry{
		{ID: fakeID(3), Offset: 12, CRC32: 0xdeadbeef},
		{ID: fakeID(1), Offset: 80, CRC32: 0x00c0ffee},
		{ID: fakeID(2), Offset: 40, CRC32: 0x0badf00d},
	}
	packHash := sha256.Sum256([]byte("pack contents"))

	var buf bytes.Buffer
	indexHash, err := packidx.WriteV2(&buf, entries, packHash[:])
	require.NoError(t, err)
	assert.NotEmpty(t, indexHash)

	idx, err := packidx.ReadIndex(bytes.NewReader(buf.Bytes()), int64(buf.Len()), 32)
	require.NoError(t, err)
	assert.Equal(t, 3, idx.NumEntries())

	for _, e := range entries {
		offset, crc32, ok := idx.Lookup(e.ID)
		require.True(t, ok, "expected to find %x", e.ID)
		assert.Equal(t, e.Offset, offset)
		assert.Equal(t, e.CRC32, crc32)
	}

	_, _, ok := idx.Lookup(fakeID(99))
	assert.False(t, ok)
}

// S6b: the default, SHA-1-sized id-size=20 case (cmd/packtree's flag
// default) writes and reads back a byte-exact 40-byte trailer (20-byte
// pack hash + 20-byte index hash), not a 64-byte SHA-256 one.
func TestWriteThenReadRoundTripSHA1(t *testing.T) {
	entries := []packidx.Entry{
		{ID: fakeSHA1ID(3), Offset: 12, CRC32: 0xdeadbeef},
		{ID: fakeSHA1ID(1), Offset: 80, CRC32: 0x00c0ffee},
		{ID: fakeSHA1ID(2), Offset: 40, CRC32: 0x0badf00d},
	}
	packHash := sha1.Sum([]byte("pack contents"))

	var buf bytes.Buffer
	indexHash, err := packidx.WriteV2(&buf, entries, packHash[:])
	require.NoError(t, err)
	require.Len(t, indexHash, sha1.Size)

	idx, err := packidx.ReadIndex(bytes.NewReader(buf.Bytes()), int64(buf.Len()), 20)
	require.NoError(t, err)
	assert.Equal(t, 3, idx.NumEntries())

	for _, e := range entries {
		offset, crc32, ok := idx.Lookup(e.ID)
		require.True(t, ok, "expected to find %x", e.ID)
		assert.Equal(t, e.Offset, offset)
		assert.Equal(t, e.CRC32, crc32)
	}
}

// A pack hash of the wrong length for the declared object ID length is
// rejected rather than silently truncated or zero-padded into a
// mismatched trailer.
func TestWriteV2RejectsMismatchedPackHashLength(t *testing.T) {
	entries := []packidx.Entry{
		{ID: fakeSHA1ID(1), Offset: 12, CRC32: 1},
	}
	var buf bytes.Buffer
	_, err := packidx.WriteV2(&buf, entries, make([]byte, sha256.Size))
	assert.Error(t, err)
}

// An object ID length packtree doesn't recognize (neither SHA-1 nor
// SHA-256) is rejected instead of guessing a trailer size.
func TestReadIndexRejectsUnsupportedIDLen(t *testing.T) {
	buf := bytes.Repeat([]byte{0}, 4+4+256*4+2*16)
	_, err := packidx.ReadIndex(bytes.NewReader(buf), int64(len(buf)), 16)
	assert.Error(t, err)
}

func TestWriteV2RejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	_, err := packidx.WriteV2(&buf, nil, make([]byte, 32))
	assert.Error(t, err)
}

func TestReadIndexRejectsBadMagic(t *testing.T) {
	buf := bytes.Repeat([]byte{0}, 4+4+256*4+64)
	_, err := packidx.ReadIndex(bytes.NewReader(buf), int64(len(buf)), 32)
	assert.Error(t, err)
}

func TestReadIndexDetectsCorruption(t *testing.T) {
	entries := []packidx.Entry{
		{ID: fakeID(1), Offset: 12, CRC32: 1},
		{ID: fakeID(2), Offset: 40, CRC32: 2},
	}
	packHash := sha256.Sum256([]byte("pack"))

	var buf bytes.Buffer
	_, err := packidx.WriteV2(&buf, entries, packHash[:])
	require.NoError(t, err)

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xff

	_, err = packidx.ReadIndex(bytes.NewReader(corrupted), int64(len(corrupted)), 32)
	assert.Error(t, err)
}

func TestLargeOffsetsUseOverflowTable(t *testing.T) {
	entries := []packidx.Entry{
		{ID: fakeID(1), Offset: 10, CRC32: 1},
		{ID: fakeID(2), Offset: 0x8_0000_0000, CRC32: 2},
	}
	packHash := sha256.Sum256([]byte("pack"))

	var buf bytes.Buffer
	_, err := packidx.WriteV2(&buf, entries, packHash[:])
	require.NoError(t, err)

	idx, err := packidx.ReadIndex(bytes.NewReader(buf.Bytes()), int64(buf.Len()), 32)
	require.NoError(t, err)

	offset, _, ok := idx.Lookup(fakeID(2))
	require.True(t, ok)
	assert.Equal(t, int64(0x8_0000_0000), offset)
}
