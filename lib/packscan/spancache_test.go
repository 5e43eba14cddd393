// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package packscan_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/packscan"
)

func TestSpanCacheAcquireRelease(t *testing.T) {
	reads := 0
	cache := packscan.NewSpanCache(2, func(_ context.Context, span packscan.Span, buf []byte) ([]byte, error) {
		reads++
		out := buf[:0]
		for i := 0; i < span.Size; i++ {
			out = append(out, byte(span.Start)+byte(i))
		}
		return out, nil
	})

	span := packscan.Span{Start: 10, Size: 4}
	data := cache.Acquire(context.Background(), span)
	require.NoError(t, data.Err)
	assert.Equal(t, []byte{10, 11, 12, 13}, data.Bytes)
	cache.Release(span)

	assert.Equal(t, 1, reads)
}
