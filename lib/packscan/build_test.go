// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package packscan_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
	"git.lukeshu.com/btrfs-progs-ng/lib/deltatree"
	"git.lukeshu.com/btrfs-progs-ng/lib/packscan"
)

type fakeEntry struct {
	meta packscan.EntryMeta
	data string
}

func providerOf(entries []fakeEntry) packscan.EntryProvider[string] {
	i := 0
	return func(_ context.Context) (packscan.EntryMeta, string, bool, error) {
		if i >= len(entries) {
			return packscan.EntryMeta{}, "", false, nil
		}
		e := entries[i]
		i++
		return e.meta, e.data, true, nil
	}
}

func TestBuildResolvesOffsetDeltas(t *testing.T) {
	entries := []fakeEntry{
		{meta: packscan.EntryMeta{Offset: 0, Base: packscan.BaseHint{Kind: packscan.BaseNone}}, data: "root"},
		{meta: packscan.EntryMeta{Offset: 10, Base: packscan.BaseHint{Kind: packscan.BaseOffset, Offset: 0}}, data: "delta"},
	}

	sealed, err := packscan.Build[string](context.Background(), packscan.BuildOptions[string]{
		NumEntries:     2,
		PackEntriesEnd: 20,
		Provider:       providerOf(entries),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sealed.NumRoots())
	assert.Equal(t, 1, sealed.NumChildren())
}

func TestBuildResolvesRefDeltasViaLookup(t *testing.T) {
	baseID := packscan.ObjectID("base-id")
	entries := []fakeEntry{
		{meta: packscan.EntryMeta{Offset: 0, Base: packscan.BaseHint{Kind: packscan.BaseNone}}, data: "root"},
		{meta: packscan.EntryMeta{Offset: 10, Base: packscan.BaseHint{Kind: packscan.BaseRef, RefID: baseID}}, data: "delta"},
	}

	sealed, err := packscan.Build[string](context.Background(), packscan.BuildOptions[string]{
		NumEntries:     2,
		PackEntriesEnd: 20,
		Provider:       providerOf(entries),
		ResolveRef: func(id packscan.ObjectID) containers.Optional[deltatree.Offset] {
			if string(id) == string(baseID) {
				return containers.Optional[deltatree.Offset]{OK: true, Val: 0}
			}
			return containers.Optional[deltatree.Offset]{}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sealed.NumRoots())
	assert.Equal(t, 1, sealed.NumChildren())
}

// A REF_DELTA whose base cannot be resolved (a thin-pack base living
// outside this pack) is treated as a root rather than failing the
// scan.
func TestBuildTreatsUnresolvedRefDeltaAsRoot(t *testing.T) {
	entries := []fakeEntry{
		{meta: packscan.EntryMeta{Offset: 0, Base: packscan.BaseHint{Kind: packscan.BaseRef, RefID: packscan.ObjectID("missing")}}, data: "thin"},
	}

	sealed, err := packscan.Build[string](context.Background(), packscan.BuildOptions[string]{
		NumEntries:     1,
		PackEntriesEnd: 10,
		Provider:       providerOf(entries),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sealed.NumRoots())
	assert.Equal(t, 0, sealed.NumChildren())
}

func TestBuildPropagatesInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entries := []fakeEntry{
		{meta: packscan.EntryMeta{Offset: 0}, data: "root"},
	}
	_, err := packscan.Build[string](ctx, packscan.BuildOptions[string]{
		NumEntries:     1,
		PackEntriesEnd: 10,
		Provider:       providerOf(entries),
	})
	require.Error(t, err)
	var interrupted *packscan.InterruptedError
	assert.ErrorAs(t, err, &interrupted)
}

func TestBuildPropagatesProviderError(t *testing.T) {
	boom := assert.AnError
	provider := func(_ context.Context) (packscan.EntryMeta, string, bool, error) {
		return packscan.EntryMeta{}, "", false, boom
	}
	_, err := packscan.Build[string](context.Background(), packscan.BuildOptions[string]{
		NumEntries: 1,
		Provider:   provider,
	})
	require.ErrorIs(t, err, boom)
}
