// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-progs-ng/lib/packidx"
	"git.lukeshu.com/btrfs-progs-ng/lib/textui"
)

func init() {
	var idSizeFlag int

	cmd := cobra.Command{
		Use:   "inspect FILE.idx OBJECT_ID [OBJECT_ID...]",
		Short: "Look up entries in a pack-index v2 file",
		Args:  cobra.MinimumNArgs(2),
	}
	cmd.Flags().IntVar(&idSizeFlag, "id-size", 20, "object ID length in bytes (20 for SHA-1, 32 for SHA-256)")

	subcommands = append(subcommands, subcommand{
		Command: cmd,
		RunE: func(ctx context.Context, _ *cobra.Command, args []string) error {
			return runInspect(ctx, args[0], args[1:], idSizeFlag)
		},
	})
}

func runInspect(ctx context.Context, idxPath string, ids []string, idSize int) error {
	f, err := os.Open(idxPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	idx, err := packidx.ReadIndex(f, info.Size(), idSize)
	if err != nil {
		return fmt.Errorf("reading %q: %w", idxPath, err)
	}
	dlog.Infof(ctx, "index %q contains %v entries", idxPath, textui.Humanized(idx.NumEntries()))

	for _, hexID := range ids {
		id, err := hex.DecodeString(hexID)
		if err != nil {
			return fmt.Errorf("bad object id %q: %w", hexID, err)
		}
		offset, crc32, ok := idx.Lookup(id)
		if !ok {
			fmt.Println(textui.Sprintf("%s: not found", hexID))
			continue
		}
		fmt.Println(textui.Sprintf("%s: offset=%v crc32=%08x", hexID, textui.Humanized(offset), crc32))
	}
	return nil
}
