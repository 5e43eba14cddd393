// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-progs-ng/lib/packidx"
)

func init() {
	var idSizeFlag int

	cmd := cobra.Command{
		Use:   "dump FILE.idx",
		Short: "Dump the full parsed contents of a pack-index v2 file for debugging",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().IntVar(&idSizeFlag, "id-size", 20, "object ID length in bytes (20 for SHA-1, 32 for SHA-256)")

	subcommands = append(subcommands, subcommand{
		Command: cmd,
		RunE: func(ctx context.Context, _ *cobra.Command, args []string) error {
			return runDump(ctx, args[0], idSizeFlag)
		},
	})
}

func runDump(_ context.Context, idxPath string, idSize int) error {
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

	cfg := spew.NewDefaultConfig()
	cfg.DisablePointerAddresses = true
	cfg.Dump(idx)
	return nil
}
