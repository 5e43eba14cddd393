// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"syscall"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-progs-ng/lib/deltatree"
	"git.lukeshu.com/btrfs-progs-ng/lib/linux"
	"git.lukeshu.com/btrfs-progs-ng/lib/maps"
	"git.lukeshu.com/btrfs-progs-ng/lib/packscan"
)

func init() {
	var manifestFlag string
	var chunkSizeFlag int

	cmd := cobra.Command{
		Use:   "mount --manifest manifest.json MOUNTPOINT",
		Short: "Mount a pack's delta-dependency tree as a read-only directory of chunks",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&manifestFlag, "manifest", "", "JSON file describing each pack entry's offset and delta base")
	cmd.Flags().IntVar(&chunkSizeFlag, "chunk-size", 64, "number of roots per chunk")
	if err := cmd.MarkFlagFilename("manifest"); err != nil {
		panic(err)
	}

	subcommands = append(subcommands, subcommand{
		Command: cmd,
		RunE: func(ctx context.Context, _ *cobra.Command, args []string) error {
			return runMount(ctx, manifestFlag, chunkSizeFlag, args[0])
		},
	})
}

func runMount(ctx context.Context, manifestPath string, chunkSize int, mountpoint string) error {
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

	fs := newTreeFS(sealed.IntoChunks(chunkSize))
	cfg := &fuse.MountConfig{ReadOnly: true}
	return fuseMount(ctx, mountpoint, fuseutil.NewFileSystemServer(fs), cfg)
}

// fuseMount wires up a jacobsa/fuse server with signal-aware mount
// and unmount goroutines, retrying unmount until the filesystem isn't
// busy.
func fuseMount(ctx context.Context, mountpoint string, server fuse.Server, cfg *fuse.MountConfig) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		ShutdownOnNonError: true,
	})
	mounted := uint32(1)
	grp.Go("unmount", func(ctx context.Context) error {
		<-ctx.Done()
		var err error
		var gotNil bool
		for atomic.LoadUint32(&mounted) != 0 {
			if _err := fuse.Unmount(mountpoint); _err == nil {
				gotNil = true
			} else if !gotNil {
				err = _err
			}
		}
		if gotNil {
			return nil
		}
		return err
	})
	grp.Go("mount", func(ctx context.Context) error {
		defer atomic.StoreUint32(&mounted, 0)

		cfg.OpContext = ctx
		cfg.ErrorLogger = dlog.StdLogger(ctx, dlog.LogLevelError)
		cfg.DebugLogger = dlog.StdLogger(ctx, dlog.LogLevelDebug)

		mountHandle, err := fuse.Mount(mountpoint, server, cfg)
		if err != nil {
			return err
		}
		dlog.Infof(ctx, "mounted %q", mountpoint)
		return mountHandle.Join(dcontext.HardContext(ctx))
	})
	return grp.Wait()
}

const rootInode fuseops.InodeID = fuseops.RootInodeID

type fileNode struct {
	inode   fuseops.InodeID
	name    string
	content []byte
}

type dirNode struct {
	inode    fuseops.InodeID
	name     string
	children []fileNode
}

// treeFS is a read-only, build-once-at-mount-time view of a sealed
// deltatree: one directory per chunk, one file per entry, each file's
// content a short text summary of that entry's offset, span, and
// children. It exists purely as an inspection aid; it does not expose
// pack object contents.
type treeFS struct {
	fuseutil.NotImplementedFileSystem

	dirs      map[fuseops.InodeID]*dirNode
	files     map[fuseops.InodeID]*fileNode
	dirByName map[string]*dirNode
}

func newTreeFS(chunks []*deltatree.Chunk[objectData]) *treeFS {
	fs := &treeFS{
		dirs:      make(map[fuseops.InodeID]*dirNode),
		files:     make(map[fuseops.InodeID]*fileNode),
		dirByName: make(map[string]*dirNode),
	}

	nextInode := rootInode + 1
	for chunkIdx, chunk := range chunks {
		dir := &dirNode{
			inode: nextInode,
			name:  fmt.Sprintf("chunk-%d", chunkIdx),
		}
		nextInode++
		fs.dirs[dir.inode] = dir
		fs.dirByName[dir.name] = dir

		_ = chunk.Walk(func(n *deltatree.Node[objectData]) error {
			start, end := n.Range()
			file := fileNode{
				inode: nextInode,
				name:  fmt.Sprintf("%d.info", int64(start)),
				content: []byte(fmt.Sprintf(
					"offset=%d\nnext_offset=%d\nid=%x\nchildren=%d\n",
					int64(start), int64(end), n.Data().ID, n.NumChildren(),
				)),
			}
			nextInode++
			dir.children = append(dir.children, file)
			fs.files[file.inode] = &dir.children[len(dir.children)-1]
			return nil
		})
	}
	return fs
}

func (fs *treeFS) StatFS(_ context.Context, op *fuseops.StatFSOp) error {
	return nil
}

func (fs *treeFS) LookUpInode(_ context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent == rootInode {
		dir, ok := fs.dirByName[op.Name]
		if !ok {
			return syscall.ENOENT
		}
		op.Entry = fuseops.ChildInodeEntry{
			Child:      dir.inode,
			Attributes: dirAttrs(len(dir.children)),
		}
		return nil
	}
	dir, ok := fs.dirs[op.Parent]
	if !ok {
		return syscall.ENOENT
	}
	for i := range dir.children {
		if dir.children[i].name == op.Name {
			op.Entry = fuseops.ChildInodeEntry{
				Child:      dir.children[i].inode,
				Attributes: fileAttrs(len(dir.children[i].content)),
			}
			return nil
		}
	}
	return syscall.ENOENT
}

func (fs *treeFS) GetInodeAttributes(_ context.Context, op *fuseops.GetInodeAttributesOp) error {
	switch {
	case op.Inode == rootInode:
		op.Attributes = dirAttrs(len(fs.dirByName))
	case fs.dirs[op.Inode] != nil:
		op.Attributes = dirAttrs(len(fs.dirs[op.Inode].children))
	case fs.files[op.Inode] != nil:
		op.Attributes = fileAttrs(len(fs.files[op.Inode].content))
	default:
		return syscall.ENOENT
	}
	return nil
}

func (fs *treeFS) OpenDir(_ context.Context, op *fuseops.OpenDirOp) error {
	if op.Inode == rootInode || fs.dirs[op.Inode] != nil {
		return nil
	}
	return syscall.ENOENT
}

func (fs *treeFS) ReadDir(_ context.Context, op *fuseops.ReadDirOp) error {
	var entries []fuseutil.Dirent
	if op.Inode == rootInode {
		i := fuseops.DirOffset(0)
		for _, name := range maps.SortedKeys(fs.dirByName) {
			i++
			entries = append(entries, fuseutil.Dirent{
				Offset: i,
				Inode:  fs.dirByName[name].inode,
				Name:   name,
				Type:   fuseutil.DT_Directory,
			})
		}
	} else {
		dir, ok := fs.dirs[op.Inode]
		if !ok {
			return syscall.ENOENT
		}
		for i, f := range dir.children {
			entries = append(entries, fuseutil.Dirent{
				Offset: fuseops.DirOffset(i + 1),
				Inode:  f.inode,
				Name:   f.name,
				Type:   fuseutil.DT_File,
			})
		}
	}

	for _, e := range entries {
		if int64(e.Offset) <= int64(op.Offset) {
			continue
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *treeFS) OpenFile(_ context.Context, op *fuseops.OpenFileOp) error {
	if fs.files[op.Inode] == nil {
		return syscall.ENOENT
	}
	return nil
}

func (fs *treeFS) ReadFile(_ context.Context, op *fuseops.ReadFileOp) error {
	file, ok := fs.files[op.Inode]
	if !ok {
		return syscall.ENOENT
	}
	if op.Offset >= int64(len(file.content)) {
		op.BytesRead = 0
		return nil
	}
	op.BytesRead = copy(op.Dst, file.content[op.Offset:])
	return nil
}

func dirAttrs(numChildren int) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Nlink: uint32(2 + numChildren),
		Mode:  uint32(linux.ModeFmtDir | 0o755),
		Size:  0,
	}
}

func fileAttrs(size int) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  uint32(linux.ModeFmtRegular | 0o444),
		Size:  uint64(size),
	}
}
