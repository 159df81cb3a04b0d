// Copyright 2025 Prospect Futures Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fs presents a Hub repository as a read-only fuse file system.
// Nothing is persisted locally: listings are proxied live and file contents
// are streamed by byte range on demand.
package fs

import (
	"fmt"
	"io"
	"os"
	"sort"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/hub"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/logger"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/monitor"
	"golang.org/x/net/context"
)

type ServerConfig struct {
	// The repository to expose.
	Client hub.Client

	// Used for inode timestamps.
	Clock timeutil.Clock

	// The user and group owning everything in the file system.
	Uid uint32
	Gid uint32

	// Permission bits reported for files and directories.
	FilePerms os.FileMode
	DirPerms  os.FileMode
}

// NewServer creates a fuse server exposing the configured repository.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	fs, err := newHubFS(cfg)
	if err != nil {
		return nil, err
	}
	return fuseutil.NewFileSystemServer(fs), nil
}

func newHubFS(cfg *ServerConfig) (*hubFS, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("a hub client is required")
	}

	fs := &hubFS{
		client:    cfg.Client,
		clock:     cfg.Clock,
		uid:       cfg.Uid,
		gid:       cfg.Gid,
		filePerms: cfg.FilePerms,
		dirPerms:  cfg.DirPerms,
		inodes: map[fuseops.InodeID]*inodeRecord{
			fuseops.RootInodeID: {path: "", isDir: true},
		},
		ids:         map[string]fuseops.InodeID{"": fuseops.RootInodeID},
		nextInodeID: fuseops.RootInodeID + 1,
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	return fs, nil
}

// inodeRecord is what the file system remembers about one issued inode.
// Contents are never cached here; size and type come from the listing that
// minted the record.
type inodeRecord struct {
	// Repo-relative path. Empty for the root.
	path string

	isDir bool
	size  int64
}

type hubFS struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	client hub.Client
	clock  timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	uid       uint32
	gid       uint32
	filePerms os.FileMode
	dirPerms  os.FileMode

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The collection of issued inodes, keyed by inode ID.
	//
	// INVARIANT: inodes[fuseops.RootInodeID] is present and is a directory
	// INVARIANT: For all keys k, inodes[k] != nil
	//
	// GUARDED_BY(mu)
	inodes map[fuseops.InodeID]*inodeRecord

	// An index of issued inodes by repo-relative path.
	//
	// INVARIANT: For each key p, inodes[ids[p]].path == p
	//
	// GUARDED_BY(mu)
	ids map[string]fuseops.InodeID

	// The next inode ID to hand out.
	//
	// INVARIANT: For all keys k in inodes, k < nextInodeID
	//
	// GUARDED_BY(mu)
	nextInodeID fuseops.InodeID
}

func (fs *hubFS) checkInvariants() {
	root, ok := fs.inodes[fuseops.RootInodeID]
	if !ok || !root.isDir {
		panic("missing or malformed root inode")
	}
	for p, id := range fs.ids {
		rec, ok := fs.inodes[id]
		if !ok || rec.path != p {
			panic(fmt.Sprintf("inconsistent path index entry: %q -> %d", p, id))
		}
	}
	for id := range fs.inodes {
		if id >= fs.nextInodeID {
			panic(fmt.Sprintf("inode ID %d not below next ID %d", id, fs.nextInodeID))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// getOrCreateInodeLocked returns the inode ID for the entry, minting a
// record when the path has not been issued before and refreshing the size
// when it has.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *hubFS) getOrCreateInodeLocked(e *hub.Entry) fuseops.InodeID {
	if id, ok := fs.ids[e.Path]; ok {
		rec := fs.inodes[id]
		rec.isDir = e.IsDir
		rec.size = e.Size
		return id
	}

	id := fs.nextInodeID
	fs.nextInodeID++
	fs.inodes[id] = &inodeRecord{path: e.Path, isDir: e.IsDir, size: e.Size}
	fs.ids[e.Path] = id
	return id
}

// findInode looks up a previously issued inode, returning a copy of the
// record. Handing out the shared pointer would race with the size refresh in
// getOrCreateInodeLocked: fuseutil serves each op in its own goroutine.
func (fs *hubFS) findInode(id fuseops.InodeID) (inodeRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.inodes[id]
	if !ok {
		return inodeRecord{}, fuse.ENOENT
	}
	return *rec, nil
}

func (fs *hubFS) attributes(rec inodeRecord) fuseops.InodeAttributes {
	now := fs.clock.Now()
	attrs := fuseops.InodeAttributes{
		Size:  uint64(rec.size),
		Nlink: 1,
		Mode:  fs.filePerms,
		Atime: now,
		Mtime: now,
		Ctime: now,
		Uid:   fs.uid,
		Gid:   fs.gid,
	}
	if rec.isDir {
		attrs.Mode = fs.dirPerms | os.ModeDir
	}
	return attrs
}

// mapError converts a hub error into an errno, logging the cause when it is
// not a plain miss. A transient failure surfaces as EIO: never an empty
// result.
func mapError(what, path string, err error) error {
	if hub.IsNotFound(err) {
		return fuse.ENOENT
	}
	logger.Errorf("%s %q: %v", what, path, err)
	return fuse.EIO
}

////////////////////////////////////////////////////////////////////////
// FileSystem methods
////////////////////////////////////////////////////////////////////////

func (fs *hubFS) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) error {
	return nil
}

func (fs *hubFS) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) error {
	parent, err := fs.findInode(op.Parent)
	if err != nil {
		return err
	}
	if !parent.isDir {
		return fuse.ENOTDIR
	}

	// Proxy the parent listing live: remote content can change between
	// calls, and hiding that would be worse than the staleness.
	entries, err := fs.client.ListEntries(ctx, parent.path)
	if err != nil {
		return mapError("LookUpInode: list", parent.path, err)
	}

	for _, e := range entries {
		if e.Name != op.Name {
			continue
		}

		fs.mu.Lock()
		id := fs.getOrCreateInodeLocked(e)
		rec := *fs.inodes[id]
		fs.mu.Unlock()

		op.Entry = fuseops.ChildInodeEntry{
			Child:      id,
			Attributes: fs.attributes(rec),
		}
		return nil
	}

	return fuse.ENOENT
}

func (fs *hubFS) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) error {
	rec, err := fs.findInode(op.Inode)
	if err != nil {
		return err
	}
	op.Attributes = fs.attributes(rec)
	return nil
}

func (fs *hubFS) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) error {
	if op.Inode == fuseops.RootInodeID {
		return nil
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if rec, ok := fs.inodes[op.Inode]; ok {
		delete(fs.ids, rec.path)
		delete(fs.inodes, op.Inode)
	}
	return nil
}

func (fs *hubFS) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) error {
	rec, err := fs.findInode(op.Inode)
	if err != nil {
		return err
	}
	if !rec.isDir {
		return fuse.ENOTDIR
	}
	return nil
}

func (fs *hubFS) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) error {
	rec, err := fs.findInode(op.Inode)
	if err != nil {
		return err
	}
	if !rec.isDir {
		return fuse.ENOTDIR
	}

	entries, err := fs.client.ListEntries(ctx, rec.path)
	if err != nil {
		return mapError("ReadDir: list", rec.path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EINVAL
	}

	for i := int(op.Offset); i < len(entries); i++ {
		e := entries[i]

		fs.mu.Lock()
		id := fs.getOrCreateInodeLocked(e)
		fs.mu.Unlock()

		direntType := fuseutil.DT_File
		if e.IsDir {
			direntType = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i) + 1,
			Inode:  id,
			Name:   e.Name,
			Type:   direntType,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}

	return nil
}

func (fs *hubFS) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) error {
	rec, err := fs.findInode(op.Inode)
	if err != nil {
		return err
	}
	if rec.isDir {
		return fuse.EINVAL
	}
	return nil
}

func (fs *hubFS) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) error {
	rec, err := fs.findInode(op.Inode)
	if err != nil {
		return err
	}

	// Stream exactly the requested range; no whole-file materialization.
	op.BytesRead, err = fs.client.ReadAt(ctx, rec.path, op.Offset, op.Dst)
	monitor.RecordReadBytes(op.BytesRead)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return mapError("ReadFile", rec.path, err)
	}
	return nil
}

func (fs *hubFS) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *hubFS) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (fs *hubFS) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) error {
	return nil
}

////////////////////////////////////////////////////////////////////////
// Write attempts
////////////////////////////////////////////////////////////////////////

// This view is read-only; every mutation is refused with EROFS. Writes
// belong in the WRITE/ entry point, which is backed by the write cache.

func (fs *hubFS) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) error {
	return syscall.EROFS
}

func (fs *hubFS) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) error {
	return syscall.EROFS
}

func (fs *hubFS) MkNode(
	ctx context.Context,
	op *fuseops.MkNodeOp) error {
	return syscall.EROFS
}

func (fs *hubFS) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) error {
	return syscall.EROFS
}

func (fs *hubFS) CreateSymlink(
	ctx context.Context,
	op *fuseops.CreateSymlinkOp) error {
	return syscall.EROFS
}

func (fs *hubFS) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) error {
	return syscall.EROFS
}

func (fs *hubFS) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) error {
	return syscall.EROFS
}

func (fs *hubFS) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) error {
	return syscall.EROFS
}

func (fs *hubFS) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) error {
	return syscall.EROFS
}
