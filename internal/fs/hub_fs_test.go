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

package fs

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/hub/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/net/context"
)

type HubFSTest struct {
	ctx    context.Context
	client *fake.Client
	fs     *hubFS
	suite.Suite
}

func TestHubFSTestSuite(t *testing.T) {
	suite.Run(t, new(HubFSTest))
}

func (t *HubFSTest) SetupTest() {
	t.ctx = context.Background()
	t.client = fake.NewClient()
	t.client.SetObject("README.md", []byte("# hello\n"))
	t.client.SetObject("weights/model.bin", []byte{0xde, 0xad, 0xbe, 0xef})

	var err error
	t.fs, err = newHubFS(&ServerConfig{
		Client:    t.client,
		Clock:     timeutil.RealClock(),
		Uid:       123,
		Gid:       456,
		FilePerms: 0644,
		DirPerms:  0755,
	})
	require.NoError(t.T(), err)
}

// lookUp resolves one name under the given parent.
func (t *HubFSTest) lookUp(parent fuseops.InodeID, name string) *fuseops.LookUpInodeOp {
	op := &fuseops.LookUpInodeOp{Parent: parent, Name: name}
	require.NoError(t.T(), t.fs.LookUpInode(t.ctx, op))
	return op
}

func (t *HubFSTest) TestLookUpFileInRoot() {
	op := t.lookUp(fuseops.RootInodeID, "README.md")

	assert.NotEqual(t.T(), fuseops.InodeID(0), op.Entry.Child)
	assert.EqualValues(t.T(), 8, op.Entry.Attributes.Size)
	assert.Equal(t.T(), os.FileMode(0644), op.Entry.Attributes.Mode)
	assert.EqualValues(t.T(), 123, op.Entry.Attributes.Uid)
	assert.EqualValues(t.T(), 456, op.Entry.Attributes.Gid)
}

func (t *HubFSTest) TestLookUpDirectory() {
	op := t.lookUp(fuseops.RootInodeID, "weights")

	assert.True(t.T(), op.Entry.Attributes.Mode.IsDir())
	assert.Equal(t.T(), os.FileMode(0755), op.Entry.Attributes.Mode.Perm())
}

func (t *HubFSTest) TestLookUpUnknownName() {
	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope.txt"}

	err := t.fs.LookUpInode(t.ctx, op)

	assert.Equal(t.T(), fuse.ENOENT, err)
}

func (t *HubFSTest) TestLookUpIsStable() {
	first := t.lookUp(fuseops.RootInodeID, "README.md")
	second := t.lookUp(fuseops.RootInodeID, "README.md")

	assert.Equal(t.T(), first.Entry.Child, second.Entry.Child)
}

// Exercised under -race: attribute reads must not share the inode record
// with the size refresh that lookups perform.
func (t *HubFSTest) TestConcurrentLookUpsWhileSizeChanges() {
	inode := t.lookUp(fuseops.RootInodeID, "README.md").Entry.Child

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "README.md"}
				assert.NoError(t.T(), t.fs.LookUpInode(t.ctx, op))

				attrOp := &fuseops.GetInodeAttributesOp{Inode: inode}
				assert.NoError(t.T(), t.fs.GetInodeAttributes(t.ctx, attrOp))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			contents := append([]byte("# hello\n"), byte(j))
			t.client.SetObject("README.md", contents)
		}
	}()

	wg.Wait()
}

func (t *HubFSTest) TestReadDirRoot() {
	op := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Dst: make([]byte, 4096)}

	require.NoError(t.T(), t.fs.ReadDir(t.ctx, op))

	assert.Greater(t.T(), op.BytesRead, 0)
}

func (t *HubFSTest) TestReadDirReflectsRemoteChanges() {
	dir := t.lookUp(fuseops.RootInodeID, "weights").Entry.Child
	t.client.SetObject("weights/extra.bin", []byte("new"))

	// The new entry must be visible without any remount or invalidation.
	op := &fuseops.LookUpInodeOp{Parent: dir, Name: "extra.bin"}
	require.NoError(t.T(), t.fs.LookUpInode(t.ctx, op))
	assert.EqualValues(t.T(), 3, op.Entry.Attributes.Size)
}

func (t *HubFSTest) TestReadFile() {
	inode := t.lookUp(fuseops.RootInodeID, "README.md").Entry.Child
	op := &fuseops.ReadFileOp{Inode: inode, Offset: 0, Dst: make([]byte, 4096)}

	require.NoError(t.T(), t.fs.ReadFile(t.ctx, op))

	assert.Equal(t.T(), []byte("# hello\n"), op.Dst[:op.BytesRead])
}

func (t *HubFSTest) TestReadFileAtOffset() {
	inode := t.lookUp(fuseops.RootInodeID, "README.md").Entry.Child
	op := &fuseops.ReadFileOp{Inode: inode, Offset: 2, Dst: make([]byte, 5)}

	require.NoError(t.T(), t.fs.ReadFile(t.ctx, op))

	assert.Equal(t.T(), []byte("hello"), op.Dst[:op.BytesRead])
}

func (t *HubFSTest) TestReadFilePastEnd() {
	inode := t.lookUp(fuseops.RootInodeID, "README.md").Entry.Child
	op := &fuseops.ReadFileOp{Inode: inode, Offset: 100, Dst: make([]byte, 10)}

	// EOF is success with a short read, never an error to the kernel.
	require.NoError(t.T(), t.fs.ReadFile(t.ctx, op))

	assert.Equal(t.T(), 0, op.BytesRead)
}

func (t *HubFSTest) TestReadNestedFile() {
	dir := t.lookUp(fuseops.RootInodeID, "weights").Entry.Child
	inode := t.lookUp(dir, "model.bin").Entry.Child
	op := &fuseops.ReadFileOp{Inode: inode, Dst: make([]byte, 16)}

	require.NoError(t.T(), t.fs.ReadFile(t.ctx, op))

	assert.Equal(t.T(), []byte{0xde, 0xad, 0xbe, 0xef}, op.Dst[:op.BytesRead])
}

func (t *HubFSTest) TestTransientListFailureIsEIO() {
	t.client.SetListError(errors.New("upstream unavailable"))
	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "README.md"}

	err := t.fs.LookUpInode(t.ctx, op)

	assert.Equal(t.T(), fuse.EIO, err)
}

func (t *HubFSTest) TestOpenDirOnFileFails() {
	inode := t.lookUp(fuseops.RootInodeID, "README.md").Entry.Child

	err := t.fs.OpenDir(t.ctx, &fuseops.OpenDirOp{Inode: inode})

	assert.Equal(t.T(), fuse.ENOTDIR, err)
}

func (t *HubFSTest) TestForgetInodeDropsRecord() {
	inode := t.lookUp(fuseops.RootInodeID, "README.md").Entry.Child

	require.NoError(t.T(), t.fs.ForgetInode(t.ctx, &fuseops.ForgetInodeOp{Inode: inode}))

	err := t.fs.GetInodeAttributes(t.ctx, &fuseops.GetInodeAttributesOp{Inode: inode})
	assert.Equal(t.T(), fuse.ENOENT, err)
}

func (t *HubFSTest) TestMutationsAreRefused() {
	assert.Equal(t.T(), syscall.EROFS, t.fs.CreateFile(t.ctx, &fuseops.CreateFileOp{}))
	assert.Equal(t.T(), syscall.EROFS, t.fs.MkDir(t.ctx, &fuseops.MkDirOp{}))
	assert.Equal(t.T(), syscall.EROFS, t.fs.Unlink(t.ctx, &fuseops.UnlinkOp{}))
	assert.Equal(t.T(), syscall.EROFS, t.fs.Rename(t.ctx, &fuseops.RenameOp{}))
	assert.Equal(t.T(), syscall.EROFS, t.fs.RmDir(t.ctx, &fuseops.RmDirOp{}))
	assert.Equal(t.T(), syscall.EROFS, t.fs.WriteFile(t.ctx, &fuseops.WriteFileOp{}))
	assert.Equal(t.T(), syscall.EROFS, t.fs.SetInodeAttributes(t.ctx, &fuseops.SetInodeAttributesOp{}))
}
