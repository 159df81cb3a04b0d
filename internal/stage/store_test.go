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

package stage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testCapacityBytes = 1 << 20

type StoreTest struct {
	store *Store
	suite.Suite
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTest))
}

func (t *StoreTest) SetupTest() {
	var err error
	t.store, err = NewStore(filepath.Join(t.T().TempDir(), "cache"), testCapacityBytes)
	require.NoError(t.T(), err)
}

func (t *StoreTest) TearDownTest() {
	assert.NoError(t.T(), t.store.Destroy())
}

func (t *StoreTest) TestWriteThenSnapshot() {
	require.NoError(t.T(), t.store.Write("note.txt", []byte("hello")))

	snapshot, err := t.store.Snapshot()

	require.NoError(t.T(), err)
	require.Len(t.T(), snapshot, 1)
	assert.Equal(t.T(), "note.txt", snapshot[0].RelPath)
	assert.Equal(t.T(), []byte("hello"), snapshot[0].Contents)
}

func (t *StoreTest) TestLastWriteWins() {
	require.NoError(t.T(), t.store.Write("note.txt", []byte("first")))
	require.NoError(t.T(), t.store.Write("note.txt", []byte("second")))

	snapshot, err := t.store.Snapshot()

	require.NoError(t.T(), err)
	require.Len(t.T(), snapshot, 1)
	assert.Equal(t.T(), []byte("second"), snapshot[0].Contents)
}

func (t *StoreTest) TestNestedPaths() {
	require.NoError(t.T(), t.store.Write("a/b/c.txt", []byte("deep")))
	require.NoError(t.T(), t.store.Write("a/d.txt", []byte("shallow")))

	snapshot, err := t.store.Snapshot()

	require.NoError(t.T(), err)
	require.Len(t.T(), snapshot, 2)
	// Sorted by path.
	assert.Equal(t.T(), "a/b/c.txt", snapshot[0].RelPath)
	assert.Equal(t.T(), "a/d.txt", snapshot[1].RelPath)
}

func (t *StoreTest) TestRejectsEscapingPaths() {
	for _, relPath := range []string{"..", "../evil.txt", "/abs.txt", "."} {
		assert.Error(t.T(), t.store.Write(relPath, []byte("x")), "path %q", relPath)
	}
}

func (t *StoreTest) TestCacheFull() {
	small, err := NewStore(filepath.Join(t.T().TempDir(), "small"), 10)
	require.NoError(t.T(), err)
	defer func() { assert.NoError(t.T(), small.Destroy()) }()

	require.NoError(t.T(), small.Write("a.txt", []byte("12345")))

	err = small.Write("b.txt", []byte("1234567"))

	var cacheFullErr *CacheFullError
	require.ErrorAs(t.T(), err, &cacheFullErr)
	assert.EqualValues(t.T(), 10, cacheFullErr.CapacityBytes)

	// Replacing the existing file reclaims its bytes first.
	assert.NoError(t.T(), small.Write("a.txt", []byte("1234567890")))
}

func (t *StoreTest) TestRemove() {
	require.NoError(t.T(), t.store.Write("note.txt", []byte("hello")))

	require.NoError(t.T(), t.store.Remove("note.txt"))

	n, err := t.store.Len()
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 0, n)
}

func (t *StoreTest) TestClearRemovesCommittedFiles() {
	require.NoError(t.T(), t.store.Write("a/one.txt", []byte("1")))
	require.NoError(t.T(), t.store.Write("two.txt", []byte("2")))
	snapshot, err := t.store.Snapshot()
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.store.Clear(snapshot))

	n, err := t.store.Len()
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 0, n)
	// Emptied subdirectories are pruned too.
	_, err = os.Stat(filepath.Join(t.store.Root(), "a"))
	assert.True(t.T(), os.IsNotExist(err))
}

func (t *StoreTest) TestClearKeepsFilesRewrittenAfterSnapshot() {
	require.NoError(t.T(), t.store.Write("note.txt", []byte("old")))
	snapshot, err := t.store.Snapshot()
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.store.Write("note.txt", []byte("new")))
	// File mtime granularity can swallow a fast rewrite; force it forward.
	abs := filepath.Join(t.store.Root(), "note.txt")
	future := snapshot[0].ModTime.Add(time.Second)
	require.NoError(t.T(), os.Chtimes(abs, future, future))

	require.NoError(t.T(), t.store.Clear(snapshot))

	remaining, err := t.store.Snapshot()
	require.NoError(t.T(), err)
	require.Len(t.T(), remaining, 1)
	assert.Equal(t.T(), []byte("new"), remaining[0].Contents)
}

func (t *StoreTest) TestClearToleratesAlreadyRemovedFiles() {
	require.NoError(t.T(), t.store.Write("note.txt", []byte("hello")))
	snapshot, err := t.store.Snapshot()
	require.NoError(t.T(), err)
	require.NoError(t.T(), t.store.Remove("note.txt"))

	assert.NoError(t.T(), t.store.Clear(snapshot))
}

func (t *StoreTest) TestSnapshotSkipsTempFiles() {
	require.NoError(t.T(), t.store.Write("note.txt", []byte("hello")))
	// A half-written temp file must never enter a commit batch.
	tmp := filepath.Join(t.store.Root(), tmpFilePrefix+"123")
	require.NoError(t.T(), os.WriteFile(tmp, []byte("partial"), 0644))

	snapshot, err := t.store.Snapshot()

	require.NoError(t.T(), err)
	require.Len(t.T(), snapshot, 1)
	assert.Equal(t.T(), "note.txt", snapshot[0].RelPath)
}

func (t *StoreTest) TestExternalWritesAreVisible() {
	// WRITE/ is a plain directory; other processes write into it directly.
	abs := filepath.Join(t.store.Root(), "external.txt")
	require.NoError(t.T(), os.WriteFile(abs, []byte("outside"), 0644))

	snapshot, err := t.store.Snapshot()

	require.NoError(t.T(), err)
	require.Len(t.T(), snapshot, 1)
	assert.Equal(t.T(), "external.txt", snapshot[0].RelPath)
	assert.Equal(t.T(), []byte("outside"), snapshot[0].Contents)
}
