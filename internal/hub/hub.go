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

// Package hub provides a client for a Hugging Face Hub repository: listing
// and reading objects at a pinned revision, and committing batches of files
// as new revisions. It performs network I/O only; it never touches the local
// filesystem.
package hub

import (
	"context"
)

// Entry describes one object in a repository tree listing.
type Entry struct {
	// Base name of the entry, relative to the listed directory.
	Name string

	// Full repo-relative path of the entry.
	Path string

	// Whether the entry is a directory.
	IsDir bool

	// Size in bytes. Zero for directories.
	Size int64
}

// FileUpload is one file in a commit batch.
type FileUpload struct {
	// Repo-relative destination path.
	Path string

	Contents []byte
}

// CommitRequest is a batch of files to be committed as one new revision.
// Order is preserved.
type CommitRequest struct {
	Files []FileUpload

	// Commit message. Empty means a generated default.
	Message string
}

// Client is the interface hffs uses to talk to a single repository.
//
// Safe for concurrent access.
type Client interface {
	// ListEntries returns the direct children of the supplied repo-relative
	// directory path ("" means the repository root). The listing is live:
	// nothing is cached between calls.
	//
	// Returns *NotFoundError if the path is absent and *TransientError if the
	// Hub is unreachable.
	ListEntries(ctx context.Context, path string) ([]*Entry, error)

	// ReadAt fills dst with the contents of the object at the supplied
	// repo-relative path, starting at offset. Returns the number of bytes
	// read; err is io.EOF when the range extends past the end of the object.
	ReadAt(ctx context.Context, path string, offset int64, dst []byte) (n int, err error)

	// Commit writes the supplied batch as a single new revision. Atomic:
	// either the whole batch lands or the call fails with *CommitError and no
	// partial state is visible upstream.
	Commit(ctx context.Context, req *CommitRequest) (revision string, err error)
}
