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

// Package fake provides an in-memory hub.Client for tests: scriptable
// failures, recorded commit batches, and commit-concurrency tracking.
package fake

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/prospectfuturesinc/huggingface-filesystem/internal/hub"
)

type Client struct {
	mu sync.Mutex

	// Repo-relative path -> contents.
	objects map[string][]byte

	// If non-nil, returned by every ListEntries call.
	listErr error

	// Scripted results for successive Commit calls. Each call pops one entry;
	// nil means success. An empty queue also means success.
	commitErrs []error

	// Recorded commit batches, in call order.
	commits [][]hub.FileUpload

	// Called while a commit is in flight, outside the lock. Lets tests block
	// a commit to provoke overlap.
	commitHook func()

	inFlightCommits      int
	maxConcurrentCommits int
}

var _ hub.Client = (*Client)(nil)

func NewClient() *Client {
	return &Client{objects: make(map[string][]byte)}
}

// SetObject creates or replaces one remote object.
func (c *Client) SetObject(path string, contents []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[path] = append([]byte(nil), contents...)
}

// SetListError makes every subsequent ListEntries call fail with err.
func (c *Client) SetListError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

// ScriptCommitError appends the outcome for the next unscripted Commit call.
func (c *Client) ScriptCommitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitErrs = append(c.commitErrs, err)
}

// SetCommitHook installs f to be called while each commit is in flight.
func (c *Client) SetCommitHook(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitHook = f
}

// Commits returns the recorded commit batches.
func (c *Client) Commits() [][]hub.FileUpload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]hub.FileUpload, len(c.commits))
	copy(out, c.commits)
	return out
}

// MaxConcurrentCommits reports the largest number of Commit calls ever in
// flight simultaneously.
func (c *Client) MaxConcurrentCommits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxConcurrentCommits
}

////////////////////////////////////////////////////////////////////////
// hub.Client
////////////////////////////////////////////////////////////////////////

func (c *Client) ListEntries(ctx context.Context, path string) ([]*hub.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listErr != nil {
		return nil, c.listErr
	}

	prefix := ""
	if path != "" {
		prefix = strings.TrimSuffix(path, "/") + "/"
	}

	found := path == ""
	children := make(map[string]*hub.Entry)
	for objPath, contents := range c.objects {
		if !strings.HasPrefix(objPath, prefix) {
			continue
		}
		found = true
		rest := objPath[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name := rest[:i]
			children[name] = &hub.Entry{Name: name, Path: prefix + name, IsDir: true}
		} else {
			children[rest] = &hub.Entry{Name: rest, Path: objPath, Size: int64(len(contents))}
		}
	}

	if !found {
		return nil, &hub.NotFoundError{Err: fmt.Errorf("no such path: %q", path)}
	}

	entries := make([]*hub.Entry, 0, len(children))
	for _, e := range children {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (c *Client) ReadAt(ctx context.Context, path string, offset int64, dst []byte) (int, error) {
	c.mu.Lock()
	contents, ok := c.objects[path]
	c.mu.Unlock()

	if !ok {
		return 0, &hub.NotFoundError{Err: fmt.Errorf("no such object: %q", path)}
	}
	if offset >= int64(len(contents)) {
		return 0, io.EOF
	}

	n := copy(dst, contents[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

func (c *Client) Commit(ctx context.Context, req *hub.CommitRequest) (string, error) {
	c.mu.Lock()
	c.inFlightCommits++
	if c.inFlightCommits > c.maxConcurrentCommits {
		c.maxConcurrentCommits = c.inFlightCommits
	}
	hook := c.commitHook
	c.mu.Unlock()

	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlightCommits--

	batch := make([]hub.FileUpload, len(req.Files))
	copy(batch, req.Files)
	c.commits = append(c.commits, batch)

	var scripted error
	if len(c.commitErrs) > 0 {
		scripted = c.commitErrs[0]
		c.commitErrs = c.commitErrs[1:]
	}
	if scripted != nil {
		return "", scripted
	}

	for _, f := range req.Files {
		c.objects[f.Path] = append([]byte(nil), f.Contents...)
	}
	return fmt.Sprintf("rev-%04d", len(c.commits)), nil
}
