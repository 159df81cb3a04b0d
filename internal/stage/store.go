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

// Package stage implements the write cache: a memory-backed staging
// directory where new files accumulate until the sync scheduler commits
// them upstream.
package stage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jacobsa/syncutil"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/logger"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/util"
)

// Files being written through Write carry this prefix until they are
// renamed into place, so snapshots never observe partial contents.
const tmpFilePrefix = ".hffs-tmp-"

// CacheFullError is returned when a write would push the staged set past
// the store's capacity. Surfaced to the writer as a local I/O error.
type CacheFullError struct {
	CapacityBytes uint64
}

func (e *CacheFullError) Error() string {
	return fmt.Sprintf("write cache full: capacity %d bytes", e.CapacityBytes)
}

// StagedFile is one file pending upload, snapshotted into memory.
type StagedFile struct {
	// Path relative to the store root.
	RelPath string

	Contents []byte

	// Modification time at snapshot, used by Clear to detect files rewritten
	// after the snapshot was taken.
	ModTime time.Time
}

// Store is the staging area backing the WRITE/ entry point. The backing
// directory should live on a memory-backed medium (tmpfs) so staging never
// touches a physical disk.
//
// External processes write into the directory directly; Write is the
// programmatic path and the one that enforces capacity. Snapshot and Clear
// serialize against Write, so a programmatic insert during a snapshot is
// neither visible in it nor lost.
type Store struct {
	root string

	// Total capacity in bytes.
	capacityBytes uint64

	mu syncutil.InvariantMutex

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore creates the backing directory if needed and starts watching it.
// capacityBytes of zero means the capacity of the backing medium.
func NewStore(root string, capacityBytes uint64) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	if capacityBytes == 0 {
		c, err := util.DirCapacityBytes(root)
		if err != nil {
			return nil, fmt.Errorf("probe cache capacity: %w", err)
		}
		capacityBytes = c
	}

	s := &Store{
		root:          root,
		capacityBytes: capacityBytes,
		done:          make(chan struct{}),
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)

	// The watcher only feeds logging and is best-effort: staged files are
	// discovered by Snapshot regardless.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("Write cache watcher unavailable: %v", err)
	} else if err := watcher.Add(root); err != nil {
		logger.Warnf("Cannot watch write cache dir %q: %v", root, err)
		_ = watcher.Close()
	} else {
		s.watcher = watcher
		go s.watch()
	}

	return s, nil
}

func (s *Store) checkInvariants() {
	if s.capacityBytes == 0 {
		panic("stage.Store: zero capacity")
	}
}

// Root returns the backing directory. It is published as the WRITE/ entry
// point.
func (s *Store) Root() string {
	return s.root
}

// CapacityBytes returns the store's capacity.
func (s *Store) CapacityBytes() uint64 {
	return s.capacityBytes
}

// Write creates or replaces the file at the supplied root-relative path. The
// file becomes visible atomically: snapshots never see partial contents.
// Returns *CacheFullError when the write would exceed capacity.
func (s *Store) Write(relPath string, contents []byte) error {
	cleaned, err := cleanRelPath(relPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used, err := s.usageBytesLocked()
	if err != nil {
		return err
	}
	abs := filepath.Join(s.root, cleaned)
	if prev, err := os.Stat(abs); err == nil {
		used -= uint64(prev.Size())
	}
	if used+uint64(len(contents)) > s.capacityBytes {
		return &CacheFullError{CapacityBytes: s.capacityBytes}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), tmpFilePrefix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(contents); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("publish staged file: %w", err)
	}

	return nil
}

// Remove unstages the file at the supplied root-relative path. Removing a
// file that was already committed does not propagate upstream: the remote
// store exposes no delete operation through this path.
func (s *Store) Remove(relPath string) error {
	cleaned, err := cleanRelPath(relPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return os.Remove(filepath.Join(s.root, cleaned))
}

// Snapshot returns a point-in-time copy of all completed staged files,
// ordered by path. Writes through the store that happen after Snapshot
// returns are not part of it.
func (s *Store) Snapshot() ([]StagedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snapshot []StagedFile
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpFilePrefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}

		snapshot = append(snapshot, StagedFile{
			RelPath:  filepath.ToSlash(rel),
			Contents: contents,
			ModTime:  info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot write cache: %w", err)
	}

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].RelPath < snapshot[j].RelPath })
	return snapshot, nil
}

// Clear removes the files named by a committed snapshot. A file whose mtime
// advanced past its snapshot record was rewritten during the commit and is
// left staged for the next tick.
func (s *Store) Clear(snapshot []StagedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sf := range snapshot {
		abs := filepath.Join(s.root, filepath.FromSlash(sf.RelPath))
		info, err := os.Stat(abs)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stat staged file %q: %w", sf.RelPath, err)
		}
		if info.ModTime().After(sf.ModTime) {
			logger.Debugf("Keeping %q: rewritten during commit", sf.RelPath)
			continue
		}
		if err := os.Remove(abs); err != nil {
			return fmt.Errorf("remove committed file %q: %w", sf.RelPath, err)
		}
	}

	s.pruneEmptyDirsLocked()
	return nil
}

// Len returns the number of completed staged files.
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && !strings.HasPrefix(d.Name(), tmpFilePrefix) {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Destroy stops the watcher and deletes the backing directory.
func (s *Store) Destroy() error {
	if s.watcher != nil {
		_ = s.watcher.Close()
		<-s.done
		s.watcher = nil
	}
	return os.RemoveAll(s.root)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func cleanRelPath(relPath string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if cleaned == "." || filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || cleaned == ".." {
		return "", fmt.Errorf("invalid staged path: %q", relPath)
	}
	return cleaned, nil
}

// usageBytesLocked sums the sizes of completed staged files.
//
// LOCKS_REQUIRED(s.mu)
func (s *Store) usageBytesLocked() (uint64, error) {
	var used uint64
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpFilePrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		used += uint64(info.Size())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure write cache: %w", err)
	}
	return used, nil
}

// pruneEmptyDirsLocked removes directories emptied by Clear, deepest first.
//
// LOCKS_REQUIRED(s.mu)
func (s *Store) pruneEmptyDirsLocked() {
	var dirs []string
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != s.root {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		// Fails for non-empty directories, which is the point.
		_ = os.Remove(dir)
	}
}

// watch logs staged-file arrivals and keeps new subdirectories covered.
func (s *Store) watch() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.watcher.Add(ev.Name); err != nil {
						logger.Debugf("Cannot watch new cache dir %q: %v", ev.Name, err)
					}
					continue
				}
			}
			if (ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename)) && !strings.HasPrefix(filepath.Base(ev.Name), tmpFilePrefix) {
				if rel, err := filepath.Rel(s.root, ev.Name); err == nil {
					logger.Debugf("Staged %q", filepath.ToSlash(rel))
				}
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Write cache watcher: %v", err)
		}
	}
}
