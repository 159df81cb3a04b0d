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

// Package registry records active mount sessions in a shared machine-local
// file, so that a later invocation can discover and clean up after a crashed
// one.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session describes one live mount of a repository.
type Session struct {
	ID           string    `json:"id"`
	Repo         string    `json:"repo"`
	LocalRoot    string    `json:"local_root"`
	CacheDir     string    `json:"cache_dir"`
	ReadMountDir string    `json:"read_mount_dir"`
	StartTime    time.Time `json:"start_time"`
	Pid          int       `json:"pid"`
}

// SessionRegistry tracks mount sessions. Implementations are safe for
// concurrent use.
type SessionRegistry interface {
	// Register records the session and returns its assigned ID.
	Register(s Session) (string, error)

	// Deregister removes the session with the given ID. Removing an unknown
	// ID is not an error.
	Deregister(id string) error

	// Active returns all recorded sessions.
	Active() ([]Session, error)

	// Lookup returns the session mounted at the given local root, if any.
	Lookup(localRoot string) (*Session, bool, error)
}

////////////////////////////////////////////////////////////////////////
// File-backed implementation
////////////////////////////////////////////////////////////////////////

// NewFileRegistry returns a registry persisted as a JSON file at the given
// path. Updates are atomic, but concurrent processes may still race; the
// registry is advisory, not a lock.
func NewFileRegistry(path string) SessionRegistry {
	return &fileRegistry{path: path}
}

type fileRegistry struct {
	mu   sync.Mutex
	path string
}

func (r *fileRegistry) Register(s Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, err := r.loadLocked()
	if err != nil {
		return "", err
	}

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.StartTime.IsZero() {
		s.StartTime = time.Now()
	}
	if s.Pid == 0 {
		s.Pid = os.Getpid()
	}

	sessions = append(sessions, s)
	if err := r.storeLocked(sessions); err != nil {
		return "", err
	}
	return s.ID, nil
}

func (r *fileRegistry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, err := r.loadLocked()
	if err != nil {
		return err
	}

	kept := sessions[:0]
	for _, s := range sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(sessions) {
		return nil
	}
	return r.storeLocked(kept)
}

func (r *fileRegistry) Active() ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *fileRegistry) Lookup(localRoot string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, err := r.loadLocked()
	if err != nil {
		return nil, false, err
	}
	for i := range sessions {
		if sessions[i].LocalRoot == localRoot {
			return &sessions[i], true, nil
		}
	}
	return nil, false, nil
}

// LOCKS_REQUIRED(r.mu)
func (r *fileRegistry) loadLocked() ([]Session, error) {
	contents, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if len(contents) == 0 {
		return nil, nil
	}

	var sessions []Session
	if err := json.Unmarshal(contents, &sessions); err != nil {
		return nil, fmt.Errorf("decode session file %q: %w", r.path, err)
	}
	return sessions, nil
}

// storeLocked publishes the session list atomically via a temp file and
// rename, so readers never observe a partial write.
//
// LOCKS_REQUIRED(r.mu)
func (r *fileRegistry) storeLocked(sessions []Session) error {
	contents, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}

	dir := filepath.Dir(r.path)
	f, err := os.CreateTemp(dir, ".hffs-sessions-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmp := f.Name()

	_, writeErr := f.Write(contents)
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmp)
		if writeErr != nil {
			return fmt.Errorf("write temp session file: %w", writeErr)
		}
		return fmt.Errorf("close temp session file: %w", closeErr)
	}

	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish session file: %w", err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// In-memory implementation
////////////////////////////////////////////////////////////////////////

// NewInMemoryRegistry returns a registry that lives only in this process.
func NewInMemoryRegistry() SessionRegistry {
	return &memRegistry{}
}

type memRegistry struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	sessions []Session
}

func (r *memRegistry) Register(s Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.StartTime.IsZero() {
		s.StartTime = time.Now()
	}
	r.sessions = append(r.sessions, s)
	return s.ID, nil
}

func (r *memRegistry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.sessions[:0]
	for _, s := range r.sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	r.sessions = kept
	return nil
}

func (r *memRegistry) Active() ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Session(nil), r.sessions...), nil
}

func (r *memRegistry) Lookup(localRoot string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.sessions {
		if r.sessions[i].LocalRoot == localRoot {
			s := r.sessions[i]
			return &s, true, nil
		}
	}
	return nil, false, nil
}
