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

// Package syncer drains the write cache on a timer, committing staged files
// to the Hub as single-revision batches.
package syncer

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/prospectfuturesinc/huggingface-filesystem/common"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/hub"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/logger"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/monitor"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/stage"
	"golang.org/x/net/context"
)

// Scheduler states. The scheduler moves IDLE -> COMMITTING -> IDLE on every
// tick, whether the commit succeeds or not; failed files stay staged and are
// retried on the next tick.
const (
	StateIdle       = "IDLE"
	StateCommitting = "COMMITTING"
)

type Scheduler struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	store  *stage.Store
	client hub.Client
	clock  timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	interval time.Duration

	// Repo path under which staged files are committed, e.g. "uploads".
	pathInRepo string

	// Commit message override. Empty means a generated default.
	message string

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Held for the whole duration of a tick. This is the at-most-one-in-
	// flight guarantee: a timer tick and FlushNow can never commit
	// concurrently, and a tick arriving while one is in flight waits its
	// turn rather than being dropped.
	mu sync.Mutex

	// GUARDED_BY(mu)
	state string

	// Set by FlushNow. Once set, no further ticks run.
	//
	// GUARDED_BY(mu)
	stopped bool

	// Whether Start has been called.
	//
	// GUARDED_BY(mu)
	started bool

	stopLoop chan struct{}
	loopDone chan struct{}
}

func New(
	store *stage.Store,
	client hub.Client,
	clock timeutil.Clock,
	interval time.Duration,
	pathInRepo string,
	message string) *Scheduler {
	return &Scheduler{
		store:      store,
		client:     client,
		clock:      clock,
		interval:   interval,
		pathInRepo: pathInRepo,
		message:    message,
		state:      StateIdle,
		stopLoop:   make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// Start launches the timer loop. Call at most once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.loopDone)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopLoop:
				return
			case <-ticker.C:
				if err := s.tick(ctx); err != nil {
					// Absorbed: the files stay staged and the next tick retries.
					logger.Errorf("Sync tick failed: %v", err)
				}
			}
		}
	}()
}

// FlushNow forces one final tick outside the timer and permanently stops the
// scheduler. It blocks until any in-flight tick has finished and the final
// tick's commit attempt (success or failure) completes. Subsequent calls are
// no-ops.
func (s *Scheduler) FlushNow(ctx context.Context) error {
	// Taking the lock waits out an in-flight tick.
	s.mu.Lock()
	var err error
	first := !s.stopped
	if first {
		s.stopped = true
		err = s.commitLocked(ctx)
	}
	if first {
		// Stop the timer loop so no goroutine outlives the mount.
		close(s.stopLoop)
	}
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.loopDone
	}
	return err
}

// State returns the scheduler's current state.
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// tick performs one scheduled sync attempt.
func (s *Scheduler) tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	return s.commitLocked(ctx)
}

// commitLocked snapshots the store and commits the batch. Files staged after
// the snapshot is taken are untouched and picked up by the next tick.
//
// LOCKS_REQUIRED(s.mu)
func (s *Scheduler) commitLocked(ctx context.Context) error {
	snapshot, err := s.store.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if len(snapshot) == 0 {
		return nil
	}

	s.state = StateCommitting
	defer func() { s.state = StateIdle }()

	message := s.message
	if message == "" {
		message = fmt.Sprintf("Upload %d file(s) via hffs/%s", len(snapshot), common.GetVersion())
	}

	attemptTime := s.clock.Now()
	req := &hub.CommitRequest{
		Files:   make([]hub.FileUpload, 0, len(snapshot)),
		Message: message,
	}
	for _, sf := range snapshot {
		req.Files = append(req.Files, hub.FileUpload{
			Path:     path.Join(s.pathInRepo, sf.RelPath),
			Contents: sf.Contents,
		})
	}

	revision, err := s.client.Commit(ctx, req)
	if err != nil {
		monitor.RecordSync("failure", 0)
		return fmt.Errorf("commit %d file(s): %w", len(snapshot), err)
	}

	if err := s.store.Clear(snapshot); err != nil {
		// The commit landed; failing to clear means the files would be
		// committed again next tick. Surface it loudly but don't fail the
		// tick: the remote state is already correct.
		logger.Errorf("Failed to clear %d committed file(s): %v", len(snapshot), err)
	}

	monitor.RecordSync("success", len(snapshot))
	logger.Infof("Committed %d file(s) as %s in %v", len(snapshot), revision, s.clock.Now().Sub(attemptTime))
	return nil
}
