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

// Package mount ties the pieces of a session together: the read-only fuse
// mount, the write cache, the sync scheduler, and the session registry. The
// supervisor owns the whole lifecycle, so that a failure at any point during
// mounting tears down exactly the parts that were started.
package mount

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/logger"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/registry"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/stage"
	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"
)

// Names of the two entry points published under the local root.
const (
	ReadLinkName  = "READ"
	WriteLinkName = "WRITE"
)

// readMountDirName is the hidden directory inside the local root that serves
// as the actual fuse mount point; READ is a symlink to it.
const readMountDirName = ".read"

// Session states.
const (
	StateUnmounted  = "UNMOUNTED"
	StateMounting   = "MOUNTING"
	StateReady      = "READY"
	StateUnmounting = "UNMOUNTING"
)

// SyncLoop is the part of the sync scheduler the supervisor drives.
type SyncLoop interface {
	Start(ctx context.Context)
	FlushNow(ctx context.Context) error
}

type SupervisorConfig struct {
	// The repository being mounted, for the registry record.
	Repo string

	// The directory under which READ and WRITE are published.
	LocalRoot string

	// The fuse server backing the read view.
	Server fuse.Server

	// Kernel mount operations. NewFuseMounter for production.
	Mounter Mounter

	// The write cache backing WRITE/.
	Store *stage.Store

	// The background sync scheduler.
	Scheduler SyncLoop

	Registry registry.SessionRegistry
	Clock    timeutil.Clock

	// How long to wait for the kernel mount to become ready, and how often
	// to check while waiting.
	MountTimeout time.Duration
	PollInterval time.Duration

	DirPerms os.FileMode

	// Passed through to the fuse mount.
	FSName string
}

// MountSession is the supervisor's public view of the session.
type MountSession struct {
	Repo      string
	LocalRoot string
	ReadDir   string
	WriteDir  string
	CacheDir  string
	State     string
}

type Supervisor struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cfg SupervisorConfig

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Mutex

	// GUARDED_BY(mu)
	state string

	// The registry ID of the active session. Empty unless state is READY or
	// MOUNTING.
	//
	// GUARDED_BY(mu)
	sessionID string

	// GUARDED_BY(mu)
	mfs MountedFS

	// Cancels the background workers.
	//
	// GUARDED_BY(mu)
	cancelWorkers context.CancelFunc

	// Collects the background workers (fuse join, sync loop shutdown hook).
	//
	// GUARDED_BY(mu)
	workers *errgroup.Group
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		state: StateUnmounted,
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (s *Supervisor) readMountDir() string {
	return filepath.Join(s.cfg.LocalRoot, readMountDirName)
}

func (s *Supervisor) readLink() string {
	return filepath.Join(s.cfg.LocalRoot, ReadLinkName)
}

func (s *Supervisor) writeLink() string {
	return filepath.Join(s.cfg.LocalRoot, WriteLinkName)
}

// awaitReady polls the mounter until the mount point answers or the deadline
// passes.
func (s *Supervisor) awaitReady(ctx context.Context) error {
	deadline := s.cfg.Clock.Now().Add(s.cfg.MountTimeout)
	for {
		err := s.cfg.Mounter.Ready(s.readMountDir())
		if err == nil {
			return nil
		}

		if !s.cfg.Clock.Now().Before(deadline) {
			return fmt.Errorf("%w (last check: %v)", ErrMountTimeout, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// publishLinks points READ and WRITE at the mount point and the cache
// directory, replacing stale links from a previous run.
func (s *Supervisor) publishLinks() error {
	links := []struct {
		name   string
		target string
	}{
		{s.readLink(), s.readMountDir()},
		{s.writeLink(), s.cfg.Store.Root()},
	}
	for _, l := range links {
		if err := os.Remove(l.name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale %q: %w", l.name, err)
		}
		if err := os.Symlink(l.target, l.name); err != nil {
			return fmt.Errorf("symlink %q -> %q: %w", l.name, l.target, err)
		}
	}
	return nil
}

func removeLink(name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Mounting
////////////////////////////////////////////////////////////////////////

// Mount brings the session up. On any failure everything already started is
// torn down, the registry entry is removed, and a *MountFailedError is
// returned.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Supervisor) Mount(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnmounted {
		return fmt.Errorf("cannot mount in state %s", s.state)
	}
	s.state = StateMounting

	defer func() {
		if err != nil {
			s.teardownLocked()
			s.state = StateUnmounted
			err = &MountFailedError{Err: err}
		}
	}()

	// The registry claim is advisory but checked first, so two invocations
	// racing on the same root usually fail fast rather than fight over the
	// mount point.
	if existing, ok, lookupErr := s.cfg.Registry.Lookup(s.cfg.LocalRoot); lookupErr != nil {
		return fmt.Errorf("session registry: %w", lookupErr)
	} else if ok {
		return fmt.Errorf("%w (session %s since %v)",
			ErrAlreadyMounted, existing.ID, existing.StartTime)
	}

	s.sessionID, err = s.cfg.Registry.Register(registry.Session{
		Repo:         s.cfg.Repo,
		LocalRoot:    s.cfg.LocalRoot,
		CacheDir:     s.cfg.Store.Root(),
		ReadMountDir: s.readMountDir(),
	})
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}

	if err = os.MkdirAll(s.readMountDir(), s.cfg.DirPerms); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}

	mountCfg := &fuse.MountConfig{
		FSName:      s.cfg.FSName,
		ReadOnly:    true,
		ErrorLogger: logger.NewLegacyLogger(slog.LevelError, "fuse: "),
		DebugLogger: logger.NewLegacyLogger(slog.LevelDebug, "fuse_debug: "),
	}
	s.mfs, err = s.cfg.Mounter.Mount(s.readMountDir(), s.cfg.Server, mountCfg)
	if err != nil {
		return fmt.Errorf("fuse mount: %w", err)
	}

	if err = s.awaitReady(ctx); err != nil {
		return err
	}

	if err = s.publishLinks(); err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancelWorkers = cancel
	s.workers, _ = errgroup.WithContext(workerCtx)

	mfs := s.mfs
	s.workers.Go(func() error {
		return mfs.Join(workerCtx)
	})
	s.cfg.Scheduler.Start(workerCtx)

	s.state = StateReady
	logger.Infof(
		"Mounted %s at %s (read mount %s, write cache %s)",
		s.cfg.Repo, s.cfg.LocalRoot, s.readMountDir(), s.cfg.Store.Root())
	return nil
}

// teardownLocked undoes whatever Mount managed to start, in reverse order.
// Each step is best-effort.
//
// LOCKS_REQUIRED(s.mu)
func (s *Supervisor) teardownLocked() {
	if s.cancelWorkers != nil {
		s.cancelWorkers()
		s.cancelWorkers = nil
	}
	if s.mfs != nil {
		if err := s.cfg.Mounter.Unmount(s.readMountDir()); err != nil {
			logger.Warnf("Teardown: unmount: %v", err)
		}
		s.mfs = nil
	}
	if s.workers != nil {
		if err := s.workers.Wait(); err != nil && err != context.Canceled {
			logger.Warnf("Teardown: worker: %v", err)
		}
		s.workers = nil
	}
	for _, link := range []string{s.readLink(), s.writeLink()} {
		if err := removeLink(link); err != nil {
			logger.Warnf("Teardown: %v", err)
		}
	}
	if err := os.Remove(s.readMountDir()); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Teardown: remove mount point: %v", err)
	}
	if err := s.cfg.Store.Destroy(); err != nil {
		logger.Warnf("Teardown: destroy write cache: %v", err)
	}
	if s.sessionID != "" {
		if err := s.cfg.Registry.Deregister(s.sessionID); err != nil {
			logger.Warnf("Teardown: deregister session: %v", err)
		}
		s.sessionID = ""
	}
}

////////////////////////////////////////////////////////////////////////
// Unmounting
////////////////////////////////////////////////////////////////////////

// Unmount flushes pending writes, stops serving, and removes every artifact
// the session created. Idempotent: a second call is a no-op. Step failures
// are collected rather than aborting the remaining cleanup.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Supervisor) Unmount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return nil
	}
	s.state = StateUnmounting

	var errs []error

	// Final flush while the write cache is still live. A flush failure must
	// not stop the unmount: data stays in the cache directory for manual
	// recovery.
	flushFailed := false
	if err := s.cfg.Scheduler.FlushNow(ctx); err != nil {
		flushFailed = true
		errs = append(errs, fmt.Errorf("final flush: %w", err))
		logger.Errorf("Final flush failed; staged files remain in %s: %v",
			s.cfg.Store.Root(), err)
	}

	// Skip the kernel unmount when the mount is already gone (external
	// umount); the rest of the cleanup still applies. A failure on a live
	// mount is part of the unmount result.
	if s.cfg.Mounter.Ready(s.readMountDir()) == nil {
		if err := s.cfg.Mounter.Unmount(s.readMountDir()); err != nil {
			errs = append(errs, fmt.Errorf("fuse unmount: %w", err))
		}
	} else {
		logger.Debugf("Kernel mount at %s already gone", s.readMountDir())
	}
	if s.cancelWorkers != nil {
		s.cancelWorkers()
		s.cancelWorkers = nil
	}
	if s.workers != nil {
		if err := s.workers.Wait(); err != nil && err != context.Canceled {
			errs = append(errs, fmt.Errorf("serve loop: %w", err))
		}
		s.workers = nil
	}
	s.mfs = nil

	for _, link := range []string{s.readLink(), s.writeLink()} {
		if err := removeLink(link); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(s.readMountDir()); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove mount point: %w", err))
	}

	if !flushFailed {
		if err := s.cfg.Store.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy write cache: %w", err))
		}
	}

	if s.sessionID != "" {
		if err := s.cfg.Registry.Deregister(s.sessionID); err != nil {
			errs = append(errs, fmt.Errorf("deregister session: %w", err))
		}
		s.sessionID = ""
	}

	s.state = StateUnmounted
	if len(errs) == 0 {
		logger.Infof("Unmounted %s", s.cfg.LocalRoot)
	}
	return errors.Join(errs...)
}

// Wait blocks until the session's background workers exit, which happens
// when the file system is unmounted (by Unmount or externally).
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	g := s.workers
	s.mu.Unlock()

	if g == nil {
		return nil
	}
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// State returns the session state.
func (s *Supervisor) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns a snapshot of the session description.
func (s *Supervisor) Session() MountSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MountSession{
		Repo:      s.cfg.Repo,
		LocalRoot: s.cfg.LocalRoot,
		ReadDir:   s.readLink(),
		WriteDir:  s.writeLink(),
		CacheDir:  s.cfg.Store.Root(),
		State:     s.state,
	}
}

////////////////////////////////////////////////////////////////////////
// Cleanup of foreign sessions
////////////////////////////////////////////////////////////////////////

// ForceCleanup removes the artifacts of a session this process did not
// start, typically one left behind by a crash. Pending writes in the cache
// directory are discarded.
func ForceCleanup(m Mounter, reg registry.SessionRegistry, sess registry.Session) error {
	var errs []error

	if sess.ReadMountDir != "" {
		if err := m.Unmount(sess.ReadMountDir); err != nil {
			// Usually "not mounted" after a crash; log and keep going.
			logger.Debugf("Cleanup unmount %q: %v", sess.ReadMountDir, err)
		}
		if err := os.Remove(sess.ReadMountDir); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove mount point: %w", err))
		}
	}

	if sess.LocalRoot != "" {
		for _, name := range []string{ReadLinkName, WriteLinkName} {
			if err := removeLink(filepath.Join(sess.LocalRoot, name)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if sess.CacheDir != "" {
		if err := os.RemoveAll(sess.CacheDir); err != nil {
			errs = append(errs, fmt.Errorf("remove cache dir: %w", err))
		}
	}

	if err := reg.Deregister(sess.ID); err != nil {
		errs = append(errs, fmt.Errorf("deregister: %w", err))
	}
	return errors.Join(errs...)
}
