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

package mount

import (
	"fmt"
	"path/filepath"

	"github.com/jacobsa/fuse"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// MountedFS is a handle on a served kernel mount.
type MountedFS interface {
	// Join blocks until the mount is unmounted or the context is cancelled.
	Join(ctx context.Context) error
}

// Mounter abstracts the kernel mount operations so that the supervisor can
// be exercised without fuse privileges.
type Mounter interface {
	Mount(dir string, server fuse.Server, cfg *fuse.MountConfig) (MountedFS, error)
	Unmount(dir string) error

	// Ready reports whether dir is being served as a mount point.
	Ready(dir string) error
}

// NewFuseMounter returns the Mounter backed by the real fuse kernel
// interface.
func NewFuseMounter() Mounter {
	return &fuseMounter{}
}

type fuseMounter struct{}

func (m *fuseMounter) Mount(
	dir string,
	server fuse.Server,
	cfg *fuse.MountConfig) (MountedFS, error) {
	return fuse.Mount(dir, server, cfg)
}

func (m *fuseMounter) Unmount(dir string) error {
	return fuse.Unmount(dir)
}

// Ready checks whether dir sits on a different device than its parent,
// which is the case exactly when a file system is mounted there.
func (m *fuseMounter) Ready(dir string) error {
	var dirStat, parentStat unix.Stat_t
	if err := unix.Stat(dir, &dirStat); err != nil {
		return fmt.Errorf("stat %q: %w", dir, err)
	}
	if err := unix.Stat(filepath.Dir(dir), &parentStat); err != nil {
		return fmt.Errorf("stat parent of %q: %w", dir, err)
	}
	if dirStat.Dev == parentStat.Dev {
		return fmt.Errorf("%q is not a mount point", dir)
	}
	return nil
}
