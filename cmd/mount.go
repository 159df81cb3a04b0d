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

package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/prospectfuturesinc/huggingface-filesystem/cfg"
	"github.com/prospectfuturesinc/huggingface-filesystem/common"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/fs"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/hub"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/logger"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/monitor"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/mount"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/registry"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/stage"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/syncer"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/util"
	"golang.org/x/net/context"
)

// registerTerminatingSignalHandler shuts the session down on the first
// SIGINT or SIGTERM: a mount attempt still in flight is aborted through
// cancelMount, a ready session is unmounted. Repeat signals are absorbed;
// the unmount runs once.
func registerTerminatingSignalHandler(
	ctx context.Context,
	cancelMount context.CancelFunc,
	supervisor *mount.Supervisor) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	var once sync.Once
	go func() {
		for {
			sig := <-signalChan
			once.Do(func() {
				logger.Infof("Received %v, attempting to unmount...", sig)
				cancelMount()
				if err := supervisor.Unmount(ctx); err != nil {
					logger.Errorf("Failed to unmount in response to %v: %v", sig, err)
				} else {
					logger.Infof("Successfully unmounted in response to %v.", sig)
				}
			})
		}
	}()
}

func defaultCacheDir(folder string) string {
	return fmt.Sprintf("/dev/shm/hffs-%s", folder)
}

func resolveOwner(id int64, fallback int) uint32 {
	if id < 0 {
		return uint32(fallback)
	}
	return uint32(id)
}

func runMount(ctx context.Context, config *cfg.Config, mountRoot string) error {
	if err := logger.InitLogFile(config.Logging); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logger.Infof("Start hffs/%s for repo %q", common.GetVersion(), config.Repo)
	logger.Debugf("Effective config:\n%s", config.String())

	if mountRoot == "" {
		mountRoot = "~/" + config.Folder
	}
	localRoot, err := util.GetResolvedPath(mountRoot)
	if err != nil {
		return fmt.Errorf("resolve mount root: %w", err)
	}
	if err := cfg.ValidateFolder(localRoot); err != nil {
		return err
	}
	if err := os.MkdirAll(localRoot, os.FileMode(config.FileSystem.DirMode)); err != nil {
		return fmt.Errorf("create mount root: %w", err)
	}

	tokenSource, err := hub.TokenSourceFromEnvironment()
	if err != nil {
		if errors.Is(err, hub.ErrAuthRequired) {
			return fmt.Errorf(
				"%w: set HF_TOKEN or log in with huggingface-cli to create a token file", err)
		}
		return err
	}

	client, err := hub.NewClient(&hub.ClientConfig{
		Endpoint:          config.HubConnection.Endpoint,
		Repo:              string(config.Repo),
		RepoType:          string(config.HubConnection.RepoType),
		Revision:          config.HubConnection.Revision,
		TokenSource:       tokenSource,
		UserAgent:         fmt.Sprintf("hffs/%s", common.GetVersion()),
		HttpClientTimeout: config.HubConnection.HttpClientTimeout,
		MaxRetryAttempts:  config.HubConnection.MaxRetryAttempts,
		MaxRetrySleep:     config.HubConnection.MaxRetrySleep,
		RequestRateHz:     config.HubConnection.RequestRateHz,
		SquashHistory:     config.Commit.SquashHistory,
	})
	if err != nil {
		return fmt.Errorf("create hub client: %w", err)
	}

	cacheDir := string(config.CacheDir)
	if cacheDir == "" {
		cacheDir = defaultCacheDir(config.Folder)
	}
	if err := os.MkdirAll(cacheDir, os.FileMode(config.FileSystem.DirMode)); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	store, err := stage.NewStore(cacheDir, uint64(config.Commit.CacheCapacityMb)*1024*1024)
	if err != nil {
		return fmt.Errorf("create write cache: %w", err)
	}

	clock := timeutil.RealClock()
	server, err := fs.NewServer(&fs.ServerConfig{
		Client:    client,
		Clock:     clock,
		Uid:       resolveOwner(config.FileSystem.Uid, os.Getuid()),
		Gid:       resolveOwner(config.FileSystem.Gid, os.Getgid()),
		FilePerms: os.FileMode(config.FileSystem.FileMode),
		DirPerms:  os.FileMode(config.FileSystem.DirMode),
	})
	if err != nil {
		return fmt.Errorf("create file system: %w", err)
	}

	scheduler := syncer.New(
		store,
		client,
		clock,
		config.Commit.Interval,
		config.Commit.PathInRepo,
		config.Commit.Message)

	supervisor := mount.NewSupervisor(mount.SupervisorConfig{
		Repo:         string(config.Repo),
		LocalRoot:    localRoot,
		Server:       server,
		Mounter:      mount.NewFuseMounter(),
		Store:        store,
		Scheduler:    scheduler,
		Registry:     registry.NewFileRegistry(string(config.SessionFile)),
		Clock:        clock,
		MountTimeout: config.FileSystem.MountTimeout,
		PollInterval: config.FileSystem.MountReadyPollInterval,
		DirPerms:     os.FileMode(config.FileSystem.DirMode),
		FSName:       fmt.Sprintf("hffs-%s", config.Folder),
	})

	metricsShutdown := monitor.StartPrometheusExporter(config.Metrics.PrometheusPort)

	// The handler is installed before mounting: a signal while the mount is
	// still being established cancels the attempt, which tears down whatever
	// was already started.
	mountCtx, cancelMount := context.WithCancel(ctx)
	defer cancelMount()
	registerTerminatingSignalHandler(ctx, cancelMount, supervisor)

	if err := supervisor.Mount(mountCtx); err != nil {
		return err
	}
	logger.Infof("File system has been successfully mounted at %s.", localRoot)

	// Block until the kernel mount goes away, whether via signal-triggered
	// unmount or an external umount of the read view.
	if err := supervisor.Wait(); err != nil {
		logger.Errorf("Serve loop: %v", err)
	}

	// No-op when the signal handler already ran; the external-umount path
	// still needs the flush and artifact cleanup.
	unmountErr := supervisor.Unmount(ctx)

	if metricsShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Warnf("Metrics exporter shutdown: %v", err)
		}
	}

	return unmountErr
}
