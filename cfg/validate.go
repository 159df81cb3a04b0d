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

package cfg

import (
	"fmt"
	"net/url"
	"os"
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidLogFormat(format string) error {
	if format != TextLogFormat && format != JSONLogFormat {
		return fmt.Errorf("log format should be 'text' or 'json', got %q", format)
	}
	return nil
}

func isValidEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme should be http or https, got %q", endpoint)
	}
	return nil
}

func isValidCommitConfig(config *CommitConfig) error {
	if config.Interval <= 0 {
		return fmt.Errorf("commit interval should be positive, got %v", config.Interval)
	}
	if config.CacheCapacityMb < 0 {
		return fmt.Errorf("cache-capacity-mb can't be negative")
	}
	return nil
}

func isValidFileSystemConfig(config *FileSystemConfig) error {
	if config.MountTimeout <= 0 {
		return fmt.Errorf("mount timeout should be positive, got %v", config.MountTimeout)
	}
	if config.MountReadyPollInterval <= 0 {
		return fmt.Errorf("mount-ready-poll-interval should be positive, got %v", config.MountReadyPollInterval)
	}
	if config.MountReadyPollInterval > config.MountTimeout {
		return fmt.Errorf("mount-ready-poll-interval (%v) exceeds mount timeout (%v)", config.MountReadyPollInterval, config.MountTimeout)
	}
	return nil
}

// ValidateConfig checks that the rationalized config is usable. The repo id
// and repo type have already been vetted by their UnmarshalText methods when
// they came through viper; the positional repo argument is vetted here.
func ValidateConfig(config *Config) error {
	var err error

	if config.Repo == "" {
		return fmt.Errorf("a repository id is required")
	}
	var repo RepoID
	if err = repo.UnmarshalText([]byte(config.Repo)); err != nil {
		return err
	}

	if err = isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}

	if err = isValidLogFormat(config.Logging.Format); err != nil {
		return fmt.Errorf("error parsing logging config: %w", err)
	}

	if err = isValidEndpoint(config.HubConnection.Endpoint); err != nil {
		return fmt.Errorf("error parsing hub-connection config: %w", err)
	}

	if err = isValidCommitConfig(&config.Commit); err != nil {
		return fmt.Errorf("error parsing commit config: %w", err)
	}

	if err = isValidFileSystemConfig(&config.FileSystem); err != nil {
		return fmt.Errorf("error parsing file-system config: %w", err)
	}

	return nil
}

// FolderConflictError reports that the chosen local root already exists and
// contains entries that do not belong to an hffs mount. The caller decides
// how to resolve the conflict; no prompting happens here.
type FolderConflictError struct {
	Path    string
	Entries int
}

func (e *FolderConflictError) Error() string {
	return fmt.Sprintf("folder %q already exists and contains %d entries", e.Path, e.Entries)
}

// ValidateFolder checks whether the supplied local root can be used for a
// new mount. A missing or empty directory is fine. A directory holding only
// the READ/WRITE entry points left behind by an unclean shutdown is also
// fine: mounting over it is how those get repaired.
func ValidateFolder(root string) error {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read folder %q: %w", root, err)
	}

	foreign := 0
	for _, e := range entries {
		switch e.Name() {
		case "READ", "WRITE", ".read":
			continue
		}
		foreign++
	}
	if foreign > 0 {
		return &FolderConflictError{Path: root, Entries: foreign}
	}
	return nil
}
