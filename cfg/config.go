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
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	CacheDir ResolvedPath `yaml:"cache-dir"`

	Commit CommitConfig `yaml:"commit"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Folder string `yaml:"folder"`

	HubConnection HubConnectionConfig `yaml:"hub-connection"`

	Logging LoggingConfig `yaml:"logging"`

	Metrics MetricsConfig `yaml:"metrics"`

	Repo RepoID `yaml:"repo"`

	SessionFile ResolvedPath `yaml:"session-file"`
}

type CommitConfig struct {
	CacheCapacityMb int64 `yaml:"cache-capacity-mb"`

	Interval time.Duration `yaml:"interval"`

	Message string `yaml:"message"`

	PathInRepo string `yaml:"path-in-repo"`

	SquashHistory bool `yaml:"squash-history"`
}

type FileSystemConfig struct {
	DirMode Octal `yaml:"dir-mode"`

	FileMode Octal `yaml:"file-mode"`

	Gid int64 `yaml:"gid"`

	MountReadyPollInterval time.Duration `yaml:"mount-ready-poll-interval"`

	MountTimeout time.Duration `yaml:"mount-timeout"`

	Uid int64 `yaml:"uid"`
}

type HubConnectionConfig struct {
	Endpoint string `yaml:"endpoint"`

	HttpClientTimeout time.Duration `yaml:"http-client-timeout"`

	MaxRetryAttempts int64 `yaml:"max-retry-attempts"`

	MaxRetrySleep time.Duration `yaml:"max-retry-sleep"`

	RepoType RepoType `yaml:"repo-type"`

	RequestRateHz float64 `yaml:"request-rate-hz"`

	Revision string `yaml:"revision"`
}

type LoggingConfig struct {
	FilePath ResolvedPath `yaml:"file-path"`

	Format string `yaml:"format"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`

	Severity LogSeverity `yaml:"severity"`
}

type LogRotateLoggingConfig struct {
	BackupFileCount int64 `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`

	MaxFileSizeMb int64 `yaml:"max-file-size-mb"`
}

type MetricsConfig struct {
	PrometheusPort int64 `yaml:"prometheus-port"`
}

// String renders the effective config as yaml, for logging at mount time.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}

func BindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("cache-dir", "", "", "Memory-backed directory used to stage files pending upload. Defaults to /dev/shm/hffs-<folder>.")

	err = v.BindPFlag("cache-dir", flagSet.Lookup("cache-dir"))
	if err != nil {
		return err
	}

	flagSet.Int64P("cache-capacity-mb", "", 0, "Maximum total size of staged files in MiB. 0 means the capacity of the backing medium.")

	err = v.BindPFlag("commit.cache-capacity-mb", flagSet.Lookup("cache-capacity-mb"))
	if err != nil {
		return err
	}

	flagSet.StringP("commit-message", "", "", "Commit message used when syncing staged files. Empty means an auto-generated message.")

	err = v.BindPFlag("commit.message", flagSet.Lookup("commit-message"))
	if err != nil {
		return err
	}

	flagSet.DurationP("commit-interval", "", 2*time.Minute, "How often staged files are committed to the repository.")

	err = v.BindPFlag("commit.interval", flagSet.Lookup("commit-interval"))
	if err != nil {
		return err
	}

	flagSet.StringP("dir-mode", "", "0755", "Permissions bits for directories, in octal.")

	err = v.BindPFlag("file-system.dir-mode", flagSet.Lookup("dir-mode"))
	if err != nil {
		return err
	}

	flagSet.StringP("endpoint", "", "https://huggingface.co", "Base URL of the Hugging Face Hub endpoint.")

	err = v.BindPFlag("hub-connection.endpoint", flagSet.Lookup("endpoint"))
	if err != nil {
		return err
	}

	flagSet.StringP("file-mode", "", "0644", "Permissions bits for files, in octal.")

	err = v.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode"))
	if err != nil {
		return err
	}

	flagSet.StringP("folder", "", "", "Local folder name under which READ/ and WRITE/ are published. Defaults to a name derived from the repository id.")

	err = v.BindPFlag("folder", flagSet.Lookup("folder"))
	if err != nil {
		return err
	}

	flagSet.Int64P("gid", "", -1, "GID owner of all inodes.")

	err = v.BindPFlag("file-system.gid", flagSet.Lookup("gid"))
	if err != nil {
		return err
	}

	flagSet.DurationP("http-client-timeout", "", 0, "The time limit for requests made by the Hub HTTP client. 0 means no timeout.")

	err = v.BindPFlag("hub-connection.http-client-timeout", flagSet.Lookup("http-client-timeout"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "The file for storing logs. When not provided, plain text logs are printed to stdout.")

	err = v.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "json", "The format of the log file: 'text' or 'json'.")

	err = v.BindPFlag("logging.format", flagSet.Lookup("log-format"))
	if err != nil {
		return err
	}

	flagSet.Int64P("log-rotate-backup-file-count", "", 10, "The maximum number of backup log files to retain. 0 retains all backup files.")

	err = v.BindPFlag("logging.log-rotate.backup-file-count", flagSet.Lookup("log-rotate-backup-file-count"))
	if err != nil {
		return err
	}

	flagSet.BoolP("log-rotate-compress", "", true, "Controls whether rotated log files should be compressed using gzip.")

	err = v.BindPFlag("logging.log-rotate.compress", flagSet.Lookup("log-rotate-compress"))
	if err != nil {
		return err
	}

	flagSet.Int64P("log-rotate-max-log-file-size-mb", "", 512, "The maximum size in megabytes that a log file can reach before it is rotated.")

	err = v.BindPFlag("logging.log-rotate.max-file-size-mb", flagSet.Lookup("log-rotate-max-log-file-size-mb"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Specifies the logging severity expressed as one of [trace, debug, info, warning, error, off].")

	err = v.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	if err != nil {
		return err
	}

	flagSet.Int64P("max-retry-attempts", "", 5, "Maximum number of attempts for a retryable Hub request. 0 means no limit.")

	err = v.BindPFlag("hub-connection.max-retry-attempts", flagSet.Lookup("max-retry-attempts"))
	if err != nil {
		return err
	}

	flagSet.DurationP("max-retry-sleep", "", 30*time.Second, "The maximum duration allowed to sleep in a retry loop for a Hub request. Once the backoff exceeds this limit, the retry continues with this limit.")

	err = v.BindPFlag("hub-connection.max-retry-sleep", flagSet.Lookup("max-retry-sleep"))
	if err != nil {
		return err
	}

	flagSet.DurationP("mount-ready-poll-interval", "", 100*time.Millisecond, "How often to probe the read mount for readiness during mounting.")

	err = v.BindPFlag("file-system.mount-ready-poll-interval", flagSet.Lookup("mount-ready-poll-interval"))
	if err != nil {
		return err
	}

	flagSet.DurationP("mount-timeout", "", 3*time.Second, "How long to wait for the read mount to become enumerable before giving up.")

	err = v.BindPFlag("file-system.mount-timeout", flagSet.Lookup("mount-timeout"))
	if err != nil {
		return err
	}

	flagSet.Int64P("prometheus-port", "", 0, "Expose Prometheus metrics on this port. A value of 0 disables metrics.")

	err = v.BindPFlag("metrics.prometheus-port", flagSet.Lookup("prometheus-port"))
	if err != nil {
		return err
	}

	flagSet.StringP("repo-type", "", "model", "The kind of Hub repository to mount: 'model' or 'dataset'.")

	err = v.BindPFlag("hub-connection.repo-type", flagSet.Lookup("repo-type"))
	if err != nil {
		return err
	}

	flagSet.Float64P("request-rate-hz", "", 10, "Maximum rate of requests against the Hub API.")

	err = v.BindPFlag("hub-connection.request-rate-hz", flagSet.Lookup("request-rate-hz"))
	if err != nil {
		return err
	}

	flagSet.StringP("revision", "", "main", "The repository revision to mount and commit against.")

	err = v.BindPFlag("hub-connection.revision", flagSet.Lookup("revision"))
	if err != nil {
		return err
	}

	flagSet.StringP("session-file", "", "/tmp/.hffs.sessions.json", "Path of the advisory session registry file.")

	err = v.BindPFlag("session-file", flagSet.Lookup("session-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("upload-path", "", "uploads", "Path in the repository under which staged files are committed.")

	err = v.BindPFlag("commit.path-in-repo", flagSet.Lookup("upload-path"))
	if err != nil {
		return err
	}

	flagSet.BoolP("squash-history", "", true, "Squash the repository history after each successful commit.")

	err = v.BindPFlag("commit.squash-history", flagSet.Lookup("squash-history"))
	if err != nil {
		return err
	}

	return nil
}
