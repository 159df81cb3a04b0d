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
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unmarshalConfig(t *testing.T, args []string) *Config {
	t.Helper()
	v := viper.New()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, flagSet))
	require.NoError(t, flagSet.Parse(args))

	var config Config
	err := v.Unmarshal(&config,
		viper.DecodeHook(DecodeHook()),
		func(decoderConfig *mapstructure.DecoderConfig) {
			decoderConfig.TagName = "yaml"
		})
	require.NoError(t, err)
	return &config
}

func TestDefaults(t *testing.T) {
	config := unmarshalConfig(t, nil)

	assert.Equal(t, 2*time.Minute, config.Commit.Interval)
	assert.Equal(t, "uploads", config.Commit.PathInRepo)
	assert.True(t, config.Commit.SquashHistory)
	assert.Equal(t, "https://huggingface.co", config.HubConnection.Endpoint)
	assert.Equal(t, ModelRepoType, config.HubConnection.RepoType)
	assert.Equal(t, "main", config.HubConnection.Revision)
	assert.EqualValues(t, 5, config.HubConnection.MaxRetryAttempts)
	assert.Equal(t, 30*time.Second, config.HubConnection.MaxRetrySleep)
	assert.Equal(t, 100*time.Millisecond, config.FileSystem.MountReadyPollInterval)
	assert.Equal(t, 3*time.Second, config.FileSystem.MountTimeout)
	assert.EqualValues(t, 0o644, config.FileSystem.FileMode)
	assert.EqualValues(t, 0o755, config.FileSystem.DirMode)
	assert.EqualValues(t, -1, config.FileSystem.Uid)
	assert.EqualValues(t, -1, config.FileSystem.Gid)
	assert.Equal(t, JSONLogFormat, config.Logging.Format)
	assert.Equal(t, InfoLogSeverity, config.Logging.Severity)
	assert.Equal(t, ResolvedPath("/tmp/.hffs.sessions.json"), config.SessionFile)
	assert.EqualValues(t, 0, config.Metrics.PrometheusPort)
}

func TestFlagOverrides(t *testing.T) {
	config := unmarshalConfig(t, []string{
		"--commit-interval=30s",
		"--repo-type=dataset",
		"--file-mode=600",
		"--log-severity=debug",
		"--upload-path=drops",
		"--squash-history=false",
		"--prometheus-port=9101",
	})

	assert.Equal(t, 30*time.Second, config.Commit.Interval)
	assert.Equal(t, DatasetRepoType, config.HubConnection.RepoType)
	assert.EqualValues(t, 0o600, config.FileSystem.FileMode)
	assert.Equal(t, DebugLogSeverity, config.Logging.Severity)
	assert.Equal(t, "drops", config.Commit.PathInRepo)
	assert.False(t, config.Commit.SquashHistory)
	assert.EqualValues(t, 9101, config.Metrics.PrometheusPort)
}

func TestConfigStringRendersYaml(t *testing.T) {
	config := unmarshalConfig(t, nil)

	out := config.String()

	assert.Contains(t, out, "commit:")
	assert.Contains(t, out, "path-in-repo: uploads")
	assert.Contains(t, out, "endpoint: https://huggingface.co")
}
