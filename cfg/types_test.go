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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOctalUnmarshalText(t *testing.T) {
	var o Octal

	require.NoError(t, o.UnmarshalText([]byte("0755")))
	assert.EqualValues(t, 0o755, o)

	require.NoError(t, o.UnmarshalText([]byte("644")))
	assert.EqualValues(t, 0o644, o)

	assert.Error(t, o.UnmarshalText([]byte("9")))
}

func TestRepoTypeUnmarshalText(t *testing.T) {
	var rt RepoType

	require.NoError(t, rt.UnmarshalText([]byte("Model")))
	assert.Equal(t, ModelRepoType, rt)

	require.NoError(t, rt.UnmarshalText([]byte("dataset")))
	assert.Equal(t, DatasetRepoType, rt)

	assert.Error(t, rt.UnmarshalText([]byte("space")))
}

func TestRepoIDUnmarshalText(t *testing.T) {
	var r RepoID

	require.NoError(t, r.UnmarshalText([]byte("meta-llama/Llama-2-7b")))
	assert.Equal(t, "meta-llama", r.Namespace())
	assert.Equal(t, "Llama-2-7b", r.Name())

	for _, bad := range []string{"", "noslash", "a/b/c", "/name", "namespace/"} {
		assert.Error(t, r.UnmarshalText([]byte(bad)), "id %q", bad)
	}
}

func TestRepoIDDefaultFolder(t *testing.T) {
	var r RepoID
	require.NoError(t, r.UnmarshalText([]byte("meta-llama/Llama-2-7b")))

	assert.Equal(t, "llama_2_7b", r.DefaultFolder())
}

func TestLogSeverityUnmarshalText(t *testing.T) {
	var s LogSeverity

	require.NoError(t, s.UnmarshalText([]byte("warning")))
	assert.Equal(t, WarningLogSeverity, s)
	assert.Equal(t, 3, s.Rank())

	assert.Error(t, s.UnmarshalText([]byte("verbose")))
}

func TestResolvedPathExpandsHome(t *testing.T) {
	var p ResolvedPath

	require.NoError(t, p.UnmarshalText([]byte("~/some/dir")))

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, ResolvedPath(filepath.Join(home, "some/dir")), p)
}
