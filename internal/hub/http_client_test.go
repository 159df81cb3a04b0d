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

package hub

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, endpoint string, squash bool) Client {
	t.Helper()
	client, err := NewClient(&ClientConfig{
		Endpoint:         endpoint,
		Repo:             "org/repo",
		RepoType:         "model",
		Revision:         "main",
		TokenSource:      oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret"}),
		UserAgent:        "hffs/test",
		MaxRetryAttempts: 3,
		MaxRetrySleep:    time.Millisecond,
		RequestRateHz:    1000,
		SquashHistory:    squash,
	})
	require.NoError(t, err)
	return client
}

func TestListEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/models/org/repo/tree/main/sub", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "hffs/test", r.Header.Get("User-Agent"))
		_, _ = io.WriteString(w, `[
			{"type":"file","size":8,"path":"sub/README.md"},
			{"type":"directory","size":0,"path":"sub/weights"}
		]`)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	entries, err := client.ListEntries(context.Background(), "sub")

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "README.md", entries[0].Name)
	assert.Equal(t, "sub/README.md", entries[0].Path)
	assert.False(t, entries[0].IsDir)
	assert.EqualValues(t, 8, entries[0].Size)
	assert.Equal(t, "weights", entries[1].Name)
	assert.True(t, entries[1].IsDir)
}

func TestListEntriesNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	_, err := client.ListEntries(context.Background(), "nope")

	assert.True(t, IsNotFound(err))
}

func TestListEntriesRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `[{"type":"file","size":1,"path":"a"}]`)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	entries, err := client.ListEntries(context.Background(), "")

	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.EqualValues(t, 2, calls.Load())
}

func TestListEntriesExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "try again", http.StatusServiceUnavailable)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	_, err := client.ListEntries(context.Background(), "")

	assert.True(t, IsTransient(err))
	assert.EqualValues(t, 3, calls.Load())
}

func TestListEntriesAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	_, err := client.ListEntries(context.Background(), "")

	assert.True(t, errors.Is(err, ErrAuthRequired))
}

func TestReadAtServesRange(t *testing.T) {
	contents := []byte("0123456789")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/org/repo/resolve/main/data.bin", r.URL.Path)
		assert.Equal(t, "bytes=2-5", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(contents[2:6])
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	dst := make([]byte, 4)
	n, err := client.ReadAt(context.Background(), "data.bin", 2, dst)

	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("2345"), dst)
}

func TestReadAtHandlesIgnoredRange(t *testing.T) {
	// Some mirrors answer 200 with the whole object; the offset prefix must
	// be discarded.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	dst := make([]byte, 4)
	n, err := client.ReadAt(context.Background(), "data.bin", 3, dst)

	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("3456"), dst)
}

func TestReadAtPastEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	n, err := client.ReadAt(context.Background(), "data.bin", 100, make([]byte, 4))

	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestReadAtShortObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, "ab")
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	dst := make([]byte, 10)
	n, err := client.ReadAt(context.Background(), "data.bin", 0, dst)

	assert.Equal(t, 2, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, []byte("ab"), dst[:n])
}

// decodeCommitBody parses the NDJSON commit request body.
func decodeCommitBody(t *testing.T, r io.Reader) (summary string, files map[string][]byte) {
	t.Helper()
	files = make(map[string][]byte)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var line struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		switch line.Key {
		case "header":
			var header struct {
				Summary string `json:"summary"`
			}
			require.NoError(t, json.Unmarshal(line.Value, &header))
			summary = header.Summary
		case "file":
			var file struct {
				Path     string `json:"path"`
				Content  string `json:"content"`
				Encoding string `json:"encoding"`
			}
			require.NoError(t, json.Unmarshal(line.Value, &file))
			require.Equal(t, "base64", file.Encoding)
			contents, err := base64.StdEncoding.DecodeString(file.Content)
			require.NoError(t, err)
			files[file.Path] = contents
		}
	}
	require.NoError(t, scanner.Err())
	return summary, files
}

func TestCommit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/models/org/repo/commit/main", r.URL.Path)
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))

		summary, files := decodeCommitBody(t, r.Body)
		assert.Equal(t, "test commit", summary)
		assert.Equal(t, []byte("hello"), files["uploads/note.txt"])

		_, _ = io.WriteString(w, `{"commitOid":"abc123"}`)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	revision, err := client.Commit(context.Background(), &CommitRequest{
		Files:   []FileUpload{{Path: "uploads/note.txt", Contents: []byte("hello")}},
		Message: "test commit",
	})

	require.NoError(t, err)
	assert.Equal(t, "abc123", revision)
}

func TestCommitSquashesHistory(t *testing.T) {
	var squashCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "super-squash") {
			squashCalls.Add(1)
			_, _ = io.WriteString(w, `{}`)
			return
		}
		_, _ = io.WriteString(w, `{"commitOid":"abc123"}`)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, true)

	_, err := client.Commit(context.Background(), &CommitRequest{
		Files: []FileUpload{{Path: "uploads/note.txt", Contents: []byte("hello")}},
	})

	require.NoError(t, err)
	assert.EqualValues(t, 1, squashCalls.Load())
}

func TestCommitFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, false)

	_, err := client.Commit(context.Background(), &CommitRequest{
		Files: []FileUpload{{Path: "uploads/note.txt", Contents: []byte("hello")}},
	})

	var commitErr *CommitError
	assert.ErrorAs(t, err, &commitErr)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCommitEmptyBatchIsRejected(t *testing.T) {
	client := newTestClient(t, "http://localhost:0", false)

	_, err := client.Commit(context.Background(), &CommitRequest{})

	var commitErr *CommitError
	assert.ErrorAs(t, err, &commitErr)
}

func TestDatasetURLs(t *testing.T) {
	var treePath, resolvePath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/tree/") {
			treePath = r.URL.Path
			_, _ = io.WriteString(w, `[]`)
			return
		}
		resolvePath = r.URL.Path
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, "x")
	}))
	defer server.Close()

	client, err := NewClient(&ClientConfig{
		Endpoint:         server.URL,
		Repo:             "org/data",
		RepoType:         "dataset",
		Revision:         "main",
		TokenSource:      oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret"}),
		MaxRetryAttempts: 1,
		RequestRateHz:    1000,
	})
	require.NoError(t, err)

	_, err = client.ListEntries(context.Background(), "")
	require.NoError(t, err)
	n, err := client.ReadAt(context.Background(), "file.csv", 0, make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "/api/datasets/org/data/tree/main", treePath)
	assert.Equal(t, "/datasets/org/data/resolve/main/file.csv", resolvePath)
}
