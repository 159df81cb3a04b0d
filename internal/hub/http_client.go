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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prospectfuturesinc/huggingface-filesystem/internal/logger"
	"golang.org/x/oauth2"
)

// ClientConfig carries everything needed to build a Client for one
// repository.
type ClientConfig struct {
	// Base URL of the Hub, e.g. https://huggingface.co.
	Endpoint string

	// Repository id in namespace/name form.
	Repo string

	// "model" or "dataset".
	RepoType string

	// Git revision listings, reads and commits are pinned to.
	Revision string

	// Bearer token for the Hub API.
	TokenSource oauth2.TokenSource

	UserAgent string

	// The time limit for a single HTTP request. Zero means no timeout.
	HttpClientTimeout time.Duration

	// Retry policy for transient failures on listings and reads. Commits are
	// never retried here; the sync scheduler owns that cadence.
	MaxRetryAttempts int64
	MaxRetrySleep    time.Duration

	// Maximum request rate against the Hub API.
	RequestRateHz float64

	// Squash the repository history after each successful commit.
	SquashHistory bool
}

const retryBaseDelay = 500 * time.Millisecond

// NewClient creates a Client speaking the Hub HTTP API.
func NewClient(config *ClientConfig) (Client, error) {
	base, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	var apiPrefix, resolvePrefix string
	switch config.RepoType {
	case "model", "":
		apiPrefix = "models"
		resolvePrefix = ""
	case "dataset":
		apiPrefix = "datasets"
		resolvePrefix = "datasets/"
	default:
		return nil, fmt.Errorf("unsupported repo type: %q", config.RepoType)
	}

	hc := oauth2.NewClient(context.Background(), config.TokenSource)
	hc.Timeout = config.HttpClientTimeout

	rateHz := config.RequestRateHz
	if rateHz <= 0 {
		rateHz = 10
	}

	return &httpClient{
		base:             base,
		repo:             config.Repo,
		apiPrefix:        apiPrefix,
		resolvePrefix:    resolvePrefix,
		revision:         config.Revision,
		userAgent:        config.UserAgent,
		hc:               hc,
		throttle:         NewThrottle(rateHz, 1),
		maxRetryAttempts: config.MaxRetryAttempts,
		maxRetrySleep:    config.MaxRetrySleep,
		squashHistory:    config.SquashHistory,
	}, nil
}

type httpClient struct {
	base          *url.URL
	repo          string
	apiPrefix     string
	resolvePrefix string
	revision      string
	userAgent     string

	hc       *http.Client
	throttle Throttle

	maxRetryAttempts int64
	maxRetrySleep    time.Duration
	squashHistory    bool
}

// treeEntry is the wire form of one entry in a tree listing.
type treeEntry struct {
	Type string `json:"type"`
	Size int64  `json:"size"`
	Path string `json:"path"`
}

func (c *httpClient) ListEntries(ctx context.Context, path string) ([]*Entry, error) {
	u := c.apiURL("tree", path)

	body, err := c.getWithRetry(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", path, err)
	}

	var raw []treeEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("list %q: decode response: %w", path, err)
	}

	entries := make([]*Entry, 0, len(raw))
	for _, te := range raw {
		name := te.Path
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		entries = append(entries, &Entry{
			Name:  name,
			Path:  te.Path,
			IsDir: te.Type == "directory",
			Size:  te.Size,
		})
	}
	return entries, nil
}

func (c *httpClient) ReadAt(ctx context.Context, path string, offset int64, dst []byte) (n int, err error) {
	if len(dst) == 0 {
		return 0, nil
	}

	u := c.resolveURL(path)
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(dst))-1)

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Range", rangeHeader)
		return req, nil
	})
	if err != nil {
		return 0, fmt.Errorf("read %q: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// The common case: the requested range, possibly truncated at EOF.

	case http.StatusOK:
		// The server ignored the range request. Discard the prefix and read
		// from there.
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				if err == io.EOF {
					return 0, io.EOF
				}
				return 0, fmt.Errorf("read %q: skip to offset %d: %w", path, offset, err)
			}
		}

	case http.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF

	default:
		return 0, fmt.Errorf("read %q: %w", path, c.statusError(resp))
	}

	n, err = io.ReadFull(resp.Body, dst)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		// Short object: a valid partial read.
		return n, io.EOF
	}
	if err != nil {
		return n, &TransientError{Err: fmt.Errorf("read %q: %w", path, err)}
	}
	return n, nil
}

// commitLine is one NDJSON line of the commit request body.
type commitLine struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

type commitHeaderValue struct {
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
}

type commitFileValue struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type commitResponse struct {
	CommitOID string `json:"commitOid"`
	CommitURL string `json:"commitUrl"`
}

func (c *httpClient) Commit(ctx context.Context, req *CommitRequest) (revision string, err error) {
	if len(req.Files) == 0 {
		return "", &CommitError{Err: fmt.Errorf("empty batch")}
	}

	message := req.Message
	if message == "" {
		message = fmt.Sprintf("Upload %d file(s) via hffs", len(req.Files))
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	if err := enc.Encode(commitLine{Key: "header", Value: commitHeaderValue{Summary: message}}); err != nil {
		return "", &CommitError{Err: err}
	}
	for _, f := range req.Files {
		line := commitLine{
			Key: "file",
			Value: commitFileValue{
				Path:     f.Path,
				Content:  base64.StdEncoding.EncodeToString(f.Contents),
				Encoding: "base64",
			},
		}
		if err := enc.Encode(line); err != nil {
			return "", &CommitError{Err: err}
		}
	}

	u := c.apiURL("commit", "")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return "", &CommitError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/x-ndjson")
	c.setCommonHeaders(httpReq)

	// Commits are intentionally not retried here: a failed batch is retried
	// wholesale by the scheduler on its next tick.
	if err := c.throttle.Wait(ctx, 1); err != nil {
		return "", &CommitError{Err: err}
	}
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return "", &CommitError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &CommitError{Err: c.statusError(resp)}
	}

	var cr commitResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", &CommitError{Err: fmt.Errorf("decode response: %w", err)}
	}

	if c.squashHistory {
		// History compaction is a policy knob, not a correctness requirement:
		// failures are logged and ignored.
		if err := c.squash(ctx, message); err != nil {
			logger.Warnf("Failed to squash history after commit %s: %v", cr.CommitOID, err)
		}
	}

	return cr.CommitOID, nil
}

func (c *httpClient) squash(ctx context.Context, message string) error {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}

	u := c.apiURL("super-squash", "")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(req)

	if err := c.throttle.Wait(ctx, 1); err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// apiURL builds {endpoint}/api/{models|datasets}/{repo}/{op}/{revision}[/{path}].
func (c *httpClient) apiURL(op, path string) string {
	u := *c.base
	segments := fmt.Sprintf("api/%s/%s/%s/%s", c.apiPrefix, c.repo, op, c.revision)
	if path != "" {
		segments += "/" + path
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + segments
	return u.String()
}

// resolveURL builds the byte-serving URL for one object.
func (c *httpClient) resolveURL(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") +
		fmt.Sprintf("/%s%s/resolve/%s/%s", c.resolvePrefix, c.repo, c.revision, path)
	return u.String()
}

func (c *httpClient) setCommonHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// getWithRetry performs a GET and returns the full response body.
func (c *httpClient) getWithRetry(ctx context.Context, u string, header http.Header) ([]byte, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	return body, nil
}

// doWithRetry issues the request built by build, retrying transient
// failures with exponential backoff capped at maxRetrySleep. On success the
// caller owns resp.Body.
func (c *httpClient) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := int64(0); c.maxRetryAttempts == 0 || attempt < c.maxRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << uint(attempt-1)
			if c.maxRetrySleep > 0 && delay > c.maxRetrySleep {
				delay = c.maxRetrySleep
			}
			select {
			case <-ctx.Done():
				return nil, &TransientError{Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		c.setCommonHeaders(req)

		if err := c.throttle.Wait(ctx, 1); err != nil {
			return nil, &TransientError{Err: err}
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &TransientError{Err: ctx.Err()}
			}
			lastErr = &TransientError{Err: err}
			logger.Debugf("Hub request %s failed (attempt %d): %v", req.URL.Path, attempt+1, err)
			continue
		}

		if retryableStatus(resp.StatusCode) {
			lastErr = c.statusError(resp)
			_ = resp.Body.Close()
			logger.Debugf("Hub request %s got status %d (attempt %d)", req.URL.Path, resp.StatusCode, attempt+1)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}

// statusError converts a non-success response into the package's typed
// errors. Consumes up to a small amount of the body for the message.
func (c *httpClient) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	base := fmt.Errorf("%s %s: status %d: %s",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Err: base}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrAuthRequired, base)
	case retryableStatus(resp.StatusCode):
		return &TransientError{Err: base}
	default:
		return base
	}
}
