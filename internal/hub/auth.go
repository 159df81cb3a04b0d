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
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
)

// TokenSourceFromEnvironment finds the user's Hub access token the same way
// the official tooling does: the HF_TOKEN environment variable first, then
// the token file written by `huggingface-cli login` under HF_HOME (default
// ~/.cache/huggingface).
//
// Returns ErrAuthRequired when no usable token is found. Obtaining a token
// is a collaborator concern; this is only the "a valid token is available"
// precondition check.
func TokenSourceFromEnvironment() (oauth2.TokenSource, error) {
	token := strings.TrimSpace(os.Getenv("HF_TOKEN"))

	if token == "" {
		path := tokenFilePath()
		if contents, err := os.ReadFile(path); err == nil {
			token = strings.TrimSpace(string(contents))
		}
	}

	if token == "" {
		return nil, ErrAuthRequired
	}

	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}), nil
}

func tokenFilePath() string {
	if hfHome := os.Getenv("HF_HOME"); hfHome != "" {
		return filepath.Join(hfHome, "token")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache", "huggingface", "token")
}
