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
	"strconv"
	"strings"

	"github.com/prospectfuturesinc/huggingface-filesystem/internal/util"
)

// Log format values accepted by logging.format.
const (
	TextLogFormat = "text"
	JSONLogFormat = "json"
)

// Octal is the datatype for params such as file-mode and dir-mode which
// accept a base-8 value.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text) /*base=*/, 8 /*bitSize=*/, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

func (o *Octal) String() string {
	return fmt.Sprintf("%o", *o)
}

// RepoType distinguishes the two kinds of Hub repositories that can be
// mounted.
type RepoType string

const (
	ModelRepoType   RepoType = "model"
	DatasetRepoType RepoType = "dataset"
)

func (r *RepoType) UnmarshalText(text []byte) error {
	t := RepoType(strings.ToLower(string(text)))
	if t != ModelRepoType && t != DatasetRepoType {
		return fmt.Errorf("invalid repo type: %q. It can only accept values in the list: [model, dataset]", text)
	}
	*r = t
	return nil
}

// RepoID is a Hub repository identifier in "namespace/name" form. Immutable
// once a mount begins.
type RepoID string

func (r *RepoID) UnmarshalText(text []byte) error {
	id := string(text)
	parts := strings.Split(id, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid repository id: %q. Expected the form namespace/name, e.g. meta-llama/Llama-2-7b", id)
	}
	*r = RepoID(id)
	return nil
}

// Namespace returns the part before the slash.
func (r RepoID) Namespace() string {
	namespace, _, _ := strings.Cut(string(r), "/")
	return namespace
}

// Name returns the part after the slash.
func (r RepoID) Name() string {
	_, name, _ := strings.Cut(string(r), "/")
	return name
}

// DefaultFolder derives a local folder name from the repository name, the
// same way the rest of the tooling does: lower-cased, dashes replaced by
// underscores.
func (r RepoID) DefaultFolder() string {
	return strings.ToLower(strings.ReplaceAll(r.Name(), "-", "_"))
}

// LogSeverity represents the logging severity and can accept the following
// values: "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF".
type LogSeverity string

// Constants for all supported log severities.
const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

// severityRanking maps each level to an integer for validation and
// comparison.
var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity rank. Returns -1
// if the severity is unknown.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}

// ResolvedPath represents a file path which is absolute, resolved relative
// to the user's home directory when it starts with "~/".
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	path, err := util.GetResolvedPath(string(text))
	if err != nil {
		return err
	}
	*p = ResolvedPath(path)
	return nil
}
