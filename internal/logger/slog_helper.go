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

package logger

import (
	"log/slog"

	"github.com/prospectfuturesinc/huggingface-filesystem/cfg"
)

// TRACE sits below slog's built-in DEBUG.
const levelTrace = slog.Level(-8)

// levelOff is above every severity, so nothing is logged.
const levelOff = slog.Level(12)

func setLoggingLevel(level cfg.LogSeverity, programLevel *slog.LevelVar) {
	// Records with severity >= the configured value are logged.
	switch level {
	case cfg.TraceLogSeverity:
		programLevel.Set(levelTrace)
	case cfg.DebugLogSeverity:
		programLevel.Set(slog.LevelDebug)
	case cfg.InfoLogSeverity:
		programLevel.Set(slog.LevelInfo)
	case cfg.WarningLogSeverity:
		programLevel.Set(slog.LevelWarn)
	case cfg.ErrorLogSeverity:
		programLevel.Set(slog.LevelError)
	case cfg.OffLogSeverity:
		programLevel.Set(levelOff)
	}
}

// replaceAttr renames record attributes to the fluentd-compatible names used
// by log collectors: severity instead of level, message instead of msg. It
// also maps the custom TRACE level, which slog would otherwise render as
// "DEBUG-4".
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.LevelKey:
		a.Key = "severity"
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == levelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	case slog.MessageKey:
		a.Key = "message"
	}
	return a
}
