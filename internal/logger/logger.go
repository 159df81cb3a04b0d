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
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/prospectfuturesinc/huggingface-filesystem/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ProgrammeName is attached to every log record so hffs messages can be
// filtered out of shared log sinks.
const ProgrammeName string = "hffs"

var (
	defaultLoggerFactory *loggerFactory
	defaultLogger        *slog.Logger

	// The level shared by all loggers handed out by the default factory.
	programLevel = new(slog.LevelVar)
)

// init sets up a factory that logs text to stdout until InitLogFile is
// called with the user's logging configuration.
func init() {
	defaultLoggerFactory = &loggerFactory{
		file:   nil,
		format: cfg.TextLogFormat,
		level:  cfg.InfoLogSeverity,
	}
	defaultLogger = defaultLoggerFactory.newLogger("")
	setLoggingLevel(defaultLoggerFactory.level, programLevel)
}

// InitLogFile initializes the logger factory from the supplied logging
// config. When a file path is set, logs are written there with rotation
// handled by lumberjack; otherwise they go to stdout.
func InitLogFile(logConfig cfg.LoggingConfig) error {
	var file *lumberjack.Logger
	if logConfig.FilePath != "" {
		// lumberjack opens the file lazily; the explicit open below is just an
		// early permission check so the mount fails fast on a bad path.
		f, err := os.OpenFile(string(logConfig.FilePath), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		if err = f.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   string(logConfig.FilePath),
			MaxSize:    int(logConfig.LogRotate.MaxFileSizeMb),
			MaxBackups: int(logConfig.LogRotate.BackupFileCount),
			Compress:   logConfig.LogRotate.Compress,
		}
	}

	defaultLoggerFactory = &loggerFactory{
		file:   file,
		format: logConfig.Format,
		level:  logConfig.Severity,
	}
	defaultLogger = defaultLoggerFactory.newLogger("")
	setLoggingLevel(defaultLoggerFactory.level, programLevel)

	return nil
}

// SetLogFormat updates the format ("text" or "json") of the default logger.
func SetLogFormat(format string) {
	if format == defaultLoggerFactory.format {
		return
	}
	defaultLoggerFactory.format = format
	defaultLogger = defaultLoggerFactory.newLogger("")
}

// NewLegacyLogger creates a *log.Logger emitting at the given level, for
// libraries that predate slog (the jacobsa/fuse debug and error loggers).
func NewLegacyLogger(level slog.Level, prefix string) *log.Logger {
	return slog.NewLogLogger(defaultLoggerFactory.handler(programLevel, prefix), level)
}

// Tracef prints the message with formatting at TRACE severity.
func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), levelTrace, fmt.Sprintf(format, v...))
}

// Debugf prints the message with formatting at DEBUG severity.
func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

// Infof prints the message with formatting at INFO severity.
func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

// Warnf prints the message with formatting at WARNING severity.
func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

// Errorf prints the message with formatting at ERROR severity.
func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}

// Info logs the message and key/value attributes at INFO severity.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

type loggerFactory struct {
	// If nil, log to stdout. Otherwise, log to this rotated file.
	file   *lumberjack.Logger
	format string
	level  cfg.LogSeverity
}

func (f *loggerFactory) newLogger(prefix string) *slog.Logger {
	return slog.New(f.handler(programLevel, prefix))
}

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return f.file
	}
	return os.Stdout
}

func (f *loggerFactory) handler(levelVar *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceAttr,
	}

	var h slog.Handler
	if f.format == cfg.JSONLogFormat {
		h = slog.NewJSONHandler(f.writer(), opts)
	} else {
		h = slog.NewTextHandler(f.writer(), opts)
	}
	attrs := []slog.Attr{slog.String("name", ProgrammeName)}
	if prefix != "" {
		attrs = append(attrs, slog.String("prefix", prefix))
	}
	return h.WithAttrs(attrs)
}
