// Copyright 2026 The Kestrel Authors.
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

// Package log provides a minimal leveled logging facility for the kernel
// core.
//
// The kernel proper never formats strings on a hot path; logging below the
// configured level is a single atomic load.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the log level.
type Level uint32

const (
	// Warning indicates a problem the kernel recovered from.
	Warning Level = iota

	// Info is informational bring-up and lifecycle output.
	Info

	// Debug is verbose per-operation output.
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "W"
	case Info:
		return "I"
	case Debug:
		return "D"
	default:
		return fmt.Sprintf("L(%d)", uint32(l))
	}
}

// Emitter is the final destination for log lines.
type Emitter interface {
	// Emit emits the given log statement. Emit is not required to be
	// thread-safe; Logger serializes calls.
	Emit(level Level, timestamp time.Time, format string, v ...any)
}

// Writer writes log lines to an io.Writer, dropping output (and counting
// the drops) if the writer returns an error.
type Writer struct {
	// Next is the writer to which lines are sent.
	Next io.Writer

	// mu protects writes to Next.
	mu sync.Mutex

	// errors counts writes that failed.
	errors int64
}

// Emit implements Emitter.Emit.
func (w *Writer) Emit(level Level, timestamp time.Time, format string, v ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	line := fmt.Sprintf(format, v...)
	_, err := fmt.Fprintf(w.Next, "%s %s kestrel: %s\n",
		level, timestamp.Format("15:04:05.000000"), line)
	if err != nil {
		atomic.AddInt64(&w.errors, 1)
	}
}

// Logger is the log interface consumed by the rest of the kernel.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs an informational statement.
	Infof(format string, v ...any)

	// Warningf logs a warning.
	Warningf(format string, v ...any)

	// IsLogging returns true iff the given level would be logged.
	IsLogging(level Level) bool
}

// BasicLogger is the default Logger implementation: a level gate in front
// of an Emitter.
type BasicLogger struct {
	level   atomic.Uint32
	emitter Emitter
}

// NewLogger returns a BasicLogger that sends statements at or below the
// given level to the emitter.
func NewLogger(level Level, emitter Emitter) *BasicLogger {
	l := &BasicLogger{emitter: emitter}
	l.level.Store(uint32(level))
	return l
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return uint32(level) <= l.level.Load()
}

// SetLevel changes the logging level.
func (l *BasicLogger) SetLevel(level Level) {
	l.level.Store(uint32(level))
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	if l.IsLogging(Debug) {
		l.emitter.Emit(Debug, time.Now(), format, v...)
	}
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	if l.IsLogging(Info) {
		l.emitter.Emit(Info, time.Now(), format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	if l.IsLogging(Warning) {
		l.emitter.Emit(Warning, time.Now(), format, v...)
	}
}

var defaultLogger atomic.Pointer[BasicLogger]

func init() {
	defaultLogger.Store(NewLogger(Info, &Writer{Next: os.Stderr}))
}

// Log returns the process default logger.
func Log() *BasicLogger {
	return defaultLogger.Load()
}

// SetTarget replaces the process default logger's emitter.
func SetTarget(level Level, emitter Emitter) {
	defaultLogger.Store(NewLogger(level, emitter))
}

// Debugf logs to the default logger.
func Debugf(format string, v ...any) {
	Log().Debugf(format, v...)
}

// Infof logs to the default logger.
func Infof(format string, v ...any) {
	Log().Infof(format, v...)
}

// Warningf logs to the default logger.
func Warningf(format string, v ...any) {
	Log().Warningf(format, v...)
}
