// logging.go: Pluggable structured logging for the plugin runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type loggerContextKey string

const loggerKey loggerContextKey = "plugin_runtime_logger"

// Logger is the logging interface every runtime component writes to.
//
// Arguments after the message are alternating key/value pairs, for example:
//
//	logger.Info("plugin enabled", "plugin_id", id, "worker_id", workerID)
//
// With returns a child logger that prepends its pairs to every entry. Hosts
// plug their own backend in; NewZapLogger adapts a *zap.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// NewLogger normalizes a logger argument.
//
// A Logger is returned as is and nil yields a NoOpLogger. Anything else
// panics, since it is a programming error in the host.
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case nil:
		return NewNoOpLogger()
	default:
		panic(fmt.Sprintf("unsupported logger type %T: expected Logger or nil", logger))
	}
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, args ...any) {}
func (n *NoOpLogger) Info(msg string, args ...any)  {}
func (n *NoOpLogger) Warn(msg string, args ...any)  {}
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With returns the receiver; a no-op logger has no state to extend.
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// TestLogMessage is a single captured entry.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// Arg returns the value logged under key, if present.
func (m TestLogMessage) Arg(key string) (any, bool) {
	for i := 0; i+1 < len(m.Args); i += 2 {
		if k, ok := m.Args[i].(string); ok && k == key {
			return m.Args[i+1], true
		}
	}
	return nil, false
}

type testLogSink struct {
	mu       sync.RWMutex
	messages []TestLogMessage
}

// TestLogger captures log entries for assertions. Loggers derived with With
// write into the same sink, so a component that tags its logger with a
// plugin id is still observable from the root TestLogger.
type TestLogger struct {
	sink   *testLogSink
	fields []any
}

// NewTestLogger creates a new capturing logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{sink: &testLogSink{}}
}

func (t *TestLogger) record(level, msg string, args []any) {
	all := make([]any, 0, len(t.fields)+len(args))
	all = append(all, t.fields...)
	all = append(all, args...)

	t.sink.mu.Lock()
	t.sink.messages = append(t.sink.messages, TestLogMessage{Level: level, Message: msg, Args: all})
	t.sink.mu.Unlock()
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any)  { t.record("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any)  { t.record("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With returns a child logger sharing the sink.
func (t *TestLogger) With(args ...any) Logger {
	fields := make([]any, 0, len(t.fields)+len(args))
	fields = append(fields, t.fields...)
	fields = append(fields, args...)
	return &TestLogger{sink: t.sink, fields: fields}
}

// Messages returns a copy of everything captured so far.
func (t *TestLogger) Messages() []TestLogMessage {
	t.sink.mu.RLock()
	defer t.sink.mu.RUnlock()
	out := make([]TestLogMessage, len(t.sink.messages))
	copy(out, t.sink.messages)
	return out
}

// HasMessage reports whether an entry with exactly this level and message
// was captured.
func (t *TestLogger) HasMessage(level, message string) bool {
	return t.Find(level, message) != nil
}

// HasMessageContaining is the substring variant of HasMessage.
func (t *TestLogger) HasMessageContaining(level, fragment string) bool {
	t.sink.mu.RLock()
	defer t.sink.mu.RUnlock()
	for _, msg := range t.sink.messages {
		if msg.Level == level && strings.Contains(msg.Message, fragment) {
			return true
		}
	}
	return false
}

// Find returns the first matching entry or nil.
func (t *TestLogger) Find(level, message string) *TestLogMessage {
	t.sink.mu.RLock()
	defer t.sink.mu.RUnlock()
	for i := range t.sink.messages {
		if t.sink.messages[i].Level == level && t.sink.messages[i].Message == message {
			msg := t.sink.messages[i]
			return &msg
		}
	}
	return nil
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.sink.mu.Lock()
	t.sink.messages = t.sink.messages[:0]
	t.sink.mu.Unlock()
}

// DefaultLogger is what components fall back to when the host passes none.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext extracts a logger stored with ContextWithLogger, or
// DefaultLogger.
func LoggerFromContext(ctx context.Context) Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
