// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one captured log record.
type LogEntry struct {
	Level   slog.Level
	Message string
	Fields  map[string]any
}

// TestLogger captures everything logged through Logger() for assertions.
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewTestLogger creates an empty capturing logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

// Logger returns a *slog.Logger that writes into this TestLogger.
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&captureHandler{sink: l})
}

// Entries returns a copy of everything captured so far.
func (l *TestLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// EntriesAt returns captured entries with exactly the given level.
func (l *TestLogger) EntriesAt(level slog.Level) []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// HasMessage reports whether any entry has the given message.
func (l *TestLogger) HasMessage(msg string) bool {
	for _, e := range l.Entries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}

// HasError reports whether anything was logged at error level.
func (l *TestLogger) HasError() bool { return len(l.EntriesAt(slog.LevelError)) > 0 }

// HasWarning reports whether anything was logged at warn level.
func (l *TestLogger) HasWarning() bool { return len(l.EntriesAt(slog.LevelWarn)) > 0 }

// Clear drops all captured entries.
func (l *TestLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

func (l *TestLogger) add(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

type captureHandler struct {
	sink  *TestLogger
	attrs []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	h.sink.add(LogEntry{Level: r.Level, Message: r.Message, Fields: fields})
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &captureHandler{sink: h.sink, attrs: merged}
}

// Groups are flattened; none of our loggers use them.
func (h *captureHandler) WithGroup(string) slog.Handler { return h }

// TestingT is the subset of *testing.T used by WaitFor.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
}

// WaitFor polls condition every 5ms until it holds or timeout elapses.
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msg string) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %s", msg)
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
