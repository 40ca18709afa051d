// internal/logging/testing.go
package logging

import (
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, Trace included, for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// ForRun returns the entries tagged with runID through WithRunID.
func (t *TestLogger) ForRun(runID string) []observer.LoggedEntry {
	return t.observed.FilterField(zap.String("run.id", runID)).All()
}

// Messages returns entry messages in order.
func (t *TestLogger) Messages() []string {
	entries := t.observed.All()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func (t *TestLogger) matching(level zapcore.Level, msg string) *observer.ObservedLogs {
	return t.observed.FilterLevelExact(level).FilterMessageSnippet(msg)
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.matching(level, msg).Len() == 0 {
		tb.Errorf("no %v entry containing %q; got %q", level, msg, t.Messages())
	}
}

// AssertNotLogged fails tb if any entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if n := t.matching(level, msg).Len(); n > 0 {
		tb.Errorf("unexpected %d %v entries containing %q", n, level, msg)
	}
}

// AssertField fails tb unless an entry containing msg has key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want interface{}) {
	tb.Helper()
	for _, e := range t.observed.FilterMessageSnippet(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(got, want) {
			return
		}
	}
	tb.Errorf("no entry containing %q with %s=%v", msg, key, want)
}
