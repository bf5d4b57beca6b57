package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry written through it.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a logger that keeps entries at every level, trace included.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, observed: observed}
}

// Messages returns the messages logged at level, in order.
func (t *TestLogger) Messages(level zapcore.Level) []string {
	var out []string
	for _, e := range t.observed.FilterLevelExact(level).All() {
		out = append(out, e.Message)
	}
	return out
}

// AssertLogged fails tb unless some entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	msgs := t.Messages(level)
	for _, m := range msgs {
		if strings.Contains(m, msg) {
			return
		}
	}
	tb.Errorf("no %s log containing %q; got %q", level, msg, msgs)
}

// Field returns the value of key on the first entry whose message is msg.
func (t *TestLogger) Field(msg, key string) (any, bool) {
	for _, e := range t.observed.FilterMessage(msg).All() {
		v, ok := e.ContextMap()[key]
		return v, ok
	}
	return nil, false
}
