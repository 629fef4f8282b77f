// SPDX-License-Identifier: LGPL-3.0-or-later

package logger

import (
	"fmt"
	"strings"
)

// tLogf is the slice of *testing.T/*testing.B actually used: a single
// Logf method, so session and worker tests can pass t directly without
// importing "testing" into this package.
type tLogf interface {
	Logf(format string, args ...interface{})
}

// TestLogger routes log output through testing.T.Logf, so `go test -v`
// shows a component's log lines (the job Transport's, for one) inline
// with the test that triggered them instead of on stderr.
type TestLogger struct {
	t      tLogf
	fields []interface{}
}

// NewTestLogger returns a Logger bound to t, for use as the Logger
// passed to worker.NewTransport in tests (session.New and
// worker.NewExecutor take no Logger).
func NewTestLogger(t tLogf) Logger {
	return &TestLogger{t: t}
}

func (l *TestLogger) With(keysAndValues ...interface{}) Logger {
	bound := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	bound = append(bound, l.fields...)
	bound = append(bound, keysAndValues...)
	return &TestLogger{t: l.t, fields: bound}
}

func (l *TestLogger) format(level, msg string, keysAndValues ...interface{}) string {
	prefix := fmt.Sprintf("[%s] %s", level, msg)

	all := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	all = append(all, l.fields...)
	all = append(all, keysAndValues...)

	if len(all) > 0 {
		var pairs []string
		for i := 0; i < len(all); i += 2 {
			if i+1 < len(all) {
				pairs = append(pairs, fmt.Sprintf("%v=%v", all[i], all[i+1]))
			}
		}
		if len(pairs) > 0 {
			prefix = fmt.Sprintf("%s | %s", prefix, strings.Join(pairs, ", "))
		}
	}

	return prefix
}

func (l *TestLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("%s", l.format("DEBUG", msg, keysAndValues...))
}

func (l *TestLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("%s", l.format("INFO", msg, keysAndValues...))
}

func (l *TestLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("%s", l.format("WARN", msg, keysAndValues...))
}

func (l *TestLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("%s", l.format("ERROR", msg, keysAndValues...))
}
