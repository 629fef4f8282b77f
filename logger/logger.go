// SPDX-License-Identifier: LGPL-3.0-or-later

// Package logger is the leveled, key-value structured logger used by
// the worker runtime: the job Transport reports watch errors and
// dropped notifications through it, and cmd/hypervisord logs every
// handler's progress events through it. Session and Executor take no
// Logger and do not log. It is grounded on
// the teacher's own hand-rolled leveled logger rather than any
// third-party logging library — the teacher never reaches for zap,
// zerolog, or logrus for this, so neither does this package.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// Level is one of the four severities a session or worker-runtime
// component can log at.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Format selects the wire shape of each log line: human-readable text
// for a terminal (the CLI/TUI collaborators), or one JSON object per
// line for the worker daemon, where log output is typically shipped to
// a collector rather than read directly.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Logger is the leveled, key-value logging interface every guestkit
// component takes a dependency on — never a concrete type, so a test
// can substitute TestLogger and the worker daemon can substitute
// whatever Format/Output combination its Config asks for.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	// With returns a Logger that prepends keysAndValues to every call's
	// own pairs, so a component can bind
	// its identity once instead of repeating it at every call site.
	With(keysAndValues ...interface{}) Logger
}

// Config selects a StandardLogger's level, wire format, and sink.
type Config struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// StandardLogger is the default Logger: a leveled, optionally
// JSON-encoded writer over an io.Writer (os.Stderr by default), with a
// fixed set of bound fields carried from With.
type StandardLogger struct {
	level  Level
	format Format
	logger *log.Logger
	fields []interface{}
}

// New returns a StandardLogger at levelStr, writing text-formatted
// lines to stderr.
func New(levelStr string) Logger {
	return NewWithConfig(Config{
		Level:  levelStr,
		Format: "text",
		Output: os.Stderr,
	})
}

// NewWithConfig returns a StandardLogger honoring every field of cfg,
// the form cmd/hypervisord uses once its Config is loaded (its LogLevel
// and LogFormat; Output is left nil there).
func NewWithConfig(cfg Config) Logger {
	level := INFO
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = DEBUG
	case "info":
		level = INFO
	case "warn", "warning":
		level = WARN
	case "error":
		level = ERROR
	}

	format := FormatText
	switch strings.ToLower(cfg.Format) {
	case "json":
		format = FormatJSON
	case "text":
		format = FormatText
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	return &StandardLogger{
		level:  level,
		format: format,
		logger: log.New(output, "", 0),
	}
}

func (l *StandardLogger) With(keysAndValues ...interface{}) Logger {
	bound := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	bound = append(bound, l.fields...)
	bound = append(bound, keysAndValues...)
	return &StandardLogger{level: l.level, format: l.format, logger: l.logger, fields: bound}
}

func (l *StandardLogger) log(level Level, levelStr, msg string, keysAndValues ...interface{}) {
	if level < l.level {
		return
	}

	pairs := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	pairs = append(pairs, l.fields...)
	pairs = append(pairs, keysAndValues...)

	if l.format == FormatJSON {
		l.logJSON(levelStr, msg, pairs...)
	} else {
		l.logText(levelStr, msg, pairs...)
	}
}

func (l *StandardLogger) logText(levelStr, msg string, keysAndValues ...interface{}) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	prefix := fmt.Sprintf("[%s] %s: %s", timestamp, levelStr, msg)

	if len(keysAndValues) > 0 {
		var pairs []string
		for i := 0; i < len(keysAndValues); i += 2 {
			if i+1 < len(keysAndValues) {
				pairs = append(pairs, fmt.Sprintf("%v=%v", keysAndValues[i], keysAndValues[i+1]))
			}
		}
		if len(pairs) > 0 {
			prefix = fmt.Sprintf("%s | %s", prefix, strings.Join(pairs, ", "))
		}
	}

	l.logger.Println(prefix)
}

func (l *StandardLogger) logJSON(levelStr, msg string, keysAndValues ...interface{}) {
	entry := make(map[string]interface{})
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = levelStr
	entry["msg"] = msg

	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			key := fmt.Sprintf("%v", keysAndValues[i])
			entry[key] = keysAndValues[i+1]
		}
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to text format if JSON marshaling fails.
		l.logText(levelStr, msg, keysAndValues...)
		return
	}

	l.logger.Println(string(jsonBytes))
}

func (l *StandardLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(DEBUG, "DEBUG", msg, keysAndValues...)
}

func (l *StandardLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log(INFO, "INFO", msg, keysAndValues...)
}

func (l *StandardLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(WARN, "WARN", msg, keysAndValues...)
}

func (l *StandardLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log(ERROR, "ERROR", msg, keysAndValues...)
}
