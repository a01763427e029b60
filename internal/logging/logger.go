// Package logging provides the embeddable Logger used by every
// long-lived object in the mesh: connections, the listener, helper
// workers, and the runtime itself each carry one and prefix their
// output with their own identity.
package logging

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Level specifies how much spew should go to the log.
type Level int

const (
	LevelUnknown Level = iota
	LevelPanic
	LevelFatal
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLevel = func() map[string]Level {
	m := make(map[string]Level, len(levelNames))
	for i, name := range levelNames {
		m[name] = Level(i)
	}
	return m
}()

// ParseLevel converts a level name (such as the --loglevel flag value)
// to a Level. Returns LevelUnknown if s is not recognized.
func ParseLevel(s string) Level {
	lvl, ok := nameToLevel[strings.ToLower(s)]
	if !ok {
		return LevelUnknown
	}
	return lvl
}

func (l Level) String() string {
	if l < LevelUnknown || l > LevelTrace {
		return levelNames[LevelUnknown]
	}
	return levelNames[l]
}

// Logger is a logical output stream with a level filter and a prefix
// that is prepended to every record. Objects embed Logger by value
// (via Fork) rather than carrying a pointer to a shared singleton.
type Logger struct {
	prefix   string
	prefixC  string
	sink     *log.Logger
	level    Level
	noColor  bool
}

const defaultFlags = log.Ldate | log.Ltime

// New creates a root Logger writing to stderr at the given level.
func New(prefix string, level Level) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return Logger{
		prefix:  prefix,
		prefixC: prefixC,
		sink:    log.New(os.Stderr, "", defaultFlags),
		level:   level,
	}
}

// Fork returns a new Logger whose prefix is this Logger's prefix plus
// the given suffix, joined by ": ". The child inherits the level and
// sink of the parent. Every Connection and HelperWorker forks its own
// logger off the runtime's root logger this way.
func (l Logger) Fork(format string, args ...interface{}) Logger {
	suffix := fmt.Sprintf(format, args...)
	prefix := suffix
	if l.prefix != "" {
		prefix = l.prefix + ": " + suffix
	}
	prefixC := prefix + ": "
	return Logger{
		prefix:  prefix,
		prefixC: prefixC,
		sink:    l.sink,
		level:   l.level,
		noColor: l.noColor,
	}
}

// Prefix returns this Logger's prefix (without the trailing ": ").
func (l Logger) Prefix() string { return l.prefix }

// Level returns the current filter level.
func (l Logger) Level() Level { return l.level }

// SetLevel adjusts the filter level in place.
func (l *Logger) SetLevel(level Level) { l.level = level }

func (l Logger) enabled(level Level) bool {
	return level <= l.level || level <= LevelFatal
}

func (l Logger) emit(level Level, msg string) {
	if !l.enabled(level) {
		return
	}
	l.sink.Print(l.prefixC + msg)
	switch level {
	case LevelFatal:
		os.Exit(1)
	case LevelPanic:
		panic(msg)
	}
}

// Logf logs a formatted message at the given level.
func (l Logger) Logf(level Level, format string, args ...interface{}) {
	l.emit(level, fmt.Sprintf(format, args...))
}

// ELogf logs at LevelError.
func (l Logger) ELogf(format string, args ...interface{}) { l.Logf(LevelError, format, args...) }

// WLogf logs at LevelWarning.
func (l Logger) WLogf(format string, args ...interface{}) { l.Logf(LevelWarning, format, args...) }

// ILogf logs at LevelInfo.
func (l Logger) ILogf(format string, args ...interface{}) { l.Logf(LevelInfo, format, args...) }

// DLogf logs at LevelDebug.
func (l Logger) DLogf(format string, args ...interface{}) { l.Logf(LevelDebug, format, args...) }

// TLogf logs at LevelTrace.
func (l Logger) TLogf(format string, args ...interface{}) { l.Logf(LevelTrace, format, args...) }

// Fatalf logs and terminates the process with exit status 1.
func (l Logger) Fatalf(format string, args ...interface{}) { l.Logf(LevelFatal, format, args...) }

// Panicf logs and panics with the formatted message.
func (l Logger) Panicf(format string, args ...interface{}) { l.Logf(LevelPanic, format, args...) }

// Errorf returns an error carrying this Logger's prefix, without
// writing anything to the sink.
func (l Logger) Errorf(format string, args ...interface{}) error {
	return errors.New(l.prefixC + fmt.Sprintf(format, args...))
}

// DLogErrorf logs at LevelDebug and returns an error with the same text,
// the idiom used throughout the connection FSM for "drop with reason".
func (l Logger) DLogErrorf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	l.emit(LevelDebug, msg)
	return errors.New(l.prefixC + msg)
}

// ELogErrorf logs at LevelError and returns an error with the same text.
func (l Logger) ELogErrorf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	l.emit(LevelError, msg)
	return errors.New(l.prefixC + msg)
}

// Notice writes an operator-facing wall message behind a yellow "*** "
// marker, the mesh equivalent of ircd-ratbox's server-notice stream,
// used for descriptor-limit admission notices and rejected links.
func (l Logger) Notice(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !l.noColor {
		msg = color.YellowString("*** ") + msg
	}
	l.sink.Print(l.prefixC + msg)
}
