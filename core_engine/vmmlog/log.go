// Package vmmlog provides the VMM's logging surface: a thin wrapper over the
// standard library's log.Logger, gated by a Debug flag the way the rest of
// the module threads a debug flag through construction.
package vmmlog

import (
	"io"
	"log"
	"os"
)

// Severity mirrors the Log{severity, text} event named in the VMM's event
// callback contract.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Logger wraps a standard library logger with a debug gate. A nil *Logger is
// valid and discards everything, Error output included. On a non-nil Logger,
// Info and Error output always goes to the underlying writer.
type Logger struct {
	out   *log.Logger
	Debug bool
}

// New returns a Logger writing to w with the given prefix.
func New(w io.Writer, prefix string, debug bool) *Logger {
	return &Logger{out: log.New(w, prefix, log.LstdFlags), Debug: debug}
}

// Default returns a Logger writing to stderr.
func Default(debug bool) *Logger {
	return New(os.Stderr, "obvmm: ", debug)
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || !l.Debug {
		return
	}
	l.out.Printf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.out.Printf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.out.Printf(format, args...)
}
