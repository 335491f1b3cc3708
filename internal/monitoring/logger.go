// Package monitoring provides the pipeline's diagnostic logging.
//
// A Logger carries three streams: ops (lifecycle events, warnings, failures),
// diag (per-stage diagnostics and parameters) and trace (per-image detail).
// Loggers are passed explicitly into each component; a nil *Logger discards
// everything.
package monitoring

import (
	"io"
	"log"
	"os"
)

// LogWriters holds the io.Writers for each logging stream.
// A nil writer disables that stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// Logger writes to the ops, diag and trace streams.
type Logger struct {
	ops   *log.Logger
	diag  *log.Logger
	trace *log.Logger
}

// NewLogger creates a Logger whose lines carry the given prefix, e.g. "[refine] ".
func NewLogger(prefix string, w LogWriters) *Logger {
	return &Logger{
		ops:   newStream(prefix, w.Ops),
		diag:  newStream(prefix, w.Diag),
		trace: newStream(prefix, w.Trace),
	}
}

// NewStderrLogger sends ops and diag to stderr; trace is enabled only when verbose.
func NewStderrLogger(prefix string, verbose bool) *Logger {
	w := LogWriters{Ops: os.Stderr, Diag: os.Stderr}
	if verbose {
		w.Trace = os.Stderr
	}
	return NewLogger(prefix, w)
}

// Discard returns a Logger with every stream disabled.
func Discard() *Logger {
	return &Logger{}
}

func newStream(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// With returns a copy of the logger whose lines use a different prefix.
func (l *Logger) With(prefix string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		ops:   withPrefix(l.ops, prefix),
		diag:  withPrefix(l.diag, prefix),
		trace: withPrefix(l.trace, prefix),
	}
}

func withPrefix(s *log.Logger, prefix string) *log.Logger {
	if s == nil {
		return nil
	}
	return log.New(s.Writer(), prefix, s.Flags())
}

// Opsf logs to the ops stream (actionable warnings, errors, lifecycle events).
func (l *Logger) Opsf(format string, args ...interface{}) {
	if l != nil && l.ops != nil {
		l.ops.Printf(format, args...)
	}
}

// Diagf logs to the diag stream (stage summaries, tuning context).
func (l *Logger) Diagf(format string, args ...interface{}) {
	if l != nil && l.diag != nil {
		l.diag.Printf(format, args...)
	}
}

// Tracef logs to the trace stream (per-image and per-detection detail).
func (l *Logger) Tracef(format string, args ...interface{}) {
	if l != nil && l.trace != nil {
		l.trace.Printf(format, args...)
	}
}

// Printf lets a Logger stand in wherever a Printf-style sink is expected.
// Lines go to the diag stream.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.Diagf(format, args...)
}
