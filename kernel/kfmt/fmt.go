// Package kfmt implements the kernel trace log. Output goes to a sink set by
// the boot code; anything printed before the sink exists is kept in a ring
// buffer and replayed once SetOutputSink is called.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer stores Printf output produced before the sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink is where Printf sends its output. When nil, output is
	// redirected to earlyPrintBuffer.
	outputSink io.Writer

	// traceLevel is the highest level that Tracef lets through.
	traceLevel int
)

// SetOutputSink sets the target for calls to Printf to w and copies any data
// accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// SetTraceLevel sets the verbosity for Tracef. Level 0 disables tracing.
func SetTraceLevel(level int) {
	traceLevel = level
}

// TraceLevel returns the current trace verbosity.
func TraceLevel() int {
	return traceLevel
}

// Printf formats according to a format specifier and writes to the active
// output sink. By convention every kernel message starts with the name of the
// emitting module in square brackets, e.g. "[sched] ...".
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Tracef behaves like Printf but only emits output when level does not exceed
// the configured trace level.
func Tracef(level int, format string, args ...interface{}) {
	if level > traceLevel {
		return
	}
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to w. A
// nil w selects the early print buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = &earlyPrintBuffer
	}
	fmt.Fprintf(w, format, args...)
}
