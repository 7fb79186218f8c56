// Package logging provides debug and trace logging utilities for the
// comms core.
package logging

import "log"

// DebugEnabled controls whether Debug() produces output.
// Set via -debug flag or DEBUG=1 environment variable.
var DebugEnabled bool

// Debug logs a message only when DebugEnabled is true.
func Debug(format string, args ...any) {
	if DebugEnabled {
		log.Printf("DEBUG: "+format, args...)
	}
}

// TraceLevel is the global trace verbosity; a Session's own trace level
// (spec.md §3) is compared against this to decide whether Tracef emits.
var TraceLevel int

// Tracef logs a message when level is at or below TraceLevel, prefixed
// with prefix (a Session's trace-prefix attribute) so per-session tracing
// can be distinguished in a shared log stream.
func Tracef(level int, prefix, format string, args ...any) {
	if level > TraceLevel {
		return
	}
	log.Printf("TRACE[%s]: "+format, append([]any{prefix}, args...)...)
}
