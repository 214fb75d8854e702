// Package monitoring is the process-wide diagnostic logging surface. Every
// subsystem logs through Logf so tests and embedders can redirect or mute
// the whole daemon with one call.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// Debugf carries high-volume diagnostics (frame parsing, detector timing).
// It is a no-op until enabled with SetDebug.
var Debugf func(format string, v ...interface{}) = discard

func discard(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = discard
		return
	}
	Logf = f
}

// SetDebug routes Debugf through the main logger when enabled.
func SetDebug(enabled bool) {
	if enabled {
		Debugf = func(format string, v ...interface{}) { Logf(format, v...) }
		return
	}
	Debugf = discard
}
