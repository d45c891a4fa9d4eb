package monitoring

import (
	"io"
	"log"
)

// Logf is the shared operational logger used by the session manager, the
// MQTT reporter and LogReporter. It writes through the standard logger until
// SetLogWriter or SetLogger redirects it.
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces Logf. Passing nil mutes it.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}

// SetLogWriter points Logf at w with the same prefix and flags as the
// per-package log streams. A nil writer mutes it.
func SetLogWriter(w io.Writer) {
	if w == nil {
		SetLogger(nil)
		return
	}
	SetLogger(log.New(w, "[monitoring] ", log.LstdFlags|log.Lmicroseconds).Printf)
}
