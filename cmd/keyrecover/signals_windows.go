//go:build windows

package main

import "os"

// interruptSignals returns the signals that dismiss a running session.
// On Windows, only os.Interrupt is available (Ctrl+C)
func interruptSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// disableCoreDumps is a no-op on Windows.
// Windows Error Reporting does not use RLIMIT_CORE.
func disableCoreDumps() error {
	return nil
}
