//go:build !windows

package main

import (
	"os"
	"syscall"
)

// interruptSignals returns the signals that dismiss a running session
func interruptSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}

// disableCoreDumps sets RLIMIT_CORE to 0 to prevent core dumps
func disableCoreDumps() error {
	var rLimit syscall.Rlimit
	rLimit.Cur = 0
	rLimit.Max = 0
	return syscall.Setrlimit(syscall.RLIMIT_CORE, &rLimit)
}
