//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals lists the signals that trigger a graceful shutdown.
// SIGTERM is what the supervisor sends its workers before escalating to
// SIGKILL, and what most process managers send on stop.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
