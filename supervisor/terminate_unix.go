//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// terminate asks the worker to exit cleanly.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGTERM)
}
