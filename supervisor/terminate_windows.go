//go:build windows

package supervisor

import "os/exec"

// terminate has no polite signal on Windows; Kill is the only option.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
