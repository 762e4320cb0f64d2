//go:build windows

package orchestrator

import (
	"os/exec"
)

func setupProcAttr(cmd *exec.Cmd) {}

// Windows has no SIGTERM for arbitrary processes; graceful and forced
// termination collapse to Kill.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
