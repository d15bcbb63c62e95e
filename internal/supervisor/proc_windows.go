//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {}

// Windows has no process groups to signal; both terminate and kill end only
// the worker process itself.
func terminateGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}
