//go:build windows

package task

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// Windows has no SIGTERM; both steps kill the process.
func terminateGroup(cmd *exec.Cmd) { killGroup(cmd) }

func killGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
