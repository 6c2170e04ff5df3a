//go:build windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child in a new process group on Windows.
// cmd.Cancel keeps its default (Kill of the child process), so cancellation
// kills at once with no SIGINT-like first step; WaitDelay bounds how long
// Wait then waits for the output pipes to close.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
	cmd.WaitDelay = cancelGrace
}
