//go:build unix

package executor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup places cmd's child in its own process group (setsid)
// and arms Cancel/WaitDelay so that context cancellation (explicit Cancel
// or timeout) delivers SIGINT to the whole group, then escalates to
// SIGKILL if the group hasn't exited within cancelGrace. cmd.SysProcAttr
// is fixed to *syscall.SysProcAttr by os/exec on every unix GOOS, so the
// attribute itself stays syscall; unix.Kill/unix.Getpgid (x/sys) drive the
// actual signalling, which lets the same call path report ESRCH (group
// already reaped) distinctly from a real delivery failure.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if _, err := unix.Getpgid(cmd.Process.Pid); err != nil {
			return nil // process group already reaped
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGINT)
	}
	cmd.WaitDelay = cancelGrace
}
