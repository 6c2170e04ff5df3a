package tunnel

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"sshconsole/internal/proto"
	"sshconsole/internal/sshutil"
)

// spawnMaster starts `ssh -N -T -o ControlMaster=auto ...` in the
// background and arranges for its exit to be observed asynchronously via
// masterState.exited.
func spawnMaster(ctx context.Context, ts *targetState) (*masterState, error) {
	args := []string{
		"-N", "-T",
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + ts.controlPath,
		"-o", "ControlPersist=no",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=accept-new",
	}
	var cleanup func()
	if ts.cfg.SSHPassword != "" {
		env, remove, err := sshutil.Askpass(sshutil.AskpassDir(), ts.cfg.SSHPassword)
		if err != nil {
			return nil, fmt.Errorf("askpass setup: %w", err)
		}
		cleanup = remove
		args = append(args, ts.cfg.SSHArgs...)
		args = append(args, ts.cfg.SSH)
		cmd := exec.Command("ssh", args...)
		cmd.Env = append(os.Environ(), env...)
		return startMaster(cmd, cleanup)
	}

	args = append(args, "-o", "BatchMode=yes")
	args = append(args, ts.cfg.SSHArgs...)
	args = append(args, ts.cfg.SSH)
	cmd := exec.Command("ssh", args...)
	return startMaster(cmd, func() {})
}

func startMaster(cmd *exec.Cmd, cleanup func()) (*masterState, error) {
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn ssh master: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	return &masterState{cmd: cmd, askpassCleanup: cleanup, exited: exited}, nil
}

// forwardAdd runs `ssh -O forward -L localBind:localPort:remoteAddr` against
// the running master.
func forwardAdd(ctx context.Context, ts *targetState, fw proto.ForwardSpec) error {
	spec := fmt.Sprintf("%s:%d:%s", fw.LocalBind, fw.LocalPort, fw.RemoteAddr)
	return runControl(ctx, ts, "forward", "-L", spec)
}

// forwardCancel runs `ssh -O cancel -L ...` against the running master.
func forwardCancel(ctx context.Context, ts *targetState, fw proto.ForwardSpec) error {
	spec := fmt.Sprintf("%s:%d:%s", fw.LocalBind, fw.LocalPort, fw.RemoteAddr)
	return runControl(ctx, ts, "cancel", "-L", spec)
}

// exitMaster runs `ssh -O exit` against the running master.
func exitMaster(ctx context.Context, ts *targetState) error {
	return runControl(ctx, ts, "exit")
}

func runControl(ctx context.Context, ts *targetState, action string, extra ...string) error {
	args := []string{"-O", action, "-o", "ControlPath=" + ts.controlPath}
	args = append(args, extra...)
	args = append(args, ts.cfg.SSH)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ssh -O %s failed: %w (%s)", action, err, string(out))
	}
	return nil
}
