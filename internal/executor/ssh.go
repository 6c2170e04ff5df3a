package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"sshconsole/internal/proto"
	"sshconsole/internal/sshutil"
)

// build assembles the exec.Cmd for req against target, wiring bounded
// stdout/stderr capture. mergedStderr reports whether stderr was folded
// into stdout (TTY mode). The returned cleanup must be called once the
// command has finished (it removes any askpass script created for a
// password-protected target).
func (e *Executor) build(ctx context.Context, target proto.TargetSpec, req proto.CommandRequest, raw string, maxOutput uint64) (cmd *exec.Cmd, stdout, stderr *boundedBuffer, mergedStderr bool, cleanup func()) {
	inner := buildInnerCommand(target, req, raw)

	cleanup = func() {}
	if target.SSH != "" {
		args := sshArgs(target, inner)
		cmd = exec.CommandContext(ctx, "ssh", args...)
		if target.SSHPassword != "" {
			env, remove, err := sshutil.Askpass(sshutil.AskpassDir(), target.SSHPassword)
			if err == nil {
				cmd.Env = append(os.Environ(), env...)
				cleanup = remove
			} else {
				e.log.WithField("target", target.Name).Warn("askpass setup failed: " + err.Error())
			}
		}
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-lc", inner)
	}
	setProcessGroup(cmd)

	stdout = newBoundedBuffer(maxOutput)
	if target.TTY {
		cmd.Stdout = stdout
		stdoutHeader := stdout
		cmd.Stderr = &dividerWriter{dest: stdoutHeader}
		return cmd, stdout, stdout, true, cleanup
	}
	stderr = newBoundedBuffer(maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd, stdout, stderr, false, cleanup
}

// dividerWriter writes a "\n[stderr]\n" marker before the first byte it
// sees, then forwards everything to dest. Used in TTY mode, where stderr
// is merged into the single captured stream.
type dividerWriter struct {
	dest  *boundedBuffer
	wrote bool
}

func (d *dividerWriter) Write(p []byte) (int, error) {
	if !d.wrote {
		d.dest.Write([]byte("\n[stderr]\n"))
		d.wrote = true
	}
	return d.dest.Write(p)
}

func buildInnerCommand(target proto.TargetSpec, req proto.CommandRequest, raw string) string {
	var b strings.Builder
	if req.Cwd != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(req.Cwd))
	}
	if target.TerminalLocale != "" {
		fmt.Fprintf(&b, "LANG=%s ", shellQuote(target.TerminalLocale))
	}
	for _, kv := range req.OrderedEnv() {
		fmt.Fprintf(&b, "%s=%s ", kv.Key, shellQuote(kv.Value))
	}
	b.WriteString(raw)
	return b.String()
}

// shellQuote single-quotes s for safe inclusion in a POSIX shell command
// line, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sshArgs(target proto.TargetSpec, inner string) []string {
	args := []string{}
	if target.TTY {
		args = append(args, "-tt")
	} else {
		args = append(args, "-T")
	}
	args = append(args, "-o", "StrictHostKeyChecking=accept-new", "-o", "ConnectTimeout=10")
	if target.SSHPassword == "" {
		args = append(args, "-o", "BatchMode=yes")
	}
	args = append(args, target.SSHArgs...)
	args = append(args, target.SSH)
	args = append(args, "bash", "-lc", shellQuote(inner))
	return args
}
