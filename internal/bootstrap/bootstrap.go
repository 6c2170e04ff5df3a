// Package bootstrap idempotently syncs and (re)starts the remote broker
// binary on an SSH target: platform detection, content-hash short-circuit
// upload, atomic rename into place, and a pgrep-gated supervised start.
package bootstrap

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"sshconsole/internal/logger"
	"sshconsole/internal/sshutil"
)

const (
	sshCommandTimeout = 30 * time.Second
	scpCommandTimeout = 120 * time.Second
	remoteStopTimeout = 10 * time.Second
)

// Target is the SSH connection info bootstrap needs for one target.
type Target struct {
	Name        string
	SSH         string
	SSHArgs     []string
	SSHPassword string
}

// Config describes the local artifacts to sync and the remote layout/flags
// to run the broker with.
type Config struct {
	LocalBinGeneric      string
	LocalBinLinuxX86_64  string
	LocalBinLinuxAarch64 string
	LocalConfig          string
	RemoteDir            string
	RemoteListenAddr     string
	RemoteControlAddr    string
	RemoteAuditDir       string
}

// ErrUnsupportedPlatform is returned when the remote platform doesn't
// match a known broker binary and no generic fallback was configured.
var ErrUnsupportedPlatform = fmt.Errorf("unsupported remote platform: no matching broker binary")

// Bootstrapper runs the remote-broker sync sequence for SSH targets.
type Bootstrapper struct {
	log *logger.LogEntry
}

// New builds a Bootstrapper.
func New() *Bootstrapper {
	return &Bootstrapper{log: logger.Named("bootstrap")}
}

// Sync runs the full idempotent bootstrap sequence against target. A no-op
// for non-SSH (local) targets.
func (b *Bootstrapper) Sync(ctx context.Context, target Target, cfg Config) error {
	if target.SSH == "" {
		return nil
	}
	log := b.log.WithField("target", target.Name)
	log.Info("syncing remote broker")

	localBin, err := selectLocalBin(ctx, target, cfg)
	if err != nil {
		return err
	}
	if _, err := os.Stat(localBin); err != nil {
		return fmt.Errorf("missing local broker bin: %s", localBin)
	}
	if _, err := os.Stat(cfg.LocalConfig); err != nil {
		return fmt.Errorf("missing local broker config: %s", cfg.LocalConfig)
	}

	remoteDir, err := resolveRemotePath(ctx, target, cfg.RemoteDir)
	if err != nil {
		return fmt.Errorf("resolve remote dir: %w", err)
	}
	remoteAuditDir, err := resolveRemotePath(ctx, target, cfg.RemoteAuditDir)
	if err != nil {
		return fmt.Errorf("resolve remote audit dir: %w", err)
	}
	remoteBin := path.Join(remoteDir, "remote-broker")
	remoteBinTmp := remoteBin + ".tmp"
	remoteConfig := path.Join(remoteDir, "config.toml")
	remoteConfigTmp := remoteConfig + ".tmp"
	remoteLog := path.Join(remoteDir, "remote-broker.log")

	if err := runSSH(ctx, target, sshCommandTimeout,
		fmt.Sprintf("mkdir -p %s %s", shellEscape(remoteDir), shellEscape(remoteAuditDir))); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	if same, err := binariesMatch(ctx, target, localBin, remoteBin); err != nil {
		log.Warn("remote md5 check failed, uploading anyway: " + err.Error())
	} else if same {
		log.Info("remote broker binary unchanged, skipping upload")
	} else {
		if err := runSCP(ctx, target, localBin, remoteBinTmp); err != nil {
			return fmt.Errorf("scp bin: %w", err)
		}
		if err := runSSH(ctx, target, sshCommandTimeout,
			fmt.Sprintf("mv -f %s %s", shellEscape(remoteBinTmp), shellEscape(remoteBin))); err != nil {
			return fmt.Errorf("mv bin: %w", err)
		}
	}

	if err := runSCP(ctx, target, cfg.LocalConfig, remoteConfigTmp); err != nil {
		return fmt.Errorf("scp config: %w", err)
	}
	if err := runSSH(ctx, target, sshCommandTimeout,
		fmt.Sprintf("mv -f %s %s", shellEscape(remoteConfigTmp), shellEscape(remoteConfig))); err != nil {
		return fmt.Errorf("mv config: %w", err)
	}

	if err := runSSH(ctx, target, sshCommandTimeout, "chmod +x "+shellEscape(remoteBin)); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}

	pgrepPattern := shellEscape(fmt.Sprintf("[r]emote-broker.*--command-addr %s", cfg.RemoteControlAddr))
	startCmd := fmt.Sprintf(
		"pgrep -f %s >/dev/null 2>&1 || setsid %s --listen-addr %s --command-addr %s --headless --config %s --audit-dir %s --log-to-stderr </dev/null >> %s 2>&1 &",
		pgrepPattern, shellEscape(remoteBin), shellEscape(cfg.RemoteListenAddr),
		shellEscape(cfg.RemoteControlAddr), shellEscape(remoteConfig), shellEscape(remoteAuditDir), shellEscape(remoteLog),
	)
	if err := runSSH(ctx, target, sshCommandTimeout, startCmd); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	log.Info("remote broker ready")
	return nil
}

// Stop best-effort kills the remote broker process for target.
func (b *Bootstrapper) Stop(ctx context.Context, target Target, cfg Config) error {
	if target.SSH == "" {
		return nil
	}
	pgrepPattern := shellEscape(fmt.Sprintf("[r]emote-broker.*--command-addr %s", cfg.RemoteControlAddr))
	stopCmd := fmt.Sprintf("pkill -f %s >/dev/null 2>&1 || true", pgrepPattern)
	return runSSH(ctx, target, remoteStopTimeout, stopCmd)
}

func binariesMatch(ctx context.Context, target Target, localBin, remoteBin string) (bool, error) {
	localSum, err := localMD5(localBin)
	if err != nil {
		return false, err
	}
	remoteSum, err := runSSHCapture(ctx, target, sshCommandTimeout,
		fmt.Sprintf("md5sum %s 2>/dev/null | awk '{print $1}'", shellEscape(remoteBin)))
	if err != nil || remoteSum == "" {
		return false, nil
	}
	return strings.TrimSpace(remoteSum) == localSum, nil
}

func localMD5(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func selectLocalBin(ctx context.Context, target Target, cfg Config) (string, error) {
	platform, err := detectPlatform(ctx, target)
	if err != nil {
		return "", err
	}
	switch platform {
	case platformLinuxX86_64:
		if cfg.LocalBinLinuxX86_64 != "" {
			return cfg.LocalBinLinuxX86_64, nil
		}
	case platformLinuxAarch64:
		if cfg.LocalBinLinuxAarch64 != "" {
			return cfg.LocalBinLinuxAarch64, nil
		}
	}
	if cfg.LocalBinGeneric == "" {
		return "", ErrUnsupportedPlatform
	}
	return cfg.LocalBinGeneric, nil
}

type remotePlatform int

const (
	platformLinuxX86_64 remotePlatform = iota
	platformLinuxAarch64
	platformOther
)

func detectPlatform(ctx context.Context, target Target) (remotePlatform, error) {
	out, err := runSSHCapture(ctx, target, sshCommandTimeout, "uname -s && uname -m")
	if err != nil {
		return platformOther, fmt.Errorf("detect platform: %w", err)
	}
	lines := strings.Split(out, "\n")
	osName := ""
	arch := ""
	if len(lines) > 0 {
		osName = strings.ToLower(strings.TrimSpace(lines[0]))
	}
	if len(lines) > 1 {
		arch = strings.ToLower(strings.TrimSpace(lines[1]))
	}
	switch {
	case osName == "linux" && (arch == "x86_64" || arch == "amd64"):
		return platformLinuxX86_64, nil
	case osName == "linux" && (arch == "aarch64" || arch == "arm64"):
		return platformLinuxAarch64, nil
	default:
		return platformOther, nil
	}
}

func resolveRemotePath(ctx context.Context, target Target, p string) (string, error) {
	if p == "~" {
		return remoteHome(ctx, target)
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		home, err := remoteHome(ctx, target)
		if err != nil {
			return "", err
		}
		return path.Join(home, rest), nil
	}
	return p, nil
}

func remoteHome(ctx context.Context, target Target) (string, error) {
	home, err := runSSHCapture(ctx, target, sshCommandTimeout, `printf '%s' "$HOME"`)
	if err != nil {
		return "", err
	}
	home = strings.TrimSpace(home)
	if home == "" {
		return "", fmt.Errorf("unable to resolve remote home directory")
	}
	return home, nil
}

func shellEscape(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func sshBaseArgs(target Target, extraTimeout bool) []string {
	args := []string{}
	if target.SSHPassword == "" {
		args = append(args, "-o", "BatchMode=yes")
	}
	args = append(args, "-o", "StrictHostKeyChecking=accept-new")
	if extraTimeout {
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(10))
	}
	args = append(args, target.SSHArgs...)
	return args
}

func withAskpassEnv(cmd *exec.Cmd, target Target) (func(), error) {
	if target.SSHPassword == "" {
		return func() {}, nil
	}
	env, remove, err := sshutil.Askpass(sshutil.AskpassDir(), target.SSHPassword)
	if err != nil {
		return nil, err
	}
	cmd.Env = append(os.Environ(), env...)
	return remove, nil
}

func runSSH(ctx context.Context, target Target, timeout time.Duration, remoteCmd string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	args := append([]string{"-T"}, sshBaseArgs(target, true)...)
	args = append(args, target.SSH, remoteCmd)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cleanup, err := withAskpassEnv(cmd, target)
	if err != nil {
		return err
	}
	defer cleanup()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ssh failed: %w (%s)", err, string(out))
	}
	return nil
}

func runSSHCapture(ctx context.Context, target Target, timeout time.Duration, remoteCmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	args := append([]string{"-T"}, sshBaseArgs(target, true)...)
	args = append(args, target.SSH, remoteCmd)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cleanup, err := withAskpassEnv(cmd, target)
	if err != nil {
		return "", err
	}
	defer cleanup()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ssh failed: %w (%s)", err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

func runSCP(ctx context.Context, target Target, localPath, remotePath string) error {
	ctx, cancel := context.WithTimeout(ctx, scpCommandTimeout)
	defer cancel()
	args := sshBaseArgs(target, false)
	args = append(args, localPath, target.SSH+":"+remotePath)
	cmd := exec.CommandContext(ctx, "scp", args...)
	cleanup, err := withAskpassEnv(cmd, target)
	if err != nil {
		return err
	}
	defer cleanup()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("scp failed: %w (%s)", err, string(out))
	}
	return nil
}
