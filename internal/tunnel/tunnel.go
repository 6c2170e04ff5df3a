// Package tunnel manages SSH ControlMaster processes and the -L forwards
// multiplexed through them. At most one master runs per SSH target;
// forwards are refcounted by client id so an already-active forward is
// free to re-request without spawning duplicate state.
package tunnel

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"sshconsole/internal/logger"
	"sshconsole/internal/proto"
)

const (
	controlSocketWaitTimeout  = 2 * time.Second
	controlSocketWaitInterval = 50 * time.Millisecond
)

// TargetConfig is the subset of TargetSpec the tunnel manager needs, plus
// the forwards that target is allowed to open.
type TargetConfig struct {
	Name            string
	SSH             string
	SSHArgs         []string
	SSHPassword     string
	AllowedForwards []proto.ForwardSpec
}

type activeForward struct {
	clients map[string]struct{}
}

type masterState struct {
	cmd            *exec.Cmd
	askpassCleanup func()
	exited         chan struct{} // closed once cmd.Wait returns
}

type targetState struct {
	mu              sync.Mutex
	cfg             TargetConfig
	controlPath     string
	allowed         map[proto.ForwardSpec]struct{}
	activeForwards  map[proto.ForwardSpec]*activeForward
	master          *masterState
}

// Manager owns every SSH target's ControlMaster lifecycle.
type Manager struct {
	controlDir string
	targets    map[string]*targetState
	log        *logger.LogEntry
}

// New builds a Manager for the given targets. controlDir holds the
// per-target ControlMaster unix sockets.
func New(controlDir string, targets []TargetConfig) (*Manager, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no ssh targets available for tunnel manager")
	}
	if err := os.MkdirAll(controlDir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", controlDir, err)
	}

	m := &Manager{controlDir: controlDir, targets: make(map[string]*targetState), log: logger.Named("tunnel")}
	seen := make(map[string]struct{})
	localAddrUsed := make(map[string]struct{})

	for _, t := range targets {
		if t.Name == "" {
			return nil, fmt.Errorf("target name cannot be empty")
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("duplicate target name: %s", t.Name)
		}
		seen[t.Name] = struct{}{}

		allowed := make(map[proto.ForwardSpec]struct{}, len(t.AllowedForwards))
		for _, fw := range t.AllowedForwards {
			addr := localAddr(fw)
			if _, dup := localAddrUsed[addr]; dup {
				return nil, fmt.Errorf("duplicate local addr: %s", addr)
			}
			localAddrUsed[addr] = struct{}{}
			if _, dup := allowed[fw]; dup {
				return nil, fmt.Errorf("duplicate forward in target %s", t.Name)
			}
			allowed[fw] = struct{}{}
		}

		m.targets[t.Name] = &targetState{
			cfg:            t,
			controlPath:    controlPathFor(controlDir, t.Name),
			allowed:        allowed,
			activeForwards: make(map[proto.ForwardSpec]*activeForward),
		}
	}
	return m, nil
}

// EnsureForward verifies fw is in its target's allowed set, (re)starts the
// master if needed, and registers client as an interested party. Returns
// the local address the caller should dial.
func (m *Manager) EnsureForward(ctx context.Context, clientID string, fw proto.ForwardSpec) (string, error) {
	ts, ok := m.targets[fw.Target]
	if !ok {
		return "", fmt.Errorf("unknown target %s", fw.Target)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.allowed[fw]; !ok {
		return "", fmt.Errorf("forward not allowed for target %s", fw.Target)
	}
	if err := m.ensureMaster(ctx, ts); err != nil {
		return "", err
	}

	active, ok := ts.activeForwards[fw]
	if !ok {
		if err := forwardAdd(ctx, ts, fw); err != nil {
			return "", err
		}
		active = &activeForward{clients: make(map[string]struct{})}
		ts.activeForwards[fw] = active
	}
	active.clients[clientID] = struct{}{}
	return localAddr(fw), nil
}

// ReleaseForward decrements clientID's interest in fw; at zero it cancels
// the forward, and if that was the target's last forward, tears the
// master down too. Returns whether clientID had actually been registered.
func (m *Manager) ReleaseForward(ctx context.Context, clientID string, fw proto.ForwardSpec) (bool, error) {
	ts, ok := m.targets[fw.Target]
	if !ok {
		return false, fmt.Errorf("unknown target %s", fw.Target)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	active, ok := ts.activeForwards[fw]
	removed := false
	if ok {
		if _, had := active.clients[clientID]; had {
			removed = true
			delete(active.clients, clientID)
		}
		if len(active.clients) == 0 {
			_ = forwardCancel(ctx, ts, fw)
			delete(ts.activeForwards, fw)
		}
	}
	if len(ts.activeForwards) == 0 {
		m.shutdownMaster(ctx, ts)
	}
	return removed, nil
}

// Shutdown cancels every active forward and exits every master.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, ts := range m.targets {
		ts.mu.Lock()
		for fw := range ts.activeForwards {
			_ = forwardCancel(ctx, ts, fw)
			delete(ts.activeForwards, fw)
		}
		m.shutdownMaster(ctx, ts)
		ts.mu.Unlock()
	}
}

func (m *Manager) ensureMaster(ctx context.Context, ts *targetState) error {
	if ts.master != nil {
		select {
		case <-ts.master.exited:
			m.log.WithField("target", ts.cfg.Name).Warn("ssh master exited, restarting")
			ts.master = nil
			for fw := range ts.activeForwards {
				delete(ts.activeForwards, fw)
			}
		default:
			return nil
		}
	}

	master, err := spawnMaster(ctx, ts)
	if err != nil {
		return err
	}
	if err := waitForControlSocket(ts.controlPath); err != nil {
		killMaster(master)
		return err
	}
	ts.master = master
	return nil
}

func (m *Manager) shutdownMaster(ctx context.Context, ts *targetState) {
	if ts.master == nil {
		return
	}
	_ = exitMaster(ctx, ts)
	killMaster(ts.master)
	ts.master = nil
}

func killMaster(master *masterState) {
	if master == nil {
		return
	}
	if master.cmd.Process != nil {
		_ = master.cmd.Process.Kill()
	}
	<-master.exited
	if master.askpassCleanup != nil {
		master.askpassCleanup()
	}
}

func waitForControlSocket(path string) error {
	start := time.Now()
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Since(start) >= controlSocketWaitTimeout {
			return fmt.Errorf("control socket not ready after %dms", controlSocketWaitTimeout.Milliseconds())
		}
		time.Sleep(controlSocketWaitInterval)
	}
}

func controlPathFor(dir, name string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return filepath.Join(dir, fmt.Sprintf("%x.sock", h.Sum64()))
}

func localAddr(fw proto.ForwardSpec) string {
	return fmt.Sprintf("%s:%d", fw.LocalBind, fw.LocalPort)
}
