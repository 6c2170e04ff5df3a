// Command broker is the command-approval console's server process: it
// fronts a set of configured targets with a policy-gated execution queue,
// a length-prefixed command ingress listener, one control-plane listener
// per directly-hosted target, and, for targets configured as remotely
// bootstrapped brokers, the SSH tunnel and sync machinery that keeps a
// matching broker instance alive on the target host.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"sshconsole/internal/audit"
	"sshconsole/internal/bootstrap"
	"sshconsole/internal/config"
	"sshconsole/internal/controlplane"
	"sshconsole/internal/executor"
	"sshconsole/internal/ingress"
	"sshconsole/internal/logger"
	"sshconsole/internal/proto"
	"sshconsole/internal/target"
	"sshconsole/internal/tunnel"
)

const shutdownGrace = 10 * time.Second

func main() {
	fs := flag.NewFlagSet("broker", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", "", "command ingress listen address (ip:port)")
	commandAddr := fs.String("command-addr", "", "control-plane base address (ip:port); per-target ports derive from it")
	configPath := fs.String("config", "", "path to config.toml")
	auditDir := fs.String("audit-dir", "", "directory for request/result audit records")
	headless := fs.Bool("headless", false, "accepted for CLI-surface compatibility; this build has no attached console")
	logToStderr := fs.Bool("log-to-stderr", false, "log to stderr instead of logs/broker.log")
	remoteBinGeneric := fs.String("remote-bin-generic", "", "local broker binary synced to targets with no platform-specific match")
	remoteBinLinuxAMD64 := fs.String("remote-bin-linux-x86_64", "", "local broker binary synced to linux/x86_64 targets")
	remoteBinLinuxARM64 := fs.String("remote-bin-linux-aarch64", "", "local broker binary synced to linux/aarch64 targets")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	logger.Configure()
	if !*logToStderr {
		if closer, _, err := logger.SetupFile(logger.DefaultLogPath); err != nil {
			logger.Warnf("failed to initialize log file, falling back to stderr: %v", err)
		} else {
			defer closer.Close()
		}
	}
	log := logger.Named("broker")

	if *listenAddr == "" || *commandAddr == "" || *configPath == "" || *auditDir == "" {
		logger.Fatalf("broker: --listen-addr, --command-addr, --config, and --audit-dir are all required")
	}

	cfg, err := config.LoadBrokerConfig(*configPath)
	if err != nil {
		logger.Fatalf("broker: %v", err)
	}

	auditStore, err := audit.New(*auditDir)
	if err != nil {
		logger.Fatalf("broker: %v", err)
	}

	commandHost, commandPortStr, err := net.SplitHostPort(*commandAddr)
	if err != nil {
		logger.Fatalf("broker: invalid --command-addr %q: %v", *commandAddr, err)
	}
	basePort, err := strconv.Atoi(commandPortStr)
	if err != nil {
		logger.Fatalf("broker: invalid --command-addr port %q: %v", commandPortStr, err)
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatalf("broker: listen %s: %v", *listenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := ingress.NewRegistry()
	exec := executor.New()

	var controlListeners []net.Listener
	var tunnelTargets []tunnel.TargetConfig
	type bootstrapJob struct {
		target bootstrap.Target
		cfg    bootstrap.Config
	}
	var bootstrapJobs []bootstrapJob

	for i, t := range cfg.Targets {
		if t.SSH != "" && t.ControlRemoteAddr != "" {
			// Remotely bootstrapped target: a broker instance runs on the
			// target host itself. This process only keeps it alive and
			// forwards its control plane back locally; it never builds a
			// target.Service or runs commands for it directly.
			localAddr := t.ControlLocalAddr()
			localBind, localPortStr, splitErr := net.SplitHostPort(localAddr)
			localPort, convErr := strconv.Atoi(localPortStr)
			if localAddr == "" || splitErr != nil || convErr != nil {
				localBind = commandHost
				localPort = basePort + i
			}
			tunnelTargets = append(tunnelTargets, tunnel.TargetConfig{
				Name:        t.Name,
				SSH:         t.SSH,
				SSHArgs:     t.SSHArgs,
				SSHPassword: t.SSHPassword,
				AllowedForwards: []proto.ForwardSpec{{
					Target:     t.Name,
					Purpose:    proto.ForwardControl,
					LocalBind:  localBind,
					LocalPort:  localPort,
					RemoteAddr: t.ControlRemoteAddr,
				}},
			})
			bootstrapJobs = append(bootstrapJobs, bootstrapJob{
				target: bootstrap.Target{Name: t.Name, SSH: t.SSH, SSHArgs: t.SSHArgs, SSHPassword: t.SSHPassword},
				cfg: bootstrap.Config{
					LocalBinGeneric:      *remoteBinGeneric,
					LocalBinLinuxX86_64:  *remoteBinLinuxAMD64,
					LocalBinLinuxAarch64: *remoteBinLinuxARM64,
					LocalConfig:          *configPath,
					RemoteDir:            fmt.Sprintf("~/.sshconsole/%s", t.Name),
					RemoteListenAddr:     *listenAddr,
					RemoteControlAddr:    t.ControlRemoteAddr,
					RemoteAuditDir:       fmt.Sprintf("~/.sshconsole/%s/audit", t.Name),
				},
			})
			continue
		}

		pol, err := t.Policy.Build()
		if err != nil {
			logger.Fatalf("broker: target %s: %v", t.Name, err)
		}
		svc := target.New(target.Config{Target: t.TargetSpec, Policy: pol, Executor: exec, Audit: auditStore})
		if last, ok := auditStore.LastResult(t.Name); ok {
			svc.SeedLastResult(last)
		}
		go svc.Run(ctx)
		registry.Register(t.Name, svc, pol)

		cpAddr := t.ControlLocalAddr()
		if cpAddr == "" {
			cpAddr = fmt.Sprintf("%s:%d", commandHost, basePort+i)
		}
		cpLn, err := net.Listen("tcp", cpAddr)
		if err != nil {
			logger.Fatalf("broker: target %s: listen control plane %s: %v", t.Name, cpAddr, err)
		}
		controlListeners = append(controlListeners, cpLn)
		cp := controlplane.New(t.Name, svc)
		go func() {
			if err := cp.Serve(ctx, cpLn); err != nil && ctx.Err() == nil {
				log.WithField("target", t.Name).Warn("control plane serve: " + err.Error())
			}
		}()
		log.WithField("target", t.Name).WithField("control_addr", cpAddr).Info("target ready")
	}

	var tmgr *tunnel.Manager
	var bootstrapper *bootstrap.Bootstrapper
	if len(tunnelTargets) > 0 {
		controlDir := filepath.Join(*auditDir, "tunnel-sockets")
		tmgr, err = tunnel.New(controlDir, tunnelTargets)
		if err != nil {
			logger.Fatalf("broker: %v", err)
		}
		bootstrapper = bootstrap.New()
		for i, job := range bootstrapJobs {
			if err := bootstrapper.Sync(ctx, job.target, job.cfg); err != nil {
				log.WithField("target", job.target.Name).Warn("remote bootstrap failed: " + err.Error())
				continue
			}
			fw := tunnelTargets[i].AllowedForwards[0]
			if _, err := tmgr.EnsureForward(ctx, "broker", fw); err != nil {
				log.WithField("target", job.target.Name).Warn("control-plane forward failed: " + err.Error())
			}
		}
	}

	ingSrv := ingress.New(registry, auditStore)
	go func() {
		if err := ingSrv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			log.Warn("ingress serve: " + err.Error())
		}
	}()
	log.WithField("listen_addr", *listenAddr).WithField("targets", len(cfg.Targets)).WithField("headless", *headless).Info("broker started")

	<-ctx.Done()
	log.Info("shutting down")

	if tmgr != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if bootstrapper != nil {
			for _, job := range bootstrapJobs {
				_ = bootstrapper.Stop(shutdownCtx, job.target, job.cfg)
			}
		}
		tmgr.Shutdown(shutdownCtx)
	}
	for _, cpLn := range controlListeners {
		cpLn.Close()
	}
}
