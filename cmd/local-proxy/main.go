// Command local-proxy is the MCP stdio front-end: it reads the same
// config.toml a broker instance uses (for target names and descriptions
// only; policy tables are ignored here) and exposes run_command /
// list_targets over MCP to whatever editor or agent harness launches it,
// forwarding every call to the broker's command ingress over TCP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"sshconsole/internal/config"
	"sshconsole/internal/logger"
	"sshconsole/internal/mcp"
)

func main() {
	fs := flag.NewFlagSet("local-proxy", flag.ExitOnError)
	ingressAddr := fs.String("ingress-addr", "", "broker command ingress address (ip:port)")
	configPath := fs.String("config", "", "path to the broker's config.toml (target list only)")
	clientID := fs.String("client-id", "local-proxy", "client id tagged on every CommandRequest this proxy forwards")
	defaultTarget := fs.String("default-target", "", "target used when a run_command call omits one")
	timeoutMS := fs.Uint64("default-timeout-ms", 30000, "fallback timeout for calls that omit timeout_ms")
	maxOutputBytes := fs.Uint64("default-max-output-bytes", 1<<20, "fallback output cap for calls that omit max_output_bytes")
	logToStderr := fs.Bool("log-to-stderr", true, "log to stderr instead of a log file (stdout is reserved for MCP framing)")
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

	if *ingressAddr == "" || *configPath == "" {
		logger.Fatalf("local-proxy: --ingress-addr and --config are required")
	}

	cfg, err := config.LoadBrokerConfig(*configPath)
	if err != nil {
		logger.Fatalf("local-proxy: %v", err)
	}

	entries := make([]mcp.TargetEntry, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		entries = append(entries, mcp.TargetEntry{Name: t.Name, Desc: t.Desc, SSH: t.SSH})
	}

	dir := mcp.NewDirectory(*ingressAddr, entries, *defaultTarget)
	server := mcp.NewServer(*clientID, dir, mcp.Defaults{TimeoutMS: *timeoutMS, MaxOutputBytes: *maxOutputBytes})
	proxy := mcp.NewProxy(os.Stdin, os.Stdout, server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := proxy.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatalf("local-proxy: %v", err)
	}
}
