// Command agent-bridge is the ACP front-end: it speaks the Agent Client
// Protocol over stdio to an editor or ACP client, drives the embedded
// conversation runtime against a configured model backend, and routes
// every model-requested run_command tool call through the bridge's
// operator-approval round trip before forwarding it to a broker's
// command ingress over TCP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"sshconsole/internal/acp"
	"sshconsole/internal/config"
	"sshconsole/internal/logger"
	"sshconsole/internal/runtime"
)

func main() {
	fs := flag.NewFlagSet("agent-bridge", flag.ExitOnError)
	ingressAddr := fs.String("ingress-addr", "", "broker command ingress address (ip:port) run_command calls forward to")
	modelConfigPath := fs.String("model-config", "", "path to the model endpoint config.toml (defaults to ~/.echo/config.toml)")
	provider := fs.String("provider", "anthropic", `model backend: "anthropic", "openai", or "echo"`)
	model := fs.String("model", "", "model name passed to the backend")
	clientID := fs.String("client-id", "agent-bridge", "client id tagged on every CommandRequest this bridge forwards")
	defaultTarget := fs.String("default-target", "", "target used when a run_command call omits one")
	logToStderr := fs.Bool("log-to-stderr", true, "log to stderr instead of a log file (stdout is reserved for ACP framing)")
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

	if *ingressAddr == "" {
		logger.Fatalf("agent-bridge: --ingress-addr is required")
	}

	endpoint, err := config.Load(*modelConfigPath)
	if err != nil {
		logger.Fatalf("agent-bridge: load model config: %v", err)
	}

	backend, err := runtime.BuildClient(runtime.BackendConfig{
		Provider: *provider,
		APIKey:   endpoint.Token,
		BaseURL:  endpoint.URL,
		Model:    *model,
	})
	if err != nil {
		logger.Fatalf("agent-bridge: %v", err)
	}

	toolExecutor := &ingressExecutor{
		ingressAddr:   *ingressAddr,
		clientID:      *clientID,
		defaultTarget: *defaultTarget,
		log:           logger.Named("agent-bridge"),
	}

	bridge, err := acp.NewBridge(os.Stdin, os.Stdout, backend, *model, toolExecutor)
	if err != nil {
		logger.Fatalf("agent-bridge: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatalf("agent-bridge: %v", err)
	}
}
