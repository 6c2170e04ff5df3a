// Package executor spawns ssh (or a local shell), streams bounded
// stdout/stderr, enforces timeouts, and supports cancellation via
// process-group signals.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"sshconsole/internal/logger"
	"sshconsole/internal/policy"
	"sshconsole/internal/proto"
)

// cancelGrace is how long a cancelled/timed-out child is given to exit
// after SIGINT before the executor escalates to SIGKILL.
const cancelGrace = 2 * time.Second

// Executor runs CommandRequests against a TargetSpec.
type Executor struct {
	log *logger.LogEntry
}

// New builds an Executor.
func New() *Executor {
	return &Executor{log: logger.Named("executor")}
}

// Execute runs req against target, honoring pol's deny list and resource
// limits. ctx is the per-request cancellation context: cancelling it
// (operator Cancel) yields status Cancelled; the executor's own internal
// timeout (derived from pol and req) yields status Error("command timed out").
func (e *Executor) Execute(ctx context.Context, target proto.TargetSpec, req proto.CommandRequest, pol policy.Policy) proto.CommandResponse {
	raw := strings.TrimSpace(req.RawCommand)
	if raw == "" {
		return proto.ErrorResponse(req.ID, "empty command")
	}

	for _, stage := range req.Pipeline {
		if err := pol.ValidateDeny(stage); err != nil {
			return proto.DeniedResponse(req.ID, err.Error())
		}
	}

	timeoutMS := pol.EffectiveTimeoutMS(req)
	maxOutput := pol.EffectiveMaxOutputBytes(req)
	if maxOutput == 0 {
		maxOutput = defaultMaxOutputBytes
	}

	timeoutCtx := ctx
	var cancelTimeout context.CancelFunc
	if timeoutMS > 0 {
		timeoutCtx, cancelTimeout = context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancelTimeout()
	}

	cmd, stdout, stderr, mergeErr, cleanup := e.build(timeoutCtx, target, req, raw, maxOutput)
	defer cleanup()

	err := cmd.Run()

	switch {
	case ctx.Err() != nil:
		resp := proto.CommandResponse{ID: req.ID, Status: proto.StatusCancelled}
		if code, ok := exitCode(err); ok {
			resp = resp.WithExitCode(code)
		}
		resp = attachOutput(resp, stdout, stderr, mergeErr)
		return resp
	case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
		return proto.ErrorResponse(req.ID, "command timed out")
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			resp := proto.CommandResponse{ID: req.ID, Status: proto.StatusCompleted}.WithExitCode(int32(exitErr.ExitCode()))
			resp = attachOutput(resp, stdout, stderr, mergeErr)
			return resp
		}
		return proto.ErrorResponse(req.ID, fmt.Sprintf("exec failed: %v", err))
	default:
		resp := proto.CommandResponse{ID: req.ID, Status: proto.StatusCompleted}.WithExitCode(0)
		resp = attachOutput(resp, stdout, stderr, mergeErr)
		return resp
	}
}

func attachOutput(resp proto.CommandResponse, stdout, stderr *boundedBuffer, merged bool) proto.CommandResponse {
	resp = resp.WithStdout(stdout.String())
	if !merged {
		resp = resp.WithStderr(stderr.String())
	}
	return resp
}

func exitCode(err error) (int32, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode()), true
	}
	return 0, false
}

const defaultMaxOutputBytes = 1 << 20 // 1 MiB fallback when no limit is configured
