package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"sshconsole/internal/agent"
	"sshconsole/internal/frame"
	"sshconsole/internal/logger"
	"sshconsole/internal/proto"
)

const (
	ingressConnectRetries    = 3
	ingressConnectRetryDelay = 200 * time.Millisecond
)

// ingressExecutor implements runtime.ToolExecutor by translating a
// run_command tool call into a CommandRequest and round-tripping it
// against a broker's command ingress, the same framing the MCP proxy
// uses against the same listener.
type ingressExecutor struct {
	ingressAddr   string
	clientID      string
	defaultTarget string
	log           *logger.LogEntry
}

type runCommandArgs struct {
	Command   string  `json:"command"`
	Intent    string  `json:"intent"`
	Target    string  `json:"target"`
	Cwd       string  `json:"cwd"`
	TimeoutMS *uint64 `json:"timeout_ms"`
}

func (e *ingressExecutor) ExecuteTool(ctx context.Context, call agent.ToolUse) agent.ToolResult {
	if call.Name != "run_command" {
		return agent.ToolResult{ToolUseID: call.ID, Content: "unsupported tool: " + call.Name, IsError: true}
	}

	var args runCommandArgs
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return agent.ToolResult{ToolUseID: call.ID, Content: "malformed run_command arguments: " + err.Error(), IsError: true}
	}

	target := args.Target
	if target == "" {
		target = e.defaultTarget
	}
	if target == "" {
		return agent.ToolResult{ToolUseID: call.ID, Content: "target is required", IsError: true}
	}

	req := proto.CommandRequest{
		ID:         uuid.NewString(),
		Client:     e.clientID,
		Target:     target,
		Intent:     args.Intent,
		Mode:       proto.ModeShell,
		RawCommand: args.Command,
		Cwd:        args.Cwd,
		TimeoutMS:  args.TimeoutMS,
	}
	if err := req.Validate(); err != nil {
		return agent.ToolResult{ToolUseID: call.ID, Content: err.Error(), IsError: true}
	}

	resp, err := e.roundTrip(ctx, req)
	if err != nil {
		e.log.WithField("target", target).Warn("run_command: " + err.Error())
		return agent.ToolResult{ToolUseID: call.ID, Content: err.Error(), IsError: true}
	}
	return toolResultFromResponse(call.ID, resp)
}

func (e *ingressExecutor) roundTrip(ctx context.Context, req proto.CommandRequest) (proto.CommandResponse, error) {
	var dialer net.Dialer
	var lastErr error
	for attempt := 0; attempt < ingressConnectRetries; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", e.ingressAddr)
		if err != nil {
			lastErr = err
			if attempt < ingressConnectRetries-1 {
				select {
				case <-time.After(ingressConnectRetryDelay):
				case <-ctx.Done():
					return proto.CommandResponse{}, ctx.Err()
				}
			}
			continue
		}
		resp, err := sendAndReceive(conn, req)
		conn.Close()
		if err != nil {
			return proto.CommandResponse{}, err
		}
		return resp, nil
	}
	return proto.CommandResponse{}, fmt.Errorf("connect to %s: %w", e.ingressAddr, lastErr)
}

func sendAndReceive(conn net.Conn, req proto.CommandRequest) (proto.CommandResponse, error) {
	if err := frame.Write(conn, req); err != nil {
		return proto.CommandResponse{}, fmt.Errorf("write request: %w", err)
	}
	var resp proto.CommandResponse
	if err := frame.Read(conn, &resp); err != nil {
		return proto.CommandResponse{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

func toolResultFromResponse(toolUseID string, resp proto.CommandResponse) agent.ToolResult {
	text := "status: " + string(resp.Status)
	if resp.ExitCode != nil {
		text += fmt.Sprintf("\nexit_code: %d", *resp.ExitCode)
	}
	if resp.Stdout != nil {
		text += "\nstdout: " + *resp.Stdout
	}
	if resp.Stderr != nil {
		text += "\nstderr: " + *resp.Stderr
	}
	if resp.Error != nil {
		text += "\nerror: " + *resp.Error
	}
	isError := resp.Status == proto.StatusDenied || resp.Status == proto.StatusError || resp.Status == proto.StatusCancelled
	return agent.ToolResult{ToolUseID: toolUseID, Content: text, IsError: isError}
}
