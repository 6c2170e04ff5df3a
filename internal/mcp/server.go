// Package mcp implements the MCP (Model Context Protocol) stdio proxy:
// a run_command/list_targets tool surface that forwards calls to the
// broker's ingress channel, one length-prefixed CommandRequest/Response
// frame per call.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sahilm/fuzzy"

	"sshconsole/internal/logger"
	"sshconsole/internal/proto"
	"sshconsole/internal/rpc"
)

// Defaults supplies per-call fallback values when a run_command
// invocation omits timeout_ms/max_output_bytes.
type Defaults struct {
	TimeoutMS      uint64
	MaxOutputBytes uint64
}

// Server answers MCP stdio requests over an rpc.Peer: tools/list and
// tools/call for run_command/list_targets.
type Server struct {
	clientID string
	dir      *Directory
	defaults Defaults
	log      *logger.LogEntry
}

// NewServer builds an mcp.Server. clientID tags every CommandRequest
// this proxy forwards, letting the broker distinguish requests coming
// from this MCP client from the TUI or other proxies.
func NewServer(clientID string, dir *Directory, defaults Defaults) *Server {
	return &Server{clientID: clientID, dir: dir, defaults: defaults, log: logger.Named("mcp")}
}

// HandleRequest implements rpc.Handler.
func (s *Server) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		return s.handleInitialize(), nil
	case "tools/list":
		return s.handleToolsList(), nil
	case "tools/call":
		return s.handleToolsCall(ctx, params)
	case "ping":
		return map[string]any{}, nil
	default:
		return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "unknown method: " + method}
	}
}

// HandleNotification implements rpc.Handler. The proxy has no client
// notifications it needs to act on; they are logged and discarded.
func (s *Server) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	s.log.Debug("ignoring notification " + method)
}

func (s *Server) handleInitialize() map[string]any {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]string{"name": "sshconsole-mcp", "version": "1"},
		"capabilities":    map[string]any{"tools": map[string]any{}},
	}
}

func (s *Server) handleToolsList() map[string]any {
	return map[string]any{
		"tools": []toolDefinition{
			runCommandTool(s.dir.Names(), s.dir.DefaultTarget()),
			listTargetsTool(),
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "malformed tools/call: " + err.Error()}
	}
	switch call.Name {
	case "run_command":
		return s.callRunCommand(ctx, call.Arguments)
	case "list_targets":
		return s.callListTargets(), nil
	default:
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "unknown tool: " + call.Name}
	}
}

func (s *Server) callRunCommand(ctx context.Context, raw json.RawMessage) (any, error) {
	var args runCommandArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "malformed run_command arguments: " + err.Error()}
	}
	pipeline, err := parsePipeline(args.Command)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}

	target := args.Target
	if target == "" {
		target = s.dir.DefaultTarget()
	}
	if target == "" {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "target is required"}
	}
	addr, ok := s.dir.Addr(target)
	if !ok {
		if resolved := s.fuzzyResolveTarget(target); resolved != "" {
			target = resolved
			addr, ok = s.dir.Addr(target)
		}
	}
	if !ok {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: fmt.Sprintf("unknown target: %s", target)}
	}

	timeout := args.TimeoutMS
	if timeout == nil {
		t := s.defaults.TimeoutMS
		timeout = &t
	}
	maxOutput := args.MaxOutputBytes
	if maxOutput == nil {
		m := s.defaults.MaxOutputBytes
		maxOutput = &m
	}

	req := proto.CommandRequest{
		ID:             uuid.NewString(),
		Client:         s.clientID,
		Target:         target,
		Intent:         args.Intent,
		Mode:           proto.ModeShell,
		RawCommand:     args.Command,
		Pipeline:       pipeline,
		Cwd:            args.Cwd,
		Env:            args.Env,
		TimeoutMS:      timeout,
		MaxOutputBytes: maxOutput,
	}

	resp, err := sendRequest(ctx, addr, req)
	if err != nil {
		resp = proto.ErrorResponse(req.ID, err.Error())
	}
	s.dir.noteOutcome(target, resp)
	return responseToToolResult(resp), nil
}

// fuzzyResolveTarget matches a target string that didn't exactly hit a
// configured name (a typo, an abbreviation) against the known target
// list, returning the best match or "" when nothing scores.
func (s *Server) fuzzyResolveTarget(hint string) string {
	if hint == "" {
		return ""
	}
	names := s.dir.Names()
	matches := fuzzy.Find(hint, names)
	if len(matches) == 0 {
		return ""
	}
	return names[matches[0].Index]
}

func (s *Server) callListTargets() callToolResult {
	entries := s.dir.List()
	payload := map[string]any{"targets": entries}
	text, _ := json.MarshalIndent(payload, "", "  ")
	return callToolResult{Content: []contentBlock{{Type: "text", Text: string(text)}}, StructuredContent: payload}
}

func responseToToolResult(resp proto.CommandResponse) callToolResult {
	lines := []string{"id: " + resp.ID, "status: " + string(resp.Status)}
	if resp.ExitCode != nil {
		lines = append(lines, fmt.Sprintf("exit_code: %d", *resp.ExitCode))
	}
	if resp.Stdout != nil {
		lines = append(lines, "stdout: "+*resp.Stdout)
	}
	if resp.Stderr != nil {
		lines = append(lines, "stderr: "+*resp.Stderr)
	}
	if resp.Error != nil {
		lines = append(lines, "error: "+*resp.Error)
	}
	text := ""
	for i, l := range lines {
		if i > 0 {
			text += "\n"
		}
		text += l
	}
	isError := resp.Status == proto.StatusDenied || resp.Status == proto.StatusError || resp.Status == proto.StatusCancelled
	return callToolResult{
		Content:           []contentBlock{{Type: "text", Text: text}},
		IsError:           isError,
		StructuredContent: resp,
	}
}
