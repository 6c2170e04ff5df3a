package mcp

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"sshconsole/internal/frame"
	"sshconsole/internal/proto"
)

// fakeIngress accepts one connection, reads a CommandRequest frame, and
// replies with resp.
func fakeIngress(t *testing.T, resp proto.CommandResponse) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req proto.CommandRequest
		if err := frame.Read(conn, &req); err != nil {
			return
		}
		resp.ID = req.ID
		frame.Write(conn, resp)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestServer_ToolsList(t *testing.T) {
	dir := NewDirectory("127.0.0.1:0", []TargetEntry{{Name: "prod", Desc: "prod box"}}, "prod")
	s := NewServer("test-client", dir, Defaults{TimeoutMS: 1000, MaxOutputBytes: 4096})

	raw, err := s.HandleRequest(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	listed := raw.(map[string]any)["tools"].([]toolDefinition)
	if len(listed) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(listed))
	}
}

func TestServer_RunCommandRoundTrip(t *testing.T) {
	stdout := "hi\n"
	resp := proto.CommandResponse{Status: proto.StatusCompleted}.WithStdout(stdout).WithExitCode(0)
	addr := fakeIngress(t, resp)

	dir := NewDirectory(addr, []TargetEntry{{Name: "prod"}}, "prod")
	s := NewServer("test-client", dir, Defaults{TimeoutMS: 1000, MaxOutputBytes: 4096})

	params, _ := json.Marshal(map[string]any{
		"name": "run_command",
		"arguments": map[string]any{
			"command": "echo hi",
			"intent":  "test",
			"target":  "prod",
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := s.HandleRequest(ctx, "tools/call", params)
	if err != nil {
		t.Fatalf("tools/call: %v", err)
	}
	ctr := result.(callToolResult)
	if ctr.IsError {
		t.Fatalf("unexpected error result: %+v", ctr)
	}

	names := dir.List()
	if names[0].Status != TargetHealthReady {
		t.Fatalf("expected target marked ready, got %+v", names[0])
	}
}

func TestServer_RunCommandRejectsInvalidPipeline(t *testing.T) {
	dir := NewDirectory("127.0.0.1:0", []TargetEntry{{Name: "prod"}}, "prod")
	s := NewServer("test-client", dir, Defaults{})

	params, _ := json.Marshal(map[string]any{
		"name": "run_command",
		"arguments": map[string]any{
			"command": "ls | | grep foo",
			"intent":  "test",
			"target":  "prod",
		},
	})
	if _, err := s.HandleRequest(context.Background(), "tools/call", params); err == nil {
		t.Fatal("expected an invalid-params error")
	}
}

func TestServer_RunCommandUnknownTarget(t *testing.T) {
	dir := NewDirectory("127.0.0.1:0", []TargetEntry{{Name: "prod"}}, "prod")
	s := NewServer("test-client", dir, Defaults{})

	params, _ := json.Marshal(map[string]any{
		"name": "run_command",
		"arguments": map[string]any{
			"command": "ls",
			"intent":  "test",
			"target":  "totally-unrelated-xyz",
		},
	})
	if _, err := s.HandleRequest(context.Background(), "tools/call", params); err == nil {
		t.Fatal("expected an unknown-target error")
	}
}
