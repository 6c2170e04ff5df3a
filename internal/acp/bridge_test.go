package acp

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"sshconsole/internal/agent"
	"sshconsole/internal/rpc"
)

// scriptedClient replays one batch of stream events per Stream call,
// letting a test script a tool-call/tool-result round trip.
type scriptedClient struct {
	batches [][]agent.StreamEvent
	calls   int
}

func (c *scriptedClient) Complete(ctx context.Context, prompt agent.Prompt) (string, error) {
	return "", nil
}

func (c *scriptedClient) Stream(ctx context.Context, prompt agent.Prompt, onEvent func(agent.StreamEvent)) error {
	if c.calls >= len(c.batches) {
		onEvent(agent.StreamEvent{Type: agent.StreamEventCompleted})
		return nil
	}
	batch := c.batches[c.calls]
	c.calls++
	for _, evt := range batch {
		onEvent(evt)
	}
	return nil
}

// recordingExecutor tracks whether it actually ran, so tests can assert
// a denied permission request never reaches the underlying tool.
type recordingExecutor struct {
	mu  sync.Mutex
	ran bool
}

func (e *recordingExecutor) ExecuteTool(ctx context.Context, call agent.ToolUse) agent.ToolResult {
	e.mu.Lock()
	e.ran = true
	e.mu.Unlock()
	return agent.ToolResult{ToolUseID: call.ID, Content: "ok"}
}

func (e *recordingExecutor) didRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ran
}

// permissionClient answers session/request_permission with a fixed
// outcome and collects every session/update notification it sees.
type permissionClient struct {
	outcome string // "selected" or "cancelled"
	optionID string

	mu      sync.Mutex
	updates []map[string]any
}

func (c *permissionClient) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if method != "session/request_permission" {
		return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "unexpected request: " + method}
	}
	if c.outcome == "cancelled" {
		return map[string]any{"outcome": "cancelled"}, nil
	}
	return map[string]any{"outcome": "selected", "optionId": c.optionID}, nil
}

func (c *permissionClient) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	if method != "session/update" {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(params, &payload); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if update, ok := payload["update"].(map[string]any); ok {
		c.updates = append(c.updates, update)
	}
}

func (c *permissionClient) updatesOfKind(kind string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, u := range c.updates {
		if u["sessionUpdate"] == kind {
			out = append(out, u)
		}
	}
	return out
}

// wireBridge connects a Bridge to a client Peer over in-memory pipes
// and starts both Serve loops, returning a Call helper bound to the
// client side.
func wireBridge(t *testing.T, b *Bridge, clientHandler rpc.Handler) (call func(method string, params any) (json.RawMessage, error), stop func()) {
	t.Helper()
	bridgeIn, clientOut := io.Pipe()
	clientIn, bridgeOut := io.Pipe()

	b.peer = rpc.NewPeer(bridgeIn, bridgeOut, "bridge-under-test")
	clientPeer := rpc.NewPeer(clientIn, clientOut, "test-client")

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	go clientPeer.Serve(ctx, clientHandler)

	call = func(method string, params any) (json.RawMessage, error) {
		callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer callCancel()
		return clientPeer.Call(callCtx, method, params)
	}
	stop = cancel
	return call, stop
}

func TestBridge_InitializeAndSessionNew(t *testing.T) {
	b, err := NewBridge(nil, nil, &scriptedClient{}, "test-model", &recordingExecutor{})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	b.rootDir = t.TempDir()

	call, stop := wireBridge(t, b, &permissionClient{})
	defer stop()

	initRaw, err := call("initialize", map[string]any{})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	var initResult struct {
		AgentCapabilities map[string]any `json:"agentCapabilities"`
	}
	if err := json.Unmarshal(initRaw, &initResult); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if initResult.AgentCapabilities["loadSession"] != true {
		t.Fatalf("agentCapabilities = %#v", initResult.AgentCapabilities)
	}

	newRaw, err := call("session/new", map[string]any{"cwd": "/tmp"})
	if err != nil {
		t.Fatalf("session/new: %v", err)
	}
	var newResult struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(newRaw, &newResult); err != nil {
		t.Fatalf("decode session/new result: %v", err)
	}
	if newResult.SessionID == "" {
		t.Fatal("sessionId is empty")
	}
	if b.current == nil || b.current.id != newResult.SessionID {
		t.Fatalf("bridge current session = %#v", b.current)
	}
}

func TestBridge_SessionPromptPlainText(t *testing.T) {
	client := &scriptedClient{batches: [][]agent.StreamEvent{
		{
			{Type: agent.StreamEventTextDelta, Text: "hello operator"},
			{Type: agent.StreamEventCompleted, StopReason: "end_turn"},
		},
	}}
	b, err := NewBridge(nil, nil, client, "test-model", &recordingExecutor{})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	b.rootDir = t.TempDir()

	clientHandler := &permissionClient{}
	call, stop := wireBridge(t, b, clientHandler)
	defer stop()

	newRaw, err := call("session/new", map[string]any{})
	if err != nil {
		t.Fatalf("session/new: %v", err)
	}
	var newResult struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(newRaw, &newResult)

	promptRaw, err := call("session/prompt", map[string]any{
		"sessionId": newResult.SessionID,
		"prompt":    []map[string]any{{"type": "text", "text": "hi there"}},
	})
	if err != nil {
		t.Fatalf("session/prompt: %v", err)
	}
	var promptResult struct {
		StopReason string `json:"stopReason"`
	}
	if err := json.Unmarshal(promptRaw, &promptResult); err != nil {
		t.Fatalf("decode session/prompt result: %v", err)
	}
	if promptResult.StopReason != "end_turn" {
		t.Fatalf("stopReason = %q, want end_turn", promptResult.StopReason)
	}

	chunks := clientHandler.updatesOfKind("agent_message_chunk")
	if len(chunks) == 0 {
		t.Fatal("expected at least one agent_message_chunk update")
	}
}

func TestBridge_DeniedPermissionBlocksToolExecution(t *testing.T) {
	toolCallItem, _ := json.Marshal(map[string]string{
		"type":      "function_call",
		"name":      "command",
		"call_id":   "call-1",
		"arguments": `{"command":"rm -rf /"}`,
	})
	client := &scriptedClient{batches: [][]agent.StreamEvent{
		{
			{Type: agent.StreamEventItem, Item: toolCallItem},
			{Type: agent.StreamEventCompleted},
		},
		{
			{Type: agent.StreamEventTextDelta, Text: "cancelled as requested"},
			{Type: agent.StreamEventCompleted, StopReason: "end_turn"},
		},
	}}
	executor := &recordingExecutor{}
	b, err := NewBridge(nil, nil, client, "test-model", executor)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	b.rootDir = t.TempDir()

	clientHandler := &permissionClient{outcome: "selected", optionID: "reject-once"}
	call, stop := wireBridge(t, b, clientHandler)
	defer stop()

	newRaw, _ := call("session/new", map[string]any{})
	var newResult struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(newRaw, &newResult)

	promptRaw, err := call("session/prompt", map[string]any{
		"sessionId": newResult.SessionID,
		"prompt":    []map[string]any{{"type": "text", "text": "delete everything"}},
	})
	if err != nil {
		t.Fatalf("session/prompt: %v", err)
	}
	_ = promptRaw

	if executor.didRun() {
		t.Fatal("executor ran despite a denied permission request")
	}

	updates := clientHandler.updatesOfKind("tool_call_update")
	if len(updates) == 0 {
		t.Fatal("expected a tool_call_update notification")
	}
	if updates[0]["status"] != "failed" {
		t.Fatalf("tool_call_update status = %v, want failed", updates[0]["status"])
	}
}

func TestMapStopReason(t *testing.T) {
	cases := []struct{ stop, finish, want string }{
		{"end_turn", "", "end_turn"},
		{"", "stop", "end_turn"},
		{"max_tokens", "", "max_tokens"},
		{"", "length", "max_tokens"},
		{"tool_use", "", "end_turn"},
		{"", "content_filter", "refusal"},
	}
	for _, c := range cases {
		if got := mapStopReason(c.stop, c.finish); got != c.want {
			t.Errorf("mapStopReason(%q, %q) = %q, want %q", c.stop, c.finish, got, c.want)
		}
	}
}
