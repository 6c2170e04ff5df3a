package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sshconsole/internal/agent"
)

// scriptedClient replays a fixed sequence of agent.StreamEvent batches,
// one batch per Stream call, letting tests drive multi-turn tool-call
// round trips deterministically.
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

type stubExecutor struct {
	result agent.ToolResult
}

func (e stubExecutor) ExecuteTool(ctx context.Context, call agent.ToolUse) agent.ToolResult {
	r := e.result
	r.ToolUseID = call.ID
	return r
}

func drain(t *testing.T, ch <-chan Notification) []Notification {
	t.Helper()
	var out []Notification
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, n)
		case <-deadline:
			t.Fatal("timed out draining notifications")
		}
	}
}

func TestConversation_PlainTextTurn(t *testing.T) {
	client := &scriptedClient{batches: [][]agent.StreamEvent{
		{
			{Type: agent.StreamEventTextDelta, Text: "hello"},
			{Type: agent.StreamEventCompleted},
		},
	}}
	conv := New(client, "test-model", nil)
	notifications := drain(t, conv.Prompt(context.Background(), "hi"))

	var sawText, sawDone bool
	for _, n := range notifications {
		if n.Kind == NotificationTextDelta && n.Text == "hello" {
			sawText = true
		}
		if n.Kind == NotificationTurnDone {
			sawDone = true
		}
	}
	if !sawText || !sawDone {
		t.Fatalf("notifications = %+v", notifications)
	}

	history := conv.History()
	if len(history) != 2 || history[0].Role != agent.RoleUser || history[1].Role != agent.RoleAssistant {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestConversation_ToolCallRoundTrip(t *testing.T) {
	callItem, _ := json.Marshal(map[string]string{"type": "function_call", "name": "command", "call_id": "c1", "arguments": `{"command":"ls"}`})
	client := &scriptedClient{batches: [][]agent.StreamEvent{
		{
			{Type: agent.StreamEventItem, Item: callItem},
			{Type: agent.StreamEventCompleted},
		},
		{
			{Type: agent.StreamEventTextDelta, Text: "done"},
			{Type: agent.StreamEventCompleted},
		},
	}}
	exec := stubExecutor{result: agent.ToolResult{Content: "ok"}}
	conv := New(client, "test-model", exec)
	notifications := drain(t, conv.Prompt(context.Background(), "list files"))

	var sawCall, sawResult, sawFinalText bool
	for _, n := range notifications {
		switch n.Kind {
		case NotificationToolCall:
			sawCall = n.ToolCall != nil && n.ToolCall.Name == "command"
		case NotificationToolResult:
			sawResult = n.ToolResult != nil && n.ToolResult.Content == "ok"
		case NotificationTextDelta:
			if n.Text == "done" {
				sawFinalText = true
			}
		}
	}
	if !sawCall || !sawResult || !sawFinalText {
		t.Fatalf("notifications = %+v", notifications)
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 model calls (initial + post-tool-result), got %d", client.calls)
	}
}

func TestConversation_ToolCallWithoutExecutorErrors(t *testing.T) {
	callItem, _ := json.Marshal(map[string]string{"type": "function_call", "name": "command", "call_id": "c1", "arguments": "{}"})
	client := &scriptedClient{batches: [][]agent.StreamEvent{
		{{Type: agent.StreamEventItem, Item: callItem}, {Type: agent.StreamEventCompleted}},
	}}
	conv := New(client, "test-model", nil)
	notifications := drain(t, conv.Prompt(context.Background(), "list files"))

	var sawErr bool
	for _, n := range notifications {
		if n.Kind == NotificationError {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatalf("expected an error notification, got %+v", notifications)
	}
}

func TestConversation_LoadReplacesHistory(t *testing.T) {
	conv := New(&scriptedClient{}, "test-model", nil)
	conv.Load([]agent.Message{{Role: agent.RoleUser, Content: "resumed"}})
	history := conv.History()
	if len(history) != 1 || history[0].Content != "resumed" {
		t.Fatalf("history = %+v", history)
	}
}
