// Package runtime is the embedded conversation runtime the ACP agent
// bridge drives: it turns a sequence of agent.Message turns plus tool
// results into model calls against a pluggable agent.ModelClient
// (Anthropic or OpenAI backends), surfacing every model event as a
// Notification on a channel instead of a single blocking callback, so
// the bridge can forward them to the client as session/update
// notifications as they arrive.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"sshconsole/internal/agent"
	"sshconsole/internal/logger"
)

// NotificationKind distinguishes the kinds of incremental updates a
// Conversation emits while a prompt turn is in flight.
type NotificationKind string

const (
	NotificationTextDelta  NotificationKind = "text_delta"
	NotificationToolCall   NotificationKind = "tool_call"
	NotificationToolResult NotificationKind = "tool_result"
	NotificationUsage      NotificationKind = "usage"
	NotificationTurnDone   NotificationKind = "turn_done"
	NotificationError      NotificationKind = "error"
)

// Notification is one incremental event from a running prompt turn.
type Notification struct {
	Kind         NotificationKind
	Text         string
	ToolCall     *agent.ToolUse
	ToolResult   *agent.ToolResult
	Usage        *agent.TokenUsage
	StopReason   string
	FinishReason string
	Err          error
}

// ToolExecutor runs a model-requested tool call and returns its result.
// The ACP bridge supplies an implementation that proxies through the
// broker's run_command path (or answers session/request_permission
// first, per the client's capabilities).
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, call agent.ToolUse) agent.ToolResult
}

// Conversation is a single ongoing session's message history plus the
// model backend driving it. Not safe for concurrent Prompt calls on the
// same Conversation — callers serialize prompts per session, matching
// ACP's one-turn-at-a-time session semantics.
type Conversation struct {
	mu       sync.Mutex
	client   agent.ModelClient
	model    string
	tools    []agent.ToolSpec
	executor ToolExecutor
	messages []agent.Message
	log      *logger.LogEntry
}

// New builds a Conversation bound to client, generating completions
// with model and the default tool surface, executing any tool calls
// through executor.
func New(client agent.ModelClient, model string, executor ToolExecutor) *Conversation {
	return &Conversation{
		client:   client,
		model:    model,
		tools:    agent.DefaultTools(),
		executor: executor,
		log:      logger.Named("runtime"),
	}
}

// History returns a copy of the accumulated message turns.
func (c *Conversation) History() []agent.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]agent.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Load replaces the conversation's history, used when resuming a
// persisted session.
func (c *Conversation) Load(messages []agent.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append([]agent.Message(nil), messages...)
}

// Prompt appends userText as a user turn, streams the model's response
// (including any tool-call/tool-result round trips) as Notifications on
// the returned channel, and closes the channel once the turn settles or
// ctx is cancelled. The channel is always closed exactly once.
func (c *Conversation) Prompt(ctx context.Context, userText string) <-chan Notification {
	out := make(chan Notification, 16)
	go c.runTurn(ctx, userText, out)
	return out
}

func (c *Conversation) runTurn(ctx context.Context, userText string, out chan<- Notification) {
	defer close(out)

	c.mu.Lock()
	c.messages = append(c.messages, agent.Message{Role: agent.RoleUser, Content: userText})
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			out <- Notification{Kind: NotificationError, Err: ctx.Err()}
			return
		default:
		}

		prompt := agent.Prompt{Model: c.model, Messages: c.History(), Tools: c.tools, ParallelToolCalls: false}

		var pendingCalls []agent.ToolUse
		var textBuilder strings.Builder
		streamErr := c.client.Stream(ctx, prompt, func(evt agent.StreamEvent) {
			switch evt.Type {
			case agent.StreamEventTextDelta:
				if evt.Text != "" {
					textBuilder.WriteString(evt.Text)
					out <- Notification{Kind: NotificationTextDelta, Text: evt.Text}
				}
			case agent.StreamEventItem:
				if call, ok := decodeToolCall(evt.Item); ok {
					pendingCalls = append(pendingCalls, call)
					out <- Notification{Kind: NotificationToolCall, ToolCall: &call}
				}
			case agent.StreamEventUsage:
				out <- Notification{Kind: NotificationUsage, Usage: evt.Usage}
			case agent.StreamEventCompleted:
				out <- Notification{Kind: NotificationTurnDone, StopReason: evt.StopReason, FinishReason: evt.FinishReason}
			}
		})
		if streamErr != nil {
			out <- Notification{Kind: NotificationError, Err: streamErr}
			return
		}

		if len(pendingCalls) == 0 {
			if text := textBuilder.String(); text != "" {
				c.mu.Lock()
				c.messages = append(c.messages, agent.Message{Role: agent.RoleAssistant, Content: text})
				c.mu.Unlock()
			}
			return
		}
		if c.executor == nil {
			out <- Notification{Kind: NotificationError, Err: fmt.Errorf("model requested %d tool call(s) but no executor is configured", len(pendingCalls))}
			return
		}

		c.mu.Lock()
		for _, call := range pendingCalls {
			c.messages = append(c.messages, agent.Message{Role: agent.RoleAssistant, ToolUse: &call})
		}
		c.mu.Unlock()

		for _, call := range pendingCalls {
			result := c.executor.ExecuteTool(ctx, call)
			out <- Notification{Kind: NotificationToolResult, ToolResult: &result}
			c.mu.Lock()
			c.messages = append(c.messages, agent.Message{Role: agent.RoleUser, ToolResult: &result})
			c.mu.Unlock()
		}
		// loop again: feed the tool results back to the model for its next turn
	}
}

func decodeToolCall(item json.RawMessage) (agent.ToolUse, bool) {
	var wire struct {
		Type      string `json:"type"`
		Name      string `json:"name"`
		CallID    string `json:"call_id"`
		Arguments string `json:"arguments"`
	}
	if err := json.Unmarshal(item, &wire); err != nil || wire.Type != "function_call" {
		return agent.ToolUse{}, false
	}
	return agent.ToolUse{ID: wire.CallID, Name: wire.Name, Input: json.RawMessage(wire.Arguments)}, true
}
