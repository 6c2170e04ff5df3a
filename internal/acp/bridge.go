// Package acp implements the Agent Client Protocol server side: a
// stdio JSON-RPC bridge that lets an ACP-speaking client (an editor,
// or the operator console acting as an ACP client over a forwarded
// tunnel) drive the embedded conversation runtime as if it were
// talking to a coding agent directly, while every tool call the model
// requests is routed through an operator approval round trip instead
// of running unattended.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"sshconsole/internal/agent"
	"sshconsole/internal/logger"
	"sshconsole/internal/rpc"
	"sshconsole/internal/runtime"
)

// Bridge answers ACP JSON-RPC methods over an rpc.Peer, driving a
// single active embedded conversation at a time: ACP sessions are
// one-turn-at-a-time, so there is exactly one current session, same
// as the process this is grounded on.
type Bridge struct {
	peer     *rpc.Peer
	backend  agent.ModelClient
	model    string
	executor runtime.ToolExecutor
	rootDir  string
	log      *logger.LogEntry

	current *session
}

// NewBridge builds a Bridge reading ACP frames from in and writing
// them to out, backed by backend/model for completions and executor
// for running model-requested tool calls once the operator approves
// them.
func NewBridge(in io.Reader, out io.Writer, backend agent.ModelClient, model string, executor runtime.ToolExecutor) (*Bridge, error) {
	root, err := ensureRolloutsRoot()
	if err != nil {
		return nil, fmt.Errorf("acp: prepare session directory: %w", err)
	}
	b := &Bridge{
		backend:  backend,
		model:    model,
		executor: executor,
		rootDir:  root,
		log:      logger.Named("acp"),
	}
	b.peer = rpc.NewPeer(in, out, "acp")
	return b, nil
}

// Run serves the bridge until the input stream closes or a read fails;
// see rpc.Peer.Serve for how ctx cancellation is handled.
func (b *Bridge) Run(ctx context.Context) error {
	return b.peer.Serve(ctx, b)
}

// HandleRequest implements rpc.Handler.
func (b *Bridge) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		return b.handleInitialize(), nil
	case "authenticate":
		return nil, nil
	case "session/new":
		return b.handleSessionNew(params)
	case "session/load":
		return b.handleSessionLoad(params)
	case "session/prompt":
		return b.handleSessionPrompt(ctx, params)
	case "session/cancel":
		return b.handleSessionCancel(params)
	default:
		return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "unknown method: " + method}
	}
}

// HandleNotification implements rpc.Handler. The bridge has no
// inbound notifications it needs to act on.
func (b *Bridge) HandleNotification(_ context.Context, method string, _ json.RawMessage) {
	b.log.WithField("method", method).Debug("ignoring inbound notification")
}

func (b *Bridge) handleInitialize() any {
	promptCaps := newDualObject().set("embedded_context", "embeddedContext", true)
	promptCaps.setPlain("image", true)

	capabilities := newDualObject().set("load_session", "loadSession", true)
	capabilities.setRaw("prompt_capabilities", "promptCapabilities", promptCaps.buf)

	result := newDualObject().set("protocol_version", "protocolVersion", 1)
	result.setRaw("agent_capabilities", "agentCapabilities", capabilities.buf)
	result.set("auth_methods", "authMethods", []any{})
	return result.raw()
}

type newSessionParams struct {
	Cwd string `json:"cwd"`
}

func (b *Bridge) handleSessionNew(raw json.RawMessage) (any, error) {
	var params newSessionParams
	_ = decodeParams(raw, &params)

	id := uuid.NewString()
	rolloutPath := newRolloutPath(b.rootDir, id)
	pe := &permissionExecutor{requester: b, sessionID: id, inner: b.executor}
	conv := runtime.New(b.backend, b.model, pe)

	b.current = newSession(id, normalizeCwd(params.Cwd), conv, newRolloutWriter(rolloutPath))

	result := newDualObject().set("session_id", "sessionId", id)
	result.setPlain("modes", []any{})
	return result.raw(), nil
}

type loadSessionParams struct {
	SessionID string `json:"sessionId"`
}

func (b *Bridge) handleSessionLoad(raw json.RawMessage) (any, error) {
	var params loadSessionParams
	if err := decodeParams(raw, &params); err != nil || params.SessionID == "" {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "session/load requires sessionId"}
	}

	path, err := findRolloutPath(b.rootDir, params.SessionID)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}
	history, err := loadRolloutHistory(path)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: err.Error()}
	}

	pe := &permissionExecutor{requester: b, sessionID: params.SessionID, inner: b.executor}
	conv := runtime.New(b.backend, b.model, pe)
	conv.Load(history)

	sess := newSession(params.SessionID, "", conv, newRolloutWriter(path))
	b.current = sess

	for _, m := range history {
		switch m.Role {
		case agent.RoleUser:
			b.sendUserMessageChunk(sess.id, m.Content)
		case agent.RoleAssistant:
			b.sendAgentMessageChunk(sess.id, m.Content)
		}
	}

	return map[string]any{"modes": []any{}}, nil
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

func (b *Bridge) handleSessionPrompt(ctx context.Context, raw json.RawMessage) (any, error) {
	var params promptParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}

	sess := b.current
	if sess == nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: errNoActiveSession.Error()}
	}
	if params.SessionID != "" && params.SessionID != sess.id {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "unknown session: " + params.SessionID}
	}
	sess.resetDeltaFlags()

	text, _ := flattenPromptBlocks(params.Prompt)
	if strings.TrimSpace(text) == "" {
		return map[string]any{"stopReason": "refusal"}, nil
	}
	if sess.rollout != nil {
		_ = sess.rollout.Append("user_message", sess.id, text)
	}

	promptCtx, cancel := context.WithCancel(ctx)
	pending := &pendingPrompt{cancel: cancel, done: make(chan struct{})}
	elem := sess.pushPending(pending)
	defer func() {
		close(pending.done)
		sess.removePending(elem)
	}()

	stopReason := "end_turn"
	for n := range sess.conv.Prompt(promptCtx, text) {
		switch n.Kind {
		case runtime.NotificationTextDelta:
			b.sendAgentMessageChunk(sess.id, n.Text)
		case runtime.NotificationToolCall:
			if n.ToolCall != nil {
				b.sendToolCallUpdate(sess.id, *n.ToolCall, "pending")
			}
		case runtime.NotificationToolResult:
			if n.ToolResult != nil {
				b.sendToolResultUpdate(sess.id, *n.ToolResult)
			}
		case runtime.NotificationError:
			if errors.Is(n.Err, context.Canceled) {
				stopReason = "cancelled"
			} else if n.Err != nil {
				stopReason = "refusal"
				b.sendErrorUpdate(sess.id, n.Err)
			}
		case runtime.NotificationTurnDone:
			stopReason = mapStopReason(n.StopReason, n.FinishReason)
		}
	}

	if history := sess.conv.History(); len(history) > 0 && sess.rollout != nil {
		last := history[len(history)-1]
		if last.Role == agent.RoleAssistant && last.Content != "" {
			_ = sess.rollout.Append("agent_message", sess.id, last.Content)
		}
	}

	return map[string]any{"stopReason": stopReason}, nil
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

func (b *Bridge) handleSessionCancel(raw json.RawMessage) (any, error) {
	var params cancelParams
	_ = decodeParams(raw, &params)

	sess := b.current
	if sess == nil || (params.SessionID != "" && params.SessionID != sess.id) {
		return nil, nil
	}
	sess.cancelOldest()
	return nil, nil
}

// RequestPermission implements permissionRequester over the bridge's
// peer, round-tripping session/request_permission to the client and
// treating any outcome other than an explicit allow-kind selection as
// a denial.
func (b *Bridge) RequestPermission(ctx context.Context, sessionID string, call agent.ToolUse) (bool, error) {
	toolCall := newDualObject().set("tool_call_id", "toolCallId", call.ID)
	toolCall.setPlain("title", call.Name)
	toolCall.setRaw("raw_input", "rawInput", call.Input)

	params := newDualObject().set("session_id", "sessionId", sessionID)
	params.setRaw("tool_call", "toolCall", toolCall.buf)
	params.setPlain("options", []map[string]any{
		{"optionId": "allow-once", "name": "Allow", "kind": "allow_once"},
		{"optionId": "reject-once", "name": "Deny", "kind": "reject_once"},
	})

	raw, err := b.peer.Call(ctx, "session/request_permission", params.raw())
	if err != nil {
		return false, err
	}
	if !gjson.ValidBytes(raw) {
		return false, fmt.Errorf("decode session/request_permission response: invalid JSON")
	}
	if gjson.GetBytes(raw, "outcome").String() != "selected" {
		return false, nil
	}
	optionID := dualString(raw, "option_id", "optionId")
	return strings.Contains(strings.ToLower(optionID), "allow"), nil
}

func (b *Bridge) sendUpdate(sessionID string, update *dualObject) {
	params := newDualObject().set("session_id", "sessionId", sessionID)
	params.setPlainRaw("update", update.buf)
	if err := b.peer.Notify("session/update", params.raw()); err != nil {
		b.log.Warn("session/update notify failed: " + err.Error())
	}
}

func (b *Bridge) sendAgentMessageChunk(sessionID, text string) {
	if text == "" {
		return
	}
	update := updateWithType("agent_message_chunk")
	update.setPlain("content", map[string]any{"type": "text", "text": text})
	b.sendUpdate(sessionID, update)
}

func (b *Bridge) sendUserMessageChunk(sessionID, text string) {
	if text == "" {
		return
	}
	update := updateWithType("user_message_chunk")
	update.setPlain("content", map[string]any{"type": "text", "text": text})
	b.sendUpdate(sessionID, update)
}

func (b *Bridge) sendToolCallUpdate(sessionID string, call agent.ToolUse, status string) {
	update := updateWithType("tool_call")
	update.set("tool_call_id", "toolCallId", call.ID)
	update.setPlain("title", call.Name)
	update.setPlain("status", status)
	update.setRaw("raw_input", "rawInput", call.Input)
	b.sendUpdate(sessionID, update)
}

func (b *Bridge) sendToolResultUpdate(sessionID string, result agent.ToolResult) {
	update := updateWithType("tool_call_update")
	update.set("tool_call_id", "toolCallId", result.ToolUseID)
	status := "completed"
	if result.IsError {
		status = "failed"
	}
	update.setPlain("status", status)
	update.set("raw_output", "rawOutput", map[string]any{"content": result.Content})
	b.sendUpdate(sessionID, update)
}

func (b *Bridge) sendErrorUpdate(sessionID string, err error) {
	update := updateWithType("error")
	update.setPlain("message", err.Error())
	b.sendUpdate(sessionID, update)
}

func mapStopReason(stopReason, finishReason string) string {
	reason := strings.ToLower(strings.TrimSpace(stopReason))
	if reason == "" {
		reason = strings.ToLower(strings.TrimSpace(finishReason))
	}
	switch reason {
	case "", "stop", "end_turn":
		return "end_turn"
	case "max_tokens", "length":
		return "max_tokens"
	case "tool_use", "tool_calls":
		return "end_turn"
	case "refusal", "content_filter":
		return "refusal"
	default:
		return "end_turn"
	}
}
