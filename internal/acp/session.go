package acp

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"sshconsole/internal/agent"
	"sshconsole/internal/runtime"
)

// pendingPrompt correlates an in-flight session/prompt call with the
// session/cancel that may arrive for it, mirroring pending_prompt_ids.
type pendingPrompt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// session is the single active ACP session a Bridge drives at a time.
// ACP sessions are one-turn-at-a-time, so a simple FIFO of in-flight
// prompts (in practice usually depth 1) is enough to correlate cancel.
type session struct {
	id          string
	cwd         string
	conv        *runtime.Conversation
	rollout     *rolloutWriter
	sawMessage  bool
	sawThought  bool

	mu      sync.Mutex
	pending *list.List // of *pendingPrompt
}

func newSession(id, cwd string, conv *runtime.Conversation, rollout *rolloutWriter) *session {
	return &session{id: id, cwd: cwd, conv: conv, rollout: rollout, pending: list.New()}
}

func (s *session) pushPending(p *pendingPrompt) *list.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.PushBack(p)
}

func (s *session) removePending(e *list.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Remove(e)
}

// cancelOldest cancels the oldest in-flight prompt and waits for its
// handler to close done, returning true if one was found. The entry is
// left in the FIFO; the prompt handler removes it itself.
func (s *session) cancelOldest() bool {
	s.mu.Lock()
	front := s.pending.Front()
	s.mu.Unlock()
	if front == nil {
		return false
	}
	p := front.Value.(*pendingPrompt)
	p.cancel()
	<-p.done
	return true
}

func (s *session) resetDeltaFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sawMessage = false
	s.sawThought = false
}

// permissionExecutor wraps a tool executor with an ACP
// session/request_permission round trip before running the tool,
// refusing execution if the client denies or cancels.
type permissionExecutor struct {
	requester permissionRequester
	sessionID string
	inner     runtime.ToolExecutor
}

// permissionRequester issues the session/request_permission call; the
// Bridge implements it over its rpc.Peer.
type permissionRequester interface {
	RequestPermission(ctx context.Context, sessionID string, call agent.ToolUse) (bool, error)
}

func (p *permissionExecutor) ExecuteTool(ctx context.Context, call agent.ToolUse) agent.ToolResult {
	allowed, err := p.requester.RequestPermission(ctx, p.sessionID, call)
	if err != nil {
		return agent.ToolResult{ToolUseID: call.ID, Content: "permission request failed: " + err.Error(), IsError: true}
	}
	if !allowed {
		return agent.ToolResult{ToolUseID: call.ID, Content: "tool call denied by operator", IsError: true}
	}
	if p.inner == nil {
		return agent.ToolResult{ToolUseID: call.ID, Content: "no tool executor configured", IsError: true}
	}
	return p.inner.ExecuteTool(ctx, call)
}

var errNoActiveSession = errors.New("no active session")

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("missing params")
	}
	return json.Unmarshal(raw, out)
}
