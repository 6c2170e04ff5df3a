// Package target implements the per-target state machine: a pending
// queue, a running set with cancellation tokens, and a bounded history,
// driving the executor and emitting ServiceEvents.
package target

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sshconsole/internal/executor"
	"sshconsole/internal/logger"
	"sshconsole/internal/policy"
	"sshconsole/internal/proto"
)

// AuditSink persists request/response audit records. Implemented by
// internal/audit; kept as an interface here to avoid an import cycle.
type AuditSink interface {
	RecordRequest(req proto.CommandRequest, peer string, receivedAt time.Time)
	RecordResult(req proto.CommandRequest, resp proto.CommandResponse, durationMS int64)
}

type runningEntry struct {
	pending   proto.PendingRequest
	startedAt time.Time
	cancel    context.CancelFunc
}

type completion struct {
	id       string
	resp     proto.CommandResponse
	pending  proto.PendingRequest
	started  time.Time
}

// Service owns one target's command-approval state machine.
type Service struct {
	name   string
	target proto.TargetSpec
	policy policy.Policy
	exec   *executor.Executor
	audit  AuditSink

	serverEvents chan proto.ServerEvent
	controlCmds  chan proto.ControlCommand
	results      chan completion

	broadcaster *Broadcaster

	mu         sync.Mutex
	pending    []proto.PendingRequest
	running    map[string]*runningEntry
	history    []proto.ResultSnapshot
	lastResult *proto.ResultSnapshot
	connCount  int

	log *logger.LogEntry
}

// Config bundles Service construction parameters.
type Config struct {
	Target               proto.TargetSpec
	Policy               policy.Policy
	Executor             *executor.Executor
	Audit                AuditSink
	ServerEventBuffer    int
	ControlCommandBuffer int
}

// New builds a Service for one target. Call Run to start processing.
func New(cfg Config) *Service {
	serverBuf := cfg.ServerEventBuffer
	if serverBuf == 0 {
		serverBuf = 128
	}
	controlBuf := cfg.ControlCommandBuffer
	if controlBuf == 0 {
		controlBuf = 64
	}
	ex := cfg.Executor
	if ex == nil {
		ex = executor.New()
	}
	return &Service{
		name:         cfg.Target.Name,
		target:       cfg.Target,
		policy:       cfg.Policy,
		exec:         ex,
		audit:        cfg.Audit,
		serverEvents: make(chan proto.ServerEvent, serverBuf),
		controlCmds:  make(chan proto.ControlCommand, controlBuf),
		results:      make(chan completion, serverBuf),
		broadcaster:  NewBroadcaster(),
		running:      make(map[string]*runningEntry),
		log:          logger.Named("target").WithField("target", cfg.Target.Name),
	}
}

// Submit enqueues a ServerEvent for the service's run loop. Blocks if the
// inbound buffer is full, honoring ctx cancellation.
func (s *Service) Submit(ctx context.Context, evt proto.ServerEvent) error {
	select {
	case s.serverEvents <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Control enqueues an operator ControlCommand (approve/deny/cancel).
func (s *Service) Control(ctx context.Context, cmd proto.ControlCommand) error {
	select {
	case s.controlCmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers for ServiceEvent broadcast.
func (s *Service) Subscribe() (<-chan proto.ServiceEvent, int) {
	return s.broadcaster.Subscribe()
}

// Unsubscribe removes a subscriber registered via Subscribe.
func (s *Service) Unsubscribe(token int) {
	s.broadcaster.Unsubscribe(token)
}

// Snapshot returns the current ServiceSnapshot.
func (s *Service) Snapshot() proto.ServiceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return proto.ServiceSnapshot{
		Queue:      snapshotQueue(s.pending),
		Running:    snapshotRunning(s.running),
		History:    append([]proto.ResultSnapshot(nil), s.history...),
		LastResult: s.lastResult,
	}
}

// SeedLastResult sets the last-result hint read from the audit directory
// at boot, without resurrecting the queue (persistent queueing across
// restarts remains out of scope).
func (s *Service) SeedLastResult(r proto.ResultSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = &r
}

// Run drives the service's single-threaded event loop until ctx is
// cancelled. All state mutation happens on this goroutine.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.serverEvents:
			s.handleServerEvent(ctx, evt)
		case cmd := <-s.controlCmds:
			s.handleControlCommand(ctx, cmd)
		case c := <-s.results:
			s.retire(c)
		}
	}
}

func (s *Service) handleServerEvent(ctx context.Context, evt proto.ServerEvent) {
	switch evt.Kind {
	case proto.ServerEventRequest:
		s.handleRequest(ctx, *evt.Pending)
	case proto.ServerEventConnectionOpened:
		s.mu.Lock()
		s.connCount++
		s.mu.Unlock()
		s.broadcaster.Publish(proto.ServiceEvent{Kind: proto.EventConnectionsChange})
	case proto.ServerEventConnectionClosed:
		s.mu.Lock()
		s.connCount--
		s.mu.Unlock()
		s.broadcaster.Publish(proto.ServiceEvent{Kind: proto.EventConnectionsChange})
	}
}

func (s *Service) handleRequest(ctx context.Context, pr proto.PendingRequest) {
	pr.QueuedAt = time.Now()
	if s.audit != nil {
		s.audit.RecordRequest(pr.Request, pr.Peer, pr.ReceivedAt)
	}
	if s.policy.AutoApproveAllowed && s.policy.AllowsRequest(pr.Request) {
		s.startExecution(ctx, pr)
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, pr)
	queue := snapshotQueue(s.pending)
	s.mu.Unlock()
	s.broadcaster.Publish(proto.ServiceEvent{Kind: proto.EventQueueUpdated, Queue: queue})
}

func (s *Service) handleControlCommand(ctx context.Context, cmd proto.ControlCommand) {
	switch cmd.Kind {
	case proto.CommandApprove:
		s.approve(ctx, cmd.ID)
	case proto.CommandDeny:
		s.deny(cmd.ID)
	case proto.CommandCancel:
		s.cancel(cmd.ID)
	}
}

func (s *Service) approve(ctx context.Context, id string) {
	pr, ok := s.takePending(id)
	if !ok {
		s.log.WithField("id", id).Warn("approve: no such pending request")
		return
	}
	s.startExecution(ctx, pr)
}

func (s *Service) deny(id string) {
	pr, ok := s.takePending(id)
	if !ok {
		s.log.WithField("id", id).Warn("deny: no such pending request")
		return
	}
	reason := s.policy.DenyMessage(pr.Request)
	if reason == "" {
		reason = "denied by operator"
	}
	resp := proto.DeniedResponse(pr.Request.ID, reason)
	s.deliver(pr, resp, pr.QueuedAt)
	logger.GlobalAuditLogger().Denied(pr.Request.ID, reason)
}

func (s *Service) cancel(id string) {
	s.mu.Lock()
	entry, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		s.log.WithField("id", id).Info("cancel: no such running request (no-op)")
		return
	}
	entry.cancel()
}

func (s *Service) takePending(id string) (proto.PendingRequest, bool) {
	s.mu.Lock()
	var (
		pr    proto.PendingRequest
		found bool
		queue []proto.RequestSnapshot
	)
	for i, cand := range s.pending {
		if cand.Request.ID == id {
			pr, found = cand, true
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			queue = snapshotQueue(s.pending)
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return proto.PendingRequest{}, false
	}
	s.broadcaster.Publish(proto.ServiceEvent{Kind: proto.EventQueueUpdated, Queue: queue})
	return pr, true
}

func (s *Service) startExecution(ctx context.Context, pr proto.PendingRequest) {
	runCtx, cancel := context.WithCancel(ctx)
	started := time.Now()

	s.mu.Lock()
	s.running[pr.Request.ID] = &runningEntry{pending: pr, startedAt: started, cancel: cancel}
	running := snapshotRunning(s.running)
	s.mu.Unlock()
	s.broadcaster.Publish(proto.ServiceEvent{Kind: proto.EventRunningUpdated, Running: running})
	logger.GlobalAuditLogger().Approved(pr.Request.ID)

	go func() {
		resp := s.exec.Execute(runCtx, s.target, pr.Request, s.policy)
		s.results <- completion{id: pr.Request.ID, resp: resp, pending: pr, started: started}
	}()
}

func (s *Service) retire(c completion) {
	s.mu.Lock()
	delete(s.running, c.id)
	running := snapshotRunning(s.running)
	duration := time.Since(c.started).Milliseconds()
	result := proto.ResultSnapshot{
		ID:         c.id,
		Target:     s.name,
		RawCommand: c.pending.Request.RawCommand,
		Response:   c.resp,
		FinishedAt: time.Now(),
		DurationMS: duration,
	}
	s.history = append([]proto.ResultSnapshot{result}, s.history...)
	if len(s.history) > proto.MaxHistory {
		s.history = s.history[:proto.MaxHistory]
	}
	s.lastResult = &result
	s.mu.Unlock()

	s.broadcaster.Publish(proto.ServiceEvent{Kind: proto.EventRunningUpdated, Running: running})
	s.deliver(c.pending, c.resp, c.started)
	if s.audit != nil {
		s.audit.RecordResult(c.pending.Request, c.resp, duration)
	}
	auditTerminal(c.resp)
}

// deliver sends exactly one response frame for pr, then emits the
// ResultUpdated event that retires it from the public queue/running view.
func (s *Service) deliver(pr proto.PendingRequest, resp proto.CommandResponse, queuedAt time.Time) {
	select {
	case pr.Reply <- resp:
	default:
		s.log.WithField("id", pr.Request.ID).Warn("deliver: reply channel already closed or full")
	}
	result := proto.ResultSnapshot{
		ID:         pr.Request.ID,
		Target:     s.name,
		RawCommand: pr.Request.RawCommand,
		Response:   resp,
		FinishedAt: time.Now(),
		DurationMS: time.Since(queuedAt).Milliseconds(),
	}
	// A denied request never executes, so it has no running-set entry to
	// retire, but it still belongs in history per the deny-path ordering
	// rule (emit ResultUpdated on Deny).
	if resp.Status == proto.StatusDenied {
		s.mu.Lock()
		s.history = append([]proto.ResultSnapshot{result}, s.history...)
		if len(s.history) > proto.MaxHistory {
			s.history = s.history[:proto.MaxHistory]
		}
		s.lastResult = &result
		s.mu.Unlock()
	}
	s.broadcaster.Publish(proto.ServiceEvent{Kind: proto.EventResultUpdated, Result: &result})
}

func auditTerminal(resp proto.CommandResponse) {
	al := logger.GlobalAuditLogger()
	switch resp.Status {
	case proto.StatusCompleted:
		code := int32(0)
		if resp.ExitCode != nil {
			code = *resp.ExitCode
		}
		al.Completed(resp.ID, int(code), 0)
	case proto.StatusCancelled:
		al.Cancelled(resp.ID)
	case proto.StatusError:
		msg := ""
		if resp.Error != nil {
			msg = *resp.Error
		}
		al.Error(resp.ID, fmt.Errorf("%s", msg))
	}
}
