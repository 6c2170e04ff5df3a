// Package ingress implements the broker's command-receiving TCP listener:
// a length-prefixed JSON framing loop that turns CommandRequest frames into
// target-service submissions and writes back exactly one CommandResponse
// frame per request.
package ingress

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"sshconsole/internal/frame"
	"sshconsole/internal/logger"
	"sshconsole/internal/policy"
	"sshconsole/internal/proto"
)

// TargetResolver looks up the submission target for an inbound request and
// its effective deny-check policy.
type TargetResolver interface {
	// Submit hands a ServerEvent to the named target's service. Returns
	// false if the target name is unknown.
	Submit(ctx context.Context, target string, evt proto.ServerEvent) bool
	// Policy returns the deny-policy for the named target.
	Policy(target string) (policy.Policy, bool)
	// BroadcastConnectionEvent fans a connection open/close event out to
	// every managed target service (the ingress listener is shared; a
	// connection's eventual target is only known once it sends a request).
	BroadcastConnectionEvent(ctx context.Context, kind proto.ServerEventKind, peer string)
}

// AuditSink records the denied-at-ingress path, which never reaches the
// target service's own audit hook.
type AuditSink interface {
	RecordDenied(req proto.CommandRequest, reason string)
}

// Server is the length-prefixed command ingress listener.
type Server struct {
	resolver TargetResolver
	audit    AuditSink
	log      *logger.LogEntry
}

// New builds an ingress Server.
func New(resolver TargetResolver, audit AuditSink) *Server {
	return &Server{resolver: resolver, audit: audit, log: logger.Named("ingress")}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	s.notifyAll(ctx, proto.ServerEventConnectionOpened, peer)
	defer s.notifyAll(ctx, proto.ServerEventConnectionClosed, peer)

	for {
		var req proto.CommandRequest
		if err := frame.Read(conn, &req); err != nil {
			return
		}
		resp := s.handleRequest(ctx, req, peer)
		if err := frame.Write(conn, resp); err != nil {
			return
		}
	}
}

// notifyAll fans connection-lifecycle events to every known target. The
// broker keeps one ingress listener shared across targets, so the event
// is informational per-target connection accounting rather than per-target
// routing (routing happens per-request via CommandRequest.Target).
func (s *Server) notifyAll(ctx context.Context, kind proto.ServerEventKind, peer string) {
	s.resolver.BroadcastConnectionEvent(ctx, kind, peer)
}

func (s *Server) handleRequest(ctx context.Context, req proto.CommandRequest, peer string) proto.CommandResponse {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return proto.ErrorResponse(req.ID, "invalid request")
	}

	pol, ok := s.resolver.Policy(req.Target)
	if !ok {
		return proto.ErrorResponse(req.ID, "unknown target: "+req.Target)
	}
	if reason := pol.DenyMessage(req); reason != "" {
		if s.audit != nil {
			s.audit.RecordDenied(req, reason)
		}
		return proto.DeniedResponse(req.ID, reason)
	}

	pending := proto.PendingRequest{
		Request:    req,
		Peer:       peer,
		ReceivedAt: time.Now(),
		Reply:      make(chan proto.CommandResponse, 1),
	}
	if !s.resolver.Submit(ctx, req.Target, proto.ServerEvent{Kind: proto.ServerEventRequest, Pending: &pending}) {
		return proto.ErrorResponse(req.ID, "unknown target: "+req.Target)
	}

	select {
	case resp := <-pending.Reply:
		return resp
	case <-ctx.Done():
		return proto.ErrorResponse(req.ID, "broker shutting down")
	}
}
