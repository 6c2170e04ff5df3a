// Package controlplane implements the broker's operator-facing TCP
// control channel: subscribe for a live ServiceSnapshot followed by a
// sequenced stream of ServiceEvents, and forward ControlCommands from the
// peer back into the target service.
package controlplane

import (
	"context"
	"net"
	"sync"

	"sshconsole/internal/frame"
	"sshconsole/internal/logger"
	"sshconsole/internal/proto"
)

// Service is the subset of target.Service the control plane drives.
type Service interface {
	Subscribe() (<-chan proto.ServiceEvent, int)
	Unsubscribe(token int)
	Snapshot() proto.ServiceSnapshot
	Control(ctx context.Context, cmd proto.ControlCommand) error
}

// Envelope is the wire frame sent to a control-plane subscriber: either a
// full snapshot (seq 0, sent once per connection) or a sequenced delta
// event thereafter.
type Envelope struct {
	Seq      uint64                `json:"seq"`
	Snapshot *proto.ServiceSnapshot `json:"snapshot,omitempty"`
	Event    *proto.ServiceEvent    `json:"event,omitempty"`
}

// Server is the control-plane TCP listener for one target.
type Server struct {
	target string
	svc    Service
	log    *logger.LogEntry
}

// New builds a control-plane Server for one target's Service.
func New(target string, svc Service) *Server {
	return &Server{target: target, svc: svc, log: logger.Named("controlplane").WithField("target", target)}
}

// Serve accepts connections on ln until ctx is cancelled.
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
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, token := s.svc.Subscribe()
	defer s.svc.Unsubscribe(token)

	var seq uint64
	snap := s.svc.Snapshot()
	if err := frame.Write(conn, Envelope{Seq: seq, Snapshot: &snap}); err != nil {
		return
	}
	seq++

	go s.readCommands(connCtx, conn)

	for {
		select {
		case <-connCtx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := frame.Write(conn, Envelope{Seq: seq, Event: &evt}); err != nil {
				return
			}
			seq++
		}
	}
}

func (s *Server) readCommands(ctx context.Context, conn net.Conn) {
	for {
		var cmd proto.ControlCommand
		if err := frame.Read(conn, &cmd); err != nil {
			return
		}
		if err := s.svc.Control(ctx, cmd); err != nil {
			s.log.WithField("id", cmd.ID).Warn("control command dropped: " + err.Error())
		}
	}
}
