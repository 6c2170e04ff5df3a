// Package rpc implements a JSON-RPC 2.0 peer over a pair of byte
// streams (typically a subprocess's stdin/stdout), shared by the MCP
// proxy and the ACP agent bridge. A single Peer can act as both a
// server (answering inbound requests) and a client (issuing outbound
// requests the other side must answer), since both MCP and ACP are
// bidirectional protocols.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"sshconsole/internal/logger"
)

// Handler answers inbound requests and notifications. Implementations
// return (result, nil) for success, or a non-nil *Error for a JSON-RPC
// error response; returning a non-*Error error is treated as an
// internal error (code -32603).
type Handler interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type pendingCall struct {
	result chan Message
}

// Peer is a JSON-RPC peer bound to an input and output stream. Serve
// must be running for inbound requests to be dispatched and for
// outbound Call responses to be matched.
type Peer struct {
	reader *frameReader
	w      io.Writer
	writeMu sync.Mutex

	nextID int64

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
	closeErr error

	log *logger.LogEntry
}

// NewPeer builds a Peer reading frames from r and writing frames to w.
func NewPeer(r io.Reader, w io.Writer, name string) *Peer {
	return &Peer{
		reader:  newFrameReader(r),
		w:       w,
		pending: make(map[string]*pendingCall),
		log:     logger.Named("rpc").WithField("peer", name),
	}
}

// Serve reads frames until the stream is exhausted or a fatal frame error
// occurs, dispatching requests/notifications to handler and routing
// responses to outstanding Call invocations. Cancelling ctx marks the
// peer closed and releases outstanding Calls, but Serve itself returns
// only once the pending read returns. It always returns a non-nil error
// (io.EOF on a clean remote close).
func (p *Peer) Serve(ctx context.Context, handler Handler) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.shutdown(ctx.Err())
		case <-done:
		}
	}()
	defer close(done)

	for {
		raw, err := p.reader.ReadFrame()
		if err != nil {
			p.shutdown(err)
			return err
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.log.Warn("discarding malformed frame: " + err.Error())
			continue
		}
		p.dispatch(ctx, handler, msg)
	}
}

func (p *Peer) dispatch(ctx context.Context, handler Handler, msg Message) {
	switch {
	case msg.isResponse():
		p.resolve(msg)
	case msg.isRequest():
		go p.serveRequest(ctx, handler, msg)
	case msg.isNotification():
		if handler != nil {
			handler.HandleNotification(ctx, msg.Method, msg.Params)
		}
	}
}

func (p *Peer) serveRequest(ctx context.Context, handler Handler, msg Message) {
	if handler == nil {
		p.sendError(msg.ID, CodeMethodNotFound, "no handler registered", nil)
		return
	}
	result, err := handler.HandleRequest(ctx, msg.Method, msg.Params)
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			p.sendError(msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			return
		}
		p.sendError(msg.ID, CodeInternalError, err.Error(), nil)
		return
	}
	if err := p.sendResult(msg.ID, result); err != nil {
		p.log.Warn("write response: " + err.Error())
	}
}

// Call issues an outbound request and blocks until a matching response
// arrives, ctx is cancelled, or the peer shuts down.
func (p *Peer) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := fmt.Sprintf("%d", atomic.AddInt64(&p.nextID, 1))
	paramsRaw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{result: make(chan Message, 1)}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.closeErr
	}
	p.pending[id] = call
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	idRaw, _ := json.Marshal(id)
	if err := p.writeMessage(Message{JSONRPC: "2.0", ID: idRaw, Method: method, Params: paramsRaw}); err != nil {
		return nil, err
	}

	select {
	case resp := <-call.result:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a one-way notification; there is no response to wait for.
func (p *Peer) Notify(method string, params any) error {
	paramsRaw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return p.writeMessage(Message{JSONRPC: "2.0", Method: method, Params: paramsRaw})
}

func (p *Peer) sendResult(id json.RawMessage, result any) error {
	resultRaw, err := marshalParams(result)
	if err != nil {
		return err
	}
	return p.writeMessage(Message{JSONRPC: "2.0", ID: id, Result: resultRaw})
}

func (p *Peer) sendError(id json.RawMessage, code int, message string, data json.RawMessage) error {
	return p.writeMessage(Message{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message, Data: data}})
}

func (p *Peer) writeMessage(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeJSONL(p.w, body)
}

func (p *Peer) resolve(msg Message) {
	id := string(bytesTrimQuotes(msg.ID))
	p.mu.Lock()
	call, ok := p.pending[id]
	p.mu.Unlock()
	if !ok {
		p.log.Warn("response for unknown id " + id)
		return
	}
	select {
	case call.result <- msg:
	default:
	}
}

// shutdown marks the peer closed and releases every outstanding Call
// with err.
func (p *Peer) shutdown(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = err
	pending := p.pending
	p.pending = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, call := range pending {
		select {
		case call.result <- Message{Error: &Error{Code: CodeInternalError, Message: err.Error()}}:
		default:
		}
	}
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func bytesTrimQuotes(raw json.RawMessage) []byte {
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		return raw[1 : len(raw)-1]
	}
	return raw
}
