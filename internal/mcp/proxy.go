package mcp

import (
	"context"
	"io"

	"sshconsole/internal/rpc"
)

// Proxy is the full MCP stdio proxy: an rpc.Peer bound to the process's
// own stdin/stdout, serving run_command/list_targets against a Directory.
type Proxy struct {
	peer   *rpc.Peer
	server *Server
}

// NewProxy wires a Server to an rpc.Peer over in/out.
func NewProxy(in io.Reader, out io.Writer, server *Server) *Proxy {
	return &Proxy{peer: rpc.NewPeer(in, out, "mcp"), server: server}
}

// Run blocks serving MCP requests until the stdio stream closes or a read
// fails; see rpc.Peer.Serve for how ctx cancellation is handled.
func (p *Proxy) Run(ctx context.Context) error {
	return p.peer.Serve(ctx, p.server)
}
