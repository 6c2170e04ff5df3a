package mcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"sshconsole/internal/frame"
	"sshconsole/internal/proto"
)

const (
	connectRetries    = 3
	connectRetryDelay = 200 * time.Millisecond
)

// sendRequest dials ingressAddr, writes one frame carrying req, reads
// back exactly one CommandResponse frame, and closes the connection.
// Connection attempts are retried up to connectRetries times, mirroring
// the proxy's tolerance for a broker that is still coming up.
func sendRequest(ctx context.Context, ingressAddr string, req proto.CommandRequest) (proto.CommandResponse, error) {
	var dialer net.Dialer
	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", ingressAddr)
		if err != nil {
			lastErr = err
			if attempt < connectRetries-1 {
				select {
				case <-time.After(connectRetryDelay):
				case <-ctx.Done():
					return proto.CommandResponse{}, ctx.Err()
				}
			}
			continue
		}
		resp, err := roundTrip(conn, req)
		conn.Close()
		if err != nil {
			return proto.CommandResponse{}, err
		}
		return resp, nil
	}
	return proto.CommandResponse{}, fmt.Errorf("connect to %s: %w", ingressAddr, lastErr)
}

func roundTrip(conn net.Conn, req proto.CommandRequest) (proto.CommandResponse, error) {
	if err := frame.Write(conn, req); err != nil {
		return proto.CommandResponse{}, fmt.Errorf("write request: %w", err)
	}
	var resp proto.CommandResponse
	if err := frame.Read(conn, &resp); err != nil {
		return proto.CommandResponse{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}
