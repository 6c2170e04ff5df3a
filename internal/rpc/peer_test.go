package rpc

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type echoHandler struct {
	mu   sync.Mutex
	seen []string
}

func (h *echoHandler) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if method == "fail" {
		return nil, &Error{Code: CodeInvalidParams, Message: "bad params"}
	}
	return map[string]string{"echo": method}, nil
}

func (h *echoHandler) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, method)
}

func TestFrameReader_JSONL(t *testing.T) {
	in := strings.NewReader("{\"a\":1}\n{\"a\":2}\n")
	fr := newFrameReader(in)
	f1, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	if string(f1) != `{"a":1}` {
		t.Fatalf("frame 1 = %q", f1)
	}
	f2, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if string(f2) != `{"a":2}` {
		t.Fatalf("frame 2 = %q", f2)
	}
}

func TestFrameReader_ContentLength(t *testing.T) {
	body := `{"a":1}`
	in := strings.NewReader("Content-Length: " + itoa(len(body)) + "\r\n\r\n" + body)
	fr := newFrameReader(in)
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(f) != body {
		t.Fatalf("frame = %q, want %q", f, body)
	}
}

func TestFrameReader_MixedStream(t *testing.T) {
	body := `{"b":2}`
	in := strings.NewReader("{\"a\":1}\nContent-Length: " + itoa(len(body)) + "\r\n\r\n" + body + "\n{\"c\":3}\n")
	fr := newFrameReader(in)
	var got []string
	for i := 0; i < 3; i++ {
		f, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		got = append(got, string(f))
	}
	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func itoa(n int) string {
	return string(rune('0'+n/100%10)) + string(rune('0'+n/10%10)) + string(rune('0'+n%10))
}

// TestPeer_RequestResponse wires a client Peer writing directly into a
// server Peer's input (and vice versa) over in-memory pipes, and
// exercises a full Call round trip plus a fire-and-forget Notify.
func TestPeer_RequestResponse(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	server := NewPeer(serverIn, serverOut, "server")
	client := NewPeer(clientIn, clientOut, "client")

	handler := &echoHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Serve(ctx, handler)
	go client.Serve(ctx, nil)

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	raw, err := client.Call(callCtx, "ping", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var result struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Echo != "ping" {
		t.Fatalf("echo = %q, want %q", result.Echo, "ping")
	}

	if err := client.Notify("note", map[string]string{"x": "y"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.seen)
		handler.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.seen) != 1 || handler.seen[0] != "note" {
		t.Fatalf("notifications seen = %v", handler.seen)
	}
}

func TestPeer_CallSurfacesRPCError(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	server := NewPeer(serverIn, serverOut, "server")
	client := NewPeer(clientIn, clientOut, "client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, &echoHandler{})
	go client.Serve(ctx, nil)

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	_, err := client.Call(callCtx, "fail", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if rpcErr.Code != CodeInvalidParams {
		t.Fatalf("code = %d, want %d", rpcErr.Code, CodeInvalidParams)
	}
}

func TestPeer_CallTimesOutWhenUnanswered(t *testing.T) {
	clientIn, _ := io.Pipe()
	clientOutR, clientOut := io.Pipe()
	go io.Copy(io.Discard, clientOutR)
	client := NewPeer(clientIn, clientOut, "client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Serve(ctx, nil)

	callCtx, callCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer callCancel()
	_, err := client.Call(callCtx, "never-answered", nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
