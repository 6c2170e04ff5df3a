package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"sshconsole/internal/policy"
	"sshconsole/internal/proto"
)

func localRequest(id, raw string) proto.CommandRequest {
	return proto.CommandRequest{
		ID:         id,
		Mode:       proto.ModeShell,
		RawCommand: raw,
		Pipeline:   []proto.Stage{{Argv: strings.Fields(raw)}},
	}
}

func TestExecute_HappyPath(t *testing.T) {
	pol, _ := policy.New(nil, []string{"rm"}, nil, policy.Limits{TimeoutSecs: 5, MaxOutputBytes: 4096}, false)
	e := New()
	resp := e.Execute(context.Background(), proto.TargetSpec{}, localRequest("r1", "echo hi"), pol)

	if resp.Status != proto.StatusCompleted {
		t.Fatalf("status = %v, want Completed (resp=%+v)", resp.Status, resp)
	}
	if resp.ExitCode == nil || *resp.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", resp.ExitCode)
	}
	if resp.Stdout == nil || strings.TrimSpace(*resp.Stdout) != "hi" {
		t.Fatalf("stdout = %v, want hi", resp.Stdout)
	}
}

func TestExecute_DeniedByPolicy(t *testing.T) {
	pol, _ := policy.New(nil, []string{"rm"}, nil, policy.Limits{TimeoutSecs: 5, MaxOutputBytes: 4096}, false)
	e := New()
	req := localRequest("r2", "rm -rf /tmp/x")
	resp := e.Execute(context.Background(), proto.TargetSpec{}, req, pol)

	if resp.Status != proto.StatusDenied {
		t.Fatalf("status = %v, want Denied", resp.Status)
	}
}

func TestExecute_EmptyRawCommand(t *testing.T) {
	pol, _ := policy.New(nil, nil, nil, policy.Limits{TimeoutSecs: 5, MaxOutputBytes: 4096}, false)
	e := New()
	req := proto.CommandRequest{ID: "r3", Mode: proto.ModeShell, RawCommand: "   "}
	resp := e.Execute(context.Background(), proto.TargetSpec{}, req, pol)

	if resp.Status != proto.StatusError {
		t.Fatalf("status = %v, want Error", resp.Status)
	}
}

func TestExecute_Timeout(t *testing.T) {
	pol, _ := policy.New(nil, nil, nil, policy.Limits{TimeoutSecs: 1, MaxOutputBytes: 4096}, false)
	e := New()
	req := localRequest("r4", "sleep 5")
	start := time.Now()
	resp := e.Execute(context.Background(), proto.TargetSpec{}, req, pol)

	if resp.Status != proto.StatusError || resp.Error == nil || *resp.Error != "command timed out" {
		t.Fatalf("resp = %+v, want Error(command timed out)", resp)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout took too long: %v", time.Since(start))
	}
}

func TestExecute_Cancel(t *testing.T) {
	pol, _ := policy.New(nil, nil, nil, policy.Limits{TimeoutSecs: 60, MaxOutputBytes: 4096}, false)
	e := New()
	req := localRequest("r5", "sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan proto.CommandResponse, 1)
	go func() {
		done <- e.Execute(ctx, proto.TargetSpec{}, req, pol)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case resp := <-done:
		if resp.Status != proto.StatusCancelled {
			t.Fatalf("status = %v, want Cancelled", resp.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not complete within grace window")
	}
}

func TestExecute_OutputTruncation(t *testing.T) {
	pol, _ := policy.New(nil, nil, nil, policy.Limits{TimeoutSecs: 5, MaxOutputBytes: 16}, false)
	e := New()
	req := localRequest("r6", "printf 'abcdefghijklmnopqrst'")
	resp := e.Execute(context.Background(), proto.TargetSpec{}, req, pol)

	if resp.Stdout == nil {
		t.Fatal("expected stdout to be set")
	}
	if !strings.HasPrefix(*resp.Stdout, "abcdefghijklmnop") {
		t.Fatalf("stdout = %q, want prefix abcdefghijklmnop", *resp.Stdout)
	}
	if !strings.HasSuffix(*resp.Stdout, truncationMarker) {
		t.Fatalf("stdout = %q, want suffix %q", *resp.Stdout, truncationMarker)
	}
}
