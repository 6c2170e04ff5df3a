package policy

import (
	"testing"

	"sshconsole/internal/proto"
)

func stage(argv ...string) proto.Stage { return proto.Stage{Argv: argv} }

func TestValidateDeny(t *testing.T) {
	p, err := New(nil, []string{"rm"}, nil, Limits{}, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.ValidateDeny(stage("rm", "-rf", "/tmp/x")); err == nil {
		t.Fatal("expected deny error for rm")
	}
	if err := p.ValidateDeny(stage("echo", "hi")); err != nil {
		t.Fatalf("unexpected deny error: %v", err)
	}
	if err := p.ValidateDeny(stage("/bin/rm", "-rf", "/tmp/x")); err == nil {
		t.Fatal("expected deny error for basename match on /bin/rm")
	}
}

func TestValidateDeny_EmptyArgv(t *testing.T) {
	p, _ := New(nil, nil, nil, Limits{}, false)
	if err := p.ValidateDeny(stage()); err != errEmptyCommand {
		t.Fatalf("err = %v, want errEmptyCommand", err)
	}
}

func TestValidateAllow_ArgRules(t *testing.T) {
	p, err := New([]string{"git"}, nil, map[string]string{"git": `^(status|log)$`}, Limits{}, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.ValidateAllow(stage("git", "status")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.ValidateAllow(stage("git", "push")); err == nil {
		t.Fatal("expected arg-rule rejection for git push")
	}
	if err := p.ValidateAllow(stage("curl", "http://x")); err == nil {
		t.Fatal("expected rejection for command not on allow list")
	}
}

func TestAllowsRequest(t *testing.T) {
	p, _ := New([]string{"echo"}, nil, nil, Limits{}, true)

	allowed := proto.CommandRequest{Mode: proto.ModeArgv, Pipeline: []proto.Stage{stage("echo", "hi")}}
	if !p.AllowsRequest(allowed) {
		t.Fatal("expected request to be auto-approvable")
	}

	denied := proto.CommandRequest{Mode: proto.ModeArgv, Pipeline: []proto.Stage{stage("rm", "-rf", "/")}}
	if p.AllowsRequest(denied) {
		t.Fatal("expected request to require approval")
	}

	empty := proto.CommandRequest{Mode: proto.ModeArgv}
	if p.AllowsRequest(empty) {
		t.Fatal("empty pipeline must never auto-approve")
	}
}

func TestDenyMessage(t *testing.T) {
	p, _ := New(nil, []string{"rm"}, nil, Limits{}, false)
	req := proto.CommandRequest{Pipeline: []proto.Stage{stage("rm", "-rf", "/tmp/x")}}
	msg := p.DenyMessage(req)
	if msg != "denied by policy: command denied: rm" {
		t.Fatalf("DenyMessage() = %q", msg)
	}
	if got := p.DenyMessage(proto.CommandRequest{Pipeline: []proto.Stage{stage("echo", "hi")}}); got != "" {
		t.Fatalf("DenyMessage() = %q, want empty", got)
	}
}

func TestEffectiveLimits(t *testing.T) {
	p, _ := New(nil, nil, nil, Limits{TimeoutSecs: 30, MaxOutputBytes: 1000}, false)

	lowerTimeout := uint64(5000)
	req := proto.CommandRequest{TimeoutMS: &lowerTimeout}
	if got := p.EffectiveTimeoutMS(req); got != 5000 {
		t.Fatalf("EffectiveTimeoutMS() = %d, want 5000", got)
	}

	higherTimeout := uint64(60000)
	req2 := proto.CommandRequest{TimeoutMS: &higherTimeout}
	if got := p.EffectiveTimeoutMS(req2); got != 30000 {
		t.Fatalf("EffectiveTimeoutMS() = %d, want 30000 (policy cap)", got)
	}

	if got := p.EffectiveMaxOutputBytes(proto.CommandRequest{}); got != 1000 {
		t.Fatalf("EffectiveMaxOutputBytes() = %d, want 1000", got)
	}
}
