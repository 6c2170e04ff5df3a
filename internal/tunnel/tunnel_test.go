package tunnel

import (
	"context"
	"testing"

	"sshconsole/internal/proto"
)

func TestNew_RejectsEmptyTargets(t *testing.T) {
	if _, err := New(t.TempDir(), nil); err == nil {
		t.Fatal("expected error for empty target list")
	}
}

func TestNew_RejectsDuplicateTargetName(t *testing.T) {
	targets := []TargetConfig{
		{Name: "a", SSH: "host1"},
		{Name: "a", SSH: "host2"},
	}
	if _, err := New(t.TempDir(), targets); err == nil {
		t.Fatal("expected error for duplicate target name")
	}
}

func TestNew_RejectsDuplicateLocalAddr(t *testing.T) {
	fw := proto.ForwardSpec{Target: "a", LocalBind: "127.0.0.1", LocalPort: 9000, RemoteAddr: "10.0.0.1:80"}
	targets := []TargetConfig{
		{Name: "a", SSH: "host1", AllowedForwards: []proto.ForwardSpec{fw}},
		{Name: "b", SSH: "host2", AllowedForwards: []proto.ForwardSpec{fw}},
	}
	if _, err := New(t.TempDir(), targets); err == nil {
		t.Fatal("expected error for duplicate local addr across targets")
	}
}

func TestControlPathFor_Deterministic(t *testing.T) {
	dir := t.TempDir()
	p1 := controlPathFor(dir, "target-a")
	p2 := controlPathFor(dir, "target-a")
	p3 := controlPathFor(dir, "target-b")
	if p1 != p2 {
		t.Fatalf("controlPathFor not deterministic: %q != %q", p1, p2)
	}
	if p1 == p3 {
		t.Fatalf("different target names collided: %q", p1)
	}
}

func TestEnsureForward_RejectsDisallowedForward(t *testing.T) {
	m, err := New(t.TempDir(), []TargetConfig{{Name: "a", SSH: "host1"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = m.EnsureForward(context.Background(), "client1", proto.ForwardSpec{Target: "a", LocalBind: "127.0.0.1", LocalPort: 9001, RemoteAddr: "10.0.0.1:80"})
	if err == nil {
		t.Fatal("expected error for forward not in allowed set")
	}
}

func TestEnsureForward_UnknownTarget(t *testing.T) {
	m, err := New(t.TempDir(), []TargetConfig{{Name: "a", SSH: "host1"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = m.EnsureForward(context.Background(), "client1", proto.ForwardSpec{Target: "missing"})
	if err == nil {
		t.Fatal("expected error for unknown target")
	}
}
