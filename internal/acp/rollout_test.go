package acp

import (
	"path/filepath"
	"testing"

	"sshconsole/internal/agent"
)

func TestRolloutWriterAndLoadHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout-20260101T000000-sess-abc.jsonl")
	w := newRolloutWriter(path)

	if err := w.Append("user_message", "sess-abc", "hello there"); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if err := w.Append("agent_message", "sess-abc", "hi yourself"); err != nil {
		t.Fatalf("append agent: %v", err)
	}

	history, err := loadRolloutHistory(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Role != agent.RoleUser || history[0].Content != "hello there" {
		t.Fatalf("history[0] = %+v", history[0])
	}
	if history[1].Role != agent.RoleAssistant || history[1].Content != "hi yourself" {
		t.Fatalf("history[1] = %+v", history[1])
	}
}

func TestFindRolloutPath(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "nested")
	if err := newRolloutWriter(filepath.Join(sub, "rollout-20260101T000000-sess-xyz.jsonl")).Append("user_message", "sess-xyz", "hi"); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	found, err := findRolloutPath(root, "sess-xyz")
	if err != nil {
		t.Fatalf("findRolloutPath: %v", err)
	}
	if filepath.Base(found) != "rollout-20260101T000000-sess-xyz.jsonl" {
		t.Fatalf("found = %s", found)
	}

	if _, err := findRolloutPath(root, "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestIsRolloutFile(t *testing.T) {
	cases := map[string]bool{
		"rollout-20260101T000000-abc.jsonl": true,
		"rollout-abc.txt":                   false,
		"notes.jsonl":                       false,
	}
	for name, want := range cases {
		if got := isRolloutFile(name); got != want {
			t.Errorf("isRolloutFile(%q) = %v, want %v", name, got, want)
		}
	}
}
