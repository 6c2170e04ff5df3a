package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFile_UsesEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_BASE_URL", "https://env.example.test")
	t.Setenv("ANTHROPIC_AUTH_TOKEN", "env-token")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != path {
		t.Fatalf("cfg.Source = %q, want %q", cfg.Source, path)
	}
	if cfg.URL != "https://env.example.test" {
		t.Fatalf("cfg.URL = %q, want env value", cfg.URL)
	}
	if cfg.Token != "env-token" {
		t.Fatalf("cfg.Token = %q, want env value", cfg.Token)
	}
}

func TestLoad_FromTOML(t *testing.T) {
	t.Setenv("ANTHROPIC_BASE_URL", "")
	t.Setenv("ANTHROPIC_AUTH_TOKEN", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`
url = "https://example.test"
token = "test-token"
`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.URL != "https://example.test" {
		t.Fatalf("cfg.URL = %q, want %q", cfg.URL, "https://example.test")
	}
	if cfg.Token != "test-token" {
		t.Fatalf("cfg.Token = %q, want %q", cfg.Token, "test-token")
	}
}

func TestLoadBrokerConfig_MissingFile(t *testing.T) {
	if _, err := LoadBrokerConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadBrokerConfig_NoTargets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(``), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadBrokerConfig(path); err == nil {
		t.Fatal("expected error for config with no targets")
	}
}

func TestLoadBrokerConfig_DuplicateTargetName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	doc := `
[[targets]]
name = "db1"

[[targets]]
name = "db1"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadBrokerConfig(path); err == nil {
		t.Fatal("expected error for duplicate target name")
	}
}

func TestLoadBrokerConfig_ParsesTargetsAndPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	doc := `
[[targets]]
name = "db1"
desc = "primary database host"
ssh = "ops@db1.internal"
ssh_args = ["-p", "2222"]
control_remote_addr = "127.0.0.1:9001"
control_local_bind = "127.0.0.1"
control_local_port = 9001

[targets.policy]
allowed = ["ls", "cat"]
denied = ["rm"]
timeout_secs = 30
max_output_bytes = 1048576
auto_approve = false

[targets.policy.arg_rules]
cat = "^[\\w./-]+$"

[[targets]]
name = "local"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadBrokerConfig(path)
	if err != nil {
		t.Fatalf("LoadBrokerConfig: %v", err)
	}
	if len(cfg.Targets) != 2 {
		t.Fatalf("len(cfg.Targets) = %d, want 2", len(cfg.Targets))
	}

	db1 := cfg.Targets[0]
	if db1.Name != "db1" || db1.SSH != "ops@db1.internal" {
		t.Fatalf("db1 = %#v", db1.TargetSpec)
	}
	if db1.ControlLocalAddr() != "127.0.0.1:9001" {
		t.Fatalf("db1.ControlLocalAddr() = %q", db1.ControlLocalAddr())
	}
	if len(db1.Policy.Allowed) != 2 || db1.Policy.Denied[0] != "rm" {
		t.Fatalf("db1.Policy = %#v", db1.Policy)
	}

	pol, err := db1.Policy.Build()
	if err != nil {
		t.Fatalf("Policy.Build: %v", err)
	}
	if len(pol.Allowed) != 2 {
		t.Fatalf("pol.Allowed = %#v", pol.Allowed)
	}

	local := cfg.Targets[1]
	if local.Name != "local" || local.SSH != "" {
		t.Fatalf("local = %#v", local.TargetSpec)
	}
}

func TestPolicyFile_Build_InvalidArgRule(t *testing.T) {
	f := PolicyFile{ArgRules: map[string]string{"cat": "("}}
	if _, err := f.Build(); err == nil {
		t.Fatal("expected error for invalid arg_rules regex")
	}
}
