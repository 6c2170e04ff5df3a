package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"sshconsole/internal/policy"
	"sshconsole/internal/proto"
)

// PolicyFile is the on-disk shape of a target's command-approval policy,
// the `[targets.policy]` table of a broker config.toml.
type PolicyFile struct {
	Allowed        []string          `toml:"allowed"`
	Denied         []string          `toml:"denied"`
	ArgRules       map[string]string `toml:"arg_rules"`
	TimeoutSecs    uint64            `toml:"timeout_secs"`
	MaxOutputBytes uint64            `toml:"max_output_bytes"`
	AutoApprove    bool              `toml:"auto_approve"`
}

// Build compiles f into a policy.Policy, surfacing any invalid arg-rule
// regex with the offending command name.
func (f PolicyFile) Build() (policy.Policy, error) {
	return policy.New(f.Allowed, f.Denied, f.ArgRules, policy.Limits{
		TimeoutSecs:    f.TimeoutSecs,
		MaxOutputBytes: f.MaxOutputBytes,
	}, f.AutoApprove)
}

// TargetFile is one `[[targets]]` entry: proto.TargetSpec's connection
// fields plus the policy that governs commands submitted against it.
type TargetFile struct {
	proto.TargetSpec
	Policy PolicyFile `toml:"policy"`
}

// BrokerConfig is the broker binary's config.toml: the targets it fronts
// and, per target, the policy and SSH connection info for it.
type BrokerConfig struct {
	Targets []TargetFile `toml:"targets"`
}

// LoadBrokerConfig reads and validates a broker config.toml. Every target
// must carry a name, and at least one target must be configured.
func LoadBrokerConfig(path string) (BrokerConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg BrokerConfig
	if err := toml.Unmarshal(content, &cfg); err != nil {
		return BrokerConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Targets) == 0 {
		return BrokerConfig{}, fmt.Errorf("config: %s defines no targets", path)
	}
	seen := make(map[string]bool, len(cfg.Targets))
	for i, t := range cfg.Targets {
		if t.Name == "" {
			return BrokerConfig{}, fmt.Errorf("config: targets[%d] missing name", i)
		}
		if seen[t.Name] {
			return BrokerConfig{}, fmt.Errorf("config: duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
	}
	return cfg, nil
}
