// Package policy implements the pure command-approval validator: deny-list,
// allow-list, and per-command argument regexes applied to a parsed
// CommandRequest pipeline.
package policy

import (
	"fmt"
	"path/filepath"
	"regexp"

	"sshconsole/internal/proto"
)

// Limits bounds timeout and captured output, overridable downward (never
// upward) by an individual CommandRequest.
type Limits struct {
	TimeoutSecs    uint64
	MaxOutputBytes uint64
}

// Policy is the parsed policy file: deny-list, allow-list, per-command
// argument regexes, resource limits, and the auto-approval switch.
type Policy struct {
	Allowed            map[string]struct{}
	Denied             map[string]struct{}
	ArgRules           map[string]*regexp.Regexp
	Limits             Limits
	AutoApproveAllowed bool
}

// New builds a Policy from plain slices/maps, compiling arg-rule patterns.
func New(allowed, denied []string, argRules map[string]string, limits Limits, autoApprove bool) (Policy, error) {
	p := Policy{
		Allowed:            toSet(allowed),
		Denied:             toSet(denied),
		ArgRules:           make(map[string]*regexp.Regexp, len(argRules)),
		Limits:             limits,
		AutoApproveAllowed: autoApprove,
	}
	for cmd, pattern := range argRules {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: arg_rules[%s]: %w", cmd, err)
		}
		p.ArgRules[cmd] = re
	}
	return p, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// resolve returns the literal argv[0] and, when it has no path separator,
// its basename form. An argv[0] containing "/" is used verbatim.
func resolve(cmd string) (literal string, basename string) {
	literal = cmd
	if filepath.Base(cmd) == cmd {
		return literal, cmd
	}
	return literal, ""
}

func commandNames(stage proto.Stage) (literal string, basename string, ok bool) {
	if len(stage.Argv) == 0 {
		return "", "", false
	}
	literal, basename = resolve(stage.Argv[0])
	return literal, basename, true
}

// ValidateDeny fails with "command denied: X" if stage's command (literal,
// or the basename of its path) is in the deny list.
func (p Policy) ValidateDeny(stage proto.Stage) error {
	literal, _, ok := commandNames(stage)
	if !ok {
		return errEmptyCommand
	}
	if _, denied := p.Denied[literal]; denied {
		return fmt.Errorf("command denied: %s", literal)
	}
	if base := filepath.Base(literal); base != literal {
		if _, denied := p.Denied[base]; denied {
			return fmt.Errorf("command denied: %s", base)
		}
	}
	return nil
}

// ValidateAllow requires stage's command (literal or basename) to appear in
// the allow list, and every subsequent argument to match the command's
// arg-rule regex when one is configured.
func (p Policy) ValidateAllow(stage proto.Stage) error {
	literal, basename, ok := commandNames(stage)
	if !ok {
		return errEmptyCommand
	}
	name := literal
	if _, allowed := p.Allowed[literal]; !allowed {
		if basename == "" {
			return fmt.Errorf("command not allowed: %s", literal)
		}
		if _, allowed := p.Allowed[basename]; !allowed {
			return fmt.Errorf("command not allowed: %s", basename)
		}
		name = basename
	}
	if re, ok := p.ArgRules[name]; ok {
		for _, arg := range stage.Argv[1:] {
			if !re.MatchString(arg) {
				return fmt.Errorf("argument %q does not match policy for %s", arg, name)
			}
		}
	}
	return nil
}

// AllowsRequest reports whether every stage of the request's pipeline
// passes ValidateAllow. A non-empty allow list and non-empty pipeline are
// required; an empty pipeline or empty allow list never auto-approves.
func (p Policy) AllowsRequest(req proto.CommandRequest) bool {
	if len(p.Allowed) == 0 || len(req.Pipeline) == 0 {
		return false
	}
	for _, stage := range req.Pipeline {
		if err := p.ValidateAllow(stage); err != nil {
			return false
		}
	}
	return true
}

// DenyMessage applies ValidateDeny to every stage of req's pipeline,
// returning the first violation as a "denied by policy: ..." message, or
// "" when no stage is denied.
func (p Policy) DenyMessage(req proto.CommandRequest) string {
	for _, stage := range req.Pipeline {
		if err := p.ValidateDeny(stage); err != nil {
			return fmt.Sprintf("denied by policy: %s", err)
		}
	}
	return ""
}

// EffectiveTimeoutMS returns min(request override, policy limit) in
// milliseconds.
func (p Policy) EffectiveTimeoutMS(req proto.CommandRequest) uint64 {
	limit := p.Limits.TimeoutSecs * 1000
	if req.TimeoutMS != nil && *req.TimeoutMS < limit {
		return *req.TimeoutMS
	}
	return limit
}

// EffectiveMaxOutputBytes returns min(request override, policy limit).
func (p Policy) EffectiveMaxOutputBytes(req proto.CommandRequest) uint64 {
	limit := p.Limits.MaxOutputBytes
	if req.MaxOutputBytes != nil && *req.MaxOutputBytes < limit {
		return *req.MaxOutputBytes
	}
	return limit
}
