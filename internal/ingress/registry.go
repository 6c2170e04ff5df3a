package ingress

import (
	"context"
	"sync"

	"sshconsole/internal/policy"
	"sshconsole/internal/proto"
)

// targetService is the subset of target.Service the ingress registry needs.
// *target.Service satisfies it; kept as an interface so tests can stub it.
type targetService interface {
	Submit(ctx context.Context, evt proto.ServerEvent) error
}

type registeredTarget struct {
	service targetService
	policy  policy.Policy
}

// Registry maps target names to their running service and deny policy, and
// implements TargetResolver for the ingress Server.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]registeredTarget
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]registeredTarget)}
}

// Register adds or replaces a target's service and policy.
func (r *Registry) Register(name string, service targetService, pol policy.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = registeredTarget{service: service, policy: pol}
}

// Submit implements TargetResolver.
func (r *Registry) Submit(ctx context.Context, target string, evt proto.ServerEvent) bool {
	r.mu.RLock()
	t, ok := r.targets[target]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return t.service.Submit(ctx, evt) == nil
}

// Policy implements TargetResolver.
func (r *Registry) Policy(target string) (policy.Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[target]
	if !ok {
		return policy.Policy{}, false
	}
	return t.policy, true
}

// BroadcastConnectionEvent implements TargetResolver.
func (r *Registry) BroadcastConnectionEvent(ctx context.Context, kind proto.ServerEventKind, peer string) {
	r.mu.RLock()
	services := make([]targetService, 0, len(r.targets))
	for _, t := range r.targets {
		services = append(services, t.service)
	}
	r.mu.RUnlock()
	for _, svc := range services {
		_ = svc.Submit(ctx, proto.ServerEvent{Kind: kind, PeerID: peer})
	}
}
