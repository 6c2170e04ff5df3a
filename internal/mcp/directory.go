package mcp

import (
	"sync"
	"time"

	"sshconsole/internal/proto"
)

// TargetHealth is the connectivity state the directory tracks per
// target, updated from each run_command outcome.
type TargetHealth string

const (
	TargetHealthUnknown TargetHealth = "unknown"
	TargetHealthReady   TargetHealth = "ready"
	TargetHealthDown    TargetHealth = "down"
)

// TargetEntry is a configured target the proxy can route run_command
// calls to.
type TargetEntry struct {
	Name string
	Desc string
	SSH  string
}

type targetRuntime struct {
	entry     TargetEntry
	lastSeen  time.Time
	status    TargetHealth
	lastError string
}

// Directory tracks the set of targets the proxy knows about and their
// last-observed health, all routed through a single ingress address
// (the ingress dispatches by the request's Target field).
type Directory struct {
	mu            sync.Mutex
	ingressAddr   string
	order         []string
	targets       map[string]*targetRuntime
	defaultTarget string
}

// NewDirectory builds a Directory over entries, all reachable at
// ingressAddr. defaultTarget may be empty, in which case run_command
// calls must always specify a target explicitly.
func NewDirectory(ingressAddr string, entries []TargetEntry, defaultTarget string) *Directory {
	d := &Directory{
		ingressAddr:   ingressAddr,
		targets:       make(map[string]*targetRuntime, len(entries)),
		defaultTarget: defaultTarget,
	}
	for _, e := range entries {
		d.order = append(d.order, e.Name)
		d.targets[e.Name] = &targetRuntime{entry: e, status: TargetHealthUnknown}
	}
	return d
}

// Names returns configured target names in configuration order.
func (d *Directory) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// DefaultTarget returns the configured default, or "" if none.
func (d *Directory) DefaultTarget() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.defaultTarget
}

// Addr returns the ingress address for name, or false if name is unknown.
func (d *Directory) Addr(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.targets[name]; !ok {
		return "", false
	}
	return d.ingressAddr, true
}

// NoteSuccess marks target as reachable as of now.
func (d *Directory) NoteSuccess(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.targets[name]; ok {
		t.lastSeen = time.Now()
		t.status = TargetHealthReady
		t.lastError = ""
	}
}

// NoteFailure marks target as unreachable, recording the error.
func (d *Directory) NoteFailure(name, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.targets[name]; ok {
		t.status = TargetHealthDown
		t.lastError = errMsg
	}
}

// listTargetsEntry is the JSON shape returned by the list_targets tool.
type listTargetsEntry struct {
	Name      string       `json:"name"`
	Desc      string       `json:"desc"`
	SSH       string       `json:"ssh,omitempty"`
	Status    TargetHealth `json:"status"`
	LastSeen  *time.Time   `json:"last_seen,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// List returns every configured target's current snapshot.
func (d *Directory) List() []listTargetsEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]listTargetsEntry, 0, len(d.order))
	for _, name := range d.order {
		t := d.targets[name]
		e := listTargetsEntry{Name: t.entry.Name, Desc: t.entry.Desc, SSH: t.entry.SSH, Status: t.status, LastError: t.lastError}
		if !t.lastSeen.IsZero() {
			ls := t.lastSeen
			e.LastSeen = &ls
		}
		out = append(out, e)
	}
	return out
}

// noteOutcome updates health bookkeeping from a completed round trip,
// mirroring the original proxy's note_success/note_failure split on
// response status.
func (d *Directory) noteOutcome(target string, resp proto.CommandResponse) {
	switch resp.Status {
	case proto.StatusCompleted, proto.StatusDenied, proto.StatusApproved, proto.StatusCancelled:
		d.NoteSuccess(target)
	case proto.StatusError:
		msg := ""
		if resp.Error != nil {
			msg = *resp.Error
		}
		d.NoteFailure(target, msg)
	}
}
