// Package proto defines the wire and domain entities shared across the
// broker: CommandRequest/CommandResponse framed over the ingress channel,
// the snapshots published over the control plane, and target configuration.
package proto

import "time"

// Mode selects how a CommandRequest's command is interpreted.
type Mode string

const (
	ModeShell Mode = "shell"
	ModeArgv  Mode = "argv"
)

// Status is the terminal or in-flight state of a CommandResponse.
type Status string

const (
	StatusCompleted Status = "Completed"
	StatusDenied    Status = "Denied"
	StatusError     Status = "Error"
	StatusApproved  Status = "Approved"
	StatusCancelled Status = "Cancelled"
)

// Stage is one element of a pipeline: an argv command (no shell
// interpretation at this layer).
type Stage struct {
	Argv []string `json:"argv"`
}

// CommandRequest is immutable once constructed. ID is unique per process.
type CommandRequest struct {
	ID              string            `json:"id"`
	Client          string            `json:"client"`
	Target          string            `json:"target"`
	Intent          string            `json:"intent"`
	Mode            Mode              `json:"mode"`
	RawCommand      string            `json:"raw_command"`
	Pipeline        []Stage           `json:"pipeline"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	EnvOrder        []string          `json:"-"` // preserves insertion order of Env for escaping
	TimeoutMS       *uint64           `json:"timeout_ms,omitempty"`
	MaxOutputBytes  *uint64           `json:"max_output_bytes,omitempty"`
}

// Validate enforces the CommandRequest invariants from the data model:
// argv mode requires a non-empty pipeline, shell mode requires a non-empty
// (after trim) raw command.
func (r CommandRequest) Validate() error {
	switch r.Mode {
	case ModeArgv:
		if len(r.Pipeline) == 0 {
			return errEmptyPipeline
		}
	case ModeShell:
		if trimmed(r.RawCommand) == "" {
			return errEmptyRawCommand
		}
	default:
		return errUnknownMode
	}
	return nil
}

func trimmed(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// CommandResponse is the single reply frame for a CommandRequest.
type CommandResponse struct {
	ID       string  `json:"id"`
	Status   Status  `json:"status"`
	ExitCode *int32  `json:"exit_code,omitempty"`
	Stdout   *string `json:"stdout,omitempty"`
	Stderr   *string `json:"stderr,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// WithExitCode sets ExitCode and returns the response for chaining.
func (r CommandResponse) WithExitCode(code int32) CommandResponse {
	r.ExitCode = &code
	return r
}

// WithStdout sets Stdout and returns the response for chaining.
func (r CommandResponse) WithStdout(s string) CommandResponse {
	r.Stdout = &s
	return r
}

// WithStderr sets Stderr and returns the response for chaining.
func (r CommandResponse) WithStderr(s string) CommandResponse {
	r.Stderr = &s
	return r
}

// ErrorResponse builds an {id, status:Error, error} response.
func ErrorResponse(id, message string) CommandResponse {
	return CommandResponse{ID: id, Status: StatusError, Error: &message}
}

// DeniedResponse builds an {id, status:Denied, error} response.
func DeniedResponse(id, message string) CommandResponse {
	return CommandResponse{ID: id, Status: StatusDenied, Error: &message}
}

// PendingRequest is a CommandRequest awaiting operator disposition, owned
// exclusively by the target service once accepted from ingress.
type PendingRequest struct {
	Request    CommandRequest
	Peer       string
	ReceivedAt time.Time
	QueuedAt   time.Time
	Reply      chan CommandResponse // one-shot; buffered size 1
}

// RequestSnapshot is the serializable view of a PendingRequest published
// over the control plane.
type RequestSnapshot struct {
	ID         string    `json:"id"`
	Client     string    `json:"client"`
	Target     string    `json:"target"`
	Intent     string    `json:"intent"`
	RawCommand string    `json:"raw_command"`
	QueuedAt   time.Time `json:"queued_at"`
}

// RunningSnapshot is the serializable view of a command currently executing.
type RunningSnapshot struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	RawCommand string    `json:"raw_command"`
	StartedAt  time.Time `json:"started_at"`
}

// ResultSnapshot is the serializable view of a completed/denied/cancelled
// command retained in history.
type ResultSnapshot struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	RawCommand string    `json:"raw_command"`
	Response   CommandResponse `json:"response"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

// ServiceSnapshot is the full state snapshot sent on every control-plane
// subscribe, and on demand.
type ServiceSnapshot struct {
	Queue      []RequestSnapshot `json:"queue"`
	Running    []RunningSnapshot `json:"running"`
	History    []ResultSnapshot  `json:"history"`
	LastResult *ResultSnapshot   `json:"last_result,omitempty"`
}

// MaxHistory is the retention cap on ServiceSnapshot.History.
const MaxHistory = 50

// TargetStatus is the connectivity state of a target, driven by
// control-plane connect/disconnect, bootstrap outcome, and executor errors.
type TargetStatus string

const (
	TargetReady TargetStatus = "Ready"
	TargetDown  TargetStatus = "Down"
)

// TargetSpec is immutable target configuration.
type TargetSpec struct {
	Name              string   `toml:"name"`
	Desc              string   `toml:"desc"`
	SSH               string   `toml:"ssh,omitempty"`
	SSHArgs           []string `toml:"ssh_args,omitempty"`
	SSHPassword       string   `toml:"ssh_password,omitempty"`
	TTY               bool     `toml:"tty"`
	TerminalLocale    string   `toml:"terminal_locale,omitempty"`
	ControlRemoteAddr string   `toml:"control_remote_addr"`
	ControlLocalBind  string   `toml:"control_local_bind,omitempty"`
	ControlLocalPort  int      `toml:"control_local_port,omitempty"`
}

// ControlLocalAddr returns "bind:port" when both are known, else "".
func (t TargetSpec) ControlLocalAddr() string {
	if t.ControlLocalBind == "" || t.ControlLocalPort == 0 {
		return ""
	}
	return t.ControlLocalBind + ":" + itoa(t.ControlLocalPort)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ForwardPurpose names what a ForwardSpec is used for.
type ForwardPurpose string

const (
	ForwardControl ForwardPurpose = "Control"
)

// ForwardSpec identifies an SSH -L forward. Equality is by all five fields.
type ForwardSpec struct {
	Target     string
	Purpose    ForwardPurpose
	LocalBind  string
	LocalPort  int
	RemoteAddr string
}
