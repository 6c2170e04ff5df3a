package proto

// ServiceEventKind discriminates ServiceEvent variants.
type ServiceEventKind string

const (
	EventQueueUpdated      ServiceEventKind = "QueueUpdated"
	EventRunningUpdated    ServiceEventKind = "RunningUpdated"
	EventResultUpdated     ServiceEventKind = "ResultUpdated"
	EventConnectionsChange ServiceEventKind = "ConnectionsChanged"
)

// ServiceEvent is broadcast by the target service to control-plane
// subscribers. Exactly one of the payload fields is set, matching Kind.
type ServiceEvent struct {
	Kind    ServiceEventKind  `json:"kind"`
	Queue   []RequestSnapshot `json:"queue,omitempty"`
	Running []RunningSnapshot `json:"running,omitempty"`
	Result  *ResultSnapshot   `json:"result,omitempty"`
}

// ControlCommandKind discriminates ControlCommand variants.
type ControlCommandKind string

const (
	CommandApprove ControlCommandKind = "Approve"
	CommandDeny    ControlCommandKind = "Deny"
	CommandCancel  ControlCommandKind = "Cancel"
)

// ControlCommand is sent by a UI client into the target service.
type ControlCommand struct {
	Kind ControlCommandKind `json:"kind"`
	ID   string             `json:"id"`
}

// ServerEventKind discriminates ServerEvent variants fed from ingress into
// the target service.
type ServerEventKind string

const (
	ServerEventRequest           ServerEventKind = "Request"
	ServerEventConnectionOpened  ServerEventKind = "ConnectionOpened"
	ServerEventConnectionClosed  ServerEventKind = "ConnectionClosed"
)

// ServerEvent is the ingress -> target-service inbound message.
type ServerEvent struct {
	Kind    ServerEventKind
	Pending *PendingRequest // set iff Kind == ServerEventRequest
	PeerID  string          // set iff Kind is a connection event
}
