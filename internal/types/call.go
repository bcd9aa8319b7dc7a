package types

import "time"

// Direction of a call relative to this phone
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Classification is derived once from the invite headers
type Classification string

const (
	ClassClickToDial     Classification = "click-to-dial"
	ClassInternal        Classification = "internal"
	ClassFlow            Classification = "flow"
	ClassUnknown         Classification = "unknown"
	ClassRegularOutbound Classification = "regular-outbound"
)

// LifecycleState of a call session
type LifecycleState string

const (
	StateConnecting LifecycleState = "connecting"
	StateAccepted   LifecycleState = "accepted"
	StateConfirmed  LifecycleState = "confirmed"
	StateEnded      LifecycleState = "ended"
	StateFailed     LifecycleState = "failed"
)

// Terminal reports whether no further transitions are possible
func (s LifecycleState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Originator of a signaling event
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)

// CallEventKind enumerates the lifecycle and control events emitted by the engine
type CallEventKind string

const (
	CallRinging         CallEventKind = "ringing"
	CallConnecting      CallEventKind = "connecting"
	CallAccepted        CallEventKind = "accepted"
	CallConfirmed       CallEventKind = "confirmed"
	CallEnded           CallEventKind = "ended"
	CallFailed          CallEventKind = "failed"
	CallRejected        CallEventKind = "rejected"
	CallMuted           CallEventKind = "muted"
	CallUnmuted         CallEventKind = "unmuted"
	CallHeld            CallEventKind = "held"
	CallUnheld          CallEventKind = "unheld"
	CallDTMFSent        CallEventKind = "dtmf-sent"
	CallTransferred     CallEventKind = "transferred"
	CallTransferFailed  CallEventKind = "transfer-failed"
	CallOperationFailed CallEventKind = "operation-failed"
)

// CallSummary is a read-only view of the active session
type CallSummary struct {
	SessionID      string         `json:"sessionId"`
	Direction      Direction      `json:"direction"`
	Classification Classification `json:"classification"`
	RemoteParty    string         `json:"remoteParty"`
	InteractionID  string         `json:"interactionId,omitempty"`
	State          LifecycleState `json:"state"`
	Held           bool           `json:"held"`
	Muted          bool           `json:"muted"`
	StartedAt      time.Time      `json:"startedAt"`
	EndedAt        *time.Time     `json:"endedAt,omitempty"`
}

// CallEvent is emitted for every session state change or control outcome
type CallEvent struct {
	Kind        CallEventKind `json:"kind"`
	Call        CallSummary   `json:"call"`
	Termination *Termination  `json:"termination,omitempty"`
	Tone        string        `json:"tone,omitempty"`
	Target      string        `json:"target,omitempty"`
	Error       string        `json:"error,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
