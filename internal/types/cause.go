package types

// Cause is the signaling-level reason a session or registration ended
type Cause string

// Generic causes
const (
	CauseConnectionError Cause = "Connection Error"
	CauseRequestTimeout  Cause = "Request Timeout"
	CauseSIPFailureCode  Cause = "SIP Failure Code"
	CauseInternalError   Cause = "Internal Error"
)

// SIP error causes
const (
	CauseBusy                Cause = "Busy"
	CauseRejected            Cause = "Rejected"
	CauseRedirected          Cause = "Redirected"
	CauseUnavailable         Cause = "Unavailable"
	CauseNotFound            Cause = "Not Found"
	CauseAddressIncomplete   Cause = "Address Incomplete"
	CauseIncompatibleSDP     Cause = "Incompatible SDP"
	CauseMissingSDP          Cause = "Missing SDP"
	CauseAuthenticationError Cause = "Authentication Error"
)

// Session causes
const (
	CauseBye                   Cause = "Terminated"
	CauseWebRTCError           Cause = "WebRTC Error"
	CauseCanceled              Cause = "Canceled"
	CauseNoAnswer              Cause = "No Answer"
	CauseExpires               Cause = "Expires"
	CauseNoACK                 Cause = "No ACK"
	CauseDialogError           Cause = "Dialog Error"
	CauseUserDeniedMediaAccess Cause = "User Denied Media Access"
	CauseBadMediaDescription   Cause = "Bad Media Description"
	CauseRTPTimeout            Cause = "RTP Timeout"
)

// CauseCategory groups causes for display
type CauseCategory string

const (
	CategoryGeneric CauseCategory = "generic-error"
	CategorySIP     CauseCategory = "sip-error"
	CategorySession CauseCategory = "session-error"
)

// Termination describes why a session reached a terminal state
type Termination struct {
	Cause      Cause         `json:"cause"`
	Category   CauseCategory `json:"category,omitempty"`
	Title      string        `json:"title"`
	Originator Originator    `json:"originator,omitempty"`
}
