package types

// Channel names a reconnecting channel
type Channel string

const (
	ChannelFeed      Channel = "feed"
	ChannelSignaling Channel = "signaling"
)

// ConnectivityEvent is one input to the reconciliation store
type ConnectivityEvent int

const (
	IdentityReady ConnectivityEvent = iota
	IdentityCleared
	DeviceProfileReady
	DeviceProfileFailed
	FeedConnected
	FeedDisconnected
	FeedClosed
	SignalingConnecting
	SignalingConnected
	SignalingDisconnected
	SignalingRegistered
	SignalingUnregistered
	SignalingRegistrationFailed
	SignalingFailed
	SignalingStopped
)

var connectivityEventNames = map[ConnectivityEvent]string{
	IdentityReady:               "identity-ready",
	IdentityCleared:             "identity-cleared",
	DeviceProfileReady:          "device-profile-ready",
	DeviceProfileFailed:         "device-profile-failed",
	FeedConnected:               "feed-connected",
	FeedDisconnected:            "feed-disconnected",
	FeedClosed:                  "feed-closed",
	SignalingConnecting:         "signaling-connecting",
	SignalingConnected:          "signaling-connected",
	SignalingDisconnected:       "signaling-disconnected",
	SignalingRegistered:         "signaling-registered",
	SignalingUnregistered:       "signaling-unregistered",
	SignalingRegistrationFailed: "signaling-registration-failed",
	SignalingFailed:             "signaling-failed",
	SignalingStopped:            "signaling-stopped",
}

func (e ConnectivityEvent) String() string {
	if name, ok := connectivityEventNames[e]; ok {
		return name
	}
	return "unknown"
}

// ConnectivitySnapshot is the store's externally visible state
type ConnectivitySnapshot struct {
	HasIdentity         bool   `json:"hasIdentity"`
	HasDeviceProfile    bool   `json:"hasDeviceProfile"`
	FeedConnected       bool   `json:"feedConnected"`
	SignalingConnected  bool   `json:"signalingConnected"`
	SignalingRegistered bool   `json:"signalingRegistered"`
	PartiallyOnline     bool   `json:"partiallyOnline"`
	FullyOnline         bool   `json:"fullyOnline"`
	ConnectionStopped   bool   `json:"connectionStopped"`
	StopReason          string `json:"stopReason,omitempty"`
	FeedFailures        int    `json:"feedFailures"`
	SignalingFailures   int    `json:"signalingFailures"`
}
