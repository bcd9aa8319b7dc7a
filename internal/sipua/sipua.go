package sipua

import (
	"context"
	"time"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

// Handler receives user agent lifecycle events. Calls arrive on the
// agent's read goroutine and must not block.
type Handler interface {
	OnConnecting()
	OnConnected()
	OnDisconnected(err error)
	OnRegistered()
	OnUnregistered()
	OnRegistrationFailed(cause types.Cause)
	OnNewSession(s Session)
	// OnKeepalive fires for every CRLF pong received from the server
	OnKeepalive()
}

// SessionHandler receives one session's lifecycle events
type SessionHandler interface {
	OnAccepted()
	OnConfirmed()
	OnEnded(originator types.Originator, cause types.Cause)
	OnFailed(originator types.Originator, cause types.Cause)
}

// Session is one INVITE dialog
type Session interface {
	ID() string
	Direction() types.Direction
	RemoteIdentity() string
	// Header returns the first value of an inbound INVITE header
	Header(name string) (string, bool)
	SetHandler(h SessionHandler)
	Answer(ctx context.Context) error
	Terminate() error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	Mute() error
	Unmute() error
	SendDTMF(ctx context.Context, tone rune) error
	Refer(ctx context.Context, target string) error
}

// CallRequest describes an outbound INVITE
type CallRequest struct {
	// ID becomes the Call-ID of the dialog
	ID      string
	Target  string
	Headers map[string]string
}

// MediaSession is the local media leg negotiated through SDP
type MediaSession interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, offer string) (string, error)
	SetAnswer(answer string) error
	// HoldOffer returns a fresh offer with the audio direction set to
	// sendonly or sendrecv; SetAnswer applies it, DiscardOffer drops it
	HoldOffer(ctx context.Context, hold bool) (string, error)
	DiscardOffer()
	SetMuted(muted bool) error
	Close() error
}

// MediaFactory opens a media leg per session
type MediaFactory func() (MediaSession, error)

// Config of a user agent
type Config struct {
	WSURL           string
	Domain          string
	Username        string
	Password        string
	DisplayName     string
	UserAgent       string
	RegisterExpires time.Duration
	// ExtraHeaders are added to every REGISTER
	ExtraHeaders map[string]string
	Media        MediaFactory
	// RequestTimeout bounds each non-INVITE transaction
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = 600 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "monti-webphone"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 32 * time.Second
	}
	if c.DisplayName == "" {
		c.DisplayName = c.Username
	}
	return c
}
