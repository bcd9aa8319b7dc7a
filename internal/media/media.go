// Package media negotiates the audio leg of a call with pion/webrtc.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/webphone/internal/sipua"
)

const (
	defaultSTUN      = "stun:stun.l.google.com:19302"
	frameDuration    = 20 * time.Millisecond
	defaultGathering = 5 * time.Second
)

// opusSilence is a single 20ms Opus frame of digital silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var ErrClosed = errors.New("media session closed")

// Config of the peer connections opened by a Factory
type Config struct {
	// ICEServers are STUN/TURN URLs; empty means the public Google STUN server
	ICEServers []string
	// GatherTimeout bounds ICE candidate gathering per description
	GatherTimeout time.Duration
	// HostOnly disables server reflexive candidates, for tests and LAN setups
	HostOnly bool
}

// Factory opens one audio peer connection per call
type Factory struct {
	api    *webrtc.API
	cfg    Config
	logger zerolog.Logger
}

// NewFactory prepares the codec and interceptor setup shared by all sessions
func NewFactory(cfg Config, logger zerolog.Logger) (*Factory, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGathering
	}
	if len(cfg.ICEServers) == 0 && !cfg.HostOnly {
		cfg.ICEServers = []string{defaultSTUN}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register pcmu: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		cfg:    cfg,
		logger: logger.With().Str("component", "media").Logger(),
	}, nil
}

// Open satisfies sipua.MediaFactory
func (f *Factory) Open() (sipua.MediaSession, error) {
	return f.NewSession()
}

// NewSession creates a peer connection with one sendrecv audio track
func (f *Factory) NewSession() (*Session, error) {
	var servers []webrtc.ICEServer
	if len(f.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: f.cfg.ICEServers}}
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "webphone",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("new audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	s := &Session{
		pc:      pc,
		track:   track,
		sender:  sender,
		gather:  f.cfg.GatherTimeout,
		logger:  f.logger,
		stopped: make(chan struct{}),
	}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.logger.Debug().Str("ice_state", state.String()).Msg("ice connection state changed")
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info().Str("codec", remote.Codec().MimeType).Msg("remote audio started")
		go drain(remote)
	})

	go s.pumpRTCP()
	go s.pumpSilence()
	return s, nil
}

// Session is the audio leg of one call
type Session struct {
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	gather time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	muted   bool
	closed  bool
	pending *webrtc.SessionDescription
	stopped chan struct{}
}

func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	s.setPending(nil)
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return s.setLocal(ctx, offer)
}

func (s *Session) CreateAnswer(ctx context.Context, offer string) (string, error) {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if dir, err := Direction(offer); err == nil && dir != "sendrecv" {
		if answer.SDP, err = setDirection(answer.SDP, answerDirection[dir]); err != nil {
			return "", err
		}
	}
	return s.setLocal(ctx, answer)
}

// SetAnswer applies the remote answer to the last offer. A pending hold
// offer becomes the local description only now, so a rejected
// renegotiation leaves the connection stable.
func (s *Session) SetAnswer(answer string) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		if err := s.pc.SetLocalDescription(*pending); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
	}
	if s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("set remote answer: no local offer pending (%s)", s.pc.SignalingState())
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// HoldOffer returns an offer with every audio section marked sendonly on
// hold and sendrecv otherwise. It is applied locally by SetAnswer.
func (s *Session) HoldOffer(ctx context.Context, hold bool) (string, error) {
	if s.pc.SignalingState() != webrtc.SignalingStateStable {
		return "", fmt.Errorf("hold offer: negotiation in progress (%s)", s.pc.SignalingState())
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	direction := "sendrecv"
	if hold {
		direction = "sendonly"
	}
	if offer.SDP, err = setDirection(offer.SDP, direction); err != nil {
		return "", err
	}
	s.setPending(&offer)
	return offer.SDP, nil
}

// DiscardOffer drops a hold offer the far end never answered
func (s *Session) DiscardOffer() {
	s.setPending(nil)
}

func (s *Session) setPending(desc *webrtc.SessionDescription) {
	s.mu.Lock()
	s.pending = desc
	s.mu.Unlock()
}

// SetMuted detaches the local track from the sender while muted
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.muted == muted {
		return nil
	}
	var track webrtc.TrackLocal
	if !muted {
		track = s.track
	}
	if err := s.sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	s.muted = muted
	return nil
}

// Muted reports whether the local track is detached
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopped)
	s.mu.Unlock()
	return s.pc.Close()
}

// setLocal applies desc and returns the local SDP once candidates are gathered
func (s *Session) setLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(s.gather)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		s.logger.Warn().Dur("timeout", s.gather).Msg("ice gathering incomplete, sending partial candidates")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description")
	}
	return local.SDP, nil
}

// pumpSilence keeps RTP flowing so the remote side does not time out
func (s *Session) pumpSilence() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			if err := s.track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug().Err(err).Msg("write silence")
			}
		}
	}
}

// pumpRTCP reads sender reports so interceptors keep working
func (s *Session) pumpRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.sender.Read(buf); err != nil {
			return
		}
	}
}

func drain(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

var directions = map[string]bool{"sendrecv": true, "sendonly": true, "recvonly": true, "inactive": true}

// answerDirection is the local direction answering a non-sendrecv offer
var answerDirection = map[string]string{"sendonly": "recvonly", "recvonly": "sendonly", "inactive": "inactive"}

// setDirection rewrites the direction attribute of every audio section
func setDirection(raw, direction string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		attrs := m.Attributes[:0]
		for _, a := range m.Attributes {
			if !directions[a.Key] {
				attrs = append(attrs, a)
			}
		}
		m.Attributes = append(attrs, sdp.NewPropertyAttribute(direction))
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("render sdp: %w", err)
	}
	return string(out), nil
}

// Direction returns the direction attribute of the first audio section
func Direction(raw string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		for _, a := range m.Attributes {
			if directions[a.Key] {
				return a.Key, nil
			}
		}
		return "sendrecv", nil
	}
	return "", fmt.Errorf("no audio section")
}
