package sipua

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

type sessionState int

const (
	stateRinging sessionState = iota
	stateCalling
	stateAccepted
	stateConfirmed
	stateTerminated
)

// session is one INVITE dialog
type session struct {
	agent *Agent
	id    string
	dir   types.Direction

	mu             sync.Mutex
	state          sessionState
	handler        SessionHandler
	inboundInvite  *sip.Request
	outboundInvite *sip.Request
	inviteBranch   string
	canceled       bool
	localURI       string
	localDisplay   string
	localTag       string
	remoteURI      string
	remoteUser     string
	remoteDisplay  string
	remoteTag      string
	remoteTarget   sip.Uri
	cseq           uint32
	media          MediaSession
}

func (s *session) ID() string                 { return s.id }
func (s *session) Direction() types.Direction { return s.dir }

func (s *session) RemoteIdentity() string {
	if s.remoteUser != "" {
		return s.remoteUser
	}
	return s.remoteURI
}

func (s *session) Header(name string) (string, bool) {
	if s.inboundInvite == nil {
		return "", false
	}
	return headerValue(s.inboundInvite, name)
}

func (s *session) SetHandler(h SessionHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *session) nextCSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cseq++
	return s.cseq
}

func (s *session) Answer(ctx context.Context) error {
	s.mu.Lock()
	if s.dir != types.DirectionInbound || s.state != stateRinging {
		s.mu.Unlock()
		return ErrWrongState
	}
	invite := s.inboundInvite
	s.mu.Unlock()

	a := s.agent
	if a.cfg.Media == nil {
		return ErrNoMedia
	}
	media, err := a.cfg.Media()
	if err != nil {
		return fmt.Errorf("open media: %w", err)
	}
	answer, err := media.CreateAnswer(ctx, string(invite.Body()))
	if err != nil {
		media.Close()
		a.respond(invite, 488, "Not Acceptable Here", s.localTag, nil, nil)
		s.finish(false, types.OriginatorLocal, types.CauseWebRTCError)
		return fmt.Errorf("create answer: %w", err)
	}

	s.mu.Lock()
	if s.state != stateRinging {
		s.mu.Unlock()
		media.Close()
		return ErrTerminated
	}
	s.media = media
	s.state = stateAccepted
	h := s.handler
	s.mu.Unlock()

	a.respond(invite, 200, "OK", s.localTag, []byte(answer), map[string]string{"Content-Type": "application/sdp"})
	if h != nil {
		h.OnAccepted()
	}
	return nil
}

// Terminate rejects, cancels or hangs up depending on the dialog state
func (s *session) Terminate() error {
	a := s.agent

	s.mu.Lock()
	switch s.state {
	case stateTerminated:
		s.mu.Unlock()
		return nil

	case stateRinging:
		invite := s.inboundInvite
		s.mu.Unlock()
		a.respond(invite, 480, "Temporarily Unavailable", s.localTag, nil, nil)
		s.finish(false, types.OriginatorLocal, types.CauseRejected)
		return nil

	case stateCalling:
		if s.canceled {
			s.mu.Unlock()
			return nil
		}
		s.canceled = true
		cancel, _ := a.build(outgoing{
			method: sip.CANCEL,
			target: s.outboundInvite.Recipient,
			from:   nameAddr(s.localDisplay, s.localURI, s.localTag),
			to:     nameAddr("", s.remoteURI, ""),
			callID: s.id,
			cseq:   s.cseq,
			branch: s.inviteBranch,
		})
		s.mu.Unlock()
		// the 487 to the INVITE completes the session
		if err := a.send(cancel); err != nil {
			s.finish(false, types.OriginatorLocal, types.CauseCanceled)
			return fmt.Errorf("cancel: %w", err)
		}
		return nil

	default:
		s.mu.Unlock()
		bye, branch := s.inDialog(sip.BYE, "", nil, nil)
		s.finish(true, types.OriginatorLocal, types.CauseBye)
		go func() {
			ctx, cancel := a.requestContext()
			defer cancel()
			if _, err := a.transact(ctx, bye, branch, nil); err != nil {
				a.logger.Debug().Err(err).Str("session", s.id).Msg("bye not acknowledged")
			}
		}()
		return nil
	}
}

func (s *session) Hold(ctx context.Context) error   { return s.setHold(ctx, true) }
func (s *session) Unhold(ctx context.Context) error { return s.setHold(ctx, false) }

func (s *session) setHold(ctx context.Context, hold bool) error {
	media, err := s.establishedMedia()
	if err != nil {
		return err
	}
	offer, err := media.HoldOffer(ctx, hold)
	if err != nil {
		return fmt.Errorf("hold offer: %w", err)
	}
	res, err := s.request(ctx, sip.UPDATE, "application/sdp", []byte(offer), nil)
	if err != nil {
		media.DiscardOffer()
		return err
	}
	body := res.Body()
	if len(body) == 0 {
		media.DiscardOffer()
		return nil
	}
	if err := media.SetAnswer(string(body)); err != nil {
		return fmt.Errorf("apply hold answer: %w", err)
	}
	return nil
}

func (s *session) Mute() error   { return s.setMuted(true) }
func (s *session) Unmute() error { return s.setMuted(false) }

func (s *session) setMuted(muted bool) error {
	media, err := s.establishedMedia()
	if err != nil {
		return err
	}
	return media.SetMuted(muted)
}

func (s *session) SendDTMF(ctx context.Context, tone rune) error {
	_, err := s.request(ctx, sip.INFO, "application/dtmf-relay", dtmfBody(tone), nil)
	return err
}

// Refer asks the remote party to call target. A 2xx answer is success.
func (s *session) Refer(ctx context.Context, target string) error {
	referTo := TargetURI(target, s.agent.cfg.Domain)
	_, err := s.request(ctx, sip.REFER, "", nil, map[string]string{
		"Refer-To":    "<" + referTo + ">",
		"Referred-By": "<" + s.localURI + ">",
	})
	if err != nil {
		return err
	}
	s.agent.logger.Info().Str("session", s.id).Str("refer_to", referTo).Msg("transfer accepted")
	return nil
}

func (s *session) establishedMedia() (MediaSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConfirmed || s.media == nil {
		return nil, ErrWrongState
	}
	return s.media, nil
}

// inDialog builds a request inside the established dialog
func (s *session) inDialog(method sip.RequestMethod, contentType string, body []byte, headers map[string]string) (*sip.Request, string) {
	cseq := s.nextCSeq()
	s.mu.Lock()
	o := outgoing{
		method:      method,
		target:      s.remoteTarget,
		from:        nameAddr(s.localDisplay, s.localURI, s.localTag),
		to:          nameAddr(s.remoteDisplay, s.remoteURI, s.remoteTag),
		callID:      s.id,
		cseq:        cseq,
		contentType: contentType,
		body:        body,
		headers:     headers,
	}
	s.mu.Unlock()
	return s.agent.build(o)
}

// request sends an in-dialog request and requires a 2xx answer
func (s *session) request(ctx context.Context, method sip.RequestMethod, contentType string, body []byte, headers map[string]string) (*sip.Response, error) {
	s.mu.Lock()
	established := s.state == stateConfirmed
	s.mu.Unlock()
	if !established {
		return nil, ErrWrongState
	}

	req, branch := s.inDialog(method, contentType, body, headers)
	ctx, cancel := context.WithTimeout(ctx, s.agent.cfg.RequestTimeout)
	defer cancel()

	res, err := s.agent.transact(ctx, req, branch, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if res.StatusCode >= 300 {
		return res, &RequestError{Method: method, Code: int(res.StatusCode), Reason: res.Reason}
	}
	return res, nil
}

// runInvite drives an outbound INVITE to its final response, answering
// one digest challenge
func (s *session) runInvite(invite *sip.Request, branch string) {
	a := s.agent
	for attempt := 0; ; attempt++ {
		res, err := a.transact(context.Background(), invite, branch, s.onProvisional)
		if err != nil {
			s.finish(false, types.OriginatorSystem, types.CauseConnectionError)
			return
		}

		if res.StatusCode >= 300 {
			s.ackFailure(invite, branch, res)

			s.mu.Lock()
			canceled := s.canceled
			s.mu.Unlock()

			if (res.StatusCode == 401 || res.StatusCode == 407) && attempt == 0 && !canceled {
				next, nextBranch, err := s.authorizedInvite(invite, res)
				if err == nil {
					invite, branch = next, nextBranch
					continue
				}
				a.logger.Warn().Err(err).Str("session", s.id).Msg("cannot answer invite challenge")
			}
			if canceled && res.StatusCode == 487 {
				s.finish(false, types.OriginatorLocal, types.CauseCanceled)
				return
			}
			s.finish(false, types.OriginatorRemote, CauseFromStatus(int(res.StatusCode)))
			return
		}

		s.established(invite, res)
		return
	}
}

func (s *session) onProvisional(res *sip.Response) {
	if to := res.To(); to != nil {
		if tag := tagOf(to.Params); tag != "" {
			s.mu.Lock()
			s.remoteTag = tag
			s.mu.Unlock()
		}
	}
}

// authorizedInvite rebuilds invite with credentials for the challenge in res
func (s *session) authorizedInvite(invite *sip.Request, res *sip.Response) (*sip.Request, string, error) {
	a := s.agent
	name, value, err := a.authorize(res, sip.INVITE, invite.Recipient.String())
	if err != nil {
		return nil, "", err
	}

	headers := map[string]string{name: value}
	for _, h := range invite.Headers() {
		switch h.Name() {
		case "Via", "Max-Forwards", "To", "From", "Call-ID", "CSeq", "Contact", "Allow", "User-Agent", "Content-Type", "Content-Length":
		default:
			headers[h.Name()] = h.Value()
		}
	}

	s.mu.Lock()
	s.remoteTag = ""
	s.mu.Unlock()

	next, branch := a.build(outgoing{
		method:      sip.INVITE,
		target:      invite.Recipient,
		from:        nameAddr(s.localDisplay, s.localURI, s.localTag),
		to:          nameAddr("", s.remoteURI, ""),
		callID:      s.id,
		cseq:        s.nextCSeq(),
		contentType: "application/sdp",
		body:        invite.Body(),
		headers:     headers,
	})

	s.mu.Lock()
	s.outboundInvite = next
	s.inviteBranch = branch
	s.mu.Unlock()
	return next, branch, nil
}

// ackFailure acknowledges a non-2xx final response to an INVITE
func (s *session) ackFailure(invite *sip.Request, branch string, res *sip.Response) {
	var toTag string
	if to := res.To(); to != nil {
		toTag = tagOf(to.Params)
	}
	var cseq uint32
	if h := res.CSeq(); h != nil {
		cseq = h.SeqNo
	}
	ack, _ := s.agent.build(outgoing{
		method: sip.ACK,
		target: invite.Recipient,
		from:   nameAddr(s.localDisplay, s.localURI, s.localTag),
		to:     nameAddr("", s.remoteURI, toTag),
		callID: s.id,
		cseq:   cseq,
		branch: branch,
	})
	if err := s.agent.send(ack); err != nil {
		s.agent.logger.Debug().Err(err).Str("session", s.id).Msg("ack not sent")
	}
}

// established completes an outbound dialog after a 2xx
func (s *session) established(invite *sip.Request, res *sip.Response) {
	a := s.agent

	s.mu.Lock()
	if to := res.To(); to != nil {
		s.remoteTag = tagOf(to.Params)
	}
	if contact := res.Contact(); contact != nil {
		s.remoteTarget = contact.Address
	}
	var cseq uint32
	if h := res.CSeq(); h != nil {
		cseq = h.SeqNo
	}
	terminated := s.state == stateTerminated
	canceled := s.canceled
	media := s.media
	h := s.handler
	if !terminated {
		s.state = stateAccepted
	}
	s.mu.Unlock()

	ack, _ := a.build(outgoing{
		method: sip.ACK,
		target: s.remoteTarget,
		from:   nameAddr(s.localDisplay, s.localURI, s.localTag),
		to:     nameAddr("", s.remoteURI, s.remoteTag),
		callID: s.id,
		cseq:   cseq,
	})

	if terminated || canceled {
		_ = a.send(ack)
		s.hangup()
		s.finish(false, types.OriginatorLocal, types.CauseCanceled)
		return
	}
	if err := media.SetAnswer(string(res.Body())); err != nil {
		a.logger.Warn().Err(err).Str("session", s.id).Msg("remote answer rejected")
		_ = a.send(ack)
		s.hangup()
		s.finish(false, types.OriginatorLocal, types.CauseBadMediaDescription)
		return
	}

	if h != nil {
		h.OnAccepted()
	}
	if err := a.send(ack); err != nil {
		s.finish(false, types.OriginatorSystem, types.CauseConnectionError)
		return
	}

	s.mu.Lock()
	if s.state != stateAccepted {
		s.mu.Unlock()
		return
	}
	s.state = stateConfirmed
	s.mu.Unlock()

	a.logger.Info().Str("session", s.id).Msg("call confirmed")
	if h != nil {
		h.OnConfirmed()
	}
}

// hangup sends a BYE without waiting for the answer
func (s *session) hangup() {
	bye, _ := s.inDialog(sip.BYE, "", nil, nil)
	if err := s.agent.send(bye); err != nil {
		s.agent.logger.Debug().Err(err).Str("session", s.id).Msg("bye not sent")
	}
}

// onRequest handles an in-dialog request from the remote party
func (s *session) onRequest(req *sip.Request) {
	a := s.agent

	switch req.Method {
	case sip.ACK:
		s.mu.Lock()
		if s.state != stateAccepted {
			s.mu.Unlock()
			return
		}
		s.state = stateConfirmed
		h := s.handler
		s.mu.Unlock()
		a.logger.Info().Str("session", s.id).Msg("call confirmed")
		if h != nil {
			h.OnConfirmed()
		}

	case sip.BYE:
		a.respond(req, 200, "OK", "", nil, nil)
		s.finish(true, types.OriginatorRemote, types.CauseBye)

	case sip.CANCEL:
		a.respond(req, 200, "OK", "", nil, nil)
		s.mu.Lock()
		ringing := s.state == stateRinging
		invite := s.inboundInvite
		s.mu.Unlock()
		if ringing {
			a.respond(invite, 487, "Request Terminated", s.localTag, nil, nil)
			s.finish(false, types.OriginatorRemote, types.CauseCanceled)
		}

	case sip.UPDATE:
		s.onOffer(req)

	case sip.NOTIFY:
		a.respond(req, 200, "OK", "", nil, nil)
		if code, ok := sipfragStatus(req.Body()); ok {
			a.logger.Info().Str("session", s.id).Int("status", code).Msg("transfer progress")
		}

	case sip.INFO:
		a.respond(req, 200, "OK", "", nil, nil)

	default:
		a.respond(req, 405, "Method Not Allowed", "", nil, map[string]string{"Allow": allowMethods})
	}
}

// onReinvite handles an INVITE on an existing Call-ID
func (s *session) onReinvite(req *sip.Request) {
	if to := req.To(); to == nil || tagOf(to.Params) == "" {
		// retransmitted initial INVITE
		return
	}
	s.onOffer(req)
}

// onOffer answers a remote offer carried in a re-INVITE or UPDATE
func (s *session) onOffer(req *sip.Request) {
	a := s.agent
	s.mu.Lock()
	media := s.media
	s.mu.Unlock()

	if media == nil || len(req.Body()) == 0 {
		a.respond(req, 488, "Not Acceptable Here", "", nil, nil)
		return
	}
	ctx, cancel := a.requestContext()
	defer cancel()
	answer, err := media.CreateAnswer(ctx, string(req.Body()))
	if err != nil {
		a.logger.Warn().Err(err).Str("session", s.id).Msg("remote offer rejected")
		a.respond(req, 488, "Not Acceptable Here", "", nil, nil)
		return
	}
	a.respond(req, 200, "OK", "", []byte(answer), map[string]string{"Content-Type": "application/sdp"})
}

// finish moves the session to its terminal state once and reports it
func (s *session) finish(ended bool, originator types.Originator, cause types.Cause) {
	s.mu.Lock()
	if s.state == stateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = stateTerminated
	media := s.media
	s.media = nil
	h := s.handler
	s.mu.Unlock()

	if media != nil {
		if err := media.Close(); err != nil {
			s.agent.logger.Debug().Err(err).Str("session", s.id).Msg("close media")
		}
	}
	s.agent.forget(s.id)
	s.agent.logger.Info().
		Str("session", s.id).
		Str("originator", string(originator)).
		Str("cause", string(cause)).
		Msg("session terminated")

	if h == nil {
		return
	}
	if ended {
		h.OnEnded(originator, cause)
	} else {
		h.OnFailed(originator, cause)
	}
}

// abandon ends the session without signaling or reporting, on agent stop
func (s *session) abandon() {
	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
	s.finish(true, types.OriginatorLocal, types.CauseBye)
}
