package sipua

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/gorilla/websocket"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

var (
	ErrNotConnected   = errors.New("signaling socket is not connected")
	ErrAlreadyStarted = errors.New("user agent already started")
	ErrNoMedia        = errors.New("no media factory configured")
	ErrTerminated     = errors.New("session is terminated")
	ErrWrongState     = errors.New("session is not in a state that allows this request")
)

// RequestError is a non-2xx final response to a request the agent sent
type RequestError struct {
	Method sip.RequestMethod
	Code   int
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s rejected: %d %s", e.Method, e.Code, e.Reason)
}

const (
	// Subprotocol negotiated for SIP over WebSocket
	Subprotocol = "sip"

	writeTimeout = 10 * time.Second
	stopTimeout  = 2 * time.Second
)

// Agent is a SIP user agent speaking over a single WebSocket
type Agent struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger
	dialer  *websocket.Dialer
	parser  *sip.Parser

	aor          string
	viaHost      string
	viaTransport string
	contact      string
	regCallID    string
	regTag       string

	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	done       chan struct{}
	started    bool
	stopping   bool
	registered bool
	regCSeq    uint32
	regTimer   *time.Timer
	txs        map[string]chan *sip.Response
	sessions   map[string]*session
}

// NewAgent creates an agent that reports to h. Nothing is dialed until Start.
func NewAgent(cfg Config, h Handler, logger zerolog.Logger) *Agent {
	cfg = cfg.withDefaults()

	instance := newTag()
	transport := "WSS"
	if u, err := url.Parse(cfg.WSURL); err == nil && u.Scheme == "ws" {
		transport = "WS"
	}

	return &Agent{
		cfg:          cfg,
		handler:      h,
		logger:       logger.With().Str("component", "sipua").Str("user", cfg.Username).Logger(),
		dialer:       &websocket.Dialer{Subprotocols: []string{Subprotocol}, HandshakeTimeout: 10 * time.Second},
		parser:       sip.NewParser(),
		aor:          fmt.Sprintf("sip:%s@%s", cfg.Username, cfg.Domain),
		viaHost:      instance + ".invalid",
		viaTransport: transport,
		contact:      fmt.Sprintf("<sip:%s@%s.invalid;transport=ws>", newTag(), instance),
		regCallID:    newTag() + newTag(),
		regTag:       newTag(),
		txs:          make(map[string]chan *sip.Response),
		sessions:     make(map[string]*session),
	}
}

// SetDialer replaces the WebSocket dialer, for custom TLS settings
func (a *Agent) SetDialer(d *websocket.Dialer) {
	d.Subprotocols = []string{Subprotocol}
	a.dialer = d
}

// Start dials the signaling socket and begins registration. Registration
// outcomes are reported through the handler.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	a.handler.OnConnecting()

	conn, resp, err := a.dialer.DialContext(ctx, a.cfg.WSURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", a.cfg.WSURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", a.cfg.WSURL, err)
	}

	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	a.conn = conn
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	a.logger.Info().Str("url", a.cfg.WSURL).Msg("signaling socket connected")
	a.handler.OnConnected()

	go a.readLoop(conn, done)
	go a.registerCycle(done)
	return nil
}

// Stop unregisters when possible, ends every session without reporting,
// and closes the socket. It is safe to call more than once.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return
	}
	a.stopping = true
	if a.regTimer != nil {
		a.regTimer.Stop()
		a.regTimer = nil
	}
	registered := a.registered && a.conn != nil
	sessions := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		s.abandon()
	}

	if registered {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := a.register(ctx, 0); err != nil {
			a.logger.Debug().Err(err).Msg("unregister on stop")
		} else {
			a.handler.OnUnregistered()
		}
		cancel()
	}

	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.registered = false
	a.mu.Unlock()

	if conn != nil {
		a.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
		conn.Close()
	}
	a.logger.Info().Msg("user agent stopped")
}

// SendKeepalive writes a bare CRLF ping
func (a *Agent) SendKeepalive() error {
	return a.write([]byte("\r\n"))
}

// Registered reports whether the last REGISTER succeeded
func (a *Agent) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// Call sends an INVITE and returns at once; the outcome is reported
// through h
func (a *Agent) Call(ctx context.Context, req CallRequest, h SessionHandler) (Session, error) {
	if a.cfg.Media == nil {
		return nil, ErrNoMedia
	}
	a.mu.Lock()
	connected := a.conn != nil && !a.stopping
	a.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	target := TargetURI(req.Target, a.cfg.Domain)
	uri, err := parseURI(target)
	if err != nil {
		return nil, err
	}

	media, err := a.cfg.Media()
	if err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}
	offer, err := media.CreateOffer(ctx)
	if err != nil {
		media.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}

	callID := req.ID
	if callID == "" {
		callID = newTag() + newTag()
	}
	s := &session{
		agent:        a,
		id:           callID,
		dir:          types.DirectionOutbound,
		state:        stateCalling,
		handler:      h,
		localURI:     a.aor,
		localDisplay: a.cfg.DisplayName,
		remoteURI:    target,
		remoteUser:   uri.User,
		localTag:     newTag(),
		remoteTarget: uri,
		media:        media,
	}

	a.mu.Lock()
	a.sessions[callID] = s
	a.mu.Unlock()

	invite, branch := a.build(outgoing{
		method:      sip.INVITE,
		target:      uri,
		from:        nameAddr(s.localDisplay, s.localURI, s.localTag),
		to:          nameAddr("", target, ""),
		callID:      callID,
		cseq:        s.nextCSeq(),
		contentType: "application/sdp",
		body:        []byte(offer),
		headers:     req.Headers,
	})
	s.outboundInvite = invite
	s.inviteBranch = branch

	a.logger.Info().Str("session", callID).Str("target", target).Msg("placing call")
	go s.runInvite(invite, branch)
	return s, nil
}

func (a *Agent) write(data []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Agent) send(msg sip.Message) error {
	return a.write([]byte(msg.String()))
}

// transact sends req and waits for its final response. Provisional
// responses go to provisional when it is set.
func (a *Agent) transact(ctx context.Context, req *sip.Request, branch string, provisional func(*sip.Response)) (*sip.Response, error) {
	key := txKey(branch, req.Method)
	ch := make(chan *sip.Response, 8)

	a.mu.Lock()
	done := a.done
	a.txs[key] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.txs, key)
		a.mu.Unlock()
	}()

	if done == nil {
		return nil, ErrNotConnected
	}
	if err := a.send(req); err != nil {
		return nil, err
	}

	for {
		select {
		case res := <-ch:
			if res.StatusCode < 200 {
				if provisional != nil {
					provisional(res)
				}
				continue
			}
			return res, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			return nil, ErrNotConnected
		}
	}
}

func (a *Agent) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
}

// registerCycle registers, then refreshes before expiry until the socket
// closes or the agent stops
func (a *Agent) registerCycle(done <-chan struct{}) {
	ctx, cancel := a.requestContext()
	err := a.register(ctx, a.cfg.RegisterExpires)
	cancel()

	a.mu.Lock()
	stopping := a.stopping
	a.mu.Unlock()
	if stopping {
		return
	}

	if err != nil {
		cause := types.CauseConnectionError
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			cause = CauseFromStatus(reqErr.Code)
		} else if errors.Is(err, context.DeadlineExceeded) {
			cause = types.CauseRequestTimeout
		}
		a.logger.Warn().Err(err).Str("cause", string(cause)).Msg("registration failed")
		a.mu.Lock()
		a.registered = false
		a.mu.Unlock()
		a.handler.OnRegistrationFailed(cause)
		return
	}

	refresh := a.cfg.RegisterExpires - 5*time.Second
	if refresh < a.cfg.RegisterExpires/2 {
		refresh = a.cfg.RegisterExpires / 2
	}

	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return
	}
	a.registered = true
	a.regTimer = time.AfterFunc(refresh, func() {
		select {
		case <-done:
		default:
			a.registerCycle(done)
		}
	})
	a.mu.Unlock()

	a.logger.Info().Dur("expires", a.cfg.RegisterExpires).Msg("registered")
	a.handler.OnRegistered()
}

// register sends REGISTER with the given expiry, answering one digest
// challenge. An expiry of zero unregisters.
func (a *Agent) register(ctx context.Context, expires time.Duration) error {
	uri := sip.Uri{Scheme: "sip", Host: a.cfg.Domain}
	headers := map[string]string{"Expires": fmt.Sprintf("%d", int(expires.Seconds()))}
	for k, v := range a.cfg.ExtraHeaders {
		headers[k] = v
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, branch := a.build(outgoing{
			method:  sip.REGISTER,
			target:  uri,
			from:    nameAddr(a.cfg.DisplayName, a.aor, a.regTag),
			to:      nameAddr(a.cfg.DisplayName, a.aor, ""),
			callID:  a.regCallID,
			cseq:    a.nextRegCSeq(),
			headers: headers,
		})
		res, err := a.transact(ctx, req, branch, nil)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}

		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return nil
		case (res.StatusCode == 401 || res.StatusCode == 407) && attempt == 0:
			name, value, err := a.authorize(res, sip.REGISTER, uri.String())
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			headers = copyHeaders(headers)
			headers[name] = value
		default:
			return &RequestError{Method: sip.REGISTER, Code: int(res.StatusCode), Reason: res.Reason}
		}
	}
	return &RequestError{Method: sip.REGISTER, Code: 401, Reason: "Unauthorized"}
}

// authorize answers a 401/407 challenge and returns the header to add
func (a *Agent) authorize(res *sip.Response, method sip.RequestMethod, uri string) (string, string, error) {
	challengeHeader, answerHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeHeader, answerHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	raw, ok := headerValue(res, challengeHeader)
	if !ok {
		return "", "", fmt.Errorf("%d without %s", res.StatusCode, challengeHeader)
	}
	chal, err := digest.ParseChallenge(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(method),
		URI:      uri,
		Username: a.cfg.Username,
		Password: a.cfg.Password,
		Count:    1,
	})
	if err != nil {
		return "", "", fmt.Errorf("digest: %w", err)
	}
	return answerHeader, cred.String(), nil
}

func (a *Agent) nextRegCSeq() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regCSeq++
	return a.regCSeq
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (a *Agent) readLoop(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		close(done)

		a.mu.Lock()
		intentional := a.stopping
		a.registered = false
		if a.conn == conn {
			a.conn = nil
		}
		sessions := make([]*session, 0, len(a.sessions))
		for _, s := range a.sessions {
			sessions = append(sessions, s)
		}
		a.mu.Unlock()

		if intentional {
			return
		}
		a.logger.Warn().Err(readErr).Msg("signaling socket closed")
		for _, s := range sessions {
			s.finish(false, types.OriginatorSystem, types.CauseConnectionError)
		}
		a.handler.OnDisconnected(readErr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		if isKeepalive(data) {
			a.handler.OnKeepalive()
			continue
		}

		msg, err := a.parser.ParseSIP(data)
		if err != nil {
			a.logger.Warn().Err(err).Msg("dropping unparseable SIP message")
			continue
		}
		switch m := msg.(type) {
		case *sip.Response:
			a.onResponse(m)
		case *sip.Request:
			a.onRequest(m)
		}
	}
}

// txKey identifies a client transaction. CANCEL shares the INVITE branch,
// so the method is part of the key.
func txKey(branch string, method sip.RequestMethod) string {
	return branch + " " + string(method)
}

func (a *Agent) onResponse(res *sip.Response) {
	branch := branchOf(res)
	var method sip.RequestMethod
	if cseq := res.CSeq(); cseq != nil {
		method = cseq.MethodName
	}
	a.mu.Lock()
	ch, ok := a.txs[txKey(branch, method)]
	a.mu.Unlock()
	if !ok {
		a.logger.Debug().Int("status", int(res.StatusCode)).Str("branch", branch).Msg("response without transaction")
		return
	}
	select {
	case ch <- res:
	default:
		a.logger.Warn().Int("status", int(res.StatusCode)).Msg("transaction backlog full, response dropped")
	}
}

func (a *Agent) onRequest(req *sip.Request) {
	callID := callIDOf(req)
	a.mu.Lock()
	s := a.sessions[callID]
	a.mu.Unlock()

	switch req.Method {
	case sip.INVITE:
		if s != nil {
			s.onReinvite(req)
			return
		}
		a.onInvite(req)
	case sip.OPTIONS:
		a.respond(req, 200, "OK", "", nil, nil)
	default:
		if s == nil {
			if req.Method != sip.ACK {
				a.respond(req, 481, "Call/Transaction Does Not Exist", "", nil, nil)
			}
			return
		}
		s.onRequest(req)
	}
}

func (a *Agent) onInvite(req *sip.Request) {
	a.mu.Lock()
	accepting := a.conn != nil && !a.stopping
	a.mu.Unlock()
	if !accepting {
		a.respond(req, 480, "Temporarily Unavailable", "", nil, nil)
		return
	}

	s := &session{
		agent:         a,
		id:            callIDOf(req),
		dir:           types.DirectionInbound,
		state:         stateRinging,
		inboundInvite: req,
		localTag:      newTag(),
	}
	if from := req.From(); from != nil {
		s.remoteURI = from.Address.String()
		s.remoteUser = from.Address.User
		s.remoteDisplay = from.DisplayName
		s.remoteTag = tagOf(from.Params)
	}
	if to := req.To(); to != nil {
		s.localURI = to.Address.String()
	}
	if contact := req.Contact(); contact != nil {
		s.remoteTarget = contact.Address
	}

	a.mu.Lock()
	a.sessions[s.id] = s
	a.mu.Unlock()

	a.respond(req, 180, "Ringing", s.localTag, nil, nil)
	a.logger.Info().Str("session", s.id).Str("from", s.remoteURI).Msg("incoming call")
	a.handler.OnNewSession(s)
}

// respond answers an inbound request; toTag is added when the To header
// has none
func (a *Agent) respond(req *sip.Request, code int, reason, toTag string, body []byte, headers map[string]string) {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	if to := res.To(); to != nil && toTag != "" && tagOf(to.Params) == "" {
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		to.Params.Add("tag", toTag)
	}
	if code >= 200 && code < 300 && req.Method != sip.CANCEL && req.Method != sip.BYE {
		res.AppendHeader(sip.NewHeader("Contact", a.contact))
	}
	for name, value := range headers {
		res.AppendHeader(sip.NewHeader(name, value))
	}
	res.SetBody(body)
	if err := a.send(res); err != nil {
		a.logger.Debug().Err(err).Int("status", code).Str("method", string(req.Method)).Msg("response not sent")
	}
}

func (a *Agent) forget(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}
