package phone

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/webphone/internal/devices"
	"github.com/dennisdiepolder/monti/webphone/internal/sipua"
	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

// UserAgent is the signaling client the engine drives
type UserAgent interface {
	Start(ctx context.Context) error
	Stop()
	SendKeepalive() error
	Call(ctx context.Context, req sipua.CallRequest, h sipua.SessionHandler) (sipua.Session, error)
}

// AgentFactory builds a user agent bound to the engine's handler
type AgentFactory func(cfg sipua.Config, h sipua.Handler) UserAgent

// Reporter receives signaling connectivity events
type Reporter interface {
	Report(ev types.ConnectivityEvent)
	ForceStop(reason string)
}

// Observer receives call events and device failures
type Observer interface {
	OnCallEvent(ev types.CallEvent)
	OnDeviceError(err error)
}

// Config of one user agent lifetime
type Config struct {
	Agent              sipua.Config
	MemberID           string
	RegisterTimeout    time.Duration
	AnswerTimeout      time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveTimeout   time.Duration
	DisconnectDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 10 * time.Second
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 30 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 5 * time.Second
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 120 * time.Second
	}
	if c.DisconnectDebounce <= 0 {
		c.DisconnectDebounce = 500 * time.Millisecond
	}
	return c
}

// Options wires the engine's collaborators
type Options struct {
	NewAgent AgentFactory
	// Devices is optional; nil skips the device check
	Devices  devices.Checker
	Reporter Reporter
	Now      func() time.Time
}

// Status is a point-in-time view of the engine
type Status struct {
	Initialised   bool               `json:"initialised"`
	Registered    bool               `json:"registered"`
	LastKeepalive *time.Time         `json:"lastKeepalive,omitempty"`
	ActiveCall    *types.CallSummary `json:"activeCall,omitempty"`
}

type outcome int

const (
	outcomeRegistered outcome = iota
	outcomeFailed
	outcomeDisconnected
	outcomeDestroyed
)

// Engine owns the user agent and at most one call session
type Engine struct {
	logger   zerolog.Logger
	newAgent AgentFactory
	devices  devices.Checker
	reporter Reporter
	now      func() time.Time

	mu            sync.Mutex
	cfg           Config
	observers     []Observer
	agent         UserAgent
	gen           uint64
	initGen       uint64
	registered    bool
	race          chan outcome
	stopKeepalive chan struct{}
	liveness      *time.Timer
	lastKeepalive time.Time
	quietUntil    time.Time
	active        *CallSession
}

// New creates an engine with no user agent
func New(opts Options, logger zerolog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		logger:   logger.With().Str("component", "phone").Logger(),
		newAgent: opts.NewAgent,
		devices:  opts.Devices,
		reporter: opts.Reporter,
		now:      opts.Now,
		cfg:      Config{}.withDefaults(),
	}
}

// AddObserver registers o for call events
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// Initialise creates and starts a user agent and waits for the first
// registration outcome. It is a no-op while an agent exists or another
// initialisation is in flight.
func (e *Engine) Initialise(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	e.mu.Lock()
	if e.agent != nil || e.initialisingLocked() {
		e.mu.Unlock()
		e.logger.Debug().Msg("user agent already initialised")
		return nil
	}
	e.cfg = cfg
	e.gen++
	gen := e.gen
	e.initGen = gen
	e.mu.Unlock()

	if e.devices != nil {
		if err := devices.EnsureReady(ctx, e.devices); err != nil {
			e.mu.Lock()
			e.endInitLocked(gen)
			observers := append([]Observer(nil), e.observers...)
			e.mu.Unlock()

			e.logger.Warn().Err(err).Str("reason", string(devices.ReasonOf(err))).Msg("audio devices not ready")
			for _, o := range observers {
				o.OnDeviceError(err)
			}
			return fmt.Errorf("check devices: %w", err)
		}
	}

	race := make(chan outcome, 1)
	agent := e.newAgent(cfg.Agent, &agentEvents{e: e, gen: gen})

	e.mu.Lock()
	if e.gen != gen {
		e.endInitLocked(gen)
		e.mu.Unlock()
		return ErrDestroyed
	}
	e.agent = agent
	e.race = race
	e.mu.Unlock()

	e.logger.Info().Str("url", cfg.Agent.WSURL).Str("user", cfg.Agent.Username).Msg("starting user agent")

	var result outcome
	var cause error
	if err := agent.Start(ctx); err != nil {
		result, cause = outcomeDisconnected, err
	} else {
		timer := time.NewTimer(cfg.RegisterTimeout)
		select {
		case result = <-race:
		case <-timer.C:
			result, cause = outcomeFailed, ErrRegistrationTimeout
		case <-ctx.Done():
			result, cause = outcomeFailed, ctx.Err()
		}
		timer.Stop()
	}

	e.mu.Lock()
	e.endInitLocked(gen)
	if e.race == race {
		e.race = nil
	}
	if result == outcomeDestroyed || e.gen != gen {
		e.mu.Unlock()
		return ErrDestroyed
	}
	if result == outcomeRegistered && !e.registered {
		// lost again before the outcome was read
		result = outcomeDisconnected
	}
	if result == outcomeRegistered {
		e.startKeepaliveLocked(gen, agent)
		e.mu.Unlock()
		e.logger.Info().Str("user", cfg.Agent.Username).Msg("user agent registered")
		return nil
	}
	e.teardownLocked()
	e.mu.Unlock()

	if cause == nil {
		switch result {
		case outcomeDisconnected:
			cause = ErrDisconnected
		default:
			cause = ErrRegistrationFailed
		}
	}
	e.logger.Warn().Err(cause).Msg("user agent did not register")
	agent.Stop()
	e.notifyDisconnected()
	return cause
}

// Reinitialise destroys the current agent and starts a new one with the
// last configuration
func (e *Engine) Reinitialise(ctx context.Context) error {
	e.Destroy()
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	return e.Initialise(ctx, cfg)
}

// Destroy tears the user agent down deliberately. An active call is
// terminated. No disconnect is reported.
func (e *Engine) Destroy() {
	e.mu.Lock()
	e.deliverLocked(outcomeDestroyed)
	agent := e.teardownLocked()
	var sig sipua.Session
	if e.active != nil {
		sig = e.active.signaling
	}
	ended := e.finishActiveLocked(types.StateEnded, types.CallEnded, types.CauseBye, types.OriginatorLocal)
	e.mu.Unlock()

	if sig != nil {
		if err := sig.Terminate(); err != nil {
			e.logger.Debug().Err(err).Msg("terminate on destroy")
		}
	}
	if agent != nil {
		agent.Stop()
		e.logger.Info().Msg("user agent destroyed")
		e.reporter.Report(types.SignalingStopped)
	}
	if ended != nil {
		e.emit(*ended)
	}
}

// Status returns the engine's current state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{Initialised: e.agent != nil, Registered: e.registered}
	if !e.lastKeepalive.IsZero() {
		last := e.lastKeepalive
		st.LastKeepalive = &last
	}
	if e.active != nil {
		summary := e.active.Summary()
		st.ActiveCall = &summary
	}
	return st
}

// Active returns the active call, if any
func (e *Engine) Active() (types.CallSummary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return types.CallSummary{}, false
	}
	return e.active.Summary(), true
}

// Call places an outbound call to target
func (e *Engine) Call(ctx context.Context, target string) (types.CallSummary, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return types.CallSummary{}, ErrInvalidTarget
	}

	e.mu.Lock()
	if e.agent == nil || !e.registered {
		e.mu.Unlock()
		return types.CallSummary{}, ErrNotRegistered
	}
	if e.active != nil {
		e.mu.Unlock()
		return types.CallSummary{}, ErrAlreadyActive
	}
	c := newCallSession(types.DirectionOutbound, types.ClassRegularOutbound, e.now())
	c.ID = uuid.NewString()
	c.RemoteParty = target
	c.originated = true
	e.active = c
	agent := e.agent
	headers := map[string]string{}
	if e.cfg.MemberID != "" {
		headers[HeaderMemberID] = e.cfg.MemberID
	}
	ev := types.CallEvent{Kind: types.CallConnecting, Call: c.Summary(), Timestamp: e.now()}
	e.mu.Unlock()
	e.emit(ev)

	s, err := agent.Call(ctx, sipua.CallRequest{ID: c.ID, Target: target, Headers: headers}, &callEvents{e: e, call: c})
	if err != nil {
		term := Describe(types.CauseInternalError, c.Direction, types.OriginatorLocal)
		e.advance(c, types.StateFailed, types.CallFailed, &term)
		return types.CallSummary{}, fmt.Errorf("call %s: %w", target, err)
	}

	e.mu.Lock()
	c.signaling = s
	summary := c.Summary()
	e.mu.Unlock()
	return summary, nil
}

// Answer accepts the active inbound call
func (e *Engine) Answer(ctx context.Context) error {
	e.mu.Lock()
	c := e.active
	e.mu.Unlock()
	if c == nil {
		return ErrNoSession
	}
	return e.answer(ctx, c)
}

// EndCall hangs up, cancels or rejects the active call
func (e *Engine) EndCall() error {
	e.mu.Lock()
	c := e.active
	if c == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	s := c.signaling
	e.mu.Unlock()
	if s == nil {
		return ErrInvalidState
	}
	if err := s.Terminate(); err != nil {
		e.operationFailed(c, "terminate", err)
		return fmt.Errorf("terminate: %w", err)
	}
	return nil
}

type control struct {
	name  string
	kind  types.CallEventKind
	done  func(c *CallSession) bool
	run   func(s sipua.Session) error
	apply func(c *CallSession)
}

func (e *Engine) runControl(ctl control) error {
	c, s, err := e.confirmed()
	if err != nil {
		return err
	}
	e.mu.Lock()
	done := ctl.done(c)
	e.mu.Unlock()
	if done {
		return nil
	}
	if err := ctl.run(s); err != nil {
		e.operationFailed(c, ctl.name, err)
		return fmt.Errorf("%s: %w", ctl.name, err)
	}

	e.mu.Lock()
	ctl.apply(c)
	ev := types.CallEvent{Kind: ctl.kind, Call: c.Summary(), Timestamp: e.now()}
	e.mu.Unlock()
	e.emit(ev)
	return nil
}

// Mute stops sending local audio
func (e *Engine) Mute() error {
	return e.runControl(control{
		name:  "mute",
		kind:  types.CallMuted,
		done:  func(c *CallSession) bool { return c.Muted },
		run:   func(s sipua.Session) error { return s.Mute() },
		apply: func(c *CallSession) { c.Muted = true },
	})
}

// Unmute resumes sending local audio
func (e *Engine) Unmute() error {
	return e.runControl(control{
		name:  "unmute",
		kind:  types.CallUnmuted,
		done:  func(c *CallSession) bool { return !c.Muted },
		run:   func(s sipua.Session) error { return s.Unmute() },
		apply: func(c *CallSession) { c.Muted = false },
	})
}

// Hold puts the remote party on hold
func (e *Engine) Hold(ctx context.Context) error {
	return e.runControl(control{
		name:  "hold",
		kind:  types.CallHeld,
		done:  func(c *CallSession) bool { return c.Held },
		run:   func(s sipua.Session) error { return s.Hold(ctx) },
		apply: func(c *CallSession) { c.Held = true },
	})
}

// Unhold resumes a held call
func (e *Engine) Unhold(ctx context.Context) error {
	return e.runControl(control{
		name:  "unhold",
		kind:  types.CallUnheld,
		done:  func(c *CallSession) bool { return !c.Held },
		run:   func(s sipua.Session) error { return s.Unhold(ctx) },
		apply: func(c *CallSession) { c.Held = false },
	})
}

// SendDTMF sends one tone. "asterisk" and "hash" are accepted as aliases.
func (e *Engine) SendDTMF(ctx context.Context, tone string) error {
	c, s, err := e.confirmed()
	if err != nil {
		return err
	}
	r, err := NormalizeTone(tone)
	if err != nil {
		e.operationFailed(c, "dtmf", fmt.Errorf("%w: %q", err, tone))
		return fmt.Errorf("%w: %q", err, tone)
	}
	if err := s.SendDTMF(ctx, r); err != nil {
		e.operationFailed(c, "dtmf", err)
		return fmt.Errorf("dtmf: %w", err)
	}

	e.mu.Lock()
	ev := types.CallEvent{Kind: types.CallDTMFSent, Call: c.Summary(), Tone: string(r), Timestamp: e.now()}
	e.mu.Unlock()
	e.emit(ev)
	return nil
}

// TransferBlind refers the remote party to target and ends the call once
// the transfer is accepted
func (e *Engine) TransferBlind(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	c, s, err := e.confirmed()
	if err != nil {
		return err
	}
	if target == "" {
		return ErrInvalidTarget
	}

	if err := s.Refer(ctx, target); err != nil {
		e.mu.Lock()
		ev := types.CallEvent{Kind: types.CallTransferFailed, Call: c.Summary(), Target: target, Error: err.Error(), Timestamp: e.now()}
		e.mu.Unlock()
		e.emit(ev)
		return fmt.Errorf("transfer to %s: %w", target, err)
	}

	e.mu.Lock()
	ev := types.CallEvent{Kind: types.CallTransferred, Call: c.Summary(), Target: target, Timestamp: e.now()}
	e.mu.Unlock()
	e.emit(ev)

	if err := s.Terminate(); err != nil {
		e.logger.Warn().Err(err).Str("session", c.ID).Msg("terminate after transfer")
	}
	return nil
}

func (e *Engine) confirmed() (*CallSession, sipua.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.active
	if c == nil {
		return nil, nil, ErrNoSession
	}
	if c.State != types.StateConfirmed || c.signaling == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidState, c.State)
	}
	return c, c.signaling, nil
}

func (e *Engine) answer(ctx context.Context, c *CallSession) error {
	e.mu.Lock()
	if e.active != c || c.originated || c.answering || c.signaling == nil || c.State != types.StateConnecting {
		e.mu.Unlock()
		return ErrInvalidState
	}
	c.answering = true
	s := c.signaling
	e.mu.Unlock()

	err := s.Answer(ctx)

	e.mu.Lock()
	c.answering = false
	e.mu.Unlock()

	if err != nil {
		e.operationFailed(c, "answer", err)
		return fmt.Errorf("answer: %w", err)
	}
	return nil
}

func (e *Engine) autoAnswer(c *CallSession) {
	e.mu.Lock()
	timeout := e.cfg.AnswerTimeout
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.answer(ctx, c); err != nil {
		e.logger.Warn().Err(err).Str("session", c.ID).Msg("auto answer failed")
	}
}

func (e *Engine) incoming(s sipua.Session) {
	refs, present := s.Header(HeaderReferences)
	class := Classify(refs, present)
	interactionID, _ := s.Header(HeaderInteractionID)

	e.mu.Lock()
	now := e.now()
	c := newCallSession(directionFor(class), class, now)
	c.ID = s.ID()
	c.RemoteParty = s.RemoteIdentity()
	c.InteractionID = interactionID

	if e.active != nil {
		busy := e.active.ID
		ev := types.CallEvent{Kind: types.CallRejected, Call: c.Summary(), Error: ErrAlreadyActive.Error(), Timestamp: now}
		e.mu.Unlock()

		e.logger.Info().Str("session", c.ID).Str("active", busy).Msg("rejecting call, session already active")
		if err := s.Terminate(); err != nil {
			e.logger.Debug().Err(err).Str("session", c.ID).Msg("reject")
		}
		e.emit(ev)
		return
	}

	c.signaling = s
	e.active = c
	s.SetHandler(&callEvents{e: e, call: c})
	ev := types.CallEvent{Kind: types.CallRinging, Call: c.Summary(), Timestamp: now}
	e.mu.Unlock()

	e.logger.Info().
		Str("session", c.ID).
		Str("classification", string(class)).
		Str("remote", c.RemoteParty).
		Msg("incoming call")
	e.emit(ev)

	if class == types.ClassClickToDial {
		go e.autoAnswer(c)
	}
}

// advance applies a lifecycle transition reported by signaling
func (e *Engine) advance(c *CallSession, next types.LifecycleState, kind types.CallEventKind, term *types.Termination) {
	e.mu.Lock()
	now := e.now()
	if err := c.Transition(next, now); err != nil {
		e.mu.Unlock()
		e.logger.Debug().Err(err).Str("session", c.ID).Msg("ignoring session event")
		return
	}
	if term != nil {
		c.Termination = term
	}
	if next.Terminal() && e.active == c {
		e.active = nil
	}
	ev := types.CallEvent{Kind: kind, Call: c.Summary(), Termination: term, Timestamp: now}
	e.mu.Unlock()
	e.emit(ev)
}

// finishActiveLocked forces the active call into a terminal state and
// returns the event to emit once unlocked
func (e *Engine) finishActiveLocked(state types.LifecycleState, kind types.CallEventKind, cause types.Cause, originator types.Originator) *types.CallEvent {
	c := e.active
	if c == nil {
		return nil
	}
	now := e.now()
	if err := c.Transition(state, now); err != nil {
		return nil
	}
	term := Describe(cause, c.Direction, originator)
	c.Termination = &term
	e.active = nil
	return &types.CallEvent{Kind: kind, Call: c.Summary(), Termination: &term, Timestamp: now}
}

func (e *Engine) operationFailed(c *CallSession, op string, err error) {
	e.mu.Lock()
	ev := types.CallEvent{Kind: types.CallOperationFailed, Call: c.Summary(), Error: op + ": " + err.Error(), Timestamp: e.now()}
	e.mu.Unlock()
	e.logger.Warn().Err(err).Str("session", c.ID).Str("operation", op).Msg("call operation failed")
	e.emit(ev)
}

func (e *Engine) emit(ev types.CallEvent) {
	e.mu.Lock()
	observers := append([]Observer(nil), e.observers...)
	e.mu.Unlock()

	e.logger.Debug().Str("kind", string(ev.Kind)).Str("session", ev.Call.SessionID).Str("state", string(ev.Call.State)).Msg("call event")
	for _, o := range observers {
		o.OnCallEvent(ev)
	}
}

func (e *Engine) deliverLocked(o outcome) {
	if e.race == nil {
		return
	}
	select {
	case e.race <- o:
	default:
	}
}

// initialisingLocked reports whether an initialisation for the current
// generation is in flight. Destroy moves the generation on, so a destroyed
// attempt never blocks its replacement.
func (e *Engine) initialisingLocked() bool {
	return e.initGen != 0 && e.initGen == e.gen
}

func (e *Engine) endInitLocked(gen uint64) {
	if e.initGen == gen {
		e.initGen = 0
	}
}

// teardownLocked detaches the agent and stops its timers. Callbacks from
// the detached agent are ignored from here on.
func (e *Engine) teardownLocked() UserAgent {
	agent := e.agent
	e.agent = nil
	e.gen++
	e.registered = false
	if e.stopKeepalive != nil {
		close(e.stopKeepalive)
		e.stopKeepalive = nil
	}
	if e.liveness != nil {
		e.liveness.Stop()
		e.liveness = nil
	}
	return agent
}

// notifyDisconnected reports a signaling disconnect, suppressing repeats
// inside the debounce window
func (e *Engine) notifyDisconnected() {
	e.mu.Lock()
	now := e.now()
	if now.Before(e.quietUntil) {
		e.mu.Unlock()
		e.logger.Debug().Msg("disconnect already reported")
		return
	}
	e.quietUntil = now.Add(e.cfg.DisconnectDebounce)
	e.mu.Unlock()

	e.reporter.Report(types.SignalingDisconnected)
}

func (e *Engine) startKeepaliveLocked(gen uint64, agent UserAgent) {
	stop := make(chan struct{})
	e.stopKeepalive = stop
	e.lastKeepalive = e.now()
	e.liveness = time.AfterFunc(e.cfg.KeepaliveTimeout, func() { e.livenessExpired(gen) })
	go e.keepaliveLoop(agent, e.cfg.KeepaliveInterval, stop)
}

func (e *Engine) keepaliveLoop(agent UserAgent, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := agent.SendKeepalive(); err != nil {
				e.logger.Debug().Err(err).Msg("keepalive not sent")
			}
		}
	}
}

func (e *Engine) keepaliveReceived(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.liveness == nil {
		return
	}
	e.lastKeepalive = e.now()
	e.liveness.Reset(e.cfg.KeepaliveTimeout)
}

func (e *Engine) livenessExpired(gen uint64) {
	e.mu.Lock()
	if e.gen != gen || e.agent == nil {
		e.mu.Unlock()
		return
	}
	timeout := e.cfg.KeepaliveTimeout
	agent := e.teardownLocked()
	ended := e.finishActiveLocked(types.StateFailed, types.CallFailed, types.CauseConnectionError, types.OriginatorSystem)
	e.mu.Unlock()

	e.logger.Error().Dur("timeout", timeout).Msg("no keepalive response, stopping connection")
	agent.Stop()
	e.reporter.ForceStop("signaling keepalive timed out")
	e.reporter.Report(types.SignalingFailed)
	if ended != nil {
		e.emit(*ended)
	}
}

// agentEvents adapts one agent generation's callbacks onto the engine
type agentEvents struct {
	e   *Engine
	gen uint64
}

func (a *agentEvents) current() bool {
	a.e.mu.Lock()
	defer a.e.mu.Unlock()
	return a.e.gen == a.gen
}

func (a *agentEvents) OnConnecting() {
	if a.current() {
		a.e.reporter.Report(types.SignalingConnecting)
	}
}

func (a *agentEvents) OnConnected() {
	if a.current() {
		a.e.reporter.Report(types.SignalingConnected)
	}
}

func (a *agentEvents) OnRegistered() {
	e := a.e
	e.mu.Lock()
	if e.gen != a.gen {
		e.mu.Unlock()
		return
	}
	e.registered = true
	e.quietUntil = time.Time{}
	e.deliverLocked(outcomeRegistered)
	e.mu.Unlock()

	e.reporter.Report(types.SignalingRegistered)
}

func (a *agentEvents) OnUnregistered() {
	e := a.e
	e.mu.Lock()
	if e.gen != a.gen {
		e.mu.Unlock()
		return
	}
	e.registered = false
	e.mu.Unlock()

	e.reporter.Report(types.SignalingUnregistered)
}

func (a *agentEvents) OnRegistrationFailed(cause types.Cause) {
	e := a.e
	e.mu.Lock()
	if e.gen != a.gen {
		e.mu.Unlock()
		return
	}
	e.registered = false
	racing := e.race != nil
	e.deliverLocked(outcomeFailed)
	e.mu.Unlock()

	e.logger.Warn().Str("cause", string(cause)).Msg("registration failed")
	e.reporter.Report(types.SignalingRegistrationFailed)
	if !racing {
		// a failed re-registration is handled like a lost connection
		a.lost()
	}
}

func (a *agentEvents) OnDisconnected(err error) {
	e := a.e
	e.mu.Lock()
	if e.gen != a.gen {
		e.mu.Unlock()
		return
	}
	e.registered = false
	if e.race != nil {
		e.deliverLocked(outcomeDisconnected)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.logger.Warn().Err(err).Msg("signaling disconnected")
	a.lost()
}

// lost tears down the agent after an unplanned loss and reports it
func (a *agentEvents) lost() {
	e := a.e
	e.mu.Lock()
	if e.gen != a.gen {
		e.mu.Unlock()
		return
	}
	agent := e.teardownLocked()
	ended := e.finishActiveLocked(types.StateFailed, types.CallFailed, types.CauseConnectionError, types.OriginatorSystem)
	e.mu.Unlock()

	if agent != nil {
		agent.Stop()
	}
	if ended != nil {
		e.emit(*ended)
	}
	e.notifyDisconnected()
}

func (a *agentEvents) OnNewSession(s sipua.Session) {
	if !a.current() {
		_ = s.Terminate()
		return
	}
	a.e.incoming(s)
}

func (a *agentEvents) OnKeepalive() {
	a.e.keepaliveReceived(a.gen)
}

// callEvents adapts one session's signaling callbacks onto its lifecycle
type callEvents struct {
	e    *Engine
	call *CallSession
}

func (h *callEvents) OnAccepted() {
	h.e.advance(h.call, types.StateAccepted, types.CallAccepted, nil)
}

func (h *callEvents) OnConfirmed() {
	h.e.advance(h.call, types.StateConfirmed, types.CallConfirmed, nil)
}

func (h *callEvents) OnEnded(originator types.Originator, cause types.Cause) {
	term := Describe(cause, h.call.Direction, originator)
	h.e.advance(h.call, types.StateEnded, types.CallEnded, &term)
}

func (h *callEvents) OnFailed(originator types.Originator, cause types.Cause) {
	term := Describe(cause, h.call.Direction, originator)
	h.e.advance(h.call, types.StateFailed, types.CallFailed, &term)
}
