package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
	"github.com/rs/zerolog"
)

// Observer is told about every processed event and every scheduled reconnect
type Observer interface {
	ConnectivityChanged(ev types.ConnectivityEvent, snap types.ConnectivitySnapshot)
	ReconnectScheduled(ch types.Channel, attempt int, delay time.Duration)
}

// Options configures a Store
type Options struct {
	Feed      Policy
	Signaling Policy
	// Scheduler replaces time.AfterFunc, mainly for tests
	Scheduler Scheduler
}

type namedCallback struct {
	name string
	fn   func()
}

type stopCallback struct {
	name string
	fn   func(reason string)
}

type channel struct {
	name      types.Channel
	policy    Policy
	failures  int
	timer     Timer
	reconnect func()
}

// Store reconciles readiness signals from identity, device profile, the
// change feed and the signaling agent. State changes are applied under one
// lock in arrival order; callbacks run after the lock is released.
type Store struct {
	logger zerolog.Logger
	after  Scheduler

	mu                  sync.Mutex
	hasIdentity         bool
	hasDeviceProfile    bool
	feedConnected       bool
	signalingConnected  bool
	signalingRegistered bool
	partial             bool
	full                bool
	stopped             bool
	stopReason          string

	partialCallbacks []namedCallback
	fullCallbacks    []namedCallback
	stopCallbacks    []stopCallback
	observers        []Observer

	feed      *channel
	signaling *channel
}

// New creates a store
func New(opts Options, logger zerolog.Logger) *Store {
	after := opts.Scheduler
	if after == nil {
		after = afterFunc
	}
	return &Store{
		logger:    logger.With().Str("component", "store").Logger(),
		after:     after,
		feed:      &channel{name: types.ChannelFeed, policy: opts.Feed},
		signaling: &channel{name: types.ChannelSignaling, policy: opts.Signaling},
	}
}

// SetReconnectors installs the functions the store calls to reconnect each channel
func (s *Store) SetReconnectors(feed, signaling func()) {
	s.mu.Lock()
	s.feed.reconnect = feed
	s.signaling.reconnect = signaling
	s.mu.Unlock()
}

// AddObserver registers an observer
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// OnPartiallyOnline registers fn under name, replacing any previous callback
// with that name. It fires on every transition into the partially online state.
func (s *Store) OnPartiallyOnline(name string, fn func()) {
	s.mu.Lock()
	s.partialCallbacks = upsert(s.partialCallbacks, name, fn)
	s.mu.Unlock()
}

// OnFullyOnline registers fn under name for transitions into fully online
func (s *Store) OnFullyOnline(name string, fn func()) {
	s.mu.Lock()
	s.fullCallbacks = upsert(s.fullCallbacks, name, fn)
	s.mu.Unlock()
}

// OnStopped registers fn under name for the forced-stop condition
func (s *Store) OnStopped(name string, fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cb := range s.stopCallbacks {
		if cb.name == name {
			s.stopCallbacks[i].fn = fn
			return
		}
	}
	s.stopCallbacks = append(s.stopCallbacks, stopCallback{name: name, fn: fn})
}

// RemoveCallbacks drops every callback registered under name
func (s *Store) RemoveCallbacks(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialCallbacks = remove(s.partialCallbacks, name)
	s.fullCallbacks = remove(s.fullCallbacks, name)
	for i, cb := range s.stopCallbacks {
		if cb.name == name {
			s.stopCallbacks = append(s.stopCallbacks[:i], s.stopCallbacks[i+1:]...)
			break
		}
	}
}

// Report applies one connectivity event
func (s *Store) Report(ev types.ConnectivityEvent) {
	s.mu.Lock()
	var actions []func()

	switch ev {
	case types.IdentityReady:
		s.hasIdentity = true
	case types.IdentityCleared:
		s.hasIdentity = false
		s.resetChannelLocked(s.feed)
		s.resetChannelLocked(s.signaling)
	case types.DeviceProfileReady:
		s.hasDeviceProfile = true
	case types.DeviceProfileFailed:
		s.hasDeviceProfile = false
	case types.FeedConnected:
		s.feedConnected = true
		s.resetChannelLocked(s.feed)
	case types.FeedDisconnected:
		s.feedConnected = false
		actions = append(actions, s.failureLocked(s.feed)...)
	case types.FeedClosed:
		s.feedConnected = false
	case types.SignalingConnecting:
	case types.SignalingConnected:
		s.signalingConnected = true
	case types.SignalingRegistered:
		// registration implies a connected socket
		s.signalingConnected = true
		s.signalingRegistered = true
		s.resetChannelLocked(s.signaling)
	case types.SignalingUnregistered, types.SignalingRegistrationFailed:
		s.signalingRegistered = false
	case types.SignalingDisconnected:
		s.signalingConnected = false
		s.signalingRegistered = false
		actions = append(actions, s.failureLocked(s.signaling)...)
	case types.SignalingFailed, types.SignalingStopped:
		s.signalingConnected = false
		s.signalingRegistered = false
	default:
		s.logger.Warn().Int("event", int(ev)).Msg("unknown connectivity event")
	}

	actions = append(actions, s.evaluateLocked()...)
	snap := s.snapshotLocked()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	s.logger.Debug().
		Str("event", ev.String()).
		Bool("partially_online", snap.PartiallyOnline).
		Bool("fully_online", snap.FullyOnline).
		Msg("connectivity event")

	for _, action := range actions {
		action()
	}
	for _, o := range observers {
		o.ConnectivityChanged(ev, snap)
	}
}

// ForceStop halts all automatic reconnection until ClearStop is called.
// Only the first call has an effect.
func (s *Store) ForceStop(reason string) {
	s.mu.Lock()
	actions := s.forceStopLocked(reason)
	s.mu.Unlock()

	for _, action := range actions {
		action()
	}
}

// ClearStop lifts a forced stop and resets both failure counters
func (s *Store) ClearStop() {
	s.mu.Lock()
	s.stopped = false
	s.stopReason = ""
	s.resetChannelLocked(s.feed)
	s.resetChannelLocked(s.signaling)
	s.mu.Unlock()

	s.logger.Info().Msg("forced stop cleared")
}

// Stopped reports whether a forced stop is in effect
func (s *Store) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Snapshot returns the current derived state
func (s *Store) Snapshot() types.ConnectivitySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) partiallyOnlineLocked() bool {
	return s.hasIdentity && s.hasDeviceProfile && s.feedConnected &&
		!(s.signalingConnected && s.signalingRegistered)
}

func (s *Store) fullyOnlineLocked() bool {
	return s.hasIdentity && s.feedConnected && s.signalingConnected && s.signalingRegistered
}

// evaluateLocked recomputes both flags and returns the callbacks owed for
// upward transitions. A flag that drops re-arms its callbacks.
func (s *Store) evaluateLocked() []func() {
	var actions []func()

	partial := s.partiallyOnlineLocked()
	if partial && !s.partial {
		for _, cb := range s.partialCallbacks {
			actions = append(actions, cb.fn)
		}
	}
	s.partial = partial

	full := s.fullyOnlineLocked()
	if full && !s.full {
		for _, cb := range s.fullCallbacks {
			actions = append(actions, cb.fn)
		}
	}
	s.full = full

	return actions
}

// failureLocked counts a channel failure and schedules its reconnect
func (s *Store) failureLocked(ch *channel) []func() {
	if !s.hasIdentity {
		s.logger.Debug().Str("channel", string(ch.name)).Msg("no identity, not reconnecting")
		return nil
	}
	if s.stopped {
		ch.failures = 0
		s.logger.Debug().Str("channel", string(ch.name)).Msg("connection stopped, not reconnecting")
		return nil
	}

	ch.failures++
	if ch.policy.exhausted(ch.failures) {
		ch.failures = 0
		return s.forceStopLocked(fmt.Sprintf("%s failed %d consecutive times", ch.name, ch.policy.MaxFailures+1))
	}

	attempt := ch.failures
	delay := ch.policy.next(attempt)
	if ch.timer != nil {
		ch.timer.Stop()
	}
	ch.timer = s.after(delay, func() { s.runReconnect(ch, attempt) })

	s.logger.Info().
		Str("channel", string(ch.name)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")

	observers := append([]Observer(nil), s.observers...)
	return []func(){func() {
		for _, o := range observers {
			o.ReconnectScheduled(ch.name, attempt, delay)
		}
	}}
}

func (s *Store) runReconnect(ch *channel, attempt int) {
	s.mu.Lock()
	if s.stopped || !s.hasIdentity || ch.failures != attempt {
		s.mu.Unlock()
		return
	}
	ch.timer = nil
	reconnect := ch.reconnect
	s.mu.Unlock()

	if reconnect != nil {
		s.logger.Debug().Str("channel", string(ch.name)).Int("attempt", attempt).Msg("reconnecting")
		reconnect()
	}
}

func (s *Store) forceStopLocked(reason string) []func() {
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.stopReason = reason
	s.cancelTimerLocked(s.feed)
	s.cancelTimerLocked(s.signaling)
	s.feed.failures = 0

	s.logger.Error().Str("reason", reason).Msg("connection stopped")

	var actions []func()
	for _, cb := range s.stopCallbacks {
		fn := cb.fn
		actions = append(actions, func() { fn(reason) })
	}
	return actions
}

func (s *Store) resetChannelLocked(ch *channel) {
	ch.failures = 0
	s.cancelTimerLocked(ch)
}

func (s *Store) cancelTimerLocked(ch *channel) {
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
}

func (s *Store) snapshotLocked() types.ConnectivitySnapshot {
	return types.ConnectivitySnapshot{
		HasIdentity:         s.hasIdentity,
		HasDeviceProfile:    s.hasDeviceProfile,
		FeedConnected:       s.feedConnected,
		SignalingConnected:  s.signalingConnected,
		SignalingRegistered: s.signalingRegistered,
		PartiallyOnline:     s.partial,
		FullyOnline:         s.full,
		ConnectionStopped:   s.stopped,
		StopReason:          s.stopReason,
		FeedFailures:        s.feed.failures,
		SignalingFailures:   s.signaling.failures,
	}
}

func upsert(list []namedCallback, name string, fn func()) []namedCallback {
	for i, cb := range list {
		if cb.name == name {
			list[i].fn = fn
			return list
		}
	}
	return append(list, namedCallback{name: name, fn: fn})
}

func remove(list []namedCallback, name string) []namedCallback {
	for i, cb := range list {
		if cb.name == name {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
