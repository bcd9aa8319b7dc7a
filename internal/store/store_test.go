package store

import (
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

// manualScheduler records scheduled callbacks instead of running them
type manualScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (m *manualScheduler) schedule(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualScheduler) delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.timers))
	for _, t := range m.timers {
		out = append(out, t.delay)
	}
	return out
}

// fireLast runs the most recent timer if it was not cancelled
func (m *manualScheduler) fireLast() {
	m.mu.Lock()
	t := m.timers[len(m.timers)-1]
	m.mu.Unlock()
	if !t.stopped {
		t.fn()
	}
}

func newTestStore(maxSignaling int) (*Store, *manualScheduler) {
	sched := &manualScheduler{}
	s := New(Options{
		Feed:      Policy{},
		Signaling: Policy{MaxFailures: maxSignaling},
		Scheduler: sched.schedule,
	}, zerolog.Nop())
	return s, sched
}

func TestDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 1024 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Delay(tt.failures), "failures=%d", tt.failures)
	}

	// strictly increasing until saturation
	for n := 1; n < maxDoublings; n++ {
		assert.Greater(t, Delay(n+1), Delay(n))
	}
	assert.Positive(t, Delay(200))
}

func TestFullyOnlineRegardlessOfOrder(t *testing.T) {
	orders := [][]types.ConnectivityEvent{
		{types.IdentityReady, types.FeedConnected, types.SignalingConnected, types.SignalingRegistered},
		{types.SignalingConnected, types.SignalingRegistered, types.FeedConnected, types.IdentityReady},
		{types.FeedConnected, types.SignalingRegistered, types.IdentityReady},
	}

	for _, order := range orders {
		s, _ := newTestStore(3)
		fired := 0
		s.OnFullyOnline("test", func() { fired++ })

		for i, ev := range order {
			s.Report(ev)
			if i < len(order)-1 {
				assert.False(t, s.Snapshot().FullyOnline, "online too early after %v", ev)
			}
		}
		assert.True(t, s.Snapshot().FullyOnline)
		assert.Equal(t, 1, fired)
	}
}

func TestFullyOnlineIsEdgeTriggered(t *testing.T) {
	s, _ := newTestStore(3)
	fired := 0
	s.OnFullyOnline("test", func() { fired++ })

	s.Report(types.IdentityReady)
	s.Report(types.FeedConnected)
	s.Report(types.SignalingRegistered)
	require.Equal(t, 1, fired)

	// staying online does not re-fire
	s.Report(types.SignalingConnected)
	s.Report(types.DeviceProfileReady)
	assert.Equal(t, 1, fired)

	// dropping then returning re-fires once
	s.Report(types.FeedClosed)
	assert.False(t, s.Snapshot().FullyOnline)
	assert.Equal(t, 1, fired)
	s.Report(types.FeedConnected)
	assert.Equal(t, 2, fired)
}

func TestPartiallyOnline(t *testing.T) {
	s, _ := newTestStore(3)
	fired := 0
	s.OnPartiallyOnline("signaling", func() { fired++ })

	s.Report(types.IdentityReady)
	s.Report(types.FeedConnected)
	assert.Equal(t, 0, fired, "device profile missing")

	s.Report(types.DeviceProfileReady)
	assert.Equal(t, 1, fired)
	assert.True(t, s.Snapshot().PartiallyOnline)

	s.Report(types.SignalingRegistered)
	assert.False(t, s.Snapshot().PartiallyOnline)
	assert.True(t, s.Snapshot().FullyOnline)

	// identity drops, comes back while signaling is down
	s.Report(types.IdentityCleared)
	s.Report(types.SignalingFailed)
	assert.Equal(t, 1, fired)
	s.Report(types.IdentityReady)
	assert.Equal(t, 2, fired)
	s.Report(types.DeviceProfileReady)
	assert.Equal(t, 2, fired)
}

func TestCallbacksReplacedByName(t *testing.T) {
	s, _ := newTestStore(3)
	first, second := 0, 0
	s.OnFullyOnline("view", func() { first++ })
	s.OnFullyOnline("view", func() { second++ })
	s.OnFullyOnline("gone", func() { t.Error("removed callback fired") })
	s.RemoveCallbacks("gone")

	s.Report(types.IdentityReady)
	s.Report(types.FeedConnected)
	s.Report(types.SignalingRegistered)

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestFeedBackoff(t *testing.T) {
	s, sched := newTestStore(3)
	reconnects := 0
	s.SetReconnectors(func() { reconnects++ }, nil)
	s.Report(types.IdentityReady)

	for i := 0; i < 6; i++ {
		s.Report(types.FeedDisconnected)
	}
	assert.Equal(t, []time.Duration{0, Delay(2), Delay(3), Delay(4), Delay(5), Delay(6)}, sched.delays())
	assert.False(t, s.Stopped(), "feed retries are unbounded")

	sched.fireLast()
	assert.Equal(t, 1, reconnects)

	// success resets, the next failure is immediate and the one after backs off from 2^2
	s.Report(types.FeedConnected)
	assert.Equal(t, 0, s.Snapshot().FeedFailures)
	s.Report(types.FeedDisconnected)
	s.Report(types.FeedDisconnected)
	d := sched.delays()
	assert.Equal(t, []time.Duration{0, Delay(2)}, d[len(d)-2:])
}

func TestStaleTimerIgnoredAfterSuccess(t *testing.T) {
	s, sched := newTestStore(3)
	reconnects := 0
	s.SetReconnectors(func() { reconnects++ }, nil)
	s.Report(types.IdentityReady)

	s.Report(types.FeedDisconnected)
	s.Report(types.FeedConnected)
	sched.fireLast()

	assert.Equal(t, 0, reconnects)
}

func TestNoReconnectWithoutIdentity(t *testing.T) {
	s, sched := newTestStore(3)
	s.Report(types.FeedDisconnected)
	s.Report(types.SignalingDisconnected)
	assert.Empty(t, sched.delays())
}

func TestSignalingForcedStopOnFourthFailure(t *testing.T) {
	s, sched := newTestStore(3)
	signalingReconnects := 0
	s.SetReconnectors(nil, func() { signalingReconnects++ })
	var reasons []string
	s.OnStopped("engine", func(reason string) { reasons = append(reasons, reason) })
	s.Report(types.IdentityReady)

	for i := 0; i < 3; i++ {
		s.Report(types.SignalingDisconnected)
		sched.fireLast()
	}
	assert.Equal(t, []time.Duration{0, Delay(2), Delay(3)}, sched.delays())
	assert.Equal(t, 3, signalingReconnects)
	assert.False(t, s.Stopped())

	s.Report(types.SignalingDisconnected)
	assert.True(t, s.Stopped())
	require.Len(t, reasons, 1)

	// further failures neither schedule nor stop again
	s.Report(types.SignalingDisconnected)
	s.Report(types.FeedDisconnected)
	assert.Len(t, sched.delays(), 3)
	assert.Len(t, reasons, 1)
	assert.Equal(t, 3, signalingReconnects)
}

func TestRegisteredResetsSignalingFailures(t *testing.T) {
	s, _ := newTestStore(3)
	s.Report(types.IdentityReady)

	for i := 0; i < 10; i++ {
		s.Report(types.SignalingDisconnected)
		s.Report(types.SignalingDisconnected)
		s.Report(types.SignalingRegistered)
	}
	assert.False(t, s.Stopped())
	assert.Equal(t, 0, s.Snapshot().SignalingFailures)
}

func TestForcedStopKeepsOnlineFlags(t *testing.T) {
	s, sched := newTestStore(3)
	s.Report(types.IdentityReady)
	s.Report(types.FeedConnected)
	s.Report(types.SignalingRegistered)

	s.ForceStop("invalid device")
	s.ForceStop("again")

	snap := s.Snapshot()
	assert.True(t, snap.ConnectionStopped)
	assert.Equal(t, "invalid device", snap.StopReason)
	assert.True(t, snap.FullyOnline)

	s.Report(types.FeedDisconnected)
	assert.Empty(t, sched.delays())

	s.ClearStop()
	s.Report(types.FeedDisconnected)
	assert.Equal(t, []time.Duration{0}, sched.delays())
}

type recordingObserver struct {
	events     []types.ConnectivityEvent
	reconnects []types.Channel
}

func (o *recordingObserver) ConnectivityChanged(ev types.ConnectivityEvent, _ types.ConnectivitySnapshot) {
	o.events = append(o.events, ev)
}

func (o *recordingObserver) ReconnectScheduled(ch types.Channel, _ int, _ time.Duration) {
	o.reconnects = append(o.reconnects, ch)
}

func TestObserver(t *testing.T) {
	s, _ := newTestStore(3)
	o := &recordingObserver{}
	s.AddObserver(o)

	s.Report(types.IdentityReady)
	s.Report(types.SignalingDisconnected)

	assert.Equal(t, []types.ConnectivityEvent{types.IdentityReady, types.SignalingDisconnected}, o.events)
	assert.Equal(t, []types.Channel{types.ChannelSignaling}, o.reconnects)
}
