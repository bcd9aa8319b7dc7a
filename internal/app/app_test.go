package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dennisdiepolder/monti/webphone/internal/config"
	"github.com/dennisdiepolder/monti/webphone/internal/devices"
	"github.com/dennisdiepolder/monti/webphone/internal/identity"
	"github.com/dennisdiepolder/monti/webphone/internal/phone"
	"github.com/dennisdiepolder/monti/webphone/internal/sipua"
	"github.com/dennisdiepolder/monti/webphone/internal/store"
	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

// feedServer accepts change-feed sockets and records their query strings
type feedServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	queries []url.Values
	frames  []string
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	f := &feedServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.Query())
		f.mu.Unlock()
		go func() {
			defer conn.Close()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				f.mu.Lock()
				f.frames = append(f.frames, string(data))
				f.mu.Unlock()
			}
		}()
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.URL, "http")
}

func (f *feedServer) connections() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.queries...)
}

func (f *feedServer) received(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, frame := range f.frames {
		if strings.Contains(frame, substr) {
			return true
		}
	}
	return false
}

type fakeAgent struct {
	cfg     sipua.Config
	handler sipua.Handler
	fail    bool
	silent  bool

	mu      sync.Mutex
	stopped bool
}

func (a *fakeAgent) Start(ctx context.Context) error {
	if a.fail {
		return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	a.handler.OnConnecting()
	a.handler.OnConnected()
	a.handler.OnRegistered()
	return nil
}

func (a *fakeAgent) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
}

func (a *fakeAgent) SendKeepalive() error {
	if a.silent {
		return nil
	}
	a.handler.OnKeepalive()
	return nil
}

func (a *fakeAgent) Call(ctx context.Context, req sipua.CallRequest, h sipua.SessionHandler) (sipua.Session, error) {
	return nil, errors.New("not supported")
}

func (a *fakeAgent) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

type agentFarm struct {
	mu     sync.Mutex
	fail   bool
	silent bool
	agents []*fakeAgent
}

func (f *agentFarm) factory(cfg sipua.Config, h sipua.Handler) phone.UserAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeAgent{cfg: cfg, handler: h, fail: f.fail, silent: f.silent}
	f.agents = append(f.agents, a)
	return a
}

func (f *agentFarm) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *agentFarm) setSilent(silent bool) {
	f.mu.Lock()
	f.silent = silent
	f.mu.Unlock()
}

func (f *agentFarm) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.agents)
}

func (f *agentFarm) last() *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.agents) == 0 {
		return nil
	}
	return f.agents[len(f.agents)-1]
}

type memoryStore struct {
	mu    sync.Mutex
	calls []types.CallRecord
}

func (m *memoryStore) SaveRecord(ctx context.Context, rec types.AuditRecord) error { return nil }

func (m *memoryStore) SaveCall(ctx context.Context, rec types.CallRecord) error {
	m.mu.Lock()
	m.calls = append(m.calls, rec)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Records(ctx context.Context, dateKey string) ([]types.AuditRecord, error) {
	return nil, nil
}

func (m *memoryStore) Calls(ctx context.Context, dateKey, memberID string) ([]types.CallRecord, error) {
	return nil, nil
}

func testConfig(feedURL string) *config.Config {
	return &config.Config{
		AuditBuffer: 200,
		Feed: config.FeedConfig{
			URL:              feedURL,
			ConnectTimeout:   time.Second,
			LivenessInterval: time.Second,
			StaleAfter:       time.Minute,
		},
		SIP: config.SIPConfig{
			WSURL:              "wss://pbx.example.com/ws",
			Domain:             "example.com",
			ConnectTimeout:     time.Second,
			KeepaliveInterval:  50 * time.Millisecond,
			KeepaliveTimeout:   5 * time.Second,
			DisconnectDebounce: time.Millisecond,
			MaxFailures:        3,
			RegisterExpires:    600,
		},
	}
}

// quickScheduler fires reconnects almost immediately regardless of backoff
func quickScheduler(d time.Duration, f func()) store.Timer {
	return time.AfterFunc(5*time.Millisecond, f)
}

func newTestApp(t *testing.T, cfg *config.Config, farm *agentFarm, auditStore *memoryStore) *App {
	t.Helper()
	opts := Options{
		Config:    cfg,
		NewAgent:  farm.factory,
		Devices:   devices.NewStatic(devices.PermissionGranted, devices.Device{ID: "mic", Kind: devices.KindInput}, devices.Device{ID: "spk", Kind: devices.KindOutput}),
		Scheduler: quickScheduler,
	}
	if auditStore != nil {
		opts.AuditStore = auditStore
	}
	a, err := New(opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	return a
}

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	require.NoError(t, err)
	return signed
}

func hasCode(a *App, code types.ErrorCode) bool {
	for _, rec := range a.Audit.Latest(0) {
		if rec.Code == code.Code {
			return true
		}
	}
	return false
}

func hasAction(a *App, action string) bool {
	for _, rec := range a.Audit.Latest(0) {
		if rec.Action == action {
			return true
		}
	}
	return false
}

func TestStartReachesFullyOnline(t *testing.T) {
	feed := newFeedServer(t)
	farm := &agentFarm{}
	a := newTestApp(t, testConfig(feed.wsURL()), farm, nil)

	tok := token(t, jwt.MapClaims{"sub": "user-1", "memberId": "m-1", "deviceUserName": "1001", "devicePinCode": "secret"})
	require.NoError(t, a.Start(context.Background(), tok))

	require.Eventually(t, func() bool { return a.Store.Snapshot().FullyOnline }, 2*time.Second, 10*time.Millisecond)

	conns := feed.connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "m-1", conns[0].Get("userid"))
	assert.NotEmpty(t, conns[0].Get("appId"))

	agent := farm.last()
	require.NotNil(t, agent)
	assert.Equal(t, "1001", agent.cfg.Username)
	assert.Equal(t, "secret", agent.cfg.Password)
	assert.Equal(t, "example.com", agent.cfg.Domain)
	assert.Equal(t, "wss://pbx.example.com/ws", agent.cfg.WSURL)
	assert.Equal(t, 600*time.Second, agent.cfg.RegisterExpires)

	require.Eventually(t, func() bool { return hasAction(a, "fully-online") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "m-1", a.Identity().MemberID)
	assert.ErrorIs(t, a.Start(context.Background(), tok), ErrAlreadyStarted)

	a.Stop()
	assert.True(t, agent.isStopped())
	snap := a.Store.Snapshot()
	assert.False(t, snap.FeedConnected)
	assert.False(t, snap.SignalingRegistered)
	assert.False(t, snap.ConnectionStopped)
	require.Eventually(t, func() bool { return feed.received("DeregisterOperationLog") }, time.Second, 10*time.Millisecond)
}

func TestStartRejectsMissingToken(t *testing.T) {
	feed := newFeedServer(t)
	a := newTestApp(t, testConfig(feed.wsURL()), &agentFarm{}, nil)

	err := a.Start(context.Background(), "")
	require.ErrorIs(t, err, identity.ErrMissingToken)
	assert.True(t, hasCode(a, types.ErrAuthFailure))
	assert.Empty(t, feed.connections())
	assert.ErrorIs(t, a.Reconnect(), ErrNotStarted)
}

func TestMissingDeviceProfileKeepsSignalingDown(t *testing.T) {
	feed := newFeedServer(t)
	farm := &agentFarm{}
	a := newTestApp(t, testConfig(feed.wsURL()), farm, nil)

	require.NoError(t, a.Start(context.Background(), token(t, jwt.MapClaims{"sub": "user-2"})))
	require.Eventually(t, func() bool { return a.Store.Snapshot().FeedConnected }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	snap := a.Store.Snapshot()
	assert.False(t, snap.HasDeviceProfile)
	assert.False(t, snap.PartiallyOnline)
	assert.Equal(t, 0, farm.count())
	assert.True(t, hasCode(a, types.ErrInvalidDeviceInformation))
}

func TestSignalingFailuresForceStopUntilReconnect(t *testing.T) {
	feed := newFeedServer(t)
	farm := &agentFarm{fail: true}
	a := newTestApp(t, testConfig(feed.wsURL()), farm, nil)

	require.NoError(t, a.Start(context.Background(), token(t, jwt.MapClaims{"memberId": "m-3", "deviceUserName": "1003"})))

	require.Eventually(t, func() bool { return a.Store.Stopped() }, 3*time.Second, 10*time.Millisecond)
	// the initial attempt plus three reconnects
	assert.Equal(t, 4, farm.count())
	require.Eventually(t, func() bool { return hasCode(a, types.ErrConnectionStopped) }, time.Second, 10*time.Millisecond)
	assert.True(t, hasCode(a, types.ErrTelephonyNetwork))
	assert.True(t, hasAction(a, "reconnect-scheduled"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, farm.count(), "no reconnects while stopped")

	farm.setFail(false)
	require.NoError(t, a.Reconnect())
	require.Eventually(t, func() bool { return a.Store.Snapshot().FullyOnline }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, a.Store.Stopped())
}

func TestKeepaliveExpiryStaysStoppedUntilReconnect(t *testing.T) {
	feed := newFeedServer(t)
	farm := &agentFarm{silent: true}
	cfg := testConfig(feed.wsURL())
	cfg.SIP.KeepaliveInterval = 20 * time.Millisecond
	cfg.SIP.KeepaliveTimeout = 100 * time.Millisecond
	a := newTestApp(t, cfg, farm, nil)

	require.NoError(t, a.Start(context.Background(), token(t, jwt.MapClaims{"memberId": "m-9", "deviceUserName": "1009"})))

	require.Eventually(t, func() bool { return a.Store.Stopped() }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return farm.last().isStopped() }, time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, farm.count(), "signaling must not restart while stopped")
	assert.False(t, a.Phone.Status().Initialised)
	snap := a.Store.Snapshot()
	assert.True(t, snap.ConnectionStopped)
	assert.False(t, snap.SignalingRegistered)

	farm.setSilent(false)
	require.NoError(t, a.Reconnect())
	require.Eventually(t, func() bool { return a.Store.Snapshot().FullyOnline }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, farm.count())
	assert.False(t, a.Store.Stopped())
}

func TestFeedReconnectsAfterServerDrop(t *testing.T) {
	var mu sync.Mutex
	var conns []*websocket.Conn
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	defer srv.Close()

	a := newTestApp(t, testConfig("ws"+strings.TrimPrefix(srv.URL, "http")), &agentFarm{}, nil)
	require.NoError(t, a.Start(context.Background(), token(t, jwt.MapClaims{"memberId": "m-4", "deviceUserName": "1004"})))
	require.Eventually(t, func() bool { return a.Store.Snapshot().FullyOnline }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	conns[0].Close()
	mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.Store.Snapshot().FeedConnected }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, a.Store.Stopped())
}

func TestTerminalCallEventsArePersisted(t *testing.T) {
	feed := newFeedServer(t)
	records := &memoryStore{}
	a := newTestApp(t, testConfig(feed.wsURL()), &agentFarm{}, records)
	require.NoError(t, a.Start(context.Background(), token(t, jwt.MapClaims{"memberId": "m-5", "deviceUserName": "1005"})))

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	call := types.CallSummary{
		SessionID:      "s-1",
		Direction:      types.DirectionInbound,
		Classification: types.ClassFlow,
		State:          types.StateEnded,
		StartedAt:      started,
	}
	a.OnCallEvent(types.CallEvent{Kind: types.CallConfirmed, Call: call, Timestamp: started})
	a.OnCallEvent(types.CallEvent{
		Kind:        types.CallEnded,
		Call:        call,
		Termination: &types.Termination{Cause: types.CauseBye, Title: "Call Ended", Originator: types.OriginatorRemote},
		Timestamp:   started.Add(90 * time.Second),
	})
	a.Audit.Flush()

	records.mu.Lock()
	defer records.mu.Unlock()
	require.Len(t, records.calls, 1)
	rec := records.calls[0]
	assert.Equal(t, "m-5", rec.MemberID)
	assert.Equal(t, "s-1", rec.SessionID)
	assert.Equal(t, "2026-03-01", rec.DateKey)
	assert.InDelta(t, 90, rec.Duration, 0.001)
	assert.True(t, hasAction(a, "call-ended"))
}

func TestDeviceErrorIsRecorded(t *testing.T) {
	a := newTestApp(t, testConfig("ws://127.0.0.1:1"), &agentFarm{}, nil)
	a.OnDeviceError(devices.MissingDevicesError(false, true))

	recs := a.Audit.Latest(1)
	require.Len(t, recs, 1)
	assert.Equal(t, "device-error", recs[0].Action)
	assert.Equal(t, string(devices.ReasonMissingInput), recs[0].Data["reason"])
}

func TestTelephonyCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCode
		ok   bool
	}{
		{"timeout", phone.ErrRegistrationTimeout, types.ErrTelephonyTimeout, true},
		{"registration", phone.ErrRegistrationFailed, types.ErrTelephonyRegistration, true},
		{"disconnected", phone.ErrDisconnected, types.ErrTelephonyNetwork, true},
		{"wrapped dial error", fmt.Errorf("dial: %w", &net.OpError{Op: "dial", Err: errors.New("refused")}), types.ErrTelephonyNetwork, true},
		{"destroyed", phone.ErrDestroyed, types.ErrorCode{}, false},
		{"canceled", context.Canceled, types.ErrorCode{}, false},
		{"device", fmt.Errorf("check devices: %w", devices.MissingDevicesError(true, false)), types.ErrorCode{}, false},
		{"other", errors.New("boom"), types.ErrTelephonyUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := telephonyCode(tt.err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignalingURL(t *testing.T) {
	fallback := "wss://pbx.example.com/ws"
	assert.Equal(t, fallback, signalingURL(fallback, &identity.Identity{}))
	assert.Equal(t, "wss://sip.example.net/ws", signalingURL(fallback, &identity.Identity{Host: "sip.example.net"}))
	assert.Equal(t, "wss://sip.example.net:7443/ws", signalingURL(fallback, &identity.Identity{Host: "sip.example.net", Port: 7443}))
}
