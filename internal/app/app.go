// Package app wires the connectivity core together. An App owns the
// reconciliation store, the change-feed client, the call engine and the
// ambient sinks, and translates store transitions into channel actions.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/webphone/internal/audit"
	"github.com/dennisdiepolder/monti/webphone/internal/config"
	"github.com/dennisdiepolder/monti/webphone/internal/devices"
	"github.com/dennisdiepolder/monti/webphone/internal/events"
	"github.com/dennisdiepolder/monti/webphone/internal/feed"
	"github.com/dennisdiepolder/monti/webphone/internal/identity"
	"github.com/dennisdiepolder/monti/webphone/internal/metrics"
	"github.com/dennisdiepolder/monti/webphone/internal/phone"
	"github.com/dennisdiepolder/monti/webphone/internal/sipua"
	"github.com/dennisdiepolder/monti/webphone/internal/store"
	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

var (
	ErrNotStarted     = errors.New("app not started")
	ErrAlreadyStarted = errors.New("app already started")
)

// Store callback names
const (
	callbackSignaling = "signaling"
	callbackStatus    = "status"
	callbackStopped   = "app"
)

// Options wires collaborators that differ between production and tests
type Options struct {
	Config *config.Config
	// NewAgent builds the signaling agent; nil uses sipua.NewAgent
	NewAgent phone.AgentFactory
	Media    sipua.MediaFactory
	Devices  devices.Checker
	// AuditStore persists audit records; nil keeps them in memory only
	AuditStore audit.Store
	Scheduler  store.Scheduler
	// Feed overrides transport settings config does not cover, such as the dialer
	Feed feed.TransportOptions
}

// App is the explicit context object of one webphone process
type App struct {
	cfg      *config.Config
	logger   zerolog.Logger
	resolver *identity.Resolver

	Store   *store.Store
	Feed    *feed.Client
	Phone   *phone.Engine
	Audit   *audit.Sink
	Metrics *metrics.Metrics
	Events  *events.Hub

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	identity *identity.Identity
	wg       sync.WaitGroup
}

// New builds an App. Nothing connects until Start.
func New(opts Options, logger zerolog.Logger) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	resolver, err := identity.NewResolver(cfg.Identity.JWKSURL, identity.Defaults{
		MemberID: cfg.Identity.MemberID,
		UserName: cfg.SIP.Username,
		PinCode:  cfg.SIP.Password,
		Domain:   cfg.SIP.Domain,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("identity resolver: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger.With().Str("component", "app").Logger(),
		resolver: resolver,
		Audit:    audit.New(opts.AuditStore, cfg.AuditBuffer, logger),
		Metrics:  metrics.New(),
		Events:   events.NewHub(logger),
	}

	a.Store = store.New(store.Options{
		Signaling: store.Policy{MaxFailures: cfg.SIP.MaxFailures},
		Scheduler: opts.Scheduler,
	}, logger)

	transport := opts.Feed
	transport.ConnectTimeout = cfg.Feed.ConnectTimeout
	transport.LivenessInterval = cfg.Feed.LivenessInterval
	transport.StaleAfter = cfg.Feed.StaleAfter
	transport.OnStale = a.feedStale
	a.Feed = feed.NewClient(feed.ClientOptions{
		URL:          cfg.Feed.URL,
		Transport:    transport,
		PruneFlushed: cfg.Feed.PruneFlushed,
		OnMessage: func(direction string, _ types.Envelope) {
			a.Metrics.RecordFeedMessage(direction)
		},
	}, a.Store, logger)

	newAgent := opts.NewAgent
	if newAgent == nil {
		newAgent = func(c sipua.Config, h sipua.Handler) phone.UserAgent {
			return sipua.NewAgent(c, h, logger)
		}
	}
	media := opts.Media
	a.Phone = phone.New(phone.Options{
		NewAgent: func(c sipua.Config, h sipua.Handler) phone.UserAgent {
			if c.Media == nil {
				c.Media = media
			}
			return newAgent(c, h)
		},
		Devices:  opts.Devices,
		Reporter: a.Store,
	}, logger)

	a.Phone.AddObserver(a)
	a.Store.AddObserver(a)
	a.Store.SetReconnectors(a.reconnectFeed, a.reconnectSignaling)
	a.Store.OnPartiallyOnline(callbackSignaling, a.partiallyOnline)
	a.Store.OnFullyOnline(callbackStatus, a.fullyOnline)
	a.Store.OnStopped(callbackStopped, a.stopped)

	return a, nil
}

// Start resolves the identity from token, reports the device profile and
// connects the change feed. The signaling agent follows once the store is
// partially online. A failed feed connect is left to the reconnect policy.
func (a *App) Start(ctx context.Context, token string) error {
	a.mu.Lock()
	if a.ctx != nil && a.ctx.Err() == nil {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.mu.Unlock()

	id, err := a.resolver.Resolve(token)
	if err != nil {
		a.Audit.Error(types.ErrAuthFailure, map[string]any{"error": err.Error()})
		return fmt.Errorf("resolve identity: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.ctx, a.cancel = runCtx, cancel
	a.identity = id
	a.mu.Unlock()

	a.Audit.Action("identity-ready", map[string]any{"member_id": id.MemberID})
	a.Store.Report(types.IdentityReady)

	if id.Device.UserName == "" || id.Domain == "" {
		a.Audit.Error(types.ErrInvalidDeviceInformation, map[string]any{"member_id": id.MemberID})
		a.Store.Report(types.DeviceProfileFailed)
	} else {
		a.Store.Report(types.DeviceProfileReady)
	}

	a.Feed.SetToken(token)
	if err := a.Feed.Start(runCtx, id.MemberID); err != nil {
		a.Audit.Error(types.ErrFeedRegistration, map[string]any{"error": err.Error()})
	}
	return nil
}

// Stop deregisters from the feed, closes it and destroys the agent.
// Subscriptions stay registered locally for a later Start.
func (a *App) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return
	}

	a.mu.Lock()
	cancel()
	a.cancel = nil
	a.mu.Unlock()

	a.Feed.Stop()
	a.Phone.Destroy()
	a.wg.Wait()
	a.Audit.Flush()
	a.logger.Info().Msg("stopped")
}

// Logout stops everything and forgets the identity and subscriptions
func (a *App) Logout() {
	a.Feed.DeregisterAll(true)
	a.Stop()

	a.mu.Lock()
	a.identity = nil
	a.mu.Unlock()
	a.Store.Report(types.IdentityCleared)
	a.Audit.Action("logout", nil)
}

// Reconnect lifts a forced stop and restarts both channels
func (a *App) Reconnect() error {
	a.mu.Lock()
	started := a.identity != nil && a.ctx != nil && a.ctx.Err() == nil
	a.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	a.Store.ClearStop()
	a.Audit.Action("manual-reconnect", nil)

	if !a.Feed.IsConnected() {
		a.reconnectFeed()
	}
	a.reconnectSignaling()
	return nil
}

// Identity returns the resolved identity, nil before Start
func (a *App) Identity() *identity.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// Snapshot returns the store's connectivity state
func (a *App) Snapshot() types.ConnectivitySnapshot {
	return a.Store.Snapshot()
}

// Subscriptions returns the composite ids held by the feed client
func (a *App) Subscriptions() []string {
	return a.Feed.Subscriptions()
}

// AuditRecords returns up to limit records, newest first
func (a *App) AuditRecords(limit int) []types.AuditRecord {
	return a.Audit.Latest(limit)
}

// spawn runs fn in a tracked goroutine bound to the run context. Store
// callbacks and reconnectors must not block, so channel work goes here.
func (a *App) spawn(fn func(ctx context.Context)) {
	a.mu.Lock()
	ctx := a.ctx
	if ctx == nil || ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		fn(ctx)
	}()
}

func (a *App) reconnectFeed() {
	a.spawn(func(ctx context.Context) {
		if err := a.Feed.Reconnect(ctx); err != nil {
			a.logger.Debug().Err(err).Msg("feed reconnect failed")
		}
	})
}

func (a *App) reconnectSignaling() {
	a.spawn(func(ctx context.Context) {
		a.Phone.Destroy()
		a.initialiseSignaling(ctx)
	})
}

func (a *App) partiallyOnline() {
	a.spawn(a.initialiseSignaling)
}

func (a *App) initialiseSignaling(ctx context.Context) {
	if a.Store.Stopped() {
		a.logger.Debug().Msg("connection stopped, not initialising signaling")
		return
	}
	cfg, ok := a.engineConfig()
	if !ok {
		return
	}
	if err := a.Phone.Initialise(ctx, cfg); err != nil {
		if code, ok := telephonyCode(err); ok {
			a.Audit.Error(code, map[string]any{"error": err.Error()})
		}
	}
}

func (a *App) engineConfig() (phone.Config, bool) {
	a.mu.Lock()
	id := a.identity
	a.mu.Unlock()
	if id == nil {
		return phone.Config{}, false
	}

	sip := a.cfg.SIP
	display := sip.DisplayName
	if display == "" {
		display = id.Name
	}
	return phone.Config{
		Agent: sipua.Config{
			WSURL:           signalingURL(sip.WSURL, id),
			Domain:          id.Domain,
			Username:        id.Device.UserName,
			Password:        id.Device.PinCode,
			DisplayName:     display,
			RegisterExpires: time.Duration(sip.RegisterExpires) * time.Second,
		},
		MemberID:           id.MemberID,
		RegisterTimeout:    sip.ConnectTimeout,
		KeepaliveInterval:  sip.KeepaliveInterval,
		KeepaliveTimeout:   sip.KeepaliveTimeout,
		DisconnectDebounce: sip.DisconnectDebounce,
	}, true
}

// signalingURL prefers the host carried by the identity over the configured URL
func signalingURL(fallback string, id *identity.Identity) string {
	if id.Host == "" {
		return fallback
	}
	host := id.Host
	if id.Port > 0 {
		host = net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
	}
	return "wss://" + host + "/ws"
}

// telephonyCode maps an initialisation failure to the error catalogue.
// Deliberate teardowns and device failures have no code.
func telephonyCode(err error) (types.ErrorCode, bool) {
	var netErr net.Error
	switch {
	case errors.Is(err, phone.ErrDestroyed), errors.Is(err, context.Canceled), devices.IsDeviceError(err):
		return types.ErrorCode{}, false
	case errors.Is(err, phone.ErrRegistrationTimeout), errors.Is(err, context.DeadlineExceeded):
		return types.ErrTelephonyTimeout, true
	case errors.Is(err, phone.ErrRegistrationFailed):
		return types.ErrTelephonyRegistration, true
	case errors.Is(err, phone.ErrDisconnected), errors.As(err, &netErr):
		return types.ErrTelephonyNetwork, true
	default:
		return types.ErrTelephonyUnknown, true
	}
}

func (a *App) fullyOnline() {
	snap := a.Store.Snapshot()
	a.Audit.Action("fully-online", nil)
	a.Events.Publish(events.TypeFullyOnline, snap)
}

func (a *App) stopped(reason string) {
	a.Metrics.RecordForcedStop()
	a.Audit.Error(types.ErrConnectionStopped, map[string]any{"reason": reason})
	a.Events.Publish(events.TypeConnectionStopped, map[string]string{
		"reason": reason,
		"code":   types.ErrConnectionStopped.Code,
	})
	a.spawn(func(context.Context) { a.Phone.Destroy() })
}

func (a *App) feedStale(silence time.Duration) {
	a.Audit.Action("feed-stale", map[string]any{"silence_ms": silence.Milliseconds()})
	a.Events.Publish(events.TypeFeedStale, map[string]int64{"silenceMs": silence.Milliseconds()})
}

// connectivityUpdate is the event stream payload for store transitions
type connectivityUpdate struct {
	Event    string                     `json:"event"`
	Snapshot types.ConnectivitySnapshot `json:"snapshot"`
}

// ConnectivityChanged implements store.Observer
func (a *App) ConnectivityChanged(ev types.ConnectivityEvent, snap types.ConnectivitySnapshot) {
	a.Metrics.UpdateConnectivity(snap)
	a.Events.Publish(events.TypeConnectivity, connectivityUpdate{Event: ev.String(), Snapshot: snap})
}

// ReconnectScheduled implements store.Observer
func (a *App) ReconnectScheduled(ch types.Channel, attempt int, delay time.Duration) {
	a.Metrics.RecordReconnect(ch)
	a.Audit.Action("reconnect-scheduled", map[string]any{
		"channel":  string(ch),
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	})
}

// OnCallEvent implements phone.Observer
func (a *App) OnCallEvent(ev types.CallEvent) {
	a.Metrics.RecordCallEvent(ev)
	a.Events.Publish(events.TypeCall, ev)

	data := map[string]any{
		"direction":      string(ev.Call.Direction),
		"classification": string(ev.Call.Classification),
	}
	if ev.Termination != nil {
		data["cause"] = string(ev.Termination.Cause)
		data["title"] = ev.Termination.Title
	}
	if ev.Error != "" {
		data["error"] = ev.Error
	}
	a.Audit.Session("call-"+string(ev.Kind), ev.Call.SessionID, data)

	if ev.Kind == types.CallEnded || ev.Kind == types.CallFailed {
		var memberID string
		if id := a.Identity(); id != nil {
			memberID = id.MemberID
		}
		a.Audit.Call(audit.CallRecordFrom(memberID, ev))
	}
}

// OnDeviceError implements phone.Observer
func (a *App) OnDeviceError(err error) {
	reason := string(devices.ReasonOf(err))
	a.Audit.Action("device-error", map[string]any{"reason": reason, "error": err.Error()})
	a.Events.Publish(events.TypeDeviceError, map[string]string{"reason": reason, "message": err.Error()})
}
