package feed

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Conn is the socket surface the client drives
type Conn interface {
	Connect(ctx context.Context, uri string) error
	Send(env types.Envelope) bool
	Close()
	IsOpen() bool
}

// Reporter receives connectivity events for the reconciliation store
type Reporter interface {
	Report(ev types.ConnectivityEvent)
}

// Handle identifies a subscription returned by Subscribe
type Handle string

// ClientOptions configures a Client
type ClientOptions struct {
	URL       string
	Transport TransportOptions
	// PruneFlushed drops queued publishes once they were written. By default
	// the queue is kept and replayed on every open (at-least-once).
	PruneFlushed bool
	// OnMessage observes every inbound and outbound envelope by direction
	OnMessage func(direction string, env types.Envelope)
}

// Client multiplexes subscriptions and publishes over one feed socket
type Client struct {
	conn     Conn
	reporter Reporter
	logger   zerolog.Logger
	opts     ClientOptions

	mu       sync.Mutex
	registry *Registry
	handlers map[string]func(types.Envelope)
	queue    []types.Envelope
	token    string
	userID   string
}

// NewClient creates a client backed by a websocket Transport
func NewClient(opts ClientOptions, reporter Reporter, logger zerolog.Logger) *Client {
	c := newClient(opts, reporter, logger)
	c.conn = NewTransport(c, opts.Transport, logger)
	return c
}

func newClient(opts ClientOptions, reporter Reporter, logger zerolog.Logger) *Client {
	return &Client{
		reporter: reporter,
		logger:   logger.With().Str("component", "feed_client").Logger(),
		opts:     opts,
		registry: NewRegistry(),
		handlers: make(map[string]func(types.Envelope)),
	}
}

// SetToken sets the bearer token stamped on every publish
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Start connects the socket for userID. A failed connect is reported as a
// disconnect so the reconnect policy takes over.
func (c *Client) Start(ctx context.Context, userID string) error {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()

	uri := c.connectURI(userID)
	c.logger.Debug().Str("uri", uri).Msg("connecting")
	if err := c.conn.Connect(ctx, uri); err != nil {
		c.logger.Warn().Err(err).Msg("feed connect failed")
		c.reporter.Report(types.FeedDisconnected)
		return err
	}
	return nil
}

// Reconnect closes the socket and connects again for the last user
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	c.conn.Close()
	return c.Start(ctx, userID)
}

// Stop deregisters on the far end and closes the socket. Local
// subscriptions are kept so a later Start resubscribes them.
func (c *Client) Stop() {
	c.DeregisterAll(false)
	c.conn.Close()
}

// connectURI builds <url>?appId=<uuid>&userid=<id> with a fresh appId
func (c *Client) connectURI(userID string) string {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return c.opts.URL
	}
	q := u.Query()
	q.Set("appId", uuid.NewString())
	if userID != "" {
		q.Set("userid", userID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Subscribe registers cb for changes matching key. The registration is sent
// now if the socket is open; otherwise the next open resubscribes it.
func (c *Client) Subscribe(key types.SubscriptionKey, cb Callback) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registry.Add(&Subscription{Key: key, Callback: cb}) {
		c.logger.Debug().Str("subscription", key.ID()).Msg("subscription replaced")
	}
	if c.conn.IsOpen() {
		c.sendLocked(registration(types.EnvelopeRegister, key))
	}
	return Handle(key.ID())
}

// Unsubscribe removes the subscription and tells the far end if connected
func (c *Client) Unsubscribe(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.registry.Get(string(h))
	if !ok {
		return
	}
	c.registry.Remove(string(h))
	if c.conn.IsOpen() {
		c.sendLocked(registration(types.EnvelopeDeregister, sub.Key))
	}
}

// DeregisterAll sends a bare deregistration. clearLocal also drops every
// local subscription, which is what a logout wants.
func (c *Client) DeregisterAll(clearLocal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if clearLocal {
		c.registry.Clear()
	}
	if c.conn.IsOpen() {
		c.sendLocked(types.Envelope{Name: types.EnvelopeDeregister})
	}
}

// Publish sends env with a fresh tracking id, or queues it while the socket
// is not open
func (c *Client) Publish(env types.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sendLocked(env) {
		c.queue = append(c.queue, env)
		c.logger.Debug().Str("name", env.Name).Int("queued", len(c.queue)).Msg("publish queued")
	}
}

// Handle routes envelopes with name to fn. Change notifications are routed
// through subscriptions instead.
func (c *Client) Handle(name string, fn func(types.Envelope)) {
	c.mu.Lock()
	c.handlers[name] = fn
	c.mu.Unlock()
}

// Subscriptions returns held composite ids in registration order
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.IDs()
}

// QueueLen returns the number of queued publishes
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// IsConnected returns whether the feed socket is open
func (c *Client) IsConnected() bool {
	return c.conn.IsOpen()
}

// OnOpen resubscribes everything in registration order, then flushes the queue
func (c *Client) OnOpen() {
	c.mu.Lock()
	subs := c.registry.All()
	for _, sub := range subs {
		c.sendLocked(registration(types.EnvelopeRegister, sub.Key))
	}

	flushed := 0
	kept := c.queue[:0]
	for _, env := range c.queue {
		sent := c.sendLocked(env)
		if sent {
			flushed++
		}
		if !sent || !c.opts.PruneFlushed {
			kept = append(kept, env)
		}
	}
	c.queue = kept
	c.mu.Unlock()

	c.logger.Info().Int("resubscribed", len(subs)).Int("flushed", flushed).Msg("feed open")
	c.reporter.Report(types.FeedConnected)
}

// OnMessage dispatches change notifications by composite id and other
// envelopes by name. Anything unmatched is dropped.
func (c *Client) OnMessage(env types.Envelope) {
	if c.opts.OnMessage != nil {
		c.opts.OnMessage("in", env)
	}

	if env.Name == types.EnvelopeOperationLogged {
		var state types.OperationLogged
		if err := json.Unmarshal(env.State, &state); err != nil {
			c.logger.Debug().Err(err).Msg("invalid change notification dropped")
			return
		}
		c.mu.Lock()
		sub, ok := c.registry.Get(state.ID)
		c.mu.Unlock()
		if !ok || sub.Callback == nil {
			return
		}
		sub.Callback(state.Payload)
		return
	}

	c.mu.Lock()
	fn := c.handlers[env.Name]
	c.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

// OnClose reports the close. Only peer closes count as failures.
func (c *Client) OnClose(intentional bool, err error) {
	if intentional {
		c.reporter.Report(types.FeedClosed)
		return
	}
	c.logger.Warn().Err(err).Msg("feed disconnected")
	c.reporter.Report(types.FeedDisconnected)
}

// sendLocked stamps env and writes it. Caller holds c.mu.
func (c *Client) sendLocked(env types.Envelope) bool {
	env.TrackingID = uuid.NewString()
	env.Authorization = ""
	if c.token != "" {
		env.Authorization = "Bearer " + c.token
	}
	if !c.conn.Send(env) {
		return false
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage("out", env)
	}
	return true
}

func registration(name string, key types.SubscriptionKey) types.Envelope {
	state, _ := json.Marshal(key)
	return types.Envelope{Name: name, State: state}
}
