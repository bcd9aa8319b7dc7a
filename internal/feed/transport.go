package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Write timeout
	writeTimeout = 10 * time.Second

	defaultConnectTimeout   = 15 * time.Second
	defaultLivenessInterval = 3 * time.Second
	defaultStaleAfter       = 40 * time.Second
)

var (
	// ErrConnectTimeout is returned when the open handshake does not finish in time
	ErrConnectTimeout = errors.New("feed: connect timed out")
	// ErrConnectAborted is returned when Close is called while a connect is in flight
	ErrConnectAborted = errors.New("feed: connect aborted by close")
)

// Handler receives transport lifecycle callbacks
type Handler interface {
	OnOpen()
	OnMessage(env types.Envelope)
	// OnClose reports whether the close was requested locally
	OnClose(intentional bool, err error)
}

// TransportOptions tunes a Transport. Zero values use the defaults.
type TransportOptions struct {
	ConnectTimeout   time.Duration
	LivenessInterval time.Duration
	StaleAfter       time.Duration
	// OnStale is called once per silent episode longer than StaleAfter
	OnStale func(silence time.Duration)
	Dialer  *websocket.Dialer
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
)

// attempt is a connect in flight that concurrent callers wait on
type attempt struct {
	done  chan struct{}
	err   error
	abort bool
}

// Transport owns the single change-feed socket
type Transport struct {
	opts    TransportOptions
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    connState
	pending  *attempt
	done     chan struct{} // closed when the current connection ends
	lastSeen time.Time
	stale    bool
}

// NewTransport creates a transport reporting to handler
func NewTransport(handler Handler, opts TransportOptions, logger zerolog.Logger) *Transport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = defaultLivenessInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Transport{
		opts:    opts,
		handler: handler,
		logger:  logger.With().Str("component", "feed_transport").Logger(),
	}
}

// Connect opens the socket. A call made while another connect is in flight
// waits for that attempt and returns its result instead of dialing again.
func (t *Transport) Connect(ctx context.Context, uri string) error {
	t.mu.Lock()
	if t.state == stateOpen {
		t.mu.Unlock()
		return nil
	}
	if t.pending != nil {
		a := t.pending
		t.mu.Unlock()
		t.logger.Debug().Msg("connect already in flight, waiting")
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	t.pending = a
	t.state = stateConnecting
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := t.opts.Dialer.DialContext(dialCtx, uri, nil)
	if err != nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %v", ErrConnectTimeout, t.opts.ConnectTimeout)
	}

	t.mu.Lock()
	if err == nil && a.abort {
		conn.Close()
		err = ErrConnectAborted
	}
	if err != nil {
		t.state = stateIdle
		t.pending = nil
		a.err = err
		close(a.done)
		t.mu.Unlock()
		t.logger.Debug().Err(err).Msg("connect failed")
		return err
	}

	done := make(chan struct{})
	t.conn = conn
	t.state = stateOpen
	t.pending = nil
	t.done = done
	t.lastSeen = time.Now()
	t.stale = false
	close(a.done)
	t.mu.Unlock()

	t.logger.Debug().Msg("websocket connected")

	// the owner resubscribes before any inbound message is dispatched
	t.handler.OnOpen()

	go t.readLoop(conn)
	go t.livenessLoop(done)
	return nil
}

// Send writes an envelope if the socket is open. It reports false when the
// socket is not open or the write fails; queuing is the caller's job.
func (t *Transport) Send(env types.Envelope) bool {
	data, err := json.Marshal(env.ToFrame())
	if err != nil {
		t.logger.Error().Err(err).Str("name", env.Name).Msg("failed to marshal envelope")
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateOpen || t.conn == nil {
		t.logger.Debug().Str("name", env.Name).Msg("send skipped, socket not open")
		return false
	}

	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Debug().Err(err).Msg("write error")
		return false
	}
	return true
}

// Close closes the socket on our request. Safe to call any number of times.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.pending != nil {
		t.pending.abort = true
	}
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = stateIdle
	close(t.done)
	t.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()

	t.logger.Debug().Msg("websocket closed by request")
	t.handler.OnClose(true, nil)
}

// IsOpen returns whether the socket is open
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateOpen
}

// LastSeen returns when the last inbound message arrived
func (t *Transport) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.peerClosed(conn, err)
			return
		}
		t.touch()

		var frame types.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			t.logger.Error().Err(err).Str("data", string(message)).Msg("malformed feed message dropped")
			continue
		}
		t.handler.OnMessage(frame.ToEnvelope())
	}
}

// peerClosed handles a read failure on conn. Closes we requested have
// already detached conn, so they are not reported a second time.
func (t *Transport) peerClosed(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = stateIdle
	close(t.done)
	t.mu.Unlock()

	conn.Close()
	t.logger.Info().Err(err).Msg("websocket closed by peer")
	t.handler.OnClose(false, err)
}

func (t *Transport) touch() {
	t.mu.Lock()
	t.lastSeen = time.Now()
	recovered := t.stale
	t.stale = false
	t.mu.Unlock()

	if recovered {
		t.logger.Info().Msg("feed traffic resumed")
	}
}

// livenessLoop only reports silence; the owner decides what to do about it
func (t *Transport) livenessLoop(done <-chan struct{}) {
	ticker := time.NewTicker(t.opts.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.mu.Lock()
			silence := time.Since(t.lastSeen)
			report := silence > t.opts.StaleAfter && !t.stale
			if report {
				t.stale = true
			}
			t.mu.Unlock()

			if report {
				t.logger.Warn().Dur("silence", silence).Msg("feed silent")
				if t.opts.OnStale != nil {
					t.opts.OnStale(silence)
				}
			}
		}
	}
}
