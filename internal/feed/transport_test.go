package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type recordingHandler struct {
	mu       sync.Mutex
	opens    int
	messages []types.Envelope
	closes   []bool
	closed   chan bool
	received chan types.Envelope
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		closed:   make(chan bool, 4),
		received: make(chan types.Envelope, 16),
	}
}

func (h *recordingHandler) OnOpen() {
	h.mu.Lock()
	h.opens++
	h.mu.Unlock()
}

func (h *recordingHandler) OnMessage(env types.Envelope) {
	h.mu.Lock()
	h.messages = append(h.messages, env)
	h.mu.Unlock()
	h.received <- env
}

func (h *recordingHandler) OnClose(intentional bool, err error) {
	h.mu.Lock()
	h.closes = append(h.closes, intentional)
	h.mu.Unlock()
	h.closed <- intentional
}

// feedServer upgrades every request and hands the connection to onConn
func feedServer(t *testing.T, onConn func(*websocket.Conn)) (*httptest.Server, *int32) {
	t.Helper()
	var upgrades int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&upgrades, 1)
		onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &upgrades
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTransportSendAndReceive(t *testing.T) {
	frames := make(chan types.Frame, 1)
	srv, _ := feedServer(t, func(conn *websocket.Conn) {
		var f types.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		frames <- f
		conn.WriteJSON(types.Frame{Type: "Pong", Payload: json.RawMessage(`{"ok":true}`)})
		conn.ReadMessage()
	})

	h := newRecordingHandler()
	tr := NewTransport(h, TransportOptions{}, zerolog.New(&bytes.Buffer{}))
	if err := tr.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Close()

	if h.opens != 1 {
		t.Errorf("expected 1 open callback, got %d", h.opens)
	}

	ok := tr.Send(types.Envelope{
		Name:          "Ping",
		State:         json.RawMessage(`{"a":1}`),
		TrackingID:    "track-1",
		Authorization: "Bearer tok",
	})
	if !ok {
		t.Fatal("expected send to succeed")
	}

	select {
	case f := <-frames:
		if f.Type != "Ping" || f.RequestID != "track-1" || f.Authorization != "Bearer tok" {
			t.Errorf("unexpected frame %+v", f)
		}
		if string(f.Payload) != `{"a":1}` {
			t.Errorf("unexpected payload %s", f.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive frame")
	}

	select {
	case env := <-h.received:
		if env.Name != "Pong" || string(env.State) != `{"ok":true}` {
			t.Errorf("unexpected envelope %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not receive message")
	}
}

// orderHandler records the order of open and message callbacks
type orderHandler struct {
	mu    sync.Mutex
	calls []string
	got   chan struct{}
}

func (h *orderHandler) OnOpen() {
	time.Sleep(30 * time.Millisecond)
	h.mu.Lock()
	h.calls = append(h.calls, "open")
	h.mu.Unlock()
}

func (h *orderHandler) OnMessage(env types.Envelope) {
	h.mu.Lock()
	h.calls = append(h.calls, "message:"+env.Name)
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *orderHandler) OnClose(intentional bool, err error) {}

func TestTransportOpensBeforeDispatching(t *testing.T) {
	srv, _ := feedServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"OperationLogged","payload":{}}`))
		conn.ReadMessage()
	})
	h := &orderHandler{got: make(chan struct{}, 1)}
	tr := NewTransport(h, TransportOptions{}, zerolog.Nop())
	defer tr.Close()

	if err := tr.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-h.got:
	case <-time.After(time.Second):
		t.Fatal("message not dispatched")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.calls) != 2 || h.calls[0] != "open" || h.calls[1] != "message:OperationLogged" {
		t.Errorf("unexpected callback order %v", h.calls)
	}
}

func TestTransportSendWhenNotOpen(t *testing.T) {
	tr := NewTransport(newRecordingHandler(), TransportOptions{}, zerolog.Nop())
	if tr.Send(types.Envelope{Name: "Ping"}) {
		t.Error("expected send to fail when not connected")
	}
}

func TestTransportCloseIsIdempotent(t *testing.T) {
	srv, _ := feedServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	tr := NewTransport(h, TransportOptions{}, zerolog.Nop())
	if err := tr.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	tr.Close()
	tr.Close()
	tr.Close()

	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.closes) != 1 {
		t.Fatalf("expected 1 close callback, got %d", len(h.closes))
	}
	if !h.closes[0] {
		t.Error("expected close to be reported as intentional")
	}
	if tr.IsOpen() {
		t.Error("expected transport to be closed")
	}
}

func TestTransportPeerClose(t *testing.T) {
	srv, _ := feedServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	h := newRecordingHandler()
	tr := NewTransport(h, TransportOptions{}, zerolog.Nop())
	if err := tr.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case intentional := <-h.closed:
		if intentional {
			t.Error("expected peer close to be unintentional")
		}
	case <-time.After(time.Second):
		t.Fatal("expected close callback")
	}
}

func TestTransportCoalescesConcurrentConnects(t *testing.T) {
	srv, upgrades := feedServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := NewTransport(newRecordingHandler(), TransportOptions{}, zerolog.Nop())
	defer tr.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tr.Connect(context.Background(), wsURL(srv))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected connect error: %v", err)
		}
	}
	if n := atomic.LoadInt32(upgrades); n != 1 {
		t.Errorf("expected exactly 1 socket, got %d", n)
	}
}

func TestTransportConnectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	tr := NewTransport(newRecordingHandler(), TransportOptions{ConnectTimeout: 50 * time.Millisecond}, zerolog.Nop())
	err := tr.Connect(context.Background(), wsURL(srv))
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if tr.IsOpen() {
		t.Error("expected transport to stay closed")
	}
}

func TestTransportReportsSilence(t *testing.T) {
	srv, _ := feedServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var stale int32
	tr := NewTransport(newRecordingHandler(), TransportOptions{
		LivenessInterval: 10 * time.Millisecond,
		StaleAfter:       30 * time.Millisecond,
		OnStale:          func(time.Duration) { atomic.AddInt32(&stale, 1) },
	}, zerolog.Nop())
	if err := tr.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Close()

	time.Sleep(150 * time.Millisecond)

	if n := atomic.LoadInt32(&stale); n != 1 {
		t.Errorf("expected silence reported once, got %d", n)
	}
	if !tr.IsOpen() {
		t.Error("liveness checker must not close the socket")
	}
}
