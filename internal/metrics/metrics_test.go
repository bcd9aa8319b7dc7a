package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

func TestUpdateConnectivity(t *testing.T) {
	m := New()
	m.UpdateConnectivity(types.ConnectivitySnapshot{FeedConnected: true, PartiallyOnline: true})

	if got := testutil.ToFloat64(m.feedConnected); got != 1 {
		t.Errorf("expected feed gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.signalingRegistered); got != 0 {
		t.Errorf("expected registered gauge 0, got %v", got)
	}
	if got := testutil.ToFloat64(m.onlineState.WithLabelValues("partial")); got != 1 {
		t.Errorf("expected partial 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.onlineState.WithLabelValues("full")); got != 0 {
		t.Errorf("expected full 0, got %v", got)
	}
}

func TestRecordCallEvent(t *testing.T) {
	m := New()
	call := types.CallSummary{Direction: types.DirectionInbound, Classification: types.ClassFlow}

	m.RecordCallEvent(types.CallEvent{Kind: types.CallRinging, Call: call})
	m.RecordCallEvent(types.CallEvent{Kind: types.CallAccepted, Call: call})
	m.RecordCallEvent(types.CallEvent{
		Kind:        types.CallFailed,
		Call:        call,
		Termination: &types.Termination{Category: types.CategorySIP, Title: "Busy"},
	})

	if got := testutil.ToFloat64(m.calls.WithLabelValues("inbound", "flow")); got != 1 {
		t.Errorf("expected 1 inbound flow call, got %v", got)
	}
	if got := testutil.ToFloat64(m.callTerminations.WithLabelValues("sip-error", "Busy")); got != 1 {
		t.Errorf("expected 1 busy termination, got %v", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordReconnect(types.ChannelFeed)
	m.RecordReconnect(types.ChannelFeed)
	m.RecordReconnect(types.ChannelSignaling)
	m.RecordForcedStop()
	m.RecordFeedMessage("in")

	if got := testutil.ToFloat64(m.reconnectAttempts.WithLabelValues("feed")); got != 2 {
		t.Errorf("expected 2 feed reconnects, got %v", got)
	}
	if got := testutil.ToFloat64(m.forcedStops); got != 1 {
		t.Errorf("expected 1 forced stop, got %v", got)
	}
	if got := testutil.ToFloat64(m.feedMessages.WithLabelValues("in")); got != 1 {
		t.Errorf("expected 1 inbound message, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordForcedStop()
	m.RecordHTTPRequest("/api/status", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"webphone_forced_stops_total 1",
		`webphone_http_requests_total{route="/api/status",status="200"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
