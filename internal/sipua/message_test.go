package sipua

import (
	"testing"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

func TestCauseFromStatus(t *testing.T) {
	tests := []struct {
		code int
		want types.Cause
	}{
		{486, types.CauseBusy},
		{600, types.CauseBusy},
		{403, types.CauseRejected},
		{603, types.CauseRejected},
		{302, types.CauseRedirected},
		{480, types.CauseUnavailable},
		{408, types.CauseUnavailable},
		{404, types.CauseNotFound},
		{604, types.CauseNotFound},
		{484, types.CauseAddressIncomplete},
		{488, types.CauseIncompatibleSDP},
		{606, types.CauseIncompatibleSDP},
		{401, types.CauseAuthenticationError},
		{407, types.CauseAuthenticationError},
		{500, types.CauseSIPFailureCode},
		{503, types.CauseSIPFailureCode},
	}

	for _, tt := range tests {
		if got := CauseFromStatus(tt.code); got != tt.want {
			t.Errorf("CauseFromStatus(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestTargetURI(t *testing.T) {
	tests := map[string]string{
		"1001":                  "sip:1001@example.com",
		"bob@other.net":         "sip:bob@other.net",
		"sip:2000@example.com":  "sip:2000@example.com",
		"sips:2000@example.com": "sips:2000@example.com",
	}
	for in, want := range tests {
		if got := TargetURI(in, "example.com"); got != want {
			t.Errorf("TargetURI(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSipfragStatus(t *testing.T) {
	code, ok := sipfragStatus([]byte("SIP/2.0 200 OK\r\n"))
	if !ok || code != 200 {
		t.Errorf("sipfragStatus(200) = %d, %v", code, ok)
	}
	code, ok = sipfragStatus([]byte("SIP/2.0 100 Trying"))
	if !ok || code != 100 {
		t.Errorf("sipfragStatus(100) = %d, %v", code, ok)
	}
	if _, ok := sipfragStatus([]byte("garbage")); ok {
		t.Error("sipfragStatus accepted a non-status line")
	}
}

func TestIsKeepalive(t *testing.T) {
	for _, in := range []string{"\r\n", "\r\n\r\n", " "} {
		if !isKeepalive([]byte(in)) {
			t.Errorf("isKeepalive(%q) = false", in)
		}
	}
	if isKeepalive([]byte("OPTIONS sip:x SIP/2.0\r\n")) {
		t.Error("SIP request treated as keepalive")
	}
}

func TestNameAddr(t *testing.T) {
	if got := nameAddr("", "sip:a@b", ""); got != "<sip:a@b>" {
		t.Errorf("nameAddr = %q", got)
	}
	if got := nameAddr("Agent Smith", "sip:a@b", "t1"); got != `"Agent Smith" <sip:a@b>;tag=t1` {
		t.Errorf("nameAddr with display = %q", got)
	}
}
