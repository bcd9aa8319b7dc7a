package sipua

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

const (
	branchPrefix = "z9hG4bK"
	allowMethods = "INVITE,ACK,CANCEL,BYE,UPDATE,INFO,REFER,NOTIFY,OPTIONS"
	maxForwards  = "70"
)

// CauseFromStatus maps a final SIP failure status to a termination cause
func CauseFromStatus(code int) types.Cause {
	switch code {
	case 486, 600:
		return types.CauseBusy
	case 403, 603:
		return types.CauseRejected
	case 300, 301, 302, 305, 380:
		return types.CauseRedirected
	case 480, 410, 408, 430:
		return types.CauseUnavailable
	case 404, 604:
		return types.CauseNotFound
	case 484, 485:
		return types.CauseAddressIncomplete
	case 488, 606:
		return types.CauseIncompatibleSDP
	case 401, 407:
		return types.CauseAuthenticationError
	default:
		return types.CauseSIPFailureCode
	}
}

func newBranch() string {
	return branchPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// TargetURI expands a bare number or user into a SIP URI on domain
func TargetURI(target, domain string) string {
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		return target
	}
	if strings.Contains(target, "@") {
		return "sip:" + target
	}
	return fmt.Sprintf("sip:%s@%s", target, domain)
}

func parseURI(s string) (sip.Uri, error) {
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("parse uri %q: %w", s, err)
	}
	return uri, nil
}

// nameAddr formats a From/To value with an optional tag
func nameAddr(display, uri, tag string) string {
	v := "<" + uri + ">"
	if display != "" {
		v = strconv.Quote(display) + " " + v
	}
	if tag != "" {
		v += ";tag=" + tag
	}
	return v
}

// outgoing describes a request built by the agent
type outgoing struct {
	method      sip.RequestMethod
	target      sip.Uri
	from        string
	to          string
	callID      string
	cseq        uint32
	branch      string
	contentType string
	body        []byte
	headers     map[string]string
}

// build renders o into a request and returns it with its Via branch
func (a *Agent) build(o outgoing) (*sip.Request, string) {
	if o.branch == "" {
		o.branch = newBranch()
	}
	req := sip.NewRequest(o.method, o.target)
	req.AppendHeader(sip.NewHeader("Via", fmt.Sprintf("SIP/2.0/%s %s;branch=%s", a.viaTransport, a.viaHost, o.branch)))
	req.AppendHeader(sip.NewHeader("Max-Forwards", maxForwards))
	req.AppendHeader(sip.NewHeader("To", o.to))
	req.AppendHeader(sip.NewHeader("From", o.from))
	req.AppendHeader(sip.NewHeader("Call-ID", o.callID))
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d %s", o.cseq, o.method)))
	if o.method != sip.ACK && o.method != sip.CANCEL {
		req.AppendHeader(sip.NewHeader("Contact", a.contact))
		req.AppendHeader(sip.NewHeader("Allow", allowMethods))
		req.AppendHeader(sip.NewHeader("User-Agent", a.cfg.UserAgent))
	}
	for name, value := range o.headers {
		req.AppendHeader(sip.NewHeader(name, value))
	}
	if o.contentType != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", o.contentType))
	}
	req.SetBody(o.body)
	return req, o.branch
}

func branchOf(msg interface{ Via() *sip.ViaHeader }) string {
	via := msg.Via()
	if via == nil || via.Params == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

func tagOf(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

func callIDOf(msg interface{ CallID() *sip.CallIDHeader }) string {
	if id := msg.CallID(); id != nil {
		return id.Value()
	}
	return ""
}

func headerValue(msg interface{ GetHeader(string) sip.Header }, name string) (string, bool) {
	h := msg.GetHeader(name)
	if h == nil {
		return "", false
	}
	return h.Value(), true
}

// isKeepalive reports whether a frame is a bare CRLF ping or pong
func isKeepalive(data []byte) bool {
	return strings.TrimSpace(string(data)) == ""
}

// sipfragStatus extracts the status code from a message/sipfrag body
func sipfragStatus(body []byte) (int, bool) {
	line, _, _ := strings.Cut(string(body), "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "SIP/") {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

func dtmfBody(tone rune) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=100\r\n", tone))
}
