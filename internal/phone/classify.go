package phone

import (
	"strings"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

// Headers inspected on inbound invites
const (
	HeaderReferences    = "X-References"
	HeaderInteractionID = "X-Telephonyinteraction-Id"
	HeaderMemberID      = "X-Member-Id"
)

// Classify derives the call type from the X-References header value.
// present is false when the header is absent; an empty value counts as absent.
func Classify(references string, present bool) types.Classification {
	if !present || strings.TrimSpace(references) == "" {
		return types.ClassClickToDial
	}
	switch {
	case strings.Contains(references, "internal"):
		return types.ClassInternal
	case strings.Contains(references, "flow"):
		return types.ClassFlow
	default:
		return types.ClassUnknown
	}
}

// directionFor returns the reported direction of an inbound classification.
// Click-to-dial calls are placed by the agent, so they count as outbound.
func directionFor(class types.Classification) types.Direction {
	if class == types.ClassClickToDial {
		return types.DirectionOutbound
	}
	return types.DirectionInbound
}

// NormalizeTone maps DTMF aliases and validates a single tone in [0-9*#]
func NormalizeTone(tone string) (rune, error) {
	switch strings.ToLower(tone) {
	case "asterisk":
		tone = "*"
	case "hash":
		tone = "#"
	}
	if len(tone) != 1 {
		return 0, ErrInvalidDTMF
	}
	r := rune(tone[0])
	if (r >= '0' && r <= '9') || r == '*' || r == '#' {
		return r, nil
	}
	return 0, ErrInvalidDTMF
}
