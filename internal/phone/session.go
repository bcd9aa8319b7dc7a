package phone

import (
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/webphone/internal/sipua"
	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

// allowed lists the legal next states for each lifecycle state
var allowed = map[types.LifecycleState][]types.LifecycleState{
	types.StateConnecting: {types.StateAccepted, types.StateEnded, types.StateFailed},
	types.StateAccepted:   {types.StateConfirmed, types.StateEnded, types.StateFailed},
	types.StateConfirmed:  {types.StateEnded, types.StateFailed},
}

// CallSession is one call's lifecycle. The engine owns it and guards it
// with its own lock.
type CallSession struct {
	ID             string
	Direction      types.Direction
	Classification types.Classification
	RemoteParty    string
	InteractionID  string
	State          types.LifecycleState
	Held           bool
	Muted          bool
	StartedAt      time.Time
	EndedAt        time.Time
	Termination    *types.Termination

	signaling sipua.Session
	// answering is set while an answer is in flight
	answering bool
	// originated is true for calls placed through Call
	originated bool
}

func newCallSession(dir types.Direction, class types.Classification, now time.Time) *CallSession {
	return &CallSession{
		Direction:      dir,
		Classification: class,
		State:          types.StateConnecting,
		StartedAt:      now,
	}
}

// Transition moves the session to next if the lifecycle allows it
func (c *CallSession) Transition(next types.LifecycleState, now time.Time) error {
	if c.State.Terminal() {
		return fmt.Errorf("session %s is terminal in state %s", c.ID, c.State)
	}
	for _, candidate := range allowed[c.State] {
		if candidate == next {
			c.State = next
			if next.Terminal() {
				c.EndedAt = now
				c.Held = false
				c.Muted = false
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.State, next)
}

// Summary returns a copy safe to hand to observers
func (c *CallSession) Summary() types.CallSummary {
	s := types.CallSummary{
		SessionID:      c.ID,
		Direction:      c.Direction,
		Classification: c.Classification,
		RemoteParty:    c.RemoteParty,
		InteractionID:  c.InteractionID,
		State:          c.State,
		Held:           c.Held,
		Muted:          c.Muted,
		StartedAt:      c.StartedAt,
	}
	if !c.EndedAt.IsZero() {
		ended := c.EndedAt
		s.EndedAt = &ended
	}
	return s
}
