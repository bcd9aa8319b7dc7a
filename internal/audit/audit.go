// Package audit records structured action records. Every record is logged,
// kept in a bounded ring buffer and, when a store is configured, persisted.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

const persistTimeout = 5 * time.Second

// Sink fans action records out to the log, the ring and the store
type Sink struct {
	logger zerolog.Logger
	ring   *Ring
	store  Store
	now    func() time.Time

	wg sync.WaitGroup
}

// New creates a sink. A nil store disables persistence.
func New(store Store, capacity int, logger zerolog.Logger) *Sink {
	if store == nil {
		store = NewNoopStore()
	}
	return &Sink{
		logger: logger.With().Str("component", "audit").Logger(),
		ring:   NewRing(capacity),
		store:  store,
		now:    time.Now,
	}
}

// Action records a state transition
func (s *Sink) Action(action string, data map[string]any) types.AuditRecord {
	return s.record(action, "", "", data)
}

// Session records an action tied to a call session
func (s *Sink) Session(action, sessionID string, data map[string]any) types.AuditRecord {
	return s.record(action, "", sessionID, data)
}

// Error records a coded error from the catalogue
func (s *Sink) Error(code types.ErrorCode, data map[string]any) types.AuditRecord {
	if data == nil {
		data = map[string]any{}
	}
	data["message"] = code.Message
	return s.record("error", code.Code, "", data)
}

func (s *Sink) record(action, code, sessionID string, data map[string]any) types.AuditRecord {
	now := s.now().UTC()
	rec := types.AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: now,
		Action:    action,
		Code:      code,
		SessionID: sessionID,
		Data:      data,
		DateKey:   now.Format("2006-01-02"),
	}
	rec.SortKey = now.Format(time.RFC3339Nano) + "#" + rec.ID

	ev := s.logger.Info()
	if code != "" {
		ev = s.logger.Warn().Str("code", code)
	}
	if sessionID != "" {
		ev = ev.Str("session_id", sessionID)
	}
	ev.Str("action", action).Fields(data).Msg("audit")

	s.ring.Add(rec)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.SaveRecord(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("action", action).Msg("failed to persist audit record")
		}
	}()
	return rec
}

// Call persists a finished call
func (s *Sink) Call(rec types.CallRecord) {
	s.logger.Info().
		Str("session_id", rec.SessionID).
		Str("state", string(rec.State)).
		Str("cause", string(rec.Cause)).
		Float64("duration", rec.Duration).
		Msg("call finished")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.SaveCall(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("session_id", rec.SessionID).Msg("failed to persist call record")
		}
	}()
}

// Latest returns up to n records, newest first
func (s *Sink) Latest(n int) []types.AuditRecord {
	return s.ring.Latest(n)
}

// Flush waits for pending store writes
func (s *Sink) Flush() {
	s.wg.Wait()
}

// CallRecordFrom builds the history record of a terminal call event
func CallRecordFrom(memberID string, ev types.CallEvent) types.CallRecord {
	c := ev.Call
	end := ev.Timestamp
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	rec := types.CallRecord{
		DateKey:        c.StartedAt.UTC().Format("2006-01-02"),
		SessionID:      c.SessionID,
		MemberID:       memberID,
		Direction:      c.Direction,
		Classification: c.Classification,
		RemoteParty:    c.RemoteParty,
		InteractionID:  c.InteractionID,
		State:          c.State,
		StartTime:      c.StartedAt.UTC().Format(time.RFC3339),
		EndTime:        end.UTC().Format(time.RFC3339),
	}
	if d := end.Sub(c.StartedAt); d > 0 {
		rec.Duration = d.Seconds()
	}
	if ev.Termination != nil {
		rec.Cause = ev.Termination.Cause
		rec.Originator = ev.Termination.Originator
	}
	return rec
}
