package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Heartbeat is the payload of a periodic status event
type Heartbeat struct {
	ServerTime int64 `json:"serverTime"`
	Status     any   `json:"status"`
}

// Ticker periodically publishes a status snapshot to the hub
type Ticker struct {
	hub      *Hub
	interval time.Duration
	status   func() any
	logger   zerolog.Logger
}

// NewTicker creates a new Ticker. status is called on every tick.
func NewTicker(hub *Hub, interval time.Duration, status func() any, logger zerolog.Logger) *Ticker {
	return &Ticker{
		hub:      hub,
		interval: interval,
		status:   status,
		logger:   logger.With().Str("component", "ticker").Logger(),
	}
}

// Start publishes heartbeats until ctx is done
func (t *Ticker) Start(ctx context.Context) {
	if t.interval <= 0 {
		return
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case now := <-ticker.C:
			if t.hub.ClientCount() == 0 {
				continue
			}
			t.hub.Publish(TypeHeartbeat, Heartbeat{ServerTime: now.Unix(), Status: t.status()})
			t.logger.Debug().Int("clients", t.hub.ClientCount()).Msg("published heartbeat")
		}
	}
}
