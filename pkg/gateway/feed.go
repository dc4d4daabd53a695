package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/plugd/pkg/audit"
)

// ActivityFeed fans audit records out to subscribed websocket clients whose
// filter matches.
type ActivityFeed struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewActivityFeed creates a new activity feed
func NewActivityFeed(clients *ClientRegistry, logger zerolog.Logger) *ActivityFeed {
	return &ActivityFeed{
		clients: clients,
		logger:  logger.With().Str("component", "activity_feed").Logger(),
	}
}

// Run forwards records until ctx ends or the channel closes
func (f *ActivityFeed) Run(ctx context.Context, records <-chan audit.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-records:
			if !ok {
				return
			}
			f.Publish(r)
		}
	}
}

// Publish sends one record and returns how many clients received it
func (f *ActivityFeed) Publish(r audit.Record) int {
	msg := EventMessage{
		Type:      "event",
		Event:     "activity",
		Seq:       f.seq.Add(1),
		Record:    &r,
		Timestamp: time.Now().UnixMilli(),
	}

	delivered := 0
	for _, client := range f.clients.Matching(r) {
		if err := client.WriteJSON(msg); err != nil {
			f.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Int64("seq", msg.Seq).
				Msg("Failed to send activity to client")
			continue
		}
		delivered++
	}
	return delivered
}

// Notice sends a non-activity event to every subscribed client
func (f *ActivityFeed) Notice(event string, data any) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       f.seq.Add(1),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	for _, client := range f.clients.Subscribers() {
		if err := client.WriteJSON(msg); err != nil {
			f.logger.Debug().Err(err).Str("clientId", client.ID).Str("event", event).Msg("Failed to send notice")
		}
	}
}
