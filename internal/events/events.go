// Package events publishes tour domain events over Redis pub/sub so that UI
// backends can react without polling the relay.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/tourlingo/signaling/internal/store"
)

// Event names consumed by collaborators.
const (
	AttendeeJoined  = "attendee_joined"
	AttendeeLeft    = "attendee_left"
	AttendeeKicked  = "attendee_kicked"
	LanguageAdded   = "language_added"
	LanguageRemoved = "language_removed"
)

// Event is the wire form published on a tour's event channel.
type Event struct {
	Name       string    `json:"name"`
	TourID     string    `json:"tourId"`
	AttendeeID string    `json:"attendeeId,omitempty"`
	Language   string    `json:"language,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Emitter publishes domain events. Emission is fire-and-forget: a failed
// publish is logged, never surfaced to the operation that triggered it.
type Emitter struct {
	store *store.Store
	log   zerolog.Logger
}

func NewEmitter(s *store.Store, log zerolog.Logger) *Emitter {
	return &Emitter{store: s, log: log.With().Str("component", "events").Logger()}
}

// Emit publishes ev on the tour's channel.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		e.log.Error().Err(err).Str("event", ev.Name).Msg("marshal event")
		return
	}
	if err := e.store.Publish(ctx, store.EventsChannel(ev.TourID), string(raw)); err != nil {
		e.log.Error().Err(err).Str("event", ev.Name).Str("tour_id", ev.TourID).Msg("publish event")
	}
}
