package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/phillus33/orderflow-outbox/internal/events"
)

// Message is a staged event. Its ID is assigned when it is staged, never by
// the store.
type Message struct {
	ID        uuid.UUID
	Event     events.Event
	CreatedAt time.Time
}

// NewMessage stages evt under a fresh id.
func NewMessage(evt events.Event, now time.Time) Message {
	return Message{ID: uuid.New(), Event: evt, CreatedAt: now.UTC()}
}

// IDs returns the ids of msgs in order.
func IDs(msgs []Message) []uuid.UUID {
	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// Events returns the payloads of msgs in order.
func Events(msgs []Message) []events.Event {
	out := make([]events.Event, len(msgs))
	for i, m := range msgs {
		out[i] = m.Event
	}
	return out
}
