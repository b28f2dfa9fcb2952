// Package outbox is the entry point for application code that needs to emit
// integration events. Events are staged in the unit of work carried by the
// context and only reach the bus after that unit of work commits, so a
// rolled back change never publishes anything.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/phillus33/orderflow-outbox/internal/events"
	"github.com/phillus33/orderflow-outbox/internal/outbox"
	"github.com/phillus33/orderflow-outbox/internal/uow"
)

// Enqueue stages evts in the ambient unit of work and returns the ids of
// their outbox rows. It fails with a programmer error outside a unit of work.
func Enqueue(ctx context.Context, evts ...events.Event) ([]uuid.UUID, error) {
	now := time.Now().UTC()
	msgs := make([]outbox.Message, len(evts))
	for i, evt := range evts {
		msgs[i] = outbox.NewMessage(evt, now)
	}
	if err := uow.Enqueue(ctx, msgs...); err != nil {
		return nil, err
	}
	return outbox.IDs(msgs), nil
}

// NewEventID returns an id suitable for an event header.
func NewEventID() string {
	return uuid.NewString()
}
