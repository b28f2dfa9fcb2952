// Package dispatch is the outbound boundary of the pipeline. A Dispatcher
// sends a batch of events to the bus; the adapters in this package resolve the
// destination of every event before anything is sent, so a missing topic
// mapping fails the batch without partial delivery.
package dispatch

import (
	"context"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
	"github.com/phillus33/orderflow-outbox/internal/events"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, evts []events.Event) error
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, evts []events.Event) error

func (f Func) Dispatch(ctx context.Context, evts []events.Event) error { return f(ctx, evts) }

const (
	HeaderEventName = "x-event-name"
	HeaderEventID   = "x-event-id"
	HeaderSchemaV   = "x-schema-version"
)

// envelope is an event resolved to its destination and encoded.
type envelope struct {
	topic   string
	key     string
	payload []byte
	event   events.Event
}

func prepare(evts []events.Event) ([]envelope, error) {
	out := make([]envelope, 0, len(evts))
	for _, evt := range evts {
		topic, err := events.TopicFor(evt.Name())
		if err != nil {
			return nil, err
		}
		payload, err := events.Marshal(evt)
		if err != nil {
			return nil, apperr.Programmer("dispatch", "EVENT_ENCODING", err.Error())
		}
		out = append(out, envelope{topic: topic, key: evt.AggregateKey(), payload: payload, event: evt})
	}
	return out, nil
}

func transportError(transport string, cause error) error {
	return apperr.Infrastructure(transport, apperr.CodeDispatchFailure, "publish failed", true, cause)
}
