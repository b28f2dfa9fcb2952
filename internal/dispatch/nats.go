package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/phillus33/orderflow-outbox/internal/events"
)

// NATSDispatcher publishes every event on the subject named by its topic and
// flushes the connection so the server has acknowledged the batch.
type NATSDispatcher struct {
	conn *nats.Conn
}

func NewNATSDispatcher(conn *nats.Conn) *NATSDispatcher {
	return &NATSDispatcher{conn: conn}
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	envs, err := prepare(evts)
	if err != nil {
		return err
	}

	for _, env := range envs {
		msg := nats.NewMsg(env.topic)
		msg.Data = env.payload
		msg.Header.Set(HeaderEventName, string(env.event.Name()))
		msg.Header.Set(HeaderEventID, env.event.ID())
		msg.Header.Set(HeaderSchemaV, strconv.Itoa(env.event.SchemaVersion()))

		if err := d.conn.PublishMsg(msg); err != nil {
			return transportError("nats", fmt.Errorf("publish %s to %s: %w", env.event.ID(), env.topic, err))
		}
	}

	if err := d.conn.FlushWithContext(ctx); err != nil {
		return transportError("nats", fmt.Errorf("flush: %w", err))
	}
	return nil
}
