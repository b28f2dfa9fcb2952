package dispatch

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/phillus33/orderflow-outbox/internal/events"
)

// RedisDispatcher publishes events on Redis pub/sub channels named by topic.
// Pub/sub has no offsets, so consumers of this transport bypass the consumer
// coordinator.
type RedisDispatcher struct {
	client redis.UniversalClient
}

func NewRedisDispatcher(client redis.UniversalClient) *RedisDispatcher {
	return &RedisDispatcher{client: client}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	envs, err := prepare(evts)
	if err != nil {
		return err
	}

	cmds, err := d.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, env := range envs {
			p.Publish(ctx, env.topic, env.payload)
		}
		return nil
	})
	if err != nil {
		return transportError("redis", fmt.Errorf("publish %d events: %w", len(envs), err))
	}
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			return transportError("redis", fmt.Errorf("publish %s: %w", envs[i].event.ID(), cmd.Err()))
		}
	}
	return nil
}
