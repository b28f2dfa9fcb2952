package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"

	"github.com/phillus33/orderflow-outbox/internal/events"
)

// KafkaDispatcher sends a batch through a synchronous producer. Events are
// keyed by aggregate so one order's events land on one partition in order.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
}

func NewKafkaDispatcher(producer sarama.SyncProducer) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer}
}

// NewProducerConfig returns the producer settings the dispatcher relies on:
// acks from all in-sync replicas, idempotence and a single in-flight request
// per connection so retries cannot reorder a partition.
func NewProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_8_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 5
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// Dispatch refuses to start once ctx is done. SyncProducer has no
// cancellation, so a batch already handed over runs to completion within
// the producer's own timeouts.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	envs, err := prepare(evts)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportError("kafka", fmt.Errorf("send %d messages: %w", len(envs), err))
	}

	msgs := make([]*sarama.ProducerMessage, len(envs))
	for i, env := range envs {
		msgs[i] = &sarama.ProducerMessage{
			Topic: env.topic,
			Key:   sarama.StringEncoder(env.key),
			Value: sarama.ByteEncoder(env.payload),
			Headers: []sarama.RecordHeader{
				{Key: []byte(HeaderEventName), Value: []byte(env.event.Name())},
				{Key: []byte(HeaderEventID), Value: []byte(env.event.ID())},
				{Key: []byte(HeaderSchemaV), Value: []byte(strconv.Itoa(env.event.SchemaVersion()))},
			},
		}
	}

	if err := d.producer.SendMessages(msgs); err != nil {
		return transportError("kafka", fmt.Errorf("send %d messages: %w", len(msgs), err))
	}
	return nil
}
