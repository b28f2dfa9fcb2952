package consumer

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// NewConsumerConfig returns consumer group settings with automatic offset
// commits disabled; offsets only move when the coordinator commits them.
func NewConsumerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_8_0_0
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	return cfg
}

// GroupHandler feeds a consumer group claim through the coordinator. A
// Redelivered outcome ends the claim, which ends the session; the next
// session resumes from the last committed offset and redelivers the message.
type GroupHandler struct {
	coord   *Coordinator
	handler Handler
	log     *zap.Logger
}

func NewGroupHandler(coord *Coordinator, h Handler, log *zap.Logger) *GroupHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &GroupHandler{coord: coord, handler: h, log: log}
}

func (g *GroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *GroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *GroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	coord := g.coord.WithCommitter(sessionCommitter{sess: sess})

	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if coord.Handle(sess.Context(), FromSarama(msg), g.handler) == Redelivered {
				g.log.Info("stopping claim to redeliver message",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
				)
				return nil
			}
		}
	}
}

func FromSarama(msg *sarama.ConsumerMessage) Envelope {
	headers := make([]Header, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		headers = append(headers, Header{Key: string(h.Key), Value: h.Value})
	}
	return Envelope{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Headers:   headers,
		Value:     msg.Value,
	}
}

// sessionCommitter marks and synchronously commits offsets. sarama reports
// commit failures on the group's error channel rather than here.
type sessionCommitter struct {
	sess sarama.ConsumerGroupSession
}

func (s sessionCommitter) CommitOffset(_ context.Context, topic string, partition int32, nextOffset int64) error {
	s.sess.MarkOffset(topic, partition, nextOffset, "")
	s.sess.Commit()
	return nil
}

// KafkaDeadLetterPublisher writes dead letters with a synchronous producer.
type KafkaDeadLetterPublisher struct {
	producer sarama.SyncProducer
}

func NewKafkaDeadLetterPublisher(producer sarama.SyncProducer) *KafkaDeadLetterPublisher {
	return &KafkaDeadLetterPublisher{producer: producer}
}

func (p *KafkaDeadLetterPublisher) PublishDeadLetter(_ context.Context, topic string, msg DeadLetterMessage) error {
	headers := make([]sarama.RecordHeader, len(msg.Headers))
	for i, h := range msg.Headers {
		headers[i] = sarama.RecordHeader{Key: []byte(h.Key), Value: h.Value}
	}
	pm := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: headers,
	}
	if msg.Key != nil {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	if _, _, err := p.producer.SendMessage(pm); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", topic, err)
	}
	return nil
}
