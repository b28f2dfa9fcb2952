// Package consumer decides the fate of every message consumed from the bus:
// commit it, leave it for redelivery, or route it to a dead-letter topic.
package consumer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
)

type Outcome int

const (
	Committed Outcome = iota + 1
	Redelivered
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Redelivered:
		return "redelivered"
	case DeadLettered:
		return "dead_lettered"
	}
	return "unknown"
}

type Handler func(ctx context.Context, env Envelope) error

type OffsetCommitter interface {
	CommitOffset(ctx context.Context, topic string, partition int32, nextOffset int64) error
}

type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, topic string, msg DeadLetterMessage) error
}

type Config struct {
	Committer        OffsetCommitter
	DeadLetters      DeadLetterPublisher
	Logger           *zap.Logger
	MeterProvider    metric.MeterProvider
	MaxRetries       int
	DeadLetterSuffix string
	AttemptsHeader   string
}

type Coordinator struct {
	committer      OffsetCommitter
	deadLetters    DeadLetterPublisher
	log            *zap.Logger
	outcomes       metric.Int64Counter
	maxRetries     int
	suffix         string
	attemptsHeader string
}

func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		committer:      cfg.Committer,
		deadLetters:    cfg.DeadLetters,
		log:            cfg.Logger,
		maxRetries:     cfg.MaxRetries,
		suffix:         cfg.DeadLetterSuffix,
		attemptsHeader: cfg.AttemptsHeader,
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 5
	}
	if c.suffix == "" {
		c.suffix = ".DLQ"
	}
	if c.attemptsHeader == "" {
		c.attemptsHeader = "x-attempts"
	}

	provider := cfg.MeterProvider
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	counter, err := provider.Meter("orderflow.consumer").Int64Counter(
		"orderflow_consumer_outcomes_total",
		metric.WithDescription("Consumed messages by outcome"),
	)
	if err != nil {
		c.log.Warn("failed to create consumer outcome counter", zap.Error(err))
	}
	c.outcomes = counter
	return c
}

// WithCommitter returns a copy of c that commits through oc.
func (c *Coordinator) WithCommitter(oc OffsetCommitter) *Coordinator {
	cp := *c
	cp.committer = oc
	return &cp
}

// DeadLetterTopic returns the dead-letter destination for topic.
func (c *Coordinator) DeadLetterTopic(topic string) string {
	return topic + c.suffix
}

// Handle runs h for env and settles the message. It never returns an error:
// a Redelivered outcome means the offset was deliberately left behind.
func (c *Coordinator) Handle(ctx context.Context, env Envelope, h Handler) Outcome {
	out := c.handle(ctx, env, h)
	if c.outcomes != nil {
		c.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("topic", env.Topic),
			attribute.String("outcome", out.String()),
		))
	}
	return out
}

func (c *Coordinator) handle(ctx context.Context, env Envelope, h Handler) Outcome {
	fields := []zap.Field{
		zap.String("topic", env.Topic),
		zap.Int32("partition", env.Partition),
		zap.Int64("offset", env.Offset),
	}

	err := invoke(ctx, env, h)
	if err == nil {
		if cerr := c.commit(ctx, env); cerr != nil {
			c.log.Error("offset commit failed after successful handling", append(fields, zap.Error(cerr))...)
			return Redelivered
		}
		return Committed
	}

	// A cancelled session says nothing about the message itself.
	if ctx.Err() != nil {
		c.log.Info("handler interrupted by cancelled context; leaving offset for redelivery",
			append(fields, zap.Error(err))...)
		return Redelivered
	}

	attempts := env.Attempts(c.attemptsHeader)
	if e, ok := apperr.As(err); ok && e.Retryable && attempts < c.maxRetries {
		c.log.Warn("handler failed with retryable error; leaving offset for redelivery",
			append(fields, zap.Int("attempts", attempts), zap.Error(err))...)
		return Redelivered
	}

	summary := Summarize(err)
	dlqTopic := c.DeadLetterTopic(env.Topic)
	fields = append(fields,
		zap.String("dead_letter_topic", dlqTopic),
		zap.String("error_kind", summary.Kind),
		zap.String("error_code", summary.Code),
		zap.Int("attempts", attempts),
	)

	msg, berr := buildDeadLetter(env, summary)
	if berr != nil {
		c.log.Error("dead letter could not be built; leaving offset", append(fields, zap.Error(berr))...)
		return Redelivered
	}
	if perr := c.deadLetters.PublishDeadLetter(ctx, dlqTopic, msg); perr != nil {
		c.log.Error("dead letter publish failed; leaving offset", append(fields, zap.Error(perr))...)
		return Redelivered
	}
	if cerr := c.commit(ctx, env); cerr != nil {
		c.log.Error("offset commit failed after dead letter publish", append(fields, zap.Error(cerr))...)
		return Redelivered
	}

	c.log.Warn("message routed to dead letter topic", append(fields, zap.Error(err))...)
	return DeadLettered
}

func (c *Coordinator) commit(ctx context.Context, env Envelope) error {
	return c.committer.CommitOffset(ctx, env.Topic, env.Partition, env.NextOffset())
}

func invoke(ctx context.Context, env Envelope, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return h(ctx, env)
}
