package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type commit struct {
	topic     string
	partition int32
	next      int64
}

type fakeCommitter struct {
	mu      sync.Mutex
	commits []commit
	err     error
}

func (f *fakeCommitter) CommitOffset(_ context.Context, topic string, partition int32, next int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commits = append(f.commits, commit{topic, partition, next})
	return nil
}

type published struct {
	topic string
	msg   DeadLetterMessage
}

type fakeDLQ struct {
	sent []published
	err  error
}

func (f *fakeDLQ) PublishDeadLetter(_ context.Context, topic string, msg DeadLetterMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic, msg})
	return nil
}

func newCoordinator(c *fakeCommitter, d *fakeDLQ) (*Coordinator, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return NewCoordinator(Config{
		Committer:   c,
		DeadLetters: d,
		Logger:      zap.New(core),
		MaxRetries:  5,
	}), logs
}

func envelope(attempts string) Envelope {
	env := Envelope{
		Topic:     "stage.transitions",
		Partition: 2,
		Offset:    41,
		Key:       []byte("o1:w1"),
		Value:     []byte(`{"eventName":"StageConfirmed","orderId":"o1"}`),
		Headers:   []Header{{Key: "x-event-name", Value: []byte("StageConfirmed")}},
	}
	if attempts != "" {
		env.Headers = append(env.Headers, Header{Key: "X-Attempts", Value: []byte(attempts)})
	}
	return env
}

func failWith(err error) Handler {
	return func(context.Context, Envelope) error { return err }
}

func TestSuccessCommitsNextOffset(t *testing.T) {
	c, d := &fakeCommitter{}, &fakeDLQ{}
	coord, _ := newCoordinator(c, d)

	out := coord.Handle(context.Background(), envelope(""), failWith(nil))

	assert.Equal(t, Committed, out)
	assert.Equal(t, []commit{{"stage.transitions", 2, 42}}, c.commits)
	assert.Empty(t, d.sent)
}

func TestRetryableBelowLimitIsRedelivered(t *testing.T) {
	c, d := &fakeCommitter{}, &fakeDLQ{}
	coord, _ := newCoordinator(c, d)
	err := apperr.Infrastructure("db", apperr.CodeConnectionLost, "gone", true, nil)

	out := coord.Handle(context.Background(), envelope("2"), failWith(err))

	assert.Equal(t, Redelivered, out)
	assert.Empty(t, c.commits)
	assert.Empty(t, d.sent)
}

func TestRetryableAtLimitIsDeadLettered(t *testing.T) {
	c, d := &fakeCommitter{}, &fakeDLQ{}
	coord, _ := newCoordinator(c, d)
	err := apperr.Infrastructure("db", apperr.CodeConnectionLost, "gone", true, nil)

	out := coord.Handle(context.Background(), envelope("5"), failWith(err))

	assert.Equal(t, DeadLettered, out)
	require.Len(t, d.sent, 1)
	assert.Equal(t, "stage.transitions.DLQ", d.sent[0].topic)
	assert.Equal(t, []byte("o1:w1"), d.sent[0].msg.Key)
	assert.Equal(t, []commit{{"stage.transitions", 2, 42}}, c.commits)

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(d.sent[0].msg.Value, &dl))
	assert.JSONEq(t, `{"eventName":"StageConfirmed","orderId":"o1"}`, string(dl.Original))
	assert.Equal(t, "infrastructure", dl.Error.Kind)
	assert.Equal(t, apperr.CodeConnectionLost, dl.Error.Code)
	assert.True(t, dl.Error.Retryable)
	assert.Equal(t, 1, dl.Error.V)
}

func TestDomainErrorIsDeadLetteredImmediately(t *testing.T) {
	c, d := &fakeCommitter{}, &fakeDLQ{}
	coord, _ := newCoordinator(c, d)
	err := apperr.Domain("stages", "STAGE_ALREADY_CONFIRMED", "already confirmed").WithDetail("stage", "A")

	out := coord.Handle(context.Background(), envelope(""), failWith(err))

	assert.Equal(t, DeadLettered, out)
	require.Len(t, d.sent, 1)

	headers := map[string]string{}
	for _, h := range d.sent[0].msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "StageConfirmed", headers["x-event-name"])
	assert.Equal(t, "domain", headers[HeaderErrorKind])
	assert.Equal(t, "stages", headers[HeaderErrorService])
	assert.Equal(t, "STAGE_ALREADY_CONFIRMED", headers[HeaderErrorCode])

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(d.sent[0].msg.Value, &dl))
	assert.Equal(t, "A", dl.Error.Details["stage"])
}

func TestUnknownErrorIsSummarisedAsUnclassified(t *testing.T) {
	c, d := &fakeCommitter{}, &fakeDLQ{}
	coord, _ := newCoordinator(c, d)

	out := coord.Handle(context.Background(), envelope("0"), failWith(errors.New("boom")))

	assert.Equal(t, DeadLettered, out)
	require.Len(t, d.sent, 1)

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(d.sent[0].msg.Value, &dl))
	assert.Equal(t, "unknown", dl.Error.Kind)
	assert.Equal(t, "infra", dl.Error.Service)
	assert.Equal(t, apperr.CodeUnclassified, dl.Error.Code)
	assert.False(t, dl.Error.Retryable)
	raw, ok := dl.Error.Details["raw"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "boom", raw["message"])
}

func TestPanicIsDeadLettered(t *testing.T) {
	c, d := &fakeCommitter{}, &fakeDLQ{}
	coord, _ := newCoordinator(c, d)

	out := coord.Handle(context.Background(), envelope(""), func(context.Context, Envelope) error {
		panic("nil map")
	})

	assert.Equal(t, DeadLettered, out)
	require.Len(t, d.sent, 1)
	assert.Len(t, c.commits, 1)
}

func TestNonJSONPayloadIsKeptAsBase64(t *testing.T) {
	c, d := &fakeCommitter{}, &fakeDLQ{}
	coord, _ := newCoordinator(c, d)
	env := envelope("")
	env.Value = []byte{0xff, 0x00, 0x01}

	coord.Handle(context.Background(), env, failWith(errors.New("decode")))

	require.Len(t, d.sent, 1)
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(d.sent[0].msg.Value, &dl))
	assert.Nil(t, dl.Original)
	assert.Equal(t, env.Value, dl.OriginalBase64)
}

func TestCancelledContextIsRedeliveredNotDeadLettered(t *testing.T) {
	c, d := &fakeCommitter{}, &fakeDLQ{}
	coord, _ := newCoordinator(c, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, h := range []Handler{
		func(ctx context.Context, _ Envelope) error { return ctx.Err() },
		failWith(errors.New("conn: context canceled")),
		failWith(apperr.Domain("stages", "STAGE_ALREADY_CONFIRMED", "already confirmed")),
	} {
		assert.Equal(t, Redelivered, coord.Handle(ctx, envelope(""), h))
	}

	assert.Empty(t, d.sent)
	assert.Empty(t, c.commits)
}

func TestSuccessUnderCancelledContextStillCommits(t *testing.T) {
	c, d := &fakeCommitter{}, &fakeDLQ{}
	coord, _ := newCoordinator(c, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, Committed, coord.Handle(ctx, envelope(""), failWith(nil)))
	assert.Len(t, c.commits, 1)
}

func TestDeadLetterFailureLeavesOffset(t *testing.T) {
	c, d := &fakeCommitter{}, &fakeDLQ{err: errors.New("broker down")}
	coord, logs := newCoordinator(c, d)

	out := coord.Handle(context.Background(), envelope(""), failWith(errors.New("boom")))

	assert.Equal(t, Redelivered, out)
	assert.Empty(t, c.commits)
	assert.Equal(t, 1, logs.FilterMessage("dead letter publish failed; leaving offset").Len())
}

func TestCommitFailureAfterDeadLetterIsRedelivered(t *testing.T) {
	c, d := &fakeCommitter{err: errors.New("coordinator moved")}, &fakeDLQ{}
	coord, logs := newCoordinator(c, d)

	out := coord.Handle(context.Background(), envelope(""), failWith(errors.New("boom")))

	assert.Equal(t, Redelivered, out)
	assert.Len(t, d.sent, 1)
	assert.Equal(t, 1, logs.FilterMessage("offset commit failed after dead letter publish").Len())
}

func TestAttemptsHeaderEncodings(t *testing.T) {
	env := Envelope{Headers: []Header{{Key: "x-attempts", Value: []byte{0, 0, 0, 3}}}}
	assert.Equal(t, 3, env.Attempts("X-ATTEMPTS"))

	env.Headers[0].Value = []byte(" 7 ")
	assert.Equal(t, 7, env.Attempts("x-attempts"))

	env.Headers[0].Value = []byte("nope")
	assert.Equal(t, 0, env.Attempts("x-attempts"))

	assert.Equal(t, 0, Envelope{}.Attempts("x-attempts"))
}

func TestAttemptsTextOfBinaryWidthIsNotDecodedAsInteger(t *testing.T) {
	cases := map[string]struct {
		value []byte
		want  int
	}{
		"four letters":     {[]byte("abcd"), 0},
		"eight letters":    {[]byte("abcdefgh"), 0},
		"four digit text":  {[]byte("0012"), 12},
		"big-endian int64": {[]byte{0, 0, 0, 0, 0, 0, 0, 9}, 9},
		"negative int32":   {[]byte{0xff, 0xff, 0xff, 0xfe}, 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			env := Envelope{Headers: []Header{{Key: "x-attempts", Value: tc.value}}}
			assert.Equal(t, tc.want, env.Attempts("x-attempts"))
		})
	}
}

func TestKafkaDeadLetterPublisher(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "order.requests.DLQ" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != HeaderErrorCode {
			return errors.New("missing error header")
		}
		return nil
	})
	defer func() { require.NoError(t, producer.Close()) }()

	pub := NewKafkaDeadLetterPublisher(producer)
	err := pub.PublishDeadLetter(context.Background(), "order.requests.DLQ", DeadLetterMessage{
		Key:     []byte("o1"),
		Headers: []Header{{Key: HeaderErrorCode, Value: []byte(apperr.CodeUnclassified)}},
		Value:   []byte(`{}`),
	})
	require.NoError(t, err)
}

type fakeSession struct {
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "m1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(_ string, _ int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, offset)
}
func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) {}
func (s *fakeSession) Context() context.Context { return s.ctx }

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "order.requests" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func TestGroupHandlerStopsClaimOnRedelivery(t *testing.T) {
	sess := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 3)}
	for off := int64(10); off < 13; off++ {
		claim.msgs <- &sarama.ConsumerMessage{Topic: "order.requests", Offset: off, Value: []byte(`{}`)}
	}
	close(claim.msgs)

	coord := NewCoordinator(Config{DeadLetters: &fakeDLQ{}})
	handled := 0
	h := NewGroupHandler(coord, func(_ context.Context, env Envelope) error {
		handled++
		if env.Offset == 11 {
			return apperr.Infrastructure("db", apperr.CodeConnectionLost, "gone", true, nil)
		}
		return nil
	}, nil)

	require.NoError(t, h.ConsumeClaim(sess, claim))

	assert.Equal(t, 2, handled)
	assert.Equal(t, []int64{11}, sess.marked)
	assert.Equal(t, 1, sess.commits)
}

func TestFromSaramaCopiesHeaders(t *testing.T) {
	env := FromSarama(&sarama.ConsumerMessage{
		Topic:     "order.transitions",
		Partition: 1,
		Offset:    5,
		Key:       []byte("o1"),
		Value:     []byte(`{}`),
		Headers:   []*sarama.RecordHeader{{Key: []byte("x-attempts"), Value: []byte("4")}, nil},
	})

	assert.Equal(t, 4, env.Attempts("x-attempts"))
	assert.Equal(t, int64(6), env.NextOffset())
	assert.Len(t, env.Headers, 1)
}
