package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
	"github.com/phillus33/orderflow-outbox/internal/events"
)

// BreakerDispatcher stops calling a failing transport for a while so that
// post-commit dispatch degrades straight to the republish queue instead of
// waiting on timeouts.
type BreakerDispatcher struct {
	next Dispatcher
	cb   *gobreaker.CircuitBreaker
}

type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Logger           *zap.Logger
}

func NewBreakerDispatcher(next Dispatcher, s BreakerSettings) *BreakerDispatcher {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.FailureThreshold
		},
		// Programmer errors say nothing about the transport's health.
		IsSuccessful: func(err error) bool {
			return err == nil || apperr.IsKind(err, apperr.KindProgrammer)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("dispatch circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BreakerDispatcher{next: next, cb: cb}
}

func (b *BreakerDispatcher) Dispatch(ctx context.Context, evts []events.Event) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Dispatch(ctx, evts)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return transportError(b.cb.Name(), err)
	}
	return err
}

func (b *BreakerDispatcher) State() gobreaker.State {
	return b.cb.State()
}
