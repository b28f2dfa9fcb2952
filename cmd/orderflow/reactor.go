package main

import (
	"context"

	"github.com/phillus33/orderflow-outbox/internal/consumer"
	"github.com/phillus33/orderflow-outbox/internal/events"
	"github.com/phillus33/orderflow-outbox/internal/uow"
	"github.com/phillus33/orderflow-outbox/pkg/outbox"
)

// completionReactor turns AllStagesCompleted into OrderCompleted. Other
// events on the subscribed topics are acknowledged without action.
func completionReactor(units *uow.UnitOfWork) consumer.Handler {
	return func(ctx context.Context, env consumer.Envelope) error {
		evt, err := events.Unmarshal(env.Value)
		if err != nil {
			return err
		}

		done, ok := evt.(events.AllStagesCompleted)
		if !ok {
			return nil
		}

		return units.RunWithRetry(ctx, func(ctx context.Context) error {
			_, err := outbox.Enqueue(ctx, events.OrderCompleted{
				Header:         events.NewHeader(outbox.NewEventID()),
				OrderID:        done.OrderID,
				WorkshopID:     done.WorkshopID,
				CommissionerID: done.CommissionerID,
				ConfirmedAt:    done.CompletedAt,
			})
			return err
		}, uow.WithMeta(uow.Meta{CorrelationID: done.EventID}))
	}
}
