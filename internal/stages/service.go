package stages

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
	"github.com/phillus33/orderflow-outbox/internal/events"
	"github.com/phillus33/orderflow-outbox/internal/outbox"
	"github.com/phillus33/orderflow-outbox/internal/uow"
)

type Store interface {
	Find(ctx context.Context, orderID, workshopID string) (*Aggregate, error)
	Save(ctx context.Context, agg *Aggregate, replace bool) error
}

type StageCommand struct {
	OrderID    string
	WorkshopID string
	StageName  string
}

type MarkResult struct {
	OrderID    string
	WorkshopID string
	StageName  string
	Changed    bool
}

type ConfirmResult struct {
	OrderID            string
	WorkshopID         string
	StageName          string
	AllStagesCompleted bool
	Version            int
}

// CompletionService moves stages through completion. Each use case loads the
// stage set, applies the change, saves it with its version check and stages
// the resulting events, all in one unit of work that is replayed once on a
// version conflict.
type CompletionService struct {
	uow   *uow.UnitOfWork
	store Store
	now   func() time.Time
}

func NewCompletionService(u *uow.UnitOfWork, store Store) *CompletionService {
	return &CompletionService{uow: u, store: store, now: time.Now}
}

func (s *CompletionService) MarkCompletion(ctx context.Context, cmd StageCommand) (MarkResult, error) {
	return uow.CallWithRetry(ctx, s.uow, func(ctx context.Context) (MarkResult, error) {
		agg, err := s.load(ctx, cmd)
		if err != nil {
			return MarkResult{}, err
		}

		changed, err := agg.MarkCompletion(cmd.StageName)
		if err != nil {
			return MarkResult{}, err
		}
		res := MarkResult{OrderID: cmd.OrderID, WorkshopID: cmd.WorkshopID, StageName: cmd.StageName, Changed: changed}
		if !changed {
			return res, nil
		}

		if err := s.store.Save(ctx, agg, false); err != nil {
			return MarkResult{}, err
		}

		now := s.now().UTC()
		err = uow.Enqueue(ctx, outbox.NewMessage(events.StageConfirmationMarked{
			Header:         events.NewHeader(uuid.NewString()),
			OrderID:        agg.OrderID,
			WorkshopID:     agg.WorkshopID,
			CommissionerID: agg.CommissionerID,
			StageName:      cmd.StageName,
			ConfirmedAt:    now,
		}, now))
		return res, err
	})
}

func (s *CompletionService) ConfirmStage(ctx context.Context, cmd StageCommand) (ConfirmResult, error) {
	return uow.CallWithRetry(ctx, s.uow, func(ctx context.Context) (ConfirmResult, error) {
		agg, err := s.load(ctx, cmd)
		if err != nil {
			return ConfirmResult{}, err
		}

		allCompleted, err := agg.Confirm(cmd.StageName)
		if err != nil {
			return ConfirmResult{}, err
		}
		if err := s.store.Save(ctx, agg, false); err != nil {
			return ConfirmResult{}, err
		}

		now := s.now().UTC()
		staged := []outbox.Message{outbox.NewMessage(events.StageConfirmed{
			Header:         events.NewHeader(uuid.NewString()),
			OrderID:        agg.OrderID,
			WorkshopID:     agg.WorkshopID,
			CommissionerID: agg.CommissionerID,
			StageName:      cmd.StageName,
			ConfirmedAt:    now,
		}, now)}
		if allCompleted {
			staged = append(staged, outbox.NewMessage(events.AllStagesCompleted{
				Header:         events.NewHeader(uuid.NewString()),
				OrderID:        agg.OrderID,
				WorkshopID:     agg.WorkshopID,
				CommissionerID: agg.CommissionerID,
				CompletedAt:    now,
			}, now))
		}
		if err := uow.Enqueue(ctx, staged...); err != nil {
			return ConfirmResult{}, err
		}

		return ConfirmResult{
			OrderID:            agg.OrderID,
			WorkshopID:         agg.WorkshopID,
			StageName:          cmd.StageName,
			AllStagesCompleted: allCompleted,
			Version:            agg.Version,
		}, nil
	})
}

func (s *CompletionService) load(ctx context.Context, cmd StageCommand) (*Aggregate, error) {
	agg, err := s.store.Find(ctx, cmd.OrderID, cmd.WorkshopID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Domain(service, apperr.CodeNotFound, "stage set not found").
			WithDetail("orderId", cmd.OrderID).
			WithDetail("workshopId", cmd.WorkshopID)
	}
	return agg, err
}
