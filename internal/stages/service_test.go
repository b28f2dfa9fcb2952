package stages

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
	"github.com/phillus33/orderflow-outbox/internal/events"
	"github.com/phillus33/orderflow-outbox/internal/outbox"
	"github.com/phillus33/orderflow-outbox/internal/uow"
)

type memStore struct {
	mu        sync.Mutex
	sets      map[string]Aggregate
	conflicts int
	saves     int
}

func (m *memStore) Find(_ context.Context, orderID, workshopID string) (*Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.sets[orderID+"/"+workshopID]
	if !ok {
		return nil, ErrNotFound
	}
	agg.Stages = append([]Stage(nil), agg.Stages...)
	return &agg, nil
}

func (m *memStore) Save(_ context.Context, agg *Aggregate, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.conflicts > 0 {
		m.conflicts--
		return apperr.Conflict(service, "version changed")
	}
	agg.Version++
	stored := *agg
	stored.Stages = append([]Stage(nil), agg.Stages...)
	m.sets[agg.OrderID+"/"+agg.WorkshopID] = stored
	return nil
}

type captureOutbox struct {
	mu   sync.Mutex
	msgs []outbox.Message
}

func (c *captureOutbox) Insert(_ context.Context, _ outbox.Execer, msgs []outbox.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureOutbox) Delete(context.Context, []uuid.UUID) error { return nil }

func (c *captureOutbox) ListPending(context.Context, time.Time, *outbox.Cursor, int) (outbox.Page, error) {
	return outbox.Page{}, nil
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, []events.Event) error { return nil }

func newService(t *testing.T, store *memStore) (*CompletionService, *uow.UnitOfWork, *captureOutbox, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ob := &captureOutbox{}
	u := uow.New(uow.Config{DB: db, Store: ob, Dispatcher: noopDispatcher{}})
	return NewCompletionService(u, store), u, ob, mock
}

func seededStore(statuses ...Status) *memStore {
	agg := Aggregate{OrderID: "o1", WorkshopID: "w1", CommissionerID: "c1", Version: 1}
	for i, st := range statuses {
		agg.Stages = append(agg.Stages, Stage{Name: string(rune('A' + i)), Order: i, Status: st})
	}
	return &memStore{sets: map[string]Aggregate{"o1/w1": agg}}
}

func eventNames(msgs []outbox.Message) []events.Name {
	var out []events.Name
	for _, m := range msgs {
		out = append(out, m.Event.Name())
	}
	return out
}

func waitIdle(t *testing.T, u *uow.UnitOfWork) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, u.Wait(ctx))
}

func TestConfirmStageStagesEvent(t *testing.T) {
	store := seededStore(StatusPending, StatusPending)
	svc, u, ob, mock := newService(t, store)
	mock.ExpectBegin()
	mock.ExpectCommit()

	res, err := svc.ConfirmStage(context.Background(), StageCommand{OrderID: "o1", WorkshopID: "w1", StageName: "A"})

	require.NoError(t, err)
	waitIdle(t, u)
	assert.False(t, res.AllStagesCompleted)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, []events.Name{events.NameStageConfirmed}, eventNames(ob.msgs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmLastStageCompletesAll(t *testing.T) {
	store := seededStore(StatusConfirmed, StatusCompletionMarked)
	svc, u, ob, mock := newService(t, store)
	mock.ExpectBegin()
	mock.ExpectCommit()

	res, err := svc.ConfirmStage(context.Background(), StageCommand{OrderID: "o1", WorkshopID: "w1", StageName: "B"})

	require.NoError(t, err)
	waitIdle(t, u)
	assert.True(t, res.AllStagesCompleted)
	assert.Equal(t, []events.Name{events.NameStageConfirmed, events.NameAllStagesCompleted}, eventNames(ob.msgs))

	completed := ob.msgs[1].Event.(events.AllStagesCompleted)
	assert.Equal(t, "c1", completed.CommissionerID)
}

func TestConfirmStageRetriesOnceAfterConflict(t *testing.T) {
	store := seededStore(StatusPending)
	store.conflicts = 1
	svc, u, ob, mock := newService(t, store)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	res, err := svc.ConfirmStage(context.Background(), StageCommand{OrderID: "o1", WorkshopID: "w1", StageName: "A"})

	require.NoError(t, err)
	waitIdle(t, u)
	assert.Equal(t, 2, store.saves)
	assert.True(t, res.AllStagesCompleted)
	assert.Len(t, ob.msgs, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmStageGivesUpAfterSecondConflict(t *testing.T) {
	store := seededStore(StatusPending)
	store.conflicts = 2
	svc, u, ob, mock := newService(t, store)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.ConfirmStage(context.Background(), StageCommand{OrderID: "o1", WorkshopID: "w1", StageName: "A"})

	assert.True(t, apperr.HasCode(err, apperr.CodeOptimisticLock))
	waitIdle(t, u)
	assert.Empty(t, ob.msgs)
}

func TestConfirmStageDomainErrorsAreNotRetried(t *testing.T) {
	store := seededStore(StatusConfirmed)
	svc, u, _, mock := newService(t, store)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.ConfirmStage(context.Background(), StageCommand{OrderID: "o1", WorkshopID: "w1", StageName: "A"})
	assert.True(t, apperr.HasCode(err, CodeStageAlreadyConfirmed))

	_, err = svc.ConfirmStage(context.Background(), StageCommand{OrderID: "o2", WorkshopID: "w1", StageName: "A"})
	assert.True(t, apperr.IsKind(err, apperr.KindDomain))
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))

	waitIdle(t, u)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletion(t *testing.T) {
	store := seededStore(StatusPending, StatusConfirmed)
	svc, u, ob, mock := newService(t, store)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	res, err := svc.MarkCompletion(context.Background(), StageCommand{OrderID: "o1", WorkshopID: "w1", StageName: "A"})
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = svc.MarkCompletion(context.Background(), StageCommand{OrderID: "o1", WorkshopID: "w1", StageName: "B"})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	waitIdle(t, u)
	assert.Equal(t, []events.Name{events.NameStageConfirmationMarked}, eventNames(ob.msgs))
	assert.Equal(t, 1, store.saves)
}

func TestAggregateConfirmUnknownStage(t *testing.T) {
	agg := &Aggregate{Stages: []Stage{{Name: "A", Status: StatusPending}}}
	_, err := agg.Confirm("Z")
	assert.True(t, apperr.HasCode(err, CodeStageNotFound))
	assert.False(t, agg.AllConfirmed())
}
