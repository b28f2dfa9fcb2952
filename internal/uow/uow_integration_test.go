//go:build integration

package uow_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phillus33/orderflow-outbox/internal/events"
	"github.com/phillus33/orderflow-outbox/internal/outbox"
	"github.com/phillus33/orderflow-outbox/internal/pgtest"
	"github.com/phillus33/orderflow-outbox/internal/republish"
	"github.com/phillus33/orderflow-outbox/internal/uow"
)

// gatedDispatcher blocks every dispatch until release is closed.
type gatedDispatcher struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
	err     error
}

func (d *gatedDispatcher) Dispatch(ctx context.Context, _ []events.Event) error {
	select {
	case <-d.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.err
}

type jobRecorder struct {
	mu   sync.Mutex
	jobs []republish.Job
}

func (r *jobRecorder) EnqueuePublish(_ context.Context, job republish.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM outbox_messages").Scan(&n))
	return n
}

func confirmed(id string) outbox.Message {
	return outbox.NewMessage(events.StageConfirmed{
		Header:     events.NewHeader(id),
		OrderID:    "o1",
		WorkshopID: "w1",
		StageName:  "A",
	}, time.Now())
}

func wait(t *testing.T, u *uow.UnitOfWork) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, u.Wait(ctx))
}

func newUnitOfWork(db *sql.DB, d *gatedDispatcher, q *jobRecorder) *uow.UnitOfWork {
	return uow.New(uow.Config{
		DB:         db,
		Store:      outbox.NewPostgresStore(db),
		Dispatcher: d,
		Enqueuer:   q,
	})
}

func TestCommittedEventsAreDeletedAfterDispatch(t *testing.T) {
	db := pgtest.SetupTestDB(t)
	d := &gatedDispatcher{release: make(chan struct{})}
	u := newUnitOfWork(db, d, &jobRecorder{})

	err := u.Run(context.Background(), func(ctx context.Context) error {
		return uow.Enqueue(ctx, confirmed("e1"), confirmed("e2"), confirmed("e3"))
	})
	require.NoError(t, err)
	assert.Equal(t, 3, countRows(t, db))

	close(d.release)
	wait(t, u)
	assert.Equal(t, 0, countRows(t, db))
	assert.Equal(t, 1, d.calls)
}

func TestRollbackLeavesNoRows(t *testing.T) {
	db := pgtest.SetupTestDB(t)
	d := &gatedDispatcher{release: make(chan struct{})}
	close(d.release)
	u := newUnitOfWork(db, d, &jobRecorder{})

	boom := errors.New("boom")
	err := u.Run(context.Background(), func(ctx context.Context) error {
		require.NoError(t, uow.Enqueue(ctx, confirmed("e1")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	wait(t, u)
	assert.Equal(t, 0, countRows(t, db))
	assert.Zero(t, d.calls)
}

func TestNestedWorkRollsBackWithOuter(t *testing.T) {
	db := pgtest.SetupTestDB(t)
	d := &gatedDispatcher{release: make(chan struct{})}
	close(d.release)
	u := newUnitOfWork(db, d, &jobRecorder{})

	boom := errors.New("outer failed")
	err := u.Run(context.Background(), func(ctx context.Context) error {
		if err := u.Run(ctx, func(ctx context.Context) error {
			return uow.Enqueue(ctx, confirmed("inner"))
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	wait(t, u)
	assert.Equal(t, 0, countRows(t, db))
	assert.Zero(t, d.calls)
}

func TestFailedDispatchKeepsRowsAndSchedulesRepublish(t *testing.T) {
	db := pgtest.SetupTestDB(t)
	d := &gatedDispatcher{release: make(chan struct{}), err: errors.New("broker down")}
	close(d.release)
	q := &jobRecorder{}
	u := newUnitOfWork(db, d, q)

	err := u.Run(context.Background(), func(ctx context.Context) error {
		return uow.Enqueue(ctx, confirmed("e1"), confirmed("e2"))
	})
	require.NoError(t, err)

	wait(t, u)
	assert.Equal(t, 2, countRows(t, db))
	require.Len(t, q.jobs, 1)
	assert.Len(t, q.jobs[0].OutboxIDs, 2)

	// The relay sweep finds the rows once they are old enough.
	pending, err := outbox.NewPostgresStore(db).ListPending(context.Background(), time.Now().Add(time.Second), nil, 10)
	require.NoError(t, err)
	assert.Len(t, pending.Messages, 2)
}

func TestIsolationOptionReachesTransaction(t *testing.T) {
	db := pgtest.SetupTestDB(t)
	d := &gatedDispatcher{release: make(chan struct{})}
	close(d.release)
	u := newUnitOfWork(db, d, &jobRecorder{})

	level := func(opts ...uow.Option) string {
		var got string
		require.NoError(t, u.Run(context.Background(), func(ctx context.Context) error {
			tx, ok := uow.TxFrom(ctx)
			require.True(t, ok)
			return tx.QueryRowContext(ctx, "SHOW transaction_isolation").Scan(&got)
		}, opts...))
		return got
	}

	assert.Equal(t, "read committed", level())
	assert.Equal(t, "serializable", level(uow.WithIsolation(sql.LevelSerializable)))
	wait(t, u)
}
