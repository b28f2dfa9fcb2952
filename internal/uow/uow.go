// Package uow ties a database transaction to the events staged while it was
// open. Nested units of work join the ambient transaction carried by the
// context; the outermost one writes staged events to the outbox, commits, and
// dispatches the events in the background.
package uow

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
	"github.com/phillus33/orderflow-outbox/internal/dispatch"
	"github.com/phillus33/orderflow-outbox/internal/outbox"
	"github.com/phillus33/orderflow-outbox/internal/republish"
)

// DB hands out dedicated connections. *sql.DB satisfies it.
type DB interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

type Config struct {
	DB              DB
	Store           outbox.Store
	Dispatcher      dispatch.Dispatcher
	Enqueuer        republish.Enqueuer
	Logger          *zap.Logger
	MeterProvider   metric.MeterProvider
	Isolation       sql.IsolationLevel
	DispatchTimeout time.Duration
}

type UnitOfWork struct {
	db              DB
	store           outbox.Store
	dispatcher      dispatch.Dispatcher
	enqueuer        republish.Enqueuer
	log             *zap.Logger
	isolation       sql.IsolationLevel
	dispatchTimeout time.Duration
	metrics         *monitor
	inflight        sync.WaitGroup
}

func New(cfg Config) *UnitOfWork {
	u := &UnitOfWork{
		db:              cfg.DB,
		store:           cfg.Store,
		dispatcher:      cfg.Dispatcher,
		enqueuer:        cfg.Enqueuer,
		log:             cfg.Logger,
		isolation:       cfg.Isolation,
		dispatchTimeout: cfg.DispatchTimeout,
	}
	if u.log == nil {
		u.log = zap.NewNop()
	}
	if u.isolation == sql.LevelDefault {
		u.isolation = sql.LevelReadCommitted
	}
	provider := cfg.MeterProvider
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	u.metrics = newMonitor(u.log, provider)
	return u
}

// Run executes fn under transactional protection. With the default
// propagation fn joins the ambient transaction if there is one. Otherwise a
// new transaction is opened and, once fn returns, before-commit hooks run,
// staged events are written to the outbox and the transaction commits.
// Dispatch of the committed events happens in the background and never
// affects the returned error.
func (u *UnitOfWork) Run(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	o := u.resolve(opts)

	if parent := fromContext(ctx); parent != nil && o.propagation == Required {
		meta := o.meta.merge(MetaFrom(ctx))
		return apperr.FromStore(fn(withScope(ctx, parent, meta)))
	}
	return u.runNew(ctx, fn, o)
}

// RunWithRetry behaves like Run, but replays the whole unit of work once in a
// fresh transaction when the first attempt fails with a retryable
// infrastructure error. The second outcome is final. A unit of work that
// joins an ambient transaction is not retried here; the owner of that
// transaction decides.
func (u *UnitOfWork) RunWithRetry(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	err := u.Run(ctx, fn, opts...)
	if err == nil || !apperr.IsRetryable(err) {
		return err
	}
	if fromContext(ctx) != nil && u.resolve(opts).propagation == Required {
		return err
	}

	u.log.Info("retrying unit of work after retryable failure", zap.Error(err))
	return u.Run(ctx, fn, opts...)
}

// Wait blocks until every background dispatch started so far has finished or
// ctx is done.
func (u *UnitOfWork) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		u.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *UnitOfWork) runNew(ctx context.Context, fn func(ctx context.Context) error, o options) (err error) {
	conn, err := u.db.Conn(ctx)
	if err != nil {
		return apperr.FromStore(err)
	}
	defer u.release(conn)

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: o.isolation})
	if err != nil {
		return apperr.FromStore(err)
	}

	finished := false
	defer func() {
		if !finished {
			u.rollback(tx)
		}
	}()

	s := &scope{tx: tx, bufs: &buffers{}}
	defer s.bufs.close()
	meta := o.meta.merge(MetaFrom(ctx))
	scoped := withScope(ctx, s, meta)

	if err := fn(scoped); err != nil {
		return apperr.FromStore(err)
	}
	if err := u.runBeforeCommit(scoped, s.bufs); err != nil {
		return apperr.FromStore(err)
	}

	msgs, after := s.bufs.snapshot()
	if len(msgs) > 0 {
		if err := u.store.Insert(scoped, tx, msgs); err != nil {
			return apperr.FromStore(err)
		}
	}

	finished = true
	if err := tx.Commit(); err != nil {
		return apperr.FromStore(err)
	}

	u.afterCommit(ctx, msgs, after)
	return nil
}

func (u *UnitOfWork) runBeforeCommit(ctx context.Context, b *buffers) error {
	for i := 0; ; i++ {
		h, ok := b.beforeHook(i)
		if !ok {
			return nil
		}
		if err := h(ctx); err != nil {
			return err
		}
	}
}

// afterCommit starts the detached post-commit task. The caller's context is
// used only for its values: the task outlives the caller.
func (u *UnitOfWork) afterCommit(ctx context.Context, msgs []outbox.Message, after []Hook) {
	if len(msgs) == 0 && len(after) == 0 {
		return
	}

	bg := detach(context.WithoutCancel(ctx))

	u.inflight.Add(1)
	go func() {
		defer u.inflight.Done()

		if len(msgs) > 0 {
			dctx, cancel := u.dispatchContext(bg)
			u.publish(dctx, msgs)
			cancel()
		}
		for _, h := range after {
			if err := h(bg); err != nil {
				u.log.Error("after-commit hook failed", zap.Error(err))
			}
		}
	}()
}

func (u *UnitOfWork) dispatchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if u.dispatchTimeout > 0 {
		return context.WithTimeout(ctx, u.dispatchTimeout)
	}
	return context.WithCancel(ctx)
}

// publish dispatches committed messages and deletes their rows. On failure
// the rows stay and a republish job takes over.
func (u *UnitOfWork) publish(ctx context.Context, msgs []outbox.Message) {
	ids := outbox.IDs(msgs)

	err := u.dispatcher.Dispatch(ctx, outbox.Events(msgs))
	if err == nil {
		u.metrics.dispatched(ctx, len(msgs))
		if err := u.store.Delete(ctx, ids); err != nil {
			u.log.Warn("dispatched outbox rows could not be deleted; recovery will republish them",
				zap.Strings("outbox_ids", idStrings(ids)), zap.Error(err))
		}
		return
	}

	u.metrics.dispatchFailed(ctx, len(msgs))
	u.log.Warn("post-commit dispatch failed; handing rows to the republish queue",
		zap.Strings("outbox_ids", idStrings(ids)), zap.Error(err))

	job := republish.Job{ID: uuid.New(), Events: outbox.Events(msgs), OutboxIDs: ids}
	// The dispatch deadline may already be spent.
	ectx, cancel := u.dispatchContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := u.enqueuer.EnqueuePublish(ectx, job); err != nil {
		u.log.Error("republish enqueue failed; rows remain for outbox recovery",
			zap.Strings("outbox_ids", idStrings(ids)), zap.Error(err))
		return
	}
	u.metrics.republishEnqueued(ctx)
}

func (u *UnitOfWork) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		u.log.Warn("transaction rollback failed", zap.Error(err))
	}
}

func (u *UnitOfWork) release(conn *sql.Conn) {
	if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		u.log.Warn("connection release failed", zap.Error(err))
	}
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
