// Package outbox persists staged events in the same transaction as the
// mutation that produced them, and redrives rows that were never confirmed as
// dispatched.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/phillus33/orderflow-outbox/internal/dispatch"
)

// Worker publishes rows left behind by a crash or a failed post-commit
// dispatch. It runs one recovery pass when started and then sweeps
// periodically while this instance holds leadership.
type Worker struct {
	store        Store
	dispatcher   dispatch.Dispatcher
	log          *zap.Logger
	pollInterval time.Duration
	batchSize    int
	minAge       time.Duration
	isLeader     func() bool
	now          func() time.Time
	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	done         chan struct{}
}

// WorkerConfig provides configuration options for the Worker.
type WorkerConfig struct {
	Store        Store
	Dispatcher   dispatch.Dispatcher
	Logger       *zap.Logger
	PollInterval time.Duration
	BatchSize    int
	// MinAge keeps the sweep away from rows whose post-commit dispatch may
	// still be in flight.
	MinAge   time.Duration
	IsLeader func() bool
}

func NewWorker(config WorkerConfig) *Worker {
	w := &Worker{
		store:        config.Store,
		dispatcher:   config.Dispatcher,
		log:          config.Logger,
		pollInterval: config.PollInterval,
		batchSize:    config.BatchSize,
		minAge:       config.MinAge,
		isLeader:     config.IsLeader,
		now:          time.Now,
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}
	if w.isLeader == nil {
		w.isLeader = func() bool { return true }
	}
	if w.batchSize <= 0 {
		w.batchSize = 100
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 30 * time.Second
	}
	return w
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop ends the sweep loop and waits for an in-progress pass to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.running = false
	done := w.done
	w.mu.Unlock()

	<-done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.sweep(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if !w.isLeader() {
		return
	}
	n, err := w.RecoverOnce(ctx)
	if err != nil {
		w.log.Error("outbox recovery pass failed", zap.Int("published", n), zap.Error(err))
		return
	}
	if n > 0 {
		w.log.Info("outbox recovery pass published leftover messages", zap.Int("published", n))
	}
}

// RecoverOnce publishes and deletes pending rows in batches until none older
// than the minimum age remain. It returns the number of rows published. A
// failed batch stops the pass and leaves its rows in place. Undecodable rows
// are logged and paged past; they stay in the table.
func (w *Worker) RecoverOnce(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.minAge)
	published := 0

	var after *Cursor
	for {
		page, err := w.store.ListPending(ctx, cutoff, after, w.batchSize)
		if err != nil && !errors.Is(err, ErrCorruptPayload) {
			return published, err
		}
		if err != nil {
			w.log.Error("skipping undecodable outbox rows", zap.Error(err))
		}

		if len(page.Messages) > 0 {
			if err := w.dispatcher.Dispatch(ctx, Events(page.Messages)); err != nil {
				return published, err
			}
			if err := w.store.Delete(ctx, IDs(page.Messages)); err != nil {
				return published, err
			}
			published += len(page.Messages)
		}

		if page.Scanned < w.batchSize {
			return published, nil
		}
		last := page.Last
		after = &last
	}
}
