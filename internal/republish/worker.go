package republish

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/phillus33/orderflow-outbox/internal/dispatch"
)

// Queue is the consuming side of the republish queue.
type Queue interface {
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Retry(ctx context.Context, job Job, at time.Time) error
	Ack(ctx context.Context, job Job) error
}

// Deleter removes outbox rows once their events are on the bus. Deleting
// rows that are already gone must succeed.
type Deleter interface {
	Delete(ctx context.Context, ids []uuid.UUID) error
}

type Worker struct {
	queue          Queue
	dispatcher     dispatch.Dispatcher
	rows           Deleter
	log            *zap.Logger
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	done           chan struct{}
}

type WorkerConfig struct {
	Queue          Queue
	Dispatcher     dispatch.Dispatcher
	Rows           Deleter
	Logger         *zap.Logger
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		queue:          cfg.Queue,
		dispatcher:     cfg.Dispatcher,
		rows:           cfg.Rows,
		log:            cfg.Logger,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		now:            time.Now,
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.batchSize <= 0 {
		w.batchSize = 50
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 10
	}
	if w.initialBackoff <= 0 {
		w.initialBackoff = time.Second
	}
	if w.maxBackoff <= 0 {
		w.maxBackoff = 5 * time.Minute
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

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.ProcessDue(ctx); err != nil {
				w.log.Error("republish pass failed", zap.Error(err))
			}
		}
	}
}

// ProcessDue claims due jobs and handles each one. It returns the number of
// jobs whose events reached the bus.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	jobs, err := w.queue.Claim(ctx, w.now(), w.batchSize)
	if err != nil && len(jobs) == 0 {
		return 0, err
	}
	if err != nil {
		w.log.Error("dropped undecodable republish jobs", zap.Error(err))
	}

	published := 0
	for _, job := range jobs {
		if w.handle(ctx, job) {
			published++
		}
	}
	return published, nil
}

func (w *Worker) handle(ctx context.Context, job Job) bool {
	fields := []zap.Field{
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", job.Attempt),
		zap.Int("events", len(job.Events)),
	}

	if err := w.dispatcher.Dispatch(ctx, job.Events); err != nil {
		job.Attempt++
		if job.Attempt >= w.maxAttempts {
			w.log.Error("republish job exhausted its attempts; outbox recovery keeps the rows",
				append(fields, zap.Error(err))...)
			w.ack(ctx, job)
			return false
		}

		at := w.now().Add(w.delay(job.Attempt))
		if rerr := w.queue.Retry(ctx, job, at); rerr != nil {
			w.log.Error("failed to reschedule republish job", append(fields, zap.Error(rerr))...)
			return false
		}
		w.log.Warn("republish attempt failed", append(fields, zap.Time("next_attempt", at), zap.Error(err))...)
		return false
	}

	// Rows already removed by a late post-commit dispatch make this a no-op.
	if err := w.rows.Delete(ctx, job.OutboxIDs); err != nil {
		w.log.Warn("republished outbox rows could not be deleted; recovery will publish them again",
			append(fields, zap.Error(err))...)
	}
	w.ack(ctx, job)
	return true
}

func (w *Worker) ack(ctx context.Context, job Job) {
	if err := w.queue.Ack(ctx, job); err != nil {
		w.log.Warn("failed to ack republish job", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

// delay returns the wait before the given attempt.
func (w *Worker) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initialBackoff
	b.MaxInterval = w.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
