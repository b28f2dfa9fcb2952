// Package leader elects a single relay instance using a Postgres
// session-level advisory lock held on a dedicated connection.
package leader

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Election struct {
	db       *sql.DB
	key      int64
	interval time.Duration
	log      *zap.Logger

	mu     sync.RWMutex
	conn   *sql.Conn
	leader bool

	stop chan struct{}
	done chan struct{}
}

func NewElection(db *sql.DB, key int64, interval time.Duration, log *zap.Logger) *Election {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Election{
		db:       db,
		key:      key,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (e *Election) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

// Start campaigns immediately and then on every interval until Close.
func (e *Election) Start(ctx context.Context) {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			if _, err := e.Campaign(ctx); err != nil {
				e.log.Warn("leader campaign failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Campaign makes one attempt to become or stay leader. A leader verifies its
// lock connection is still alive; losing it means losing the lock.
func (e *Election) Campaign(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		var one int
		if err := e.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			e.log.Warn("leadership lost", zap.Error(err))
			_ = e.conn.Close()
			e.conn = nil
			e.leader = false
			return false, fmt.Errorf("check lock connection: %w", err)
		}
		return true, nil
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}

	e.log.Info("acquired leadership", zap.Int64("lock_key", e.key))
	e.conn = conn
	e.leader = true
	return true, nil
}

// Close stops campaigning and releases the lock if held.
func (e *Election) Close(ctx context.Context) error {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	conn := e.conn
	e.conn = nil
	e.leader = false

	var released bool
	err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", e.key).Scan(&released)
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}

// Wait blocks until the campaign loop started by Start has exited.
func (e *Election) Wait() {
	<-e.done
}
