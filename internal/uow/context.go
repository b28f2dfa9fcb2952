package uow

import (
	"context"
	"database/sql"
	"sync"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
	"github.com/phillus33/orderflow-outbox/internal/outbox"
)

// Hook runs around the commit of a unit of work.
type Hook func(ctx context.Context) error

// Meta is read-only request metadata carried alongside the transaction.
type Meta struct {
	ActorID       string
	CorrelationID string
}

// merge overlays the non-empty fields of m onto base.
func (m Meta) merge(base Meta) Meta {
	if m.ActorID != "" {
		base.ActorID = m.ActorID
	}
	if m.CorrelationID != "" {
		base.CorrelationID = m.CorrelationID
	}
	return base
}

// buffers are shared by reference between a unit of work and every nested
// unit of work that joins it.
type buffers struct {
	mu     sync.Mutex
	before []Hook
	after  []Hook
	outbox []outbox.Message
	closed bool
}

type scope struct {
	tx   *sql.Tx
	bufs *buffers
}

type (
	scopeKey struct{}
	metaKey  struct{}
)

func withScope(ctx context.Context, s *scope, meta Meta) context.Context {
	ctx = context.WithValue(ctx, scopeKey{}, s)
	return context.WithValue(ctx, metaKey{}, meta)
}

// detach drops the transaction from ctx but keeps its metadata.
func detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, (*scope)(nil))
}

func fromContext(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

// MetaFrom returns the metadata of the active unit of work.
func MetaFrom(ctx context.Context) Meta {
	m, _ := ctx.Value(metaKey{}).(Meta)
	return m
}

// TxFrom returns the ambient transaction, if any.
func TxFrom(ctx context.Context) (*sql.Tx, bool) {
	s := fromContext(ctx)
	if s == nil {
		return nil, false
	}
	return s.tx, true
}

// DBTX is the query surface shared by *sql.DB, *sql.Conn and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Executor returns the ambient transaction, or fallback outside a unit of work.
func Executor(ctx context.Context, fallback DBTX) DBTX {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return fallback
}

// stage runs add against the buffers of the active unit of work. Scopes
// whose unit of work has already committed or rolled back reject it.
func stage(ctx context.Context, op string, add func(b *buffers)) error {
	s := fromContext(ctx)
	if s == nil {
		return apperr.Programmer("uow", apperr.CodeNoUnitOfWork, op+" called outside a unit of work")
	}
	s.bufs.mu.Lock()
	defer s.bufs.mu.Unlock()
	if s.bufs.closed {
		return apperr.Programmer("uow", apperr.CodeNoUnitOfWork, op+" called after the unit of work finished")
	}
	add(s.bufs)
	return nil
}

// Enqueue stages msgs in the active unit of work. They are written to the
// outbox right before commit and dispatched after it, in staging order.
func Enqueue(ctx context.Context, msgs ...outbox.Message) error {
	return stage(ctx, "Enqueue", func(b *buffers) {
		b.outbox = append(b.outbox, msgs...)
	})
}

// BeforeCommit registers h to run inside the transaction after the work
// function returns. An error from h rolls the transaction back.
func BeforeCommit(ctx context.Context, h Hook) error {
	return stage(ctx, "BeforeCommit", func(b *buffers) {
		b.before = append(b.before, h)
	})
}

// AfterCommit registers h to run once post-commit dispatch has resolved.
// Errors from h are logged.
func AfterCommit(ctx context.Context, h Hook) error {
	return stage(ctx, "AfterCommit", func(b *buffers) {
		b.after = append(b.after, h)
	})
}

// beforeHook returns the i-th before-commit hook. Hooks may register more
// hooks while running, so the length is re-read on each step.
func (b *buffers) beforeHook(i int) (Hook, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.before) {
		return nil, false
	}
	return b.before[i], true
}

// snapshot closes the buffers to further staging and returns their contents.
func (b *buffers) snapshot() ([]outbox.Message, []Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	msgs := append([]outbox.Message(nil), b.outbox...)
	after := append([]Hook(nil), b.after...)
	return msgs, after
}

func (b *buffers) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
