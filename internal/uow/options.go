package uow

import (
	"context"
	"database/sql"
)

type Propagation int

const (
	// Required joins the ambient transaction or opens one.
	Required Propagation = iota
	// RequiresNew always opens an independent transaction with its own buffers.
	RequiresNew
)

type options struct {
	isolation   sql.IsolationLevel
	propagation Propagation
	meta        Meta
}

type Option func(*options)

func WithIsolation(level sql.IsolationLevel) Option {
	return func(o *options) { o.isolation = level }
}

func WithPropagation(p Propagation) Option {
	return func(o *options) { o.propagation = p }
}

// WithMeta overlays m on the metadata inherited from the caller.
func WithMeta(m Meta) Option {
	return func(o *options) { o.meta = m }
}

func (u *UnitOfWork) resolve(opts []Option) options {
	o := options{isolation: u.isolation, propagation: Required}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Call runs fn in a unit of work and returns its result.
func Call[T any](ctx context.Context, u *UnitOfWork, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := u.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// CallWithRetry is Call with the retry policy of RunWithRetry.
func CallWithRetry[T any](ctx context.Context, u *UnitOfWork, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := u.RunWithRetry(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
