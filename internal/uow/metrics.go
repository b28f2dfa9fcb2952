package uow

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type monitor struct {
	dispatchedTotal metric.Int64Counter
	failedTotal     metric.Int64Counter
	republishTotal  metric.Int64Counter
}

func newMonitor(log *zap.Logger, provider metric.MeterProvider) *monitor {
	meter := provider.Meter("orderflow.uow")
	m := &monitor{}

	var err error
	if m.dispatchedTotal, err = meter.Int64Counter(
		"orderflow_outbox_dispatched_total",
		metric.WithDescription("Outbox messages dispatched right after commit"),
	); err != nil {
		log.Warn("failed to create dispatched counter", zap.Error(err))
	}
	if m.failedTotal, err = meter.Int64Counter(
		"orderflow_outbox_dispatch_failed_total",
		metric.WithDescription("Outbox messages whose post-commit dispatch failed"),
	); err != nil {
		log.Warn("failed to create dispatch failure counter", zap.Error(err))
	}
	if m.republishTotal, err = meter.Int64Counter(
		"orderflow_outbox_republish_enqueued_total",
		metric.WithDescription("Republish jobs enqueued after a failed dispatch"),
	); err != nil {
		log.Warn("failed to create republish counter", zap.Error(err))
	}
	return m
}

func (m *monitor) dispatched(ctx context.Context, n int) {
	if m.dispatchedTotal != nil {
		m.dispatchedTotal.Add(ctx, int64(n))
	}
}

func (m *monitor) dispatchFailed(ctx context.Context, n int) {
	if m.failedTotal != nil {
		m.failedTotal.Add(ctx, int64(n))
	}
}

func (m *monitor) republishEnqueued(ctx context.Context) {
	if m.republishTotal != nil {
		m.republishTotal.Add(ctx, 1)
	}
}
