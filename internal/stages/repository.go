package stages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
	"github.com/phillus33/orderflow-outbox/internal/uow"
)

var ErrNotFound = errors.New("stage set not found")

// Repository stores stage sets with optimistic locking on the stage_sets
// version column. Writes require an ambient unit of work.
type Repository struct {
	db uow.DBTX
}

func NewRepository(db uow.DBTX) *Repository {
	return &Repository{db: db}
}

// Find returns ErrNotFound when no stage set exists for the key.
func (r *Repository) Find(ctx context.Context, orderID, workshopID string) (*Aggregate, error) {
	q := uow.Executor(ctx, r.db)

	agg := &Aggregate{OrderID: orderID, WorkshopID: workshopID}
	err := q.QueryRowContext(ctx, `
        SELECT commissioner_id, version
        FROM stage_sets
        WHERE order_id = $1 AND workshop_id = $2`,
		orderID, workshopID,
	).Scan(&agg.CommissionerID, &agg.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.FromStore(fmt.Errorf("find stage set: %w", err))
	}

	rows, err := q.QueryContext(ctx, `
        SELECT stage_name, stage_order, description, status
        FROM stages
        WHERE order_id = $1 AND workshop_id = $2
        ORDER BY stage_order ASC`,
		orderID, workshopID,
	)
	if err != nil {
		return nil, apperr.FromStore(fmt.Errorf("find stages: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var s Stage
		if err := rows.Scan(&s.Name, &s.Order, &s.Description, &s.Status); err != nil {
			return nil, apperr.FromStore(err)
		}
		agg.Stages = append(agg.Stages, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromStore(err)
	}
	return agg, nil
}

// Save inserts a new aggregate at version 1, or updates an existing one only
// if the stored version still equals agg.Version. A lost race fails with a
// retryable conflict. With replace set, stored stages missing from agg are
// deleted; otherwise they are left untouched. On success agg.Version holds
// the new version.
func (r *Repository) Save(ctx context.Context, agg *Aggregate, replace bool) error {
	tx, ok := uow.TxFrom(ctx)
	if !ok {
		return apperr.Programmer(service, apperr.CodeNoUnitOfWork, "Save requires a unit of work")
	}

	next := agg.Version + 1
	if agg.Version == 0 {
		if err := r.insertHeader(ctx, tx, agg); err != nil {
			return err
		}
	} else if err := r.bumpVersion(ctx, tx, agg); err != nil {
		return err
	}

	if err := r.upsertStages(ctx, tx, agg); err != nil {
		return err
	}
	if replace {
		if err := r.deleteMissing(ctx, tx, agg); err != nil {
			return err
		}
	}

	agg.Version = next
	return nil
}

func (r *Repository) insertHeader(ctx context.Context, tx *sql.Tx, agg *Aggregate) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO stage_sets (order_id, workshop_id, commissioner_id, version)
        VALUES ($1, $2, $3, 1)`,
		agg.OrderID, agg.WorkshopID, agg.CommissionerID,
	)
	if apperr.IsUniqueViolation(err) {
		return apperr.Conflict(service, "stage set was created concurrently").
			WithDetail("orderId", agg.OrderID).
			WithDetail("workshopId", agg.WorkshopID)
	}
	if err != nil {
		return apperr.FromStore(fmt.Errorf("insert stage set: %w", err))
	}
	return nil
}

func (r *Repository) bumpVersion(ctx context.Context, tx *sql.Tx, agg *Aggregate) error {
	res, err := tx.ExecContext(ctx, `
        UPDATE stage_sets
        SET version = version + 1, commissioner_id = $4, updated_at = now()
        WHERE order_id = $1 AND workshop_id = $2 AND version = $3`,
		agg.OrderID, agg.WorkshopID, agg.Version, agg.CommissionerID,
	)
	if err != nil {
		return apperr.FromStore(fmt.Errorf("update stage set: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.FromStore(err)
	}
	if n == 0 {
		return apperr.Conflict(service, "stage set version changed since it was read").
			WithDetail("orderId", agg.OrderID).
			WithDetail("workshopId", agg.WorkshopID).
			WithDetail("expectedVersion", agg.Version)
	}
	return nil
}

func (r *Repository) upsertStages(ctx context.Context, tx *sql.Tx, agg *Aggregate) error {
	for _, s := range agg.Stages {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO stages (order_id, workshop_id, stage_name, stage_order, description, status)
            VALUES ($1, $2, $3, $4, $5, $6)
            ON CONFLICT (order_id, workshop_id, stage_name) DO UPDATE
            SET stage_order = EXCLUDED.stage_order,
                description = EXCLUDED.description,
                status = EXCLUDED.status`,
			agg.OrderID, agg.WorkshopID, s.Name, s.Order, s.Description, string(s.Status),
		)
		if err != nil {
			return apperr.FromStore(fmt.Errorf("upsert stage %q: %w", s.Name, err))
		}
	}
	return nil
}

func (r *Repository) deleteMissing(ctx context.Context, tx *sql.Tx, agg *Aggregate) error {
	keep := make([]string, len(agg.Stages))
	for i, s := range agg.Stages {
		keep[i] = s.Name
	}
	_, err := tx.ExecContext(ctx, `
        DELETE FROM stages
        WHERE order_id = $1 AND workshop_id = $2 AND NOT (stage_name = ANY($3))`,
		agg.OrderID, agg.WorkshopID, pq.Array(keep),
	)
	if err != nil {
		return apperr.FromStore(fmt.Errorf("delete removed stages: %w", err))
	}
	return nil
}

// Delete removes the aggregate and all of its stages if its stored version
// still equals version.
func (r *Repository) Delete(ctx context.Context, orderID, workshopID string, version int) error {
	tx, ok := uow.TxFrom(ctx)
	if !ok {
		return apperr.Programmer(service, apperr.CodeNoUnitOfWork, "Delete requires a unit of work")
	}

	res, err := tx.ExecContext(ctx, `
        DELETE FROM stage_sets
        WHERE order_id = $1 AND workshop_id = $2 AND version = $3`,
		orderID, workshopID, version,
	)
	if err != nil {
		return apperr.FromStore(fmt.Errorf("delete stage set: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.FromStore(err)
	}
	if n == 0 {
		return apperr.Conflict(service, "stage set version changed or set is gone").
			WithDetail("orderId", orderID).
			WithDetail("workshopId", workshopID)
	}

	if _, err := tx.ExecContext(ctx, `
        DELETE FROM stages WHERE order_id = $1 AND workshop_id = $2`,
		orderID, workshopID,
	); err != nil {
		return apperr.FromStore(fmt.Errorf("delete stages: %w", err))
	}
	return nil
}
