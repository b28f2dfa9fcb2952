// Package schema holds the tables the pipeline reads and writes. Production
// deployments manage migrations elsewhere; Apply exists for local runs and
// tests.
package schema

import (
	"context"
	"database/sql"
	"fmt"
)

const DDL = `
CREATE TABLE IF NOT EXISTS outbox_messages (
    id          UUID PRIMARY KEY,
    event_name  TEXT        NOT NULL,
    payload     JSONB       NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS outbox_messages_created_at_idx ON outbox_messages (created_at, id);

CREATE TABLE IF NOT EXISTS stage_sets (
    order_id        TEXT        NOT NULL,
    workshop_id     TEXT        NOT NULL,
    commissioner_id TEXT        NOT NULL,
    version         INTEGER     NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (order_id, workshop_id)
);

CREATE TABLE IF NOT EXISTS stages (
    order_id     TEXT    NOT NULL,
    workshop_id  TEXT    NOT NULL,
    stage_name   TEXT    NOT NULL,
    stage_order  INTEGER NOT NULL,
    description  TEXT    NOT NULL DEFAULT '',
    status       TEXT    NOT NULL,
    PRIMARY KEY (order_id, workshop_id, stage_name),
    FOREIGN KEY (order_id, workshop_id) REFERENCES stage_sets (order_id, workshop_id) ON DELETE CASCADE
);
`

func Apply(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, DDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
