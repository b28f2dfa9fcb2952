package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
	"github.com/phillus33/orderflow-outbox/internal/events"
)

var ErrCorruptPayload = errors.New("outbox payload cannot be decoded")

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Store interface {
	// Insert writes msgs inside the caller's transaction.
	Insert(ctx context.Context, tx Execer, msgs []Message) error
	// Delete removes the given rows. Ids that are already gone are ignored.
	Delete(ctx context.Context, ids []uuid.UUID) error
	// ListPending returns up to limit rows created at or before olderThan
	// that sort after the cursor, oldest first. A nil cursor starts at the
	// oldest row.
	ListPending(ctx context.Context, olderThan time.Time, after *Cursor, limit int) (Page, error)
}

// Cursor is a position in the (created_at, id) order of the outbox.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Page is one ListPending result. Scanned and Last include rows that could
// not be decoded, so callers can page past them.
type Page struct {
	Messages []Message
	Scanned  int
	Last     Cursor
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, tx Execer, msgs []Message) error {
	query := `
        INSERT INTO outbox_messages (id, event_name, payload, created_at)
        VALUES ($1, $2, $3, $4)`

	for _, msg := range msgs {
		payload, err := events.Marshal(msg.Event)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, msg.ID, string(msg.Event.Name()), payload, msg.CreatedAt); err != nil {
			return apperr.FromStore(fmt.Errorf("insert outbox message %s: %w", msg.ID, err))
		}
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := `DELETE FROM outbox_messages WHERE id = ANY($1)`

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	if _, err := s.db.ExecContext(ctx, query, pq.Array(keys)); err != nil {
		return apperr.FromStore(fmt.Errorf("delete outbox messages: %w", err))
	}
	return nil
}

// ListPending skips rows whose payload no longer decodes and reports them
// through an error wrapping ErrCorruptPayload alongside the decodable rows.
func (s *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, after *Cursor, limit int) (Page, error) {
	args := []any{olderThan, limit}
	keyset := ""
	if after != nil {
		keyset = "AND (created_at, id) > ($3, $4)"
		args = append(args, after.CreatedAt, after.ID.String())
	}
	query := fmt.Sprintf(`
        SELECT id, payload, created_at
        FROM outbox_messages
        WHERE created_at <= $1 %s
        ORDER BY created_at ASC, id ASC
        LIMIT $2`, keyset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, apperr.FromStore(fmt.Errorf("list outbox messages: %w", err))
	}
	defer rows.Close()

	var (
		page    Page
		corrupt []error
	)
	for rows.Next() {
		var (
			msg     Message
			payload []byte
		)
		if err := rows.Scan(&msg.ID, &payload, &msg.CreatedAt); err != nil {
			return Page{}, apperr.FromStore(err)
		}
		page.Scanned++
		page.Last = Cursor{CreatedAt: msg.CreatedAt, ID: msg.ID}

		evt, err := events.Unmarshal(payload)
		if err != nil {
			corrupt = append(corrupt, fmt.Errorf("%w: %s: %v", ErrCorruptPayload, msg.ID, err))
			continue
		}
		msg.Event = evt
		page.Messages = append(page.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return Page{}, apperr.FromStore(err)
	}

	return page, errors.Join(corrupt...)
}
