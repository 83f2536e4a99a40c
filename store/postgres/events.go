package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/c360studio/orchard/store"
)

type eventRepo struct {
	db   db
	inTx bool
}

const eventColumns = `id, ticket_id, event_type, payload, consumed_at, consumed_by_task_id, created_at`

func scanEvent(row pgx.Row) (*store.TicketEvent, error) {
	var e store.TicketEvent
	err := row.Scan(&e.ID, &e.TicketID, &e.EventType, &e.Payload, &e.ConsumedAt, &e.ConsumedByTaskID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *eventRepo) Append(ctx context.Context, e *store.TicketEvent) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO ticket_events (ticket_id, event_type, payload, consumed_at, consumed_by_task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		e.TicketID, e.EventType, e.Payload, e.ConsumedAt, e.ConsumedByTaskID, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert ticket event: %w", err)
	}
	return nil
}

func (r *eventRepo) ListForTicket(ctx context.Context, ticketID string, limit int) ([]*store.TicketEvent, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+` FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ticket events: %w", err)
	}
	defer rows.Close()

	var out []*store.TicketEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *eventRepo) OldestUnconsumed(ctx context.Context, ticketID, eventType string) (*store.TicketEvent, error) {
	lock := ""
	if r.inTx {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	e, err := scanEvent(r.db.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM ticket_events
		WHERE ticket_id = $1 AND event_type = $2 AND consumed_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT 1 `+lock, ticketID, eventType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select unconsumed event: %w", err)
	}
	return e, nil
}

func (r *eventRepo) Update(ctx context.Context, e *store.TicketEvent) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE ticket_events SET consumed_at = $2, consumed_by_task_id = $3
		WHERE id = $1`,
		e.ID, e.ConsumedAt, e.ConsumedByTaskID)
	if err != nil {
		return fmt.Errorf("update ticket event %d: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
