package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/c360studio/orchard/store"
)

type ticketRepo struct {
	db db
}

const ticketColumns = `id, ticket_id, title, workflow_key, workflow_version,
	workflow_input, context_data, stage, status, source_type,
	paused, paused_at, resumed_at,
	approval_required, approval_status, approval_requested_at, approval_decided_at, approval_notes,
	created_at, updated_at, completed_at`

func scanTicket(row pgx.Row) (*store.Ticket, error) {
	var t store.Ticket
	err := row.Scan(
		&t.ID, &t.TicketID, &t.Title, &t.WorkflowKey, &t.WorkflowVersion,
		&t.WorkflowInput, &t.ContextData, &t.Stage, &t.Status, &t.SourceType,
		&t.Paused, &t.PausedAt, &t.ResumedAt,
		&t.ApprovalRequired, &t.ApprovalStatus, &t.ApprovalRequestedAt, &t.ApprovalDecidedAt, &t.ApprovalNotes,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *ticketRepo) Create(ctx context.Context, t *store.Ticket) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, title, workflow_key, workflow_version,
			workflow_input, context_data, stage, status, source_type,
			paused, paused_at, resumed_at,
			approval_required, approval_status, approval_requested_at, approval_decided_at, approval_notes,
			created_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING id`,
		t.TicketID, t.Title, t.WorkflowKey, t.WorkflowVersion,
		t.WorkflowInput, t.ContextData, t.Stage, t.Status, t.SourceType,
		t.Paused, t.PausedAt, t.ResumedAt,
		t.ApprovalRequired, t.ApprovalStatus, t.ApprovalRequestedAt, t.ApprovalDecidedAt, t.ApprovalNotes,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (r *ticketRepo) GetByTicketID(ctx context.Context, ticketID string) (*store.Ticket, error) {
	t, err := scanTicket(r.db.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select ticket %s: %w", ticketID, err)
	}
	return t, nil
}

func (r *ticketRepo) Update(ctx context.Context, t *store.Ticket) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tickets SET
			title = $2, workflow_key = $3, workflow_version = $4,
			workflow_input = $5, context_data = $6, stage = $7, status = $8, source_type = $9,
			paused = $10, paused_at = $11, resumed_at = $12,
			approval_required = $13, approval_status = $14, approval_requested_at = $15,
			approval_decided_at = $16, approval_notes = $17,
			updated_at = $18, completed_at = $19
		WHERE id = $1`,
		t.ID,
		t.Title, t.WorkflowKey, t.WorkflowVersion,
		t.WorkflowInput, t.ContextData, t.Stage, t.Status, t.SourceType,
		t.Paused, t.PausedAt, t.ResumedAt,
		t.ApprovalRequired, t.ApprovalStatus, t.ApprovalRequestedAt,
		t.ApprovalDecidedAt, t.ApprovalNotes,
		t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update ticket %d: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTicketNotFound
	}
	return nil
}

func (r *ticketRepo) List(ctx context.Context, limit int) ([]*store.Ticket, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var out []*store.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
