// Package postgres implements store.Store on PostgreSQL via pgx. Claim
// paths use SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers divide
// the queue instead of contending for it.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360studio/orchard/store"
)

// db is the subset of pgxpool.Pool and pgx.Tx the repositories run on.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL-backed store.
type Store struct {
	pool *pgxpool.Pool
	db   db
	inTx bool
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunInTx implements store.Store. A nested call joins the enclosing
// transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &Store{pool: s.pool, db: tx, inTx: true}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Tickets implements store.Store.
func (s *Store) Tickets() store.TicketRepo { return &ticketRepo{db: s.db} }

// Tasks implements store.Store.
func (s *Store) Tasks() store.TaskRepo { return &taskRepo{db: s.db, inTx: s.inTx} }

// Dependencies implements store.Store.
func (s *Store) Dependencies() store.DependencyRepo { return &dependencyRepo{db: s.db} }

// Logs implements store.Store.
func (s *Store) Logs() store.TaskLogRepo { return &taskLogRepo{db: s.db} }

// Heartbeats implements store.Store.
func (s *Store) Heartbeats() store.HeartbeatRepo { return &heartbeatRepo{db: s.db} }

// Events implements store.Store.
func (s *Store) Events() store.EventRepo { return &eventRepo{db: s.db, inTx: s.inTx} }

// Schedules implements store.Store.
func (s *Store) Schedules() store.ScheduleRepo { return &scheduleRepo{db: s.db, inTx: s.inTx} }

// isUniqueViolation reports whether the error is a unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
