package db

import (
	"context"
	"database/sql"
	"fmt"
)

// savepointName is the single named rollback point used by batch processing.
// Only one checkpoint window is ever open at a time, so the name is fixed.
const savepointName = "previous_object"

// Session pins one connection and one open transaction for the lifetime of a
// batch. All per-row writes inside a checkpoint window stay invisible to
// other sessions until Checkpoint or Commit.
//
// Transactions are begun on a context detached from the caller's, otherwise
// cancelling a batch would roll the open transaction back before the caller
// gets to decide whether to keep the finished rows. Per-statement queries
// still honor the caller's context.
type Session struct {
	conn  *sql.Conn
	tx    *sql.Tx
	txCtx context.Context
}

// NewSession takes a connection from the pool and opens the first transaction.
func NewSession(ctx context.Context, database *sql.DB) (*Session, error) {
	conn, err := database.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	txCtx := context.WithoutCancel(ctx)
	tx, err := conn.BeginTx(txCtx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Session{conn: conn, tx: tx, txCtx: txCtx}, nil
}

// ExecContext executes a statement inside the open transaction.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the open transaction.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.tx.QueryRowContext(ctx, query, args...)
}

// QueryContext runs a query inside the open transaction.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, query, args...)
}

// Savepoint establishes the named rollback point.
func (s *Session) Savepoint(context.Context) error {
	if _, err := s.tx.ExecContext(s.txCtx, "SAVEPOINT "+savepointName); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	return nil
}

// RollbackToSavepoint discards work done since the last Savepoint while
// keeping the transaction open.
func (s *Session) RollbackToSavepoint(context.Context) error {
	if _, err := s.tx.ExecContext(s.txCtx, "ROLLBACK TO "+savepointName); err != nil {
		return fmt.Errorf("failed to roll back to savepoint: %w", err)
	}
	return nil
}

// Checkpoint commits the open transaction, begins a new one and re-establishes
// the savepoint. This bounds the work lost on a later failure to the rows
// processed since the previous checkpoint.
func (s *Session) Checkpoint(ctx context.Context) error {
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	tx, err := s.conn.BeginTx(s.txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction after checkpoint: %w", err)
	}
	s.tx = tx
	return s.Savepoint(ctx)
}

// Commit commits the open transaction and begins a fresh one so the session
// stays usable.
func (s *Session) Commit(context.Context) error {
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	tx, err := s.conn.BeginTx(s.txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction after commit: %w", err)
	}
	s.tx = tx
	return nil
}

// Restart rolls back the whole open transaction and begins a new one. Used by
// dry runs, where nothing is meant to persist anyway.
func (s *Session) Restart(context.Context) error {
	if err := s.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	tx, err := s.conn.BeginTx(s.txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction after rollback: %w", err)
	}
	s.tx = tx
	return nil
}

// Close rolls back any open transaction and returns the connection to the pool.
func (s *Session) Close() error {
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	return s.conn.Close()
}
