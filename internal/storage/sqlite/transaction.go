package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// querier is the subset of database/sql shared by *sql.DB, *sql.Conn and
// *sql.Tx. Upserts and queries are written against it once and reused both
// standalone and inside transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a live transaction handle passed to WithTx callbacks.
type Tx struct {
	conn *sql.Conn
}

func (t *Tx) q() querier { return t.conn }

// beginImmediateWithRetry starts an IMMEDIATE transaction, retrying with
// exponential backoff while the write lock is contended.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, initialDelay time.Duration) error {
	delay := initialDelay
	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("write lock still contended after %d attempts: %w", attempts, lastErr)
}

// WithTx executes fn within a serialized write transaction. BEGIN IMMEDIATE
// acquires the write lock up front so competing writers queue instead of
// deadlocking. On error or panic the transaction is rolled back with no
// partial visibility.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even after cancellation.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&Tx{conn: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
