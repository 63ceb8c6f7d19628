package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gitpulse/gitpulse/internal/types"
)

// UpsertRawMergeRequest stages a provider payload keyed by the pull request's
// internal provider id embedded in the payload. An existing row for the same
// pull request gets its payload refreshed; its processed flag is untouched so
// a drained row is never drained twice.
func (s *Store) UpsertRawMergeRequest(ctx context.Context, prInternalID int64, payload string) (int64, bool, error) {
	if prInternalID == 0 {
		return 0, false, fmt.Errorf("pull request id is required")
	}
	if payload == "" {
		return 0, false, fmt.Errorf("payload is required")
	}

	var existingID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM raw_merge_requests WHERE json_extract(payload, '$.pull_request.id') = ? LIMIT 1`,
		prInternalID).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO raw_merge_requests (payload, is_processed) VALUES (?, 0)`, payload)
		if err != nil {
			return 0, false, fmt.Errorf("failed to insert raw merge request: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("failed to read raw merge request id: %w", err)
		}
		return id, true, nil
	case err != nil:
		return 0, false, fmt.Errorf("failed to look up raw merge request: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE raw_merge_requests SET payload = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		payload, existingID); err != nil {
		return 0, false, fmt.Errorf("failed to update raw merge request %d: %w", existingID, err)
	}
	return existingID, false, nil
}

// SelectUnprocessedRaw returns up to limit staged rows, oldest first.
func (s *Store) SelectUnprocessedRaw(ctx context.Context, limit int) ([]*types.RawMergeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, is_processed, created_at, updated_at
		FROM raw_merge_requests
		WHERE is_processed = 0
		ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select unprocessed raw rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.RawMergeRequest
	for rows.Next() {
		var r types.RawMergeRequest
		if err := rows.Scan(&r.ID, &r.Payload, &r.IsProcessed, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// markRawProcessed flips is_processed for the given rows. Idempotent: rows
// already processed are left alone.
func markRawProcessed(ctx context.Context, q querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := q.ExecContext(ctx,
		`UPDATE raw_merge_requests SET is_processed = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id IN (`+placeholders+`) AND is_processed = 0`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark raw rows processed: %w", err)
	}
	return nil
}

// MarkRawProcessed flips is_processed for the given rows.
func (s *Store) MarkRawProcessed(ctx context.Context, ids []int64) error {
	return markRawProcessed(ctx, s.db, ids)
}

// MarkRawProcessed is the transactional variant used by the processing stage,
// so the flag flips in the same transaction as the extracted entities.
func (t *Tx) MarkRawProcessed(ctx context.Context, ids []int64) error {
	return markRawProcessed(ctx, t.q(), ids)
}

// CountUnprocessedRaw returns how many staged rows await processing.
func (s *Store) CountUnprocessedRaw(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_merge_requests WHERE is_processed = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unprocessed raw rows: %w", err)
	}
	return n, nil
}

// CountRaw returns the total number of staged rows.
func (s *Store) CountRaw(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_merge_requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count raw rows: %w", err)
	}
	return n, nil
}
