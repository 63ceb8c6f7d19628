package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitpulse/gitpulse/internal/types"
)

// upsertCommit inserts or updates a commit keyed by (repository_uuid, sha)
// and returns the stable uuid.
func upsertCommit(ctx context.Context, q querier, c *types.Commit) (string, error) {
	if c.RepositoryUUID == "" {
		return "", fmt.Errorf("commit repository_uuid is required")
	}
	if c.ProviderID == "" {
		return "", fmt.Errorf("commit sha is required")
	}
	newUUID := c.UUID
	if newUUID == "" {
		newUUID = uuid.NewString()
	}

	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO commits (
			uuid, provider_id, repository_uuid, repository_provider_id,
			contributor_uuid, contributor_provider_id,
			pull_request_uuid, pull_request_provider_id,
			message, committed_at, additions, deletions, files_changed,
			is_merge_commit, is_placeholder_author, is_enriched, parent_shas,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(repository_uuid, provider_id) DO UPDATE SET
			repository_provider_id = excluded.repository_provider_id,
			contributor_uuid = COALESCE(excluded.contributor_uuid, commits.contributor_uuid),
			contributor_provider_id = COALESCE(excluded.contributor_provider_id, commits.contributor_provider_id),
			pull_request_uuid = COALESCE(excluded.pull_request_uuid, commits.pull_request_uuid),
			pull_request_provider_id = COALESCE(excluded.pull_request_provider_id, commits.pull_request_provider_id),
			message = CASE WHEN excluded.message != '' THEN excluded.message ELSE commits.message END,
			committed_at = COALESCE(excluded.committed_at, commits.committed_at),
			additions = excluded.additions,
			deletions = excluded.deletions,
			files_changed = excluded.files_changed,
			is_merge_commit = excluded.is_merge_commit,
			is_placeholder_author = MIN(commits.is_placeholder_author, excluded.is_placeholder_author),
			is_enriched = MAX(commits.is_enriched, excluded.is_enriched),
			parent_shas = CASE WHEN excluded.parent_shas != '[]' THEN excluded.parent_shas ELSE commits.parent_shas END,
			updated_at = CURRENT_TIMESTAMP
		RETURNING uuid`,
		newUUID, c.ProviderID, c.RepositoryUUID, c.RepositoryProviderID,
		nullString(c.ContributorUUID), nullInt64(c.ContributorProviderID),
		nullString(c.PullRequestUUID), nullInt64(c.PullRequestProviderID),
		c.Message, nullTime(c.CommittedAt), c.Additions, c.Deletions, c.FilesChanged,
		c.IsMergeCommit, c.IsPlaceholderAuthor, c.IsEnriched, jsonList(c.ParentSHAs),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert commit %s: %w", c.ProviderID, err)
	}
	c.UUID = id
	return id, nil
}

// UpsertCommit inserts or updates a commit and returns its uuid.
func (s *Store) UpsertCommit(ctx context.Context, c *types.Commit) (string, error) {
	return upsertCommit(ctx, s.db, c)
}

// UpsertCommit is the transactional variant.
func (t *Tx) UpsertCommit(ctx context.Context, c *types.Commit) (string, error) {
	return upsertCommit(ctx, t.q(), c)
}

const commitColumns = `
	uuid, provider_id, repository_uuid, repository_provider_id,
	contributor_uuid, contributor_provider_id,
	pull_request_uuid, pull_request_provider_id,
	message, committed_at, additions, deletions, files_changed,
	is_merge_commit, is_placeholder_author, is_enriched, parent_shas,
	created_at, updated_at`

func scanCommit(row interface{ Scan(...any) error }) (*types.Commit, error) {
	var c types.Commit
	var contribUUID, prUUID sql.NullString
	var contribID, prID sql.NullInt64
	var committedAt sql.NullTime
	var parents string
	err := row.Scan(
		&c.UUID, &c.ProviderID, &c.RepositoryUUID, &c.RepositoryProviderID,
		&contribUUID, &contribID, &prUUID, &prID,
		&c.Message, &committedAt, &c.Additions, &c.Deletions, &c.FilesChanged,
		&c.IsMergeCommit, &c.IsPlaceholderAuthor, &c.IsEnriched, &parents,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ContributorUUID = contribUUID.String
	c.ContributorProviderID = contribID.Int64
	c.PullRequestUUID = prUUID.String
	c.PullRequestProviderID = prID.Int64
	c.CommittedAt = scanTimePtr(committedAt)
	c.ParentSHAs = parseJSONList(parents)
	return &c, nil
}

// GetCommit returns the commit with the given natural key, or ErrNotFound.
func (s *Store) GetCommit(ctx context.Context, repositoryUUID, sha string) (*types.Commit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commitColumns+` FROM commits WHERE repository_uuid = ? AND provider_id = ?`,
		repositoryUUID, sha)
	c, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", sha, err)
	}
	return c, nil
}

// SelectUnenrichedCommits returns a deterministic page of commits still
// awaiting enrichment, oldest first.
func (s *Store) SelectUnenrichedCommits(ctx context.Context, limit int) ([]*types.Commit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commitColumns+` FROM commits
		 WHERE is_enriched = 0
		 ORDER BY created_at ASC, uuid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select unenriched commits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ApplyCommitEnrichment merges provider detail into the row and marks it
// enriched.
func (s *Store) ApplyCommitEnrichment(ctx context.Context, c *types.Commit) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commits SET
			message = CASE WHEN ? != '' THEN ? ELSE message END,
			committed_at = COALESCE(?, committed_at),
			additions = ?, deletions = ?, files_changed = ?,
			is_merge_commit = ?, parent_shas = ?,
			is_enriched = 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE uuid = ?`,
		c.Message, c.Message, nullTime(c.CommittedAt),
		c.Additions, c.Deletions, c.FilesChanged,
		c.IsMergeCommit, jsonList(c.ParentSHAs),
		c.UUID)
	if err != nil {
		return fmt.Errorf("failed to apply commit enrichment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCommitEnriched flips is_enriched without touching detail fields.
func (s *Store) MarkCommitEnriched(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commits SET is_enriched = 1, updated_at = CURRENT_TIMESTAMP WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to mark commit enriched: %w", err)
	}
	return nil
}

// CountCommits returns the total commit count.
func (s *Store) CountCommits(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count commits: %w", err)
	}
	return n, nil
}
