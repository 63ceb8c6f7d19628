package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitpulse/gitpulse/internal/types"
)

// upsertMergeRequest inserts or updates a merge request keyed by
// (repository_uuid, provider_id) and returns the stable uuid. provider_id is
// the PR number, the visible natural key, not the provider's internal id.
func upsertMergeRequest(ctx context.Context, q querier, mr *types.MergeRequest) (string, error) {
	if mr.RepositoryUUID == "" {
		return "", fmt.Errorf("merge request repository_uuid is required")
	}
	if mr.ProviderID == 0 {
		return "", fmt.Errorf("merge request provider_id is required")
	}
	if mr.State != "" && !mr.State.IsValid() {
		return "", fmt.Errorf("invalid merge request state %q", mr.State)
	}
	if mr.State == "" {
		mr.State = types.MergeRequestMerged
	}
	newUUID := mr.UUID
	if newUUID == "" {
		newUUID = uuid.NewString()
	}

	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO merge_requests (
			uuid, provider_id, repository_uuid, repository_provider_id,
			author_uuid, author_provider_id, merged_by_uuid, merged_by_provider_id,
			state, is_draft, title, body,
			created_at, updated_at, closed_at, merged_at,
			commits, additions, deletions, changed_files, review_count, comment_count,
			source_branch, target_branch, labels,
			is_enriched, enrichment_attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_uuid, provider_id) DO UPDATE SET
			repository_provider_id = excluded.repository_provider_id,
			author_uuid = COALESCE(excluded.author_uuid, merge_requests.author_uuid),
			author_provider_id = COALESCE(excluded.author_provider_id, merge_requests.author_provider_id),
			merged_by_uuid = COALESCE(excluded.merged_by_uuid, merge_requests.merged_by_uuid),
			merged_by_provider_id = COALESCE(excluded.merged_by_provider_id, merge_requests.merged_by_provider_id),
			state = excluded.state,
			is_draft = excluded.is_draft,
			title = excluded.title,
			body = excluded.body,
			updated_at = excluded.updated_at,
			closed_at = COALESCE(excluded.closed_at, merge_requests.closed_at),
			merged_at = COALESCE(excluded.merged_at, merge_requests.merged_at),
			commits = excluded.commits,
			additions = excluded.additions,
			deletions = excluded.deletions,
			changed_files = excluded.changed_files,
			review_count = excluded.review_count,
			comment_count = excluded.comment_count,
			source_branch = CASE WHEN excluded.source_branch != '' THEN excluded.source_branch ELSE merge_requests.source_branch END,
			target_branch = CASE WHEN excluded.target_branch != '' THEN excluded.target_branch ELSE merge_requests.target_branch END,
			labels = CASE WHEN excluded.labels != '[]' THEN excluded.labels ELSE merge_requests.labels END,
			is_enriched = MAX(merge_requests.is_enriched, excluded.is_enriched),
			enrichment_attempts = MAX(merge_requests.enrichment_attempts, excluded.enrichment_attempts)
		RETURNING uuid`,
		newUUID, mr.ProviderID, mr.RepositoryUUID, mr.RepositoryProviderID,
		nullString(mr.AuthorUUID), nullInt64(mr.AuthorProviderID),
		nullString(mr.MergedByUUID), nullInt64(mr.MergedByProviderID),
		string(mr.State), mr.IsDraft, mr.Title, mr.Body,
		mr.CreatedAt.UTC(), mr.UpdatedAt.UTC(), nullTime(mr.ClosedAt), nullTime(mr.MergedAt),
		mr.Commits, mr.Additions, mr.Deletions, mr.ChangedFiles, mr.ReviewCount, mr.CommentCount,
		mr.SourceBranch, mr.TargetBranch, jsonList(mr.Labels),
		mr.IsEnriched, mr.EnrichmentAttempts,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert merge request #%d: %w", mr.ProviderID, err)
	}
	mr.UUID = id
	return id, nil
}

// UpsertMergeRequest inserts or updates a merge request and returns its uuid.
func (s *Store) UpsertMergeRequest(ctx context.Context, mr *types.MergeRequest) (string, error) {
	return upsertMergeRequest(ctx, s.db, mr)
}

// UpsertMergeRequest is the transactional variant.
func (t *Tx) UpsertMergeRequest(ctx context.Context, mr *types.MergeRequest) (string, error) {
	return upsertMergeRequest(ctx, t.q(), mr)
}

const mergeRequestColumns = `
	uuid, provider_id, repository_uuid, repository_provider_id,
	author_uuid, author_provider_id, merged_by_uuid, merged_by_provider_id,
	state, is_draft, title, body,
	created_at, updated_at, closed_at, merged_at,
	commits, additions, deletions, changed_files, review_count, comment_count,
	complexity_score, review_time_hours, cycle_time_hours,
	source_branch, target_branch, labels, is_enriched, enrichment_attempts`

func scanMergeRequest(row interface{ Scan(...any) error }) (*types.MergeRequest, error) {
	var mr types.MergeRequest
	var authorUUID, mergedByUUID sql.NullString
	var authorID, mergedByID sql.NullInt64
	var closedAt, mergedAt sql.NullTime
	var state, labels string
	err := row.Scan(
		&mr.UUID, &mr.ProviderID, &mr.RepositoryUUID, &mr.RepositoryProviderID,
		&authorUUID, &authorID, &mergedByUUID, &mergedByID,
		&state, &mr.IsDraft, &mr.Title, &mr.Body,
		&mr.CreatedAt, &mr.UpdatedAt, &closedAt, &mergedAt,
		&mr.Commits, &mr.Additions, &mr.Deletions, &mr.ChangedFiles, &mr.ReviewCount, &mr.CommentCount,
		&mr.ComplexityScore, &mr.ReviewTimeHours, &mr.CycleTimeHours,
		&mr.SourceBranch, &mr.TargetBranch, &labels, &mr.IsEnriched, &mr.EnrichmentAttempts,
	)
	if err != nil {
		return nil, err
	}
	mr.AuthorUUID = authorUUID.String
	mr.AuthorProviderID = authorID.Int64
	mr.MergedByUUID = mergedByUUID.String
	mr.MergedByProviderID = mergedByID.Int64
	mr.State = types.MergeRequestState(state)
	mr.ClosedAt = scanTimePtr(closedAt)
	mr.MergedAt = scanTimePtr(mergedAt)
	mr.Labels = parseJSONList(labels)
	return &mr, nil
}

// GetMergeRequest returns the merge request with the given natural key, or
// ErrNotFound.
func (s *Store) GetMergeRequest(ctx context.Context, repositoryUUID string, number int64) (*types.MergeRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mergeRequestColumns+` FROM merge_requests WHERE repository_uuid = ? AND provider_id = ?`,
		repositoryUUID, number)
	mr, err := scanMergeRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get merge request #%d: %w", number, err)
	}
	return mr, nil
}

// SelectUnenrichedMergeRequests returns a deterministic page of merge
// requests still awaiting enrichment, oldest first.
func (s *Store) SelectUnenrichedMergeRequests(ctx context.Context, limit, maxAttempts int) ([]*types.MergeRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mergeRequestColumns+` FROM merge_requests
		 WHERE is_enriched = 0 AND enrichment_attempts < ?
		 ORDER BY created_at ASC, uuid ASC LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select unenriched merge requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.MergeRequest
	for rows.Next() {
		mr, err := scanMergeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan merge request: %w", err)
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}

// ApplyMergeRequestEnrichment merges provider detail and derived metrics into
// the row, marks it enriched and advances the attempt counter.
func (s *Store) ApplyMergeRequestEnrichment(ctx context.Context, mr *types.MergeRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE merge_requests SET
			state = ?, is_draft = ?, title = ?, body = ?,
			closed_at = COALESCE(?, closed_at), merged_at = COALESCE(?, merged_at),
			commits = ?, additions = ?, deletions = ?, changed_files = ?,
			review_count = ?, comment_count = ?,
			complexity_score = ?, review_time_hours = ?, cycle_time_hours = ?,
			source_branch = ?, target_branch = ?, labels = ?,
			merged_by_provider_id = COALESCE(?, merged_by_provider_id),
			is_enriched = 1,
			enrichment_attempts = enrichment_attempts + 1
		WHERE uuid = ?`,
		string(mr.State), mr.IsDraft, mr.Title, mr.Body,
		nullTime(mr.ClosedAt), nullTime(mr.MergedAt),
		mr.Commits, mr.Additions, mr.Deletions, mr.ChangedFiles,
		mr.ReviewCount, mr.CommentCount,
		mr.ComplexityScore, mr.ReviewTimeHours, mr.CycleTimeHours,
		mr.SourceBranch, mr.TargetBranch, jsonList(mr.Labels),
		nullInt64(mr.MergedByProviderID),
		mr.UUID)
	if err != nil {
		return fmt.Errorf("failed to apply merge request enrichment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMergeRequestEnriched flips is_enriched without touching detail fields.
func (s *Store) MarkMergeRequestEnriched(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE merge_requests SET is_enriched = 1 WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to mark merge request enriched: %w", err)
	}
	return nil
}

// BumpMergeRequestEnrichmentAttempts counts one failed enrichment attempt.
func (s *Store) BumpMergeRequestEnrichmentAttempts(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE merge_requests SET enrichment_attempts = enrichment_attempts + 1 WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to bump merge request enrichment attempts: %w", err)
	}
	return nil
}

// CountMergeRequests returns the total merge request count.
func (s *Store) CountMergeRequests(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM merge_requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count merge requests: %w", err)
	}
	return n, nil
}
