package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitpulse/gitpulse/internal/types"
)

// upsertRepository inserts or updates a repository keyed by provider_id and
// returns the stable uuid. Enrichment state is monotonic: an upsert never
// clears is_enriched and never lowers the attempt counter.
func upsertRepository(ctx context.Context, q querier, repo *types.Repository) (string, error) {
	if repo.ProviderID == 0 {
		return "", fmt.Errorf("repository provider_id is required")
	}
	if repo.FullName == "" {
		return "", fmt.Errorf("repository full_name is required")
	}
	newUUID := repo.UUID
	if newUUID == "" {
		newUUID = uuid.NewString()
	}

	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO repositories (
			uuid, provider_id, full_name, name, url, description,
			stars, forks, watchers, open_issues, size_kb,
			primary_language, default_branch, is_fork, is_archived,
			owner_uuid, owner_provider_id,
			is_enriched, enrichment_attempts, last_updated,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(provider_id) DO UPDATE SET
			full_name = excluded.full_name,
			name = excluded.name,
			url = CASE WHEN excluded.url != '' THEN excluded.url ELSE repositories.url END,
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE repositories.description END,
			stars = excluded.stars,
			forks = excluded.forks,
			watchers = excluded.watchers,
			open_issues = excluded.open_issues,
			size_kb = excluded.size_kb,
			primary_language = CASE WHEN excluded.primary_language != '' THEN excluded.primary_language ELSE repositories.primary_language END,
			default_branch = CASE WHEN excluded.default_branch != '' THEN excluded.default_branch ELSE repositories.default_branch END,
			is_fork = excluded.is_fork,
			is_archived = excluded.is_archived,
			owner_uuid = COALESCE(excluded.owner_uuid, repositories.owner_uuid),
			owner_provider_id = COALESCE(excluded.owner_provider_id, repositories.owner_provider_id),
			is_enriched = MAX(repositories.is_enriched, excluded.is_enriched),
			enrichment_attempts = MAX(repositories.enrichment_attempts, excluded.enrichment_attempts),
			last_updated = COALESCE(excluded.last_updated, repositories.last_updated),
			updated_at = CURRENT_TIMESTAMP
		RETURNING uuid`,
		newUUID, repo.ProviderID, repo.FullName, repo.Name, repo.URL, repo.Description,
		repo.Stars, repo.Forks, repo.Watchers, repo.OpenIssues, repo.SizeKB,
		repo.PrimaryLanguage, repo.DefaultBranch, repo.IsFork, repo.IsArchived,
		nullString(repo.OwnerUUID), nullInt64(repo.OwnerProviderID),
		repo.IsEnriched, repo.EnrichmentAttempts, nullTime(repo.LastUpdated),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert repository %q: %w", repo.FullName, err)
	}
	repo.UUID = id
	return id, nil
}

// UpsertRepository inserts or updates a repository and returns its uuid.
func (s *Store) UpsertRepository(ctx context.Context, repo *types.Repository) (string, error) {
	return upsertRepository(ctx, s.db, repo)
}

// UpsertRepository is the transactional variant.
func (t *Tx) UpsertRepository(ctx context.Context, repo *types.Repository) (string, error) {
	return upsertRepository(ctx, t.q(), repo)
}

const repositoryColumns = `
	uuid, provider_id, full_name, name, url, description,
	stars, forks, watchers, open_issues, size_kb,
	primary_language, default_branch, is_fork, is_archived,
	owner_uuid, owner_provider_id,
	is_enriched, enrichment_attempts, last_updated, created_at, updated_at`

func scanRepository(row interface{ Scan(...any) error }) (*types.Repository, error) {
	var r types.Repository
	var ownerUUID sql.NullString
	var ownerID sql.NullInt64
	var lastUpdated sql.NullTime
	err := row.Scan(
		&r.UUID, &r.ProviderID, &r.FullName, &r.Name, &r.URL, &r.Description,
		&r.Stars, &r.Forks, &r.Watchers, &r.OpenIssues, &r.SizeKB,
		&r.PrimaryLanguage, &r.DefaultBranch, &r.IsFork, &r.IsArchived,
		&ownerUUID, &ownerID,
		&r.IsEnriched, &r.EnrichmentAttempts, &lastUpdated, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.OwnerUUID = ownerUUID.String
	r.OwnerProviderID = ownerID.Int64
	r.LastUpdated = scanTimePtr(lastUpdated)
	return &r, nil
}

// GetRepositoryByProviderID returns the repository with the given provider id,
// or ErrNotFound.
func (s *Store) GetRepositoryByProviderID(ctx context.Context, providerID int64) (*types.Repository, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE provider_id = ?`, providerID)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %d: %w", providerID, err)
	}
	return repo, nil
}

// GetRepositoryByFullName returns the repository named "owner/name", or ErrNotFound.
func (s *Store) GetRepositoryByFullName(ctx context.Context, fullName string) (*types.Repository, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE full_name = ?`, fullName)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %q: %w", fullName, err)
	}
	return repo, nil
}

// SelectUnenrichedRepositories returns a deterministic page of repositories
// still awaiting enrichment, oldest first.
func (s *Store) SelectUnenrichedRepositories(ctx context.Context, limit, maxAttempts int) ([]*types.Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories
		 WHERE is_enriched = 0 AND enrichment_attempts < ?
		 ORDER BY created_at ASC, uuid ASC LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select unenriched repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*types.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// ApplyRepositoryEnrichment merges provider detail into the row, marks it
// enriched and advances the attempt counter.
func (s *Store) ApplyRepositoryEnrichment(ctx context.Context, repo *types.Repository) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE repositories SET
			full_name = ?, name = ?, url = ?, description = ?,
			stars = ?, forks = ?, watchers = ?, open_issues = ?, size_kb = ?,
			primary_language = ?, default_branch = ?, is_fork = ?, is_archived = ?,
			owner_provider_id = COALESCE(?, owner_provider_id),
			last_updated = COALESCE(?, last_updated),
			is_enriched = 1,
			enrichment_attempts = enrichment_attempts + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE uuid = ?`,
		repo.FullName, repo.Name, repo.URL, repo.Description,
		repo.Stars, repo.Forks, repo.Watchers, repo.OpenIssues, repo.SizeKB,
		repo.PrimaryLanguage, repo.DefaultBranch, repo.IsFork, repo.IsArchived,
		nullInt64(repo.OwnerProviderID), nullTime(repo.LastUpdated),
		repo.UUID)
	if err != nil {
		return fmt.Errorf("failed to apply repository enrichment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRepositoryEnriched flips is_enriched without touching detail fields.
// Used when the provider no longer knows the repository.
func (s *Store) MarkRepositoryEnriched(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET is_enriched = 1, updated_at = CURRENT_TIMESTAMP WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to mark repository enriched: %w", err)
	}
	return nil
}

// BumpRepositoryEnrichmentAttempts counts one failed enrichment attempt.
func (s *Store) BumpRepositoryEnrichmentAttempts(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET enrichment_attempts = enrichment_attempts + 1, updated_at = CURRENT_TIMESTAMP WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to bump repository enrichment attempts: %w", err)
	}
	return nil
}

// CountRepositories returns the total repository count.
func (s *Store) CountRepositories(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM repositories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count repositories: %w", err)
	}
	return n, nil
}
