package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gitpulse/gitpulse/internal/types"
)

// ContributionDelta carries additive updates to one contributor/repository
// junction row. Counters accumulate; the contribution date window widens via
// min/max.
type ContributionDelta struct {
	ContributorUUID       string
	ContributorProviderID int64
	RepositoryUUID        string
	RepositoryProviderID  int64

	CommitCount  int
	PullRequests int
	Reviews      int
	IssuesOpened int
	LinesAdded   int
	LinesRemoved int

	ContributedAt *time.Time
}

// applyContributionDelta folds a delta into the junction table, creating the
// row on first contact.
func applyContributionDelta(ctx context.Context, q querier, d ContributionDelta) error {
	if d.ContributorUUID == "" || d.RepositoryUUID == "" {
		return fmt.Errorf("contribution delta requires contributor and repository uuids")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO contributor_repositories (
			uuid, contributor_uuid, contributor_provider_id,
			repository_uuid, repository_provider_id,
			commit_count, pull_requests, reviews, issues_opened,
			first_contribution_date, last_contribution_date,
			lines_added, lines_removed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contributor_uuid, repository_uuid) DO UPDATE SET
			contributor_provider_id = excluded.contributor_provider_id,
			repository_provider_id = excluded.repository_provider_id,
			commit_count = contributor_repositories.commit_count + excluded.commit_count,
			pull_requests = contributor_repositories.pull_requests + excluded.pull_requests,
			reviews = contributor_repositories.reviews + excluded.reviews,
			issues_opened = contributor_repositories.issues_opened + excluded.issues_opened,
			first_contribution_date = MIN(
				COALESCE(contributor_repositories.first_contribution_date, excluded.first_contribution_date),
				COALESCE(excluded.first_contribution_date, contributor_repositories.first_contribution_date)),
			last_contribution_date = MAX(
				COALESCE(contributor_repositories.last_contribution_date, excluded.last_contribution_date),
				COALESCE(excluded.last_contribution_date, contributor_repositories.last_contribution_date)),
			lines_added = contributor_repositories.lines_added + excluded.lines_added,
			lines_removed = contributor_repositories.lines_removed + excluded.lines_removed`,
		uuid.NewString(), d.ContributorUUID, d.ContributorProviderID,
		d.RepositoryUUID, d.RepositoryProviderID,
		d.CommitCount, d.PullRequests, d.Reviews, d.IssuesOpened,
		nullTime(d.ContributedAt), nullTime(d.ContributedAt),
		d.LinesAdded, d.LinesRemoved)
	if err != nil {
		return fmt.Errorf("failed to apply contribution delta: %w", err)
	}
	return nil
}

// ApplyContributionDelta folds a contribution delta into the junction table.
func (s *Store) ApplyContributionDelta(ctx context.Context, d ContributionDelta) error {
	return applyContributionDelta(ctx, s.db, d)
}

// ApplyContributionDelta is the transactional variant.
func (t *Tx) ApplyContributionDelta(ctx context.Context, d ContributionDelta) error {
	return applyContributionDelta(ctx, t.q(), d)
}

// GetContributorRepository returns the junction row for a contributor and
// repository, or ErrNotFound.
func (s *Store) GetContributorRepository(ctx context.Context, contributorUUID, repositoryUUID string) (*types.ContributorRepository, error) {
	var cr types.ContributorRepository
	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, contributor_uuid, contributor_provider_id,
		       repository_uuid, repository_provider_id,
		       commit_count, pull_requests, reviews, issues_opened,
		       first_contribution_date, last_contribution_date,
		       lines_added, lines_removed
		FROM contributor_repositories
		WHERE contributor_uuid = ? AND repository_uuid = ?`,
		contributorUUID, repositoryUUID).Scan(
		&cr.UUID, &cr.ContributorUUID, &cr.ContributorProviderID,
		&cr.RepositoryUUID, &cr.RepositoryProviderID,
		&cr.CommitCount, &cr.PullRequests, &cr.Reviews, &cr.IssuesOpened,
		&first, &last,
		&cr.LinesAdded, &cr.LinesRemoved)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contributor repository: %w", err)
	}
	cr.FirstContributionDate = scanTimePtr(first)
	cr.LastContributionDate = scanTimePtr(last)
	return &cr, nil
}
