package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitpulse/gitpulse/internal/types"
)

// upsertContributor inserts or updates a contributor keyed by provider_id and
// returns the stable uuid. A nil username is preserved: placeholder rows stay
// nameless until enrichment resolves them.
func upsertContributor(ctx context.Context, q querier, c *types.Contributor) (string, error) {
	if c.ProviderID == 0 {
		return "", fmt.Errorf("contributor provider_id is required")
	}
	newUUID := c.UUID
	if newUUID == "" {
		newUUID = uuid.NewString()
	}

	var username any
	if c.Username != nil {
		username = *c.Username
	}

	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO contributors (
			uuid, provider_id, username, name, avatar_url, bio, company, blog, twitter, location,
			followers, public_repos, is_enriched, is_placeholder, is_bot, enrichment_attempts,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(provider_id) DO UPDATE SET
			username = COALESCE(excluded.username, contributors.username),
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contributors.name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE contributors.avatar_url END,
			is_placeholder = MIN(contributors.is_placeholder, excluded.is_placeholder),
			is_bot = MAX(contributors.is_bot, excluded.is_bot),
			is_enriched = MAX(contributors.is_enriched, excluded.is_enriched),
			enrichment_attempts = MAX(contributors.enrichment_attempts, excluded.enrichment_attempts),
			updated_at = CURRENT_TIMESTAMP
		RETURNING uuid`,
		newUUID, c.ProviderID, username, c.Name, c.AvatarURL, c.Bio, c.Company, c.Blog, c.Twitter, c.Location,
		c.Followers, c.PublicRepos, c.IsEnriched, c.IsPlaceholder, c.IsBot, c.EnrichmentAttempts,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert contributor %d: %w", c.ProviderID, err)
	}
	c.UUID = id
	return id, nil
}

// UpsertContributor inserts or updates a contributor and returns its uuid.
func (s *Store) UpsertContributor(ctx context.Context, c *types.Contributor) (string, error) {
	return upsertContributor(ctx, s.db, c)
}

// UpsertContributor is the transactional variant.
func (t *Tx) UpsertContributor(ctx context.Context, c *types.Contributor) (string, error) {
	return upsertContributor(ctx, t.q(), c)
}

const contributorColumns = `
	uuid, provider_id, username, name, avatar_url, bio, company, blog, twitter, location,
	followers, public_repos, impact_score, role_classification, top_languages, organizations,
	first_contribution, last_contribution,
	direct_commits, pull_requests_merged, pull_requests_rejected, code_reviews,
	is_enriched, is_placeholder, is_bot, enrichment_attempts, created_at, updated_at`

func scanContributor(row interface{ Scan(...any) error }) (*types.Contributor, error) {
	var c types.Contributor
	var username sql.NullString
	var first, last sql.NullTime
	var topLangs, orgs string
	err := row.Scan(
		&c.UUID, &c.ProviderID, &username, &c.Name, &c.AvatarURL, &c.Bio, &c.Company, &c.Blog, &c.Twitter, &c.Location,
		&c.Followers, &c.PublicRepos, &c.ImpactScore, &c.RoleClassification, &topLangs, &orgs,
		&first, &last,
		&c.DirectCommits, &c.PullRequestsMerged, &c.PullRequestsRejected, &c.CodeReviews,
		&c.IsEnriched, &c.IsPlaceholder, &c.IsBot, &c.EnrichmentAttempts, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Username = scanStringPtr(username)
	c.FirstContribution = scanTimePtr(first)
	c.LastContribution = scanTimePtr(last)
	c.TopLanguages = parseJSONList(topLangs)
	c.Organizations = parseJSONList(orgs)
	return &c, nil
}

// GetContributorByProviderID returns the contributor with the given provider
// id, or ErrNotFound.
func (s *Store) GetContributorByProviderID(ctx context.Context, providerID int64) (*types.Contributor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contributorColumns+` FROM contributors WHERE provider_id = ?`, providerID)
	c, err := scanContributor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contributor %d: %w", providerID, err)
	}
	return c, nil
}

// SelectUnenrichedContributors returns a deterministic page of contributors
// still awaiting enrichment, oldest first. Placeholders are excluded; they
// are unresolvable by definition.
func (s *Store) SelectUnenrichedContributors(ctx context.Context, limit, maxAttempts int) ([]*types.Contributor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contributorColumns+` FROM contributors
		 WHERE is_enriched = 0 AND enrichment_attempts < ? AND is_placeholder = 0
		 ORDER BY created_at ASC, uuid ASC LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select unenriched contributors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Contributor
	for rows.Next() {
		c, err := scanContributor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contributor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkUnresolvableContributorsEnriched permanently filters out contributors
// that carry no provider id; there is nothing to fetch for them. Returns the
// number of rows updated.
func (s *Store) MarkUnresolvableContributorsEnriched(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contributors SET is_enriched = 1, updated_at = CURRENT_TIMESTAMP
		WHERE is_enriched = 0 AND (provider_id IS NULL OR provider_id = 0 OR is_placeholder = 1)`)
	if err != nil {
		return 0, fmt.Errorf("failed to mark unresolvable contributors: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ApplyContributorEnrichment merges provider profile detail into the row,
// reconciles the stored username, marks the row enriched and advances the
// attempt counter.
func (s *Store) ApplyContributorEnrichment(ctx context.Context, c *types.Contributor) error {
	var username any
	if c.Username != nil {
		username = *c.Username
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE contributors SET
			username = COALESCE(?, username),
			name = ?, avatar_url = ?, bio = ?, company = ?, blog = ?, twitter = ?, location = ?,
			followers = ?, public_repos = ?,
			impact_score = ?, role_classification = ?, top_languages = ?, organizations = ?,
			is_bot = MAX(is_bot, ?),
			is_enriched = 1,
			enrichment_attempts = enrichment_attempts + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE uuid = ?`,
		username,
		c.Name, c.AvatarURL, c.Bio, c.Company, c.Blog, c.Twitter, c.Location,
		c.Followers, c.PublicRepos,
		c.ImpactScore, c.RoleClassification, jsonList(c.TopLanguages), jsonList(c.Organizations),
		c.IsBot,
		c.UUID)
	if err != nil {
		return fmt.Errorf("failed to apply contributor enrichment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkContributorEnriched flips is_enriched without touching profile fields.
func (s *Store) MarkContributorEnriched(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contributors SET is_enriched = 1, updated_at = CURRENT_TIMESTAMP WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to mark contributor enriched: %w", err)
	}
	return nil
}

// BumpContributorEnrichmentAttempts counts one failed enrichment attempt.
func (s *Store) BumpContributorEnrichmentAttempts(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contributors SET enrichment_attempts = enrichment_attempts + 1, updated_at = CURRENT_TIMESTAMP WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to bump contributor enrichment attempts: %w", err)
	}
	return nil
}

// contributorActivityDelta carries additive updates to a contributor's
// activity counters and contribution window.
type contributorActivityDelta struct {
	directCommits      int
	pullRequestsMerged int
	contributedAt      any // time or nil
}

// addContributorActivity folds an activity delta into the contributor row.
// The contribution window widens via min/max, never shrinks.
func addContributorActivity(ctx context.Context, q querier, uuid string, d contributorActivityDelta) error {
	_, err := q.ExecContext(ctx, `
		UPDATE contributors SET
			direct_commits = direct_commits + ?,
			pull_requests_merged = pull_requests_merged + ?,
			first_contribution = MIN(COALESCE(first_contribution, ?), COALESCE(?, first_contribution)),
			last_contribution = MAX(COALESCE(last_contribution, ?), COALESCE(?, last_contribution)),
			updated_at = CURRENT_TIMESTAMP
		WHERE uuid = ?`,
		d.directCommits, d.pullRequestsMerged,
		d.contributedAt, d.contributedAt,
		d.contributedAt, d.contributedAt,
		uuid)
	if err != nil {
		return fmt.Errorf("failed to add contributor activity: %w", err)
	}
	return nil
}

// AddContributorActivity is the transactional activity roll-up used by the
// processing stage.
func (t *Tx) AddContributorActivity(ctx context.Context, uuid string, directCommits, pullRequestsMerged int, contributedAt any) error {
	return addContributorActivity(ctx, t.q(), uuid, contributorActivityDelta{
		directCommits:      directCommits,
		pullRequestsMerged: pullRequestsMerged,
		contributedAt:      contributedAt,
	})
}

// ContributorTopLanguages returns the primary languages of the repositories a
// contributor has touched, most-committed first. Fork repositories and
// languageless repositories are skipped.
func (s *Store) ContributorTopLanguages(ctx context.Context, contributorUUID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.primary_language
		FROM contributor_repositories cr
		JOIN repositories r ON r.uuid = cr.repository_uuid
		WHERE cr.contributor_uuid = ? AND r.is_fork = 0 AND r.primary_language != ''
		GROUP BY r.primary_language
		ORDER BY SUM(cr.commit_count) DESC, r.primary_language ASC
		LIMIT ?`, contributorUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate top languages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var lang string
		if err := rows.Scan(&lang); err != nil {
			return nil, fmt.Errorf("failed to scan language: %w", err)
		}
		out = append(out, lang)
	}
	return out, rows.Err()
}

// CountContributors returns the total contributor count.
func (s *Store) CountContributors(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contributors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count contributors: %w", err)
	}
	return n, nil
}
