package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gitpulse/gitpulse/internal/types"
)

// RankInput is the per-contributor raw material for one ranking computation.
// Contributions made to forked repositories are already excluded.
type RankInput struct {
	ContributorUUID       string
	ContributorProviderID int64

	LinesAdded   int
	LinesRemoved int
	Commits      int
	Repositories int
	MergedPRs    int
	Reviews      int
	Followers    int
	PublicRepos  int

	// ProfileFields counts how many of the six profile fields are filled
	// (name, bio, company, location, blog, avatar).
	ProfileFields int
}

// ContributorRankInputs aggregates raw ranking metrics for every rankable
// contributor. Placeholder and bot rows are not ranked.
func (s *Store) ContributorRankInputs(ctx context.Context) ([]RankInput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.uuid, c.provider_id, c.followers, c.public_repos,
		       (CASE WHEN c.name != '' THEN 1 ELSE 0 END +
		        CASE WHEN c.bio != '' THEN 1 ELSE 0 END +
		        CASE WHEN c.company != '' THEN 1 ELSE 0 END +
		        CASE WHEN c.location != '' THEN 1 ELSE 0 END +
		        CASE WHEN c.blog != '' THEN 1 ELSE 0 END +
		        CASE WHEN c.avatar_url != '' THEN 1 ELSE 0 END) AS profile_fields,
		       COALESCE(SUM(CASE WHEN r.is_fork = 0 THEN cr.lines_added ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN r.is_fork = 0 THEN cr.lines_removed ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN r.is_fork = 0 THEN cr.commit_count ELSE 0 END), 0),
		       COUNT(DISTINCT CASE WHEN r.is_fork = 0 THEN cr.repository_uuid END),
		       COALESCE(SUM(CASE WHEN r.is_fork = 0 THEN cr.pull_requests ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN r.is_fork = 0 THEN cr.reviews ELSE 0 END), 0)
		FROM contributors c
		LEFT JOIN contributor_repositories cr ON cr.contributor_uuid = c.uuid
		LEFT JOIN repositories r ON r.uuid = cr.repository_uuid
		WHERE c.is_placeholder = 0 AND c.is_bot = 0
		GROUP BY c.uuid
		ORDER BY c.provider_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate rank inputs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RankInput
	for rows.Next() {
		var in RankInput
		if err := rows.Scan(
			&in.ContributorUUID, &in.ContributorProviderID, &in.Followers, &in.PublicRepos,
			&in.ProfileFields,
			&in.LinesAdded, &in.LinesRemoved, &in.Commits, &in.Repositories,
			&in.MergedPRs, &in.Reviews,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rank input: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// InsertRankingSnapshot writes a complete snapshot in one transaction. Every
// row is stamped with ts regardless of what the caller set.
func (s *Store) InsertRankingSnapshot(ctx context.Context, rankings []*types.ContributorRanking, ts time.Time) error {
	if len(rankings) == 0 {
		return nil
	}
	ts = ts.UTC()
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, r := range rankings {
			_, err := tx.q().ExecContext(ctx, `
				INSERT INTO contributor_rankings (
					contributor_uuid, contributor_provider_id, rank_position, total_score,
					volume_score, efficiency_score, impact_score, influence_score,
					popularity_score, followers_score, profile_score, collaboration_score,
					raw_lines_added, raw_lines_removed, raw_commits,
					repositories_contributed, raw_followers, calculation_timestamp
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ContributorUUID, r.ContributorProviderID, r.RankPosition, r.TotalScore,
				r.VolumeScore, r.EfficiencyScore, r.ImpactScore, r.InfluenceScore,
				r.PopularityScore, r.FollowersScore, r.ProfileScore, r.CollaborationScore,
				r.RawLinesAdded, r.RawLinesRemoved, r.RawCommits,
				r.RepositoriesContributed, r.RawFollowers, ts)
			if err != nil {
				return fmt.Errorf("failed to insert ranking row %d: %w", r.RankPosition, err)
			}
			// The contributor row carries the current total as its impact
			// score so profile reads need no snapshot join.
			_, err = tx.q().ExecContext(ctx,
				`UPDATE contributors SET impact_score = ?, updated_at = CURRENT_TIMESTAMP WHERE uuid = ?`,
				r.TotalScore, r.ContributorUUID)
			if err != nil {
				return fmt.Errorf("failed to update impact score for %s: %w", r.ContributorUUID, err)
			}
		}
		return nil
	})
}

// LatestRankingFor returns the most recent rank row of one contributor, or
// ErrNotFound when the contributor has never been ranked.
func (s *Store) LatestRankingFor(ctx context.Context, providerID int64) (*types.ContributorRanking, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, contributor_uuid, contributor_provider_id, rank_position, total_score,
		       volume_score, efficiency_score, impact_score, influence_score,
		       popularity_score, followers_score, profile_score, collaboration_score,
		       raw_lines_added, raw_lines_removed, raw_commits,
		       repositories_contributed, raw_followers, calculation_timestamp
		FROM contributor_rankings
		WHERE contributor_provider_id = ?
		ORDER BY calculation_timestamp DESC LIMIT 1`, providerID)

	var r types.ContributorRanking
	err := row.Scan(
		&r.ID, &r.ContributorUUID, &r.ContributorProviderID, &r.RankPosition, &r.TotalScore,
		&r.VolumeScore, &r.EfficiencyScore, &r.ImpactScore, &r.InfluenceScore,
		&r.PopularityScore, &r.FollowersScore, &r.ProfileScore, &r.CollaborationScore,
		&r.RawLinesAdded, &r.RawLinesRemoved, &r.RawCommits,
		&r.RepositoriesContributed, &r.RawFollowers, &r.CalculationTimestamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ranking for contributor %d: %w", providerID, err)
	}
	return &r, nil
}

// LatestRankingTimestamp returns the calculation timestamp of the most recent
// snapshot, or the zero time when none exists.
func (s *Store) LatestRankingTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(calculation_timestamp) FROM contributor_rankings`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest ranking timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// LatestRankings returns a page of the most recent snapshot ordered by rank.
func (s *Store) LatestRankings(ctx context.Context, limit, offset int) ([]*types.ContributorRanking, error) {
	ts, err := s.LatestRankingTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	if ts.IsZero() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contributor_uuid, contributor_provider_id, rank_position, total_score,
		       volume_score, efficiency_score, impact_score, influence_score,
		       popularity_score, followers_score, profile_score, collaboration_score,
		       raw_lines_added, raw_lines_removed, raw_commits,
		       repositories_contributed, raw_followers, calculation_timestamp
		FROM contributor_rankings
		WHERE calculation_timestamp = ?
		ORDER BY rank_position ASC LIMIT ? OFFSET ?`, ts, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to select latest rankings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ContributorRanking
	for rows.Next() {
		var r types.ContributorRanking
		if err := rows.Scan(
			&r.ID, &r.ContributorUUID, &r.ContributorProviderID, &r.RankPosition, &r.TotalScore,
			&r.VolumeScore, &r.EfficiencyScore, &r.ImpactScore, &r.InfluenceScore,
			&r.PopularityScore, &r.FollowersScore, &r.ProfileScore, &r.CollaborationScore,
			&r.RawLinesAdded, &r.RawLinesRemoved, &r.RawCommits,
			&r.RepositoriesContributed, &r.RawFollowers, &r.CalculationTimestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ranking row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
