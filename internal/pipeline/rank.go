package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
	"github.com/gitpulse/gitpulse/internal/types"
)

// RankStage recomputes the contributor leaderboard. Each run reads the
// aggregated activity of every rankable contributor, scores eight dimensions,
// and writes one snapshot in a single transaction so readers never observe a
// half-written leaderboard.
type RankStage struct {
	store *sqlite.Store
	cfg   *config.Config
	log   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

func NewRankStage(store *sqlite.Store, cfg *config.Config, logger *slog.Logger) *RankStage {
	return &RankStage{store: store, cfg: cfg, log: logger, now: time.Now}
}

func (s *RankStage) Type() types.PipelineType { return types.PipelineAIAnalysis }

func (s *RankStage) Run(ctx context.Context, rc *RunContext) (Stats, error) {
	var stats Stats

	inputs, err := s.store.ContributorRankInputs(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to load rank inputs: %w", err)
	}
	if len(inputs) == 0 {
		s.log.Info("rank finished with no rankable contributors")
		return stats, nil
	}

	weights := s.cfg.RankWeights
	if weights == nil {
		weights = config.DefaultRankWeights
	}

	rankings := make([]*types.ContributorRanking, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rankings = append(rankings, scoreContributor(in, weights))
	}

	// Higher total first; equal totals settle on provider id so repeated
	// runs over identical data produce identical orderings.
	sort.SliceStable(rankings, func(i, j int) bool {
		if rankings[i].TotalScore != rankings[j].TotalScore {
			return rankings[i].TotalScore > rankings[j].TotalScore
		}
		return rankings[i].ContributorProviderID < rankings[j].ContributorProviderID
	})
	for i, r := range rankings {
		r.RankPosition = i + 1
	}

	ts := s.now().UTC()
	if err := s.store.InsertRankingSnapshot(ctx, rankings, ts); err != nil {
		return stats, fmt.Errorf("failed to write ranking snapshot: %w", err)
	}

	stats.ItemsProcessed = len(rankings)
	rc.progress(stats.ItemsProcessed)
	s.log.Info("rank finished", "contributors", len(rankings), "snapshot", ts.Format(time.RFC3339))
	return stats, nil
}

// scoreContributor computes the eight dimension scores and their weighted
// total for one contributor.
func scoreContributor(in sqlite.RankInput, weights map[string]float64) *types.ContributorRanking {
	r := &types.ContributorRanking{
		ContributorUUID:         in.ContributorUUID,
		ContributorProviderID:   in.ContributorProviderID,
		RawLinesAdded:           in.LinesAdded,
		RawLinesRemoved:         in.LinesRemoved,
		RawCommits:              in.Commits,
		RepositoriesContributed: in.Repositories,
		RawFollowers:            in.Followers,
	}

	r.VolumeScore = logScale(float64(in.LinesAdded+in.LinesRemoved)+float64(in.Commits)*10, 500_000)
	r.EfficiencyScore = logScale(float64(in.MergedPRs), 500)
	r.ImpactScore = logScale(float64(in.LinesAdded), 1_000_000)
	r.InfluenceScore = logScale(float64(in.Repositories), 50)
	r.PopularityScore = logScale(float64(in.PublicRepos), 200)
	r.FollowersScore = logScale(float64(in.Followers), 10_000)
	r.ProfileScore = float64(in.ProfileFields) / 6 * 100
	r.CollaborationScore = logScale(float64(in.Reviews)*2+float64(in.MergedPRs), 1_000)

	total := r.VolumeScore*weights["volume"] +
		r.EfficiencyScore*weights["efficiency"] +
		r.ImpactScore*weights["impact"] +
		r.InfluenceScore*weights["influence"] +
		r.PopularityScore*weights["popularity"] +
		r.FollowersScore*weights["followers"] +
		r.ProfileScore*weights["profile"] +
		r.CollaborationScore*weights["collaboration"]
	r.TotalScore = math.Round(total*100) / 100
	return r
}

// logScale maps x onto [0, 100] with diminishing returns: 0 stays 0, cap and
// beyond pin at 100. Strictly increasing below the cap.
func logScale(x, cap float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= cap {
		return 100
	}
	return math.Log1p(x) / math.Log1p(cap) * 100
}
