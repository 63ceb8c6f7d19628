package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
	"github.com/gitpulse/gitpulse/internal/types"
)

// EnrichStage fills in the fields processing could not know: repository
// counters, contributor profiles, pull request line stats, commit stats. It
// runs four sub-phases in a fixed order, each draining a bounded batch of
// unenriched rows.
type EnrichStage struct {
	store    *sqlite.Store
	provider Provider
	cfg      *config.Config
	log      *slog.Logger
}

func NewEnrichStage(store *sqlite.Store, provider Provider, cfg *config.Config, logger *slog.Logger) *EnrichStage {
	return &EnrichStage{store: store, provider: provider, cfg: cfg, log: logger}
}

func (s *EnrichStage) Type() types.PipelineType { return types.PipelineDataEnrichment }

func (s *EnrichStage) Run(ctx context.Context, rc *RunContext) (Stats, error) {
	var stats Stats

	// Placeholder rows have no provider id worth querying; retire them up
	// front so they stop surfacing in selections.
	retired, err := s.store.MarkUnresolvableContributorsEnriched(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to retire unresolvable contributors: %w", err)
	}
	if retired > 0 {
		s.log.Info("retired unresolvable contributors", "count", retired)
	}

	batch := s.cfg.EnrichBatchSize
	if rc.ProcessAll {
		batch = s.cfg.EnrichBatchAll
	}
	if batch < 1 {
		batch = config.DefaultEnrichBatchSize
	}

	phases := []struct {
		name string
		run  func(context.Context, *RunContext, *Stats, int) error
	}{
		{"repositories", s.enrichRepositories},
		{"contributors", s.enrichContributors},
		{"merge_requests", s.enrichMergeRequests},
		{"commits", s.enrichCommits},
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := phase.run(ctx, rc, &stats, batch); err != nil {
			// An exhausted quota ends the run cleanly with whatever was
			// enriched; the next run resumes from the unenriched rows.
			if errors.Is(err, errRateBudget) {
				s.log.Warn("rate budget exhausted, finishing enrichment early",
					"phase", phase.name, "items", stats.ItemsProcessed)
				return stats, nil
			}
			return stats, fmt.Errorf("enrich %s: %w", phase.name, err)
		}
	}

	s.log.Info("enrich finished", "items", stats.ItemsProcessed, "failed", stats.Failed)
	return stats, nil
}

// errRateBudget signals that the provider quota ran out and the run should
// end cleanly with whatever has been enriched so far.
var errRateBudget = errors.New("provider rate budget exhausted")

// withBudget invokes fn once, absorbing rate-limit hits: a run draining
// everything waits out the reset and retries, any other run signals an early
// clean finish via errRateBudget.
func (s *EnrichStage) withBudget(ctx context.Context, rc *RunContext, fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, github.ErrRateLimited) {
			return err
		}
		if !rc.ProcessAll {
			return errRateBudget
		}
		if err := s.awaitReset(ctx, err); err != nil {
			return err
		}
	}
}

// awaitReset sleeps until the quota window reported by the provider reopens.
func (s *EnrichStage) awaitReset(ctx context.Context, cause error) error {
	wait := time.Second
	var rl *github.RateLimitError
	if errors.As(cause, &rl) {
		if d := time.Until(rl.ResetAt); d > 0 {
			wait = d + time.Second
		}
	}
	s.log.Info("rate limited, waiting for quota reset", "wait", wait.Round(time.Second))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *EnrichStage) enrichRepositories(ctx context.Context, rc *RunContext, stats *Stats, batch int) error {
	for {
		repos, err := s.store.SelectUnenrichedRepositories(ctx, batch, s.cfg.EnrichMaxAttempts)
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			return nil
		}
		progressed := false
		for _, repo := range repos {
			err := s.withBudget(ctx, rc, func() error { return s.enrichRepository(ctx, repo) })
			switch {
			case err == nil:
				stats.ItemsProcessed++
				progressed = true
				rc.progress(stats.ItemsProcessed)
			case errors.Is(err, errRateBudget) || errors.Is(err, context.Canceled):
				return err
			case errors.Is(err, github.ErrNotFound):
				// Deleted or private now; there is nothing left to fetch.
				if err := s.store.MarkRepositoryEnriched(ctx, repo.UUID); err != nil {
					return err
				}
				stats.Failed++
				progressed = true
			default:
				stats.Failed++
				s.log.Warn("repository enrichment failed", "repo", repo.FullName, "error", err)
				if err := s.store.BumpRepositoryEnrichmentAttempts(ctx, repo.UUID); err != nil {
					return err
				}
			}
		}
		if !rc.ProcessAll || !progressed {
			return nil
		}
	}
}

func (s *EnrichStage) enrichRepository(ctx context.Context, repo *types.Repository) error {
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	owner := repo.Owner()
	if owner == "" {
		return github.ErrNotFound
	}
	full, err := s.provider.GetRepository(itemCtx, owner, repo.Name)
	if err != nil {
		return err
	}

	enriched := repositoryFromPayload(full)
	enriched.UUID = repo.UUID
	enriched.LastUpdated = full.UpdatedAt
	return s.store.ApplyRepositoryEnrichment(ctx, enriched)
}

func (s *EnrichStage) enrichContributors(ctx context.Context, rc *RunContext, stats *Stats, batch int) error {
	for {
		contributors, err := s.store.SelectUnenrichedContributors(ctx, batch, s.cfg.EnrichMaxAttempts)
		if err != nil {
			return err
		}
		if len(contributors) == 0 {
			return nil
		}
		progressed := false
		for _, c := range contributors {
			err := s.withBudget(ctx, rc, func() error { return s.enrichContributor(ctx, c) })
			switch {
			case err == nil:
				stats.ItemsProcessed++
				progressed = true
				rc.progress(stats.ItemsProcessed)
			case errors.Is(err, errRateBudget) || errors.Is(err, context.Canceled):
				return err
			case errors.Is(err, github.ErrNotFound):
				if err := s.store.MarkContributorEnriched(ctx, c.UUID); err != nil {
					return err
				}
				stats.Failed++
				progressed = true
			default:
				stats.Failed++
				s.log.Warn("contributor enrichment failed", "login", c.Login(), "provider_id", c.ProviderID, "error", err)
				if err := s.store.BumpContributorEnrichmentAttempts(ctx, c.UUID); err != nil {
					return err
				}
			}
		}
		if !rc.ProcessAll || !progressed {
			return nil
		}
	}
}

func (s *EnrichStage) enrichContributor(ctx context.Context, c *types.Contributor) error {
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	// Lookup by immutable id, not login: accounts rename, ids do not.
	user, err := s.provider.GetUser(itemCtx, c.ProviderID)
	if err != nil {
		return err
	}

	enriched := &types.Contributor{
		UUID:        c.UUID,
		ProviderID:  c.ProviderID,
		Name:        user.Name,
		AvatarURL:   user.AvatarURL,
		Bio:         user.Bio,
		Company:     user.Company,
		Blog:        user.Blog,
		Twitter:     user.Twitter,
		Location:    user.Location,
		Followers:   user.Followers,
		PublicRepos: user.PublicRepos,
		IsBot:       types.IsBotLogin(user.Login) || user.Type == "Bot",
	}
	if user.Login != "" {
		login := user.Login
		enriched.Username = &login
	}
	enriched.RoleClassification = classifyRole(c, enriched.IsBot)

	langs, err := s.store.ContributorTopLanguages(ctx, c.UUID, 5)
	if err != nil {
		return err
	}
	enriched.TopLanguages = langs

	return s.store.ApplyContributorEnrichment(ctx, enriched)
}

// classifyRole buckets a contributor by observed merged volume.
func classifyRole(c *types.Contributor, isBot bool) string {
	switch {
	case isBot:
		return "bot"
	case c.PullRequestsMerged >= 50:
		return "core"
	case c.PullRequestsMerged >= 10:
		return "regular"
	default:
		return "occasional"
	}
}

func (s *EnrichStage) enrichMergeRequests(ctx context.Context, rc *RunContext, stats *Stats, batch int) error {
	for {
		mrs, err := s.store.SelectUnenrichedMergeRequests(ctx, batch, s.cfg.EnrichMaxAttempts)
		if err != nil {
			return err
		}
		if len(mrs) == 0 {
			return nil
		}
		progressed := false
		for _, mr := range mrs {
			err := s.withBudget(ctx, rc, func() error { return s.enrichMergeRequest(ctx, mr) })
			switch {
			case err == nil:
				stats.ItemsProcessed++
				progressed = true
				rc.progress(stats.ItemsProcessed)
			case errors.Is(err, errRateBudget) || errors.Is(err, context.Canceled):
				return err
			case errors.Is(err, github.ErrNotFound):
				if err := s.store.MarkMergeRequestEnriched(ctx, mr.UUID); err != nil {
					return err
				}
				stats.Failed++
				progressed = true
			default:
				stats.Failed++
				s.log.Warn("merge request enrichment failed", "number", mr.ProviderID, "error", err)
				if err := s.store.BumpMergeRequestEnrichmentAttempts(ctx, mr.UUID); err != nil {
					return err
				}
			}
		}
		if !rc.ProcessAll || !progressed {
			return nil
		}
	}
}

func (s *EnrichStage) enrichMergeRequest(ctx context.Context, mr *types.MergeRequest) error {
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	repo, err := s.store.GetRepositoryByProviderID(ctx, mr.RepositoryProviderID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return github.ErrNotFound
		}
		return err
	}
	pr, err := s.provider.GetPullRequest(itemCtx, repo.Owner(), repo.Name, mr.ProviderID)
	if err != nil {
		return err
	}

	enriched := mergeRequestFromPayload(pr, mr.RepositoryUUID, mr.RepositoryProviderID)
	enriched.UUID = mr.UUID
	enriched.ComplexityScore = complexityScore(pr)
	enriched.ReviewTimeHours = hoursBetween(pr.CreatedAt, pr.MergedAt)
	enriched.CycleTimeHours = hoursBetween(pr.CreatedAt, firstNonNil(pr.ClosedAt, pr.MergedAt))
	return s.store.ApplyMergeRequestEnrichment(ctx, enriched)
}

// complexityScore is a bounded heuristic over churn, breadth, and review
// churn. It stays within [0, 100].
func complexityScore(pr *github.PullRequest) float64 {
	churn := float64(pr.Additions + pr.Deletions)
	score := math.Log1p(churn)*8 +
		math.Log1p(float64(pr.ChangedFiles))*6 +
		math.Log1p(float64(pr.Commits))*4 +
		math.Log1p(float64(pr.ReviewComments))*2
	return math.Min(100, score)
}

func hoursBetween(start time.Time, end *time.Time) float64 {
	if start.IsZero() || end == nil || end.Before(start) {
		return 0
	}
	return end.Sub(start).Hours()
}

func firstNonNil(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}

func (s *EnrichStage) enrichCommits(ctx context.Context, rc *RunContext, stats *Stats, batch int) error {
	for {
		commits, err := s.store.SelectUnenrichedCommits(ctx, batch)
		if err != nil {
			return err
		}
		if len(commits) == 0 {
			return nil
		}
		progressed := false
		for _, commit := range commits {
			err := s.withBudget(ctx, rc, func() error { return s.enrichCommit(ctx, commit) })
			switch {
			case err == nil:
				stats.ItemsProcessed++
				progressed = true
				rc.progress(stats.ItemsProcessed)
			case errors.Is(err, errRateBudget) || errors.Is(err, context.Canceled):
				return err
			default:
				// Commits carry no attempt counter; retire failures so
				// repeated full drains cannot spin on one bad row.
				stats.Failed++
				s.log.Warn("commit enrichment failed", "sha", commit.ProviderID, "error", err)
				if err := s.store.MarkCommitEnriched(ctx, commit.UUID); err != nil {
					return err
				}
				progressed = true
			}
		}
		if !rc.ProcessAll || !progressed {
			return nil
		}
	}
}

func (s *EnrichStage) enrichCommit(ctx context.Context, commit *types.Commit) error {
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	repo, err := s.store.GetRepositoryByProviderID(ctx, commit.RepositoryProviderID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return github.ErrNotFound
		}
		return err
	}
	full, err := s.provider.GetCommit(itemCtx, repo.Owner(), repo.Name, commit.ProviderID)
	if err != nil {
		return err
	}

	enriched := commitFromPayload(full, commit.RepositoryUUID, commit.RepositoryProviderID,
		commit.PullRequestUUID, commit.PullRequestProviderID)
	enriched.UUID = commit.UUID
	enriched.ContributorUUID = commit.ContributorUUID
	enriched.ContributorProviderID = commit.ContributorProviderID
	enriched.IsPlaceholderAuthor = commit.IsPlaceholderAuthor
	if full.Author != nil && full.Author.ID != 0 {
		enriched.ContributorProviderID = full.Author.ID
		enriched.IsPlaceholderAuthor = false
	}
	return s.store.ApplyCommitEnrichment(ctx, enriched)
}
