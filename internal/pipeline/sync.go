package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
	"github.com/gitpulse/gitpulse/internal/types"
)

// SyncStage discovers recently merged pull requests in the provider's public
// activity feed and stages their payloads in raw_merge_requests. It writes
// only the staging table; normalization happens in the processing stage.
type SyncStage struct {
	store    *sqlite.Store
	provider Provider
	cfg      *config.Config
	log      *slog.Logger
}

func NewSyncStage(store *sqlite.Store, provider Provider, cfg *config.Config, logger *slog.Logger) *SyncStage {
	return &SyncStage{store: store, provider: provider, cfg: cfg, log: logger}
}

func (s *SyncStage) Type() types.PipelineType { return types.PipelineGitHubSync }

func (s *SyncStage) Run(ctx context.Context, rc *RunContext) (Stats, error) {
	var stats Stats

	pages := s.cfg.SyncEventPages
	if pages < 1 {
		pages = config.DefaultSyncEventPages
	}
	events, err := s.provider.ListRecentMergedPullRequestEvents(ctx, pages)
	if err != nil {
		return stats, fmt.Errorf("failed to list merged pull request events: %w", err)
	}
	s.log.Info("sync discovered merged pull requests", "events", len(events), "pages", pages)

	inserted, duplicates := 0, 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		isNew, err := s.stageEvent(ctx, ev)
		if err != nil {
			// Exhausted quota ends the run cleanly with whatever was
			// staged; the next run picks up the rest of the feed.
			if errors.Is(err, github.ErrRateLimited) {
				s.log.Warn("rate budget exhausted, finishing sync early",
					"staged", inserted, "repo", ev.RepositoryFullName)
				break
			}
			if errors.Is(err, context.Canceled) {
				return stats, err
			}
			stats.Failed++
			s.log.Warn("failed to stage pull request",
				"repo", ev.RepositoryFullName, "number", eventNumber(ev), "error", err)
			continue
		}
		if isNew {
			inserted++
			stats.ItemsProcessed++
			rc.progress(stats.ItemsProcessed)
		} else {
			duplicates++
		}
	}

	s.log.Info("sync finished", "inserted", inserted, "duplicates", duplicates, "failed", stats.Failed)
	return stats, nil
}

// stageEvent fetches the full pull request and its commits, then upserts the
// payload keyed by the provider-internal pull request id. Returns whether a
// new staging row was created.
func (s *SyncStage) stageEvent(ctx context.Context, ev github.MergedPullRequestEvent) (bool, error) {
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	owner, name, ok := strings.Cut(ev.RepositoryFullName, "/")
	if !ok {
		return false, fmt.Errorf("event repository %q not in owner/name form", ev.RepositoryFullName)
	}

	pr := ev.PullRequest
	if pr == nil || pr.ID == 0 {
		return false, fmt.Errorf("event carries no pull request")
	}

	// The event's pull request facet lacks line counts; prefer the full
	// record but fall back to the facet when the repository has vanished.
	full, err := s.provider.GetPullRequest(itemCtx, owner, name, pr.Number)
	switch {
	case err == nil:
		pr = full
	case errors.Is(err, github.ErrNotFound):
		s.log.Debug("pull request detail gone, using event facet",
			"repo", ev.RepositoryFullName, "number", pr.Number)
	default:
		return false, err
	}

	commits, err := s.provider.ListPullRequestCommits(itemCtx, owner, name, pr.Number)
	if err != nil && !errors.Is(err, github.ErrNotFound) {
		return false, err
	}

	payload, err := encodePayload(&rawPayload{
		Repository: &github.Repository{
			ID:       ev.RepositoryID,
			FullName: ev.RepositoryFullName,
			Name:     name,
		},
		PullRequest: pr,
		Commits:     commits,
	})
	if err != nil {
		return false, err
	}

	_, isNew, err := s.store.UpsertRawMergeRequest(ctx, pr.ID, string(payload))
	if err != nil {
		return false, fmt.Errorf("failed to stage payload: %w", err)
	}
	return isNew, nil
}

func eventNumber(ev github.MergedPullRequestEvent) int64 {
	if ev.PullRequest == nil {
		return 0
	}
	return ev.PullRequest.Number
}
