package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
	"github.com/gitpulse/gitpulse/internal/types"
)

// ProcessStage drains raw_merge_requests and normalizes each payload into the
// relational tables. One raw row becomes one transaction: repository,
// contributors, merge request, commits, junction roll-ups, and the processed
// mark all land together or not at all.
type ProcessStage struct {
	store *sqlite.Store
	cfg   *config.Config
	log   *slog.Logger
}

func NewProcessStage(store *sqlite.Store, cfg *config.Config, logger *slog.Logger) *ProcessStage {
	return &ProcessStage{store: store, cfg: cfg, log: logger}
}

func (s *ProcessStage) Type() types.PipelineType { return types.PipelineDataProcessing }

func (s *ProcessStage) Run(ctx context.Context, rc *RunContext) (Stats, error) {
	var stats Stats

	batchSize := s.batchSize(rc)
	for {
		rows, err := s.store.SelectUnprocessedRaw(ctx, batchSize)
		if err != nil {
			return stats, fmt.Errorf("failed to select unprocessed rows: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := s.processRow(ctx, row); err != nil {
				stats.Failed++
				s.log.Warn("failed to process staged payload", "raw_id", row.ID, "error", err)
				// A poison row would otherwise be reselected forever.
				if err := s.store.MarkRawProcessed(ctx, []int64{row.ID}); err != nil {
					return stats, fmt.Errorf("failed to retire poison row %d: %w", row.ID, err)
				}
			}
			stats.ItemsProcessed++
			if stats.ItemsProcessed%10 == 0 {
				rc.progress(stats.ItemsProcessed)
			}
		}

		if !rc.ProcessAll {
			break
		}
	}
	rc.progress(stats.ItemsProcessed)

	remaining, err := s.store.CountUnprocessedRaw(ctx)
	if err == nil {
		stats.Remaining = remaining
	}
	s.log.Info("process finished", "items", stats.ItemsProcessed, "failed", stats.Failed, "remaining", stats.Remaining)
	return stats, nil
}

func (s *ProcessStage) batchSize(rc *RunContext) int {
	size := s.cfg.ProcessBatchSize
	if raw, ok := rc.Params["batch_size"]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			size = n
		}
	}
	if size < 1 {
		size = config.DefaultProcessBatchSize
	}
	if size > config.MaxProcessBatchSize {
		size = config.MaxProcessBatchSize
	}
	return size
}

// processRow normalizes one staged payload inside a single transaction.
func (s *ProcessStage) processRow(ctx context.Context, row *types.RawMergeRequest) error {
	payload, err := decodePayload([]byte(row.Payload))
	if err != nil {
		return err
	}

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	return s.store.WithTx(txCtx, func(tx *sqlite.Tx) error {
		repoUUID, err := tx.UpsertRepository(txCtx, repositoryFromPayload(payload.Repository))
		if err != nil {
			return err
		}

		pr := payload.PullRequest
		author, err := upsertActor(txCtx, tx, pr.User)
		if err != nil {
			return err
		}
		mergedBy, err := upsertActor(txCtx, tx, pr.MergedBy)
		if err != nil {
			return err
		}

		mr := mergeRequestFromPayload(pr, repoUUID, payload.Repository.ID)
		mr.AuthorUUID, mr.AuthorProviderID = author.UUID, author.ProviderID
		mr.MergedByUUID, mr.MergedByProviderID = mergedBy.UUID, mergedBy.ProviderID
		mrUUID, err := tx.UpsertMergeRequest(txCtx, mr)
		if err != nil {
			return err
		}

		authorCommits, authorAdded, authorRemoved := 0, 0, 0
		for i := range payload.Commits {
			gc := &payload.Commits[i]
			commit := commitFromPayload(gc, repoUUID, payload.Repository.ID, mrUUID, pr.Number)

			if gc.Author != nil && gc.Author.ID != 0 {
				committer, err := upsertActor(txCtx, tx, gc.Author)
				if err != nil {
					return err
				}
				commit.ContributorUUID, commit.ContributorProviderID = committer.UUID, committer.ProviderID
				commit.IsPlaceholderAuthor = false
				if !author.IsZero() && committer.ProviderID == author.ProviderID {
					authorCommits++
					authorAdded += commit.Additions
					authorRemoved += commit.Deletions
				}
			}

			if _, err := tx.UpsertCommit(txCtx, commit); err != nil {
				return err
			}
		}

		if !author.IsZero() {
			delta := sqlite.ContributionDelta{
				ContributorUUID:       author.UUID,
				ContributorProviderID: author.ProviderID,
				RepositoryUUID:        repoUUID,
				RepositoryProviderID:  payload.Repository.ID,
				CommitCount:           authorCommits,
				PullRequests:          1,
				LinesAdded:            pr.Additions + authorAdded,
				LinesRemoved:          pr.Deletions + authorRemoved,
				ContributedAt:         contributionTime(pr),
			}
			if err := tx.ApplyContributionDelta(txCtx, delta); err != nil {
				return err
			}
			if err := tx.AddContributorActivity(txCtx, author.UUID, authorCommits, 1, contributionValue(pr)); err != nil {
				return err
			}
		}

		return tx.MarkRawProcessed(txCtx, []int64{row.ID})
	})
}

// upsertActor upserts a provider user as a contributor. Nil or id-less users
// produce a zero pair; the caller leaves its reference columns NULL.
func upsertActor(ctx context.Context, tx *sqlite.Tx, u *github.User) (types.RefPair, error) {
	if u == nil || u.ID == 0 {
		return types.RefPair{}, nil
	}
	c := &types.Contributor{ProviderID: u.ID}
	if u.Login != "" && !types.IsPlaceholderLogin(u.Login) {
		login := u.Login
		c.Username = &login
		c.IsBot = types.IsBotLogin(u.Login) || u.Type == "Bot"
	} else {
		c.IsPlaceholder = true
	}
	uuid, err := tx.UpsertContributor(ctx, c)
	if err != nil {
		return types.RefPair{}, err
	}
	return types.RefPair{UUID: uuid, ProviderID: u.ID}, nil
}

func repositoryFromPayload(r *github.Repository) *types.Repository {
	repo := &types.Repository{
		ProviderID:      r.ID,
		FullName:        r.FullName,
		Name:            r.Name,
		URL:             r.HTMLURL,
		Description:     r.Description,
		Stars:           r.Stars,
		Forks:           r.Forks,
		Watchers:        r.Watchers,
		OpenIssues:      r.OpenIssues,
		SizeKB:          r.Size,
		PrimaryLanguage: r.Language,
		DefaultBranch:   r.DefaultBranch,
		IsFork:          r.Fork,
		IsArchived:      r.Archived,
	}
	if r.Owner != nil {
		repo.OwnerProviderID = r.Owner.ID
	}
	return repo
}

func mergeRequestFromPayload(pr *github.PullRequest, repoUUID string, repoProviderID int64) *types.MergeRequest {
	mr := &types.MergeRequest{
		ProviderID:           pr.Number,
		RepositoryUUID:       repoUUID,
		RepositoryProviderID: repoProviderID,
		State:                types.MergeRequestMerged,
		IsDraft:              pr.Draft,
		Title:                pr.Title,
		Body:                 pr.Body,
		CreatedAt:            pr.CreatedAt,
		UpdatedAt:            pr.UpdatedAt,
		ClosedAt:             pr.ClosedAt,
		MergedAt:             pr.MergedAt,
		Commits:              pr.Commits,
		Additions:            pr.Additions,
		Deletions:            pr.Deletions,
		ChangedFiles:         pr.ChangedFiles,
		ReviewCount:          pr.ReviewComments,
		CommentCount:         pr.Comments,
	}
	if pr.Head != nil {
		mr.SourceBranch = pr.Head.Ref
	}
	if pr.Base != nil {
		mr.TargetBranch = pr.Base.Ref
	}
	for _, l := range pr.Labels {
		mr.Labels = append(mr.Labels, l.Name)
	}
	return mr
}

func commitFromPayload(gc *github.Commit, repoUUID string, repoProviderID int64, mrUUID string, mrNumber int64) *types.Commit {
	commit := &types.Commit{
		ProviderID:            gc.SHA,
		RepositoryUUID:        repoUUID,
		RepositoryProviderID:  repoProviderID,
		PullRequestUUID:       mrUUID,
		PullRequestProviderID: mrNumber,
		IsMergeCommit:         len(gc.Parents) > 1,
		IsPlaceholderAuthor:   true,
	}
	for _, p := range gc.Parents {
		commit.ParentSHAs = append(commit.ParentSHAs, p.SHA)
	}
	if gc.Commit != nil {
		commit.Message = gc.Commit.Message
		if gc.Commit.Author != nil && !gc.Commit.Author.Date.IsZero() {
			d := gc.Commit.Author.Date
			commit.CommittedAt = &d
		}
	}
	if gc.Stats != nil {
		commit.Additions = gc.Stats.Additions
		commit.Deletions = gc.Stats.Deletions
	}
	commit.FilesChanged = len(gc.Files)
	return commit
}

func contributionTime(pr *github.PullRequest) *time.Time {
	if pr.MergedAt != nil {
		return pr.MergedAt
	}
	if !pr.CreatedAt.IsZero() {
		t := pr.CreatedAt
		return &t
	}
	return nil
}

// contributionValue adapts contributionTime to the any-typed SQL parameter
// used by the activity roll-up.
func contributionValue(pr *github.PullRequest) any {
	if t := contributionTime(pr); t != nil {
		return *t
	}
	return nil
}
