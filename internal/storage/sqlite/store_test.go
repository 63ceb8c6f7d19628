package sqlite

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/storage/sqlite/migrations"
	"github.com/gitpulse/gitpulse/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMigrationsIdempotent(t *testing.T) {
	store := newTestStore(t)
	// New already ran them once; a second pass must be a no-op.
	require.NoError(t, migrations.Run(store.DB()))

	applied, err := migrations.Applied(store.DB())
	require.NoError(t, err)
	assert.NotEmpty(t, applied)
}

func TestUpsertRepositoryStableUUID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.UpsertRepository(ctx, &types.Repository{
		ProviderID: 100, FullName: "octocat/hello", Name: "hello",
		Description: "greeting repo", Stars: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Slim re-upsert: same provider id, empty descriptive fields.
	second, err := store.UpsertRepository(ctx, &types.Repository{
		ProviderID: 100, FullName: "octocat/hello", Name: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, first, second, "uuid must be stable across upserts")

	n, err := store.CountRepositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetRepositoryByProviderID(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "greeting repo", got.Description, "empty re-upsert must not erase fields")
	assert.Equal(t, 5, got.Stars)
}

func TestRepositoryEnrichmentSurvivesReupsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	uuid, err := store.UpsertRepository(ctx, &types.Repository{
		ProviderID: 200, FullName: "octocat/enriched", Name: "enriched",
	})
	require.NoError(t, err)

	require.NoError(t, store.ApplyRepositoryEnrichment(ctx, &types.Repository{
		UUID: uuid, FullName: "octocat/enriched", Name: "enriched", Stars: 42,
	}))

	// A later sync re-upserts the slim form; the enriched flag must hold.
	_, err = store.UpsertRepository(ctx, &types.Repository{
		ProviderID: 200, FullName: "octocat/enriched", Name: "enriched",
	})
	require.NoError(t, err)

	got, err := store.GetRepositoryByProviderID(ctx, 200)
	require.NoError(t, err)
	assert.True(t, got.IsEnriched)
	assert.Equal(t, 42, got.Stars)

	unenriched, err := store.SelectUnenrichedRepositories(ctx, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, unenriched)
}

func TestContributorPlaceholderLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Placeholder first: no username, flagged.
	_, err := store.UpsertContributor(ctx, &types.Contributor{
		ProviderID: 7, IsPlaceholder: true,
	})
	require.NoError(t, err)

	got, err := store.GetContributorByProviderID(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, got.Username)
	assert.True(t, got.IsPlaceholder)

	// Real identity arrives: placeholder clears, username fills in.
	login := "octocat"
	_, err = store.UpsertContributor(ctx, &types.Contributor{
		ProviderID: 7, Username: &login,
	})
	require.NoError(t, err)

	got, err = store.GetContributorByProviderID(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got.Username)
	assert.Equal(t, "octocat", *got.Username)
	assert.False(t, got.IsPlaceholder)

	// A later nameless upsert must not null the username back out.
	_, err = store.UpsertContributor(ctx, &types.Contributor{ProviderID: 7})
	require.NoError(t, err)
	got, err = store.GetContributorByProviderID(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got.Username)
	assert.Equal(t, "octocat", *got.Username)
}

func TestMarkUnresolvableContributorsEnriched(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.UpsertContributor(ctx, &types.Contributor{ProviderID: 1, IsPlaceholder: true})
	require.NoError(t, err)
	login := "real"
	_, err = store.UpsertContributor(ctx, &types.Contributor{ProviderID: 2, Username: &login})
	require.NoError(t, err)

	n, err := store.MarkUnresolvableContributorsEnriched(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Only the real contributor remains selectable.
	pending, err := store.SelectUnenrichedContributors(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].ProviderID)
}

func TestMergeRequestScopedByRepository(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	repoA, err := store.UpsertRepository(ctx, &types.Repository{ProviderID: 1, FullName: "a/x", Name: "x"})
	require.NoError(t, err)
	repoB, err := store.UpsertRepository(ctx, &types.Repository{ProviderID: 2, FullName: "b/x", Name: "x"})
	require.NoError(t, err)

	now := time.Now().UTC()
	mrA, err := store.UpsertMergeRequest(ctx, &types.MergeRequest{
		ProviderID: 5, RepositoryUUID: repoA, RepositoryProviderID: 1,
		State: types.MergeRequestMerged, Title: "in repo a", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	mrB, err := store.UpsertMergeRequest(ctx, &types.MergeRequest{
		ProviderID: 5, RepositoryUUID: repoB, RepositoryProviderID: 2,
		State: types.MergeRequestMerged, Title: "in repo b", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NotEqual(t, mrA, mrB, "same number in different repos are different rows")

	again, err := store.UpsertMergeRequest(ctx, &types.MergeRequest{
		ProviderID: 5, RepositoryUUID: repoA, RepositoryProviderID: 1,
		State: types.MergeRequestMerged, Title: "updated title", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, mrA, again)

	n, err := store.CountMergeRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpsertMergeRequestRejectsBadState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	repo, err := store.UpsertRepository(ctx, &types.Repository{ProviderID: 1, FullName: "a/x", Name: "x"})
	require.NoError(t, err)

	_, err = store.UpsertMergeRequest(ctx, &types.MergeRequest{
		ProviderID: 1, RepositoryUUID: repo, RepositoryProviderID: 1,
		State: "reopened", Title: "bad",
	})
	require.Error(t, err)
}

func TestCommitDedupByRepoAndSHA(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	repo, err := store.UpsertRepository(ctx, &types.Repository{ProviderID: 1, FullName: "a/x", Name: "x"})
	require.NoError(t, err)

	first, err := store.UpsertCommit(ctx, &types.Commit{
		ProviderID: "abc123", RepositoryUUID: repo, RepositoryProviderID: 1,
		Message: "initial", IsPlaceholderAuthor: true,
	})
	require.NoError(t, err)

	second, err := store.UpsertCommit(ctx, &types.Commit{
		ProviderID: "abc123", RepositoryUUID: repo, RepositoryProviderID: 1,
		Message: "initial", ContributorProviderID: 9, IsPlaceholderAuthor: false,
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := store.GetCommit(ctx, repo, "abc123")
	require.NoError(t, err)
	assert.False(t, got.IsPlaceholderAuthor, "resolved author must clear the placeholder flag")

	n, err := store.CountCommits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRawMergeRequestDedup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	payload := `{"pull_request":{"id":9001,"number":7},"repository":{"id":1}}`
	id1, isNew, err := store.UpsertRawMergeRequest(ctx, 9001, payload)
	require.NoError(t, err)
	assert.True(t, isNew)

	id2, isNew, err := store.UpsertRawMergeRequest(ctx, 9001, payload)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id1, id2)

	n, err := store.CountRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRawProcessingOrderAndMarking(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []int64
	for _, prID := range []int64{11, 22, 33} {
		id, _, err := store.UpsertRawMergeRequest(ctx, prID,
			`{"pull_request":{"id":`+strconv.FormatInt(prID, 10)+`},"repository":{"id":1}}`)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, store.MarkRawProcessed(ctx, ids[:1]))

	rows, err := store.SelectUnprocessedRaw(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ids[1], rows[0].ID, "oldest unprocessed first")
	assert.Equal(t, ids[2], rows[1].ID)

	remaining, err := store.CountUnprocessedRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestContributionDeltaAccumulates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	repo, err := store.UpsertRepository(ctx, &types.Repository{ProviderID: 1, FullName: "a/x", Name: "x"})
	require.NoError(t, err)
	login := "octocat"
	contributor, err := store.UpsertContributor(ctx, &types.Contributor{ProviderID: 9, Username: &login})
	require.NoError(t, err)

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.ApplyContributionDelta(ctx, ContributionDelta{
		ContributorUUID: contributor, ContributorProviderID: 9,
		RepositoryUUID: repo, RepositoryProviderID: 1,
		CommitCount: 2, PullRequests: 1, LinesAdded: 100, LinesRemoved: 10,
		ContributedAt: &late,
	}))
	require.NoError(t, store.ApplyContributionDelta(ctx, ContributionDelta{
		ContributorUUID: contributor, ContributorProviderID: 9,
		RepositoryUUID: repo, RepositoryProviderID: 1,
		CommitCount: 3, PullRequests: 1, LinesAdded: 50, LinesRemoved: 5,
		ContributedAt: &early,
	}))

	got, err := store.GetContributorRepository(ctx, contributor, repo)
	require.NoError(t, err)
	assert.Equal(t, 5, got.CommitCount)
	assert.Equal(t, 2, got.PullRequests)
	assert.Equal(t, 150, got.LinesAdded)
	assert.Equal(t, 15, got.LinesRemoved)
	require.NotNil(t, got.FirstContributionDate)
	require.NotNil(t, got.LastContributionDate)
	assert.True(t, got.FirstContributionDate.Equal(early), "window widens to the earliest date")
	assert.True(t, got.LastContributionDate.Equal(late))
}

func TestRankInputsExcludePlaceholdersBotsAndForks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mainRepo, err := store.UpsertRepository(ctx, &types.Repository{ProviderID: 1, FullName: "a/main", Name: "main"})
	require.NoError(t, err)
	forkRepo, err := store.UpsertRepository(ctx, &types.Repository{ProviderID: 2, FullName: "a/fork", Name: "fork", IsFork: true})
	require.NoError(t, err)

	login := "human"
	human, err := store.UpsertContributor(ctx, &types.Contributor{ProviderID: 1, Username: &login})
	require.NoError(t, err)
	botLogin := "dependabot"
	_, err = store.UpsertContributor(ctx, &types.Contributor{ProviderID: 2, Username: &botLogin, IsBot: true})
	require.NoError(t, err)
	_, err = store.UpsertContributor(ctx, &types.Contributor{ProviderID: 3, IsPlaceholder: true})
	require.NoError(t, err)

	require.NoError(t, store.ApplyContributionDelta(ctx, ContributionDelta{
		ContributorUUID: human, ContributorProviderID: 1,
		RepositoryUUID: mainRepo, RepositoryProviderID: 1,
		CommitCount: 4, PullRequests: 2, LinesAdded: 100,
	}))
	// Fork activity must not count.
	require.NoError(t, store.ApplyContributionDelta(ctx, ContributionDelta{
		ContributorUUID: human, ContributorProviderID: 1,
		RepositoryUUID: forkRepo, RepositoryProviderID: 2,
		CommitCount: 50, PullRequests: 50, LinesAdded: 9999,
	}))

	inputs, err := store.ContributorRankInputs(ctx)
	require.NoError(t, err)
	require.Len(t, inputs, 1, "bots and placeholders are not ranked")
	in := inputs[0]
	assert.Equal(t, human, in.ContributorUUID)
	assert.Equal(t, 4, in.Commits)
	assert.Equal(t, 2, in.MergedPRs)
	assert.Equal(t, 100, in.LinesAdded)
	assert.Equal(t, 1, in.Repositories)
}

func TestRankingSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	login := "human"
	contributor, err := store.UpsertContributor(ctx, &types.Contributor{ProviderID: 1, Username: &login})
	require.NoError(t, err)

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rows := []*types.ContributorRanking{
		{ContributorUUID: contributor, ContributorProviderID: 1, RankPosition: 1, TotalScore: 88.5},
	}
	require.NoError(t, store.InsertRankingSnapshot(ctx, rows, ts))

	gotTS, err := store.LatestRankingTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, gotTS.Equal(ts))

	latest, err := store.LatestRankings(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 1, latest[0].RankPosition)
	assert.InDelta(t, 88.5, latest[0].TotalScore, 1e-9)

	// A newer snapshot supersedes the old one.
	later := ts.Add(time.Hour)
	rows2 := []*types.ContributorRanking{
		{ContributorUUID: contributor, ContributorProviderID: 1, RankPosition: 1, TotalScore: 90},
	}
	require.NoError(t, store.InsertRankingSnapshot(ctx, rows2, later))

	latest, err = store.LatestRankings(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.InDelta(t, 90, latest[0].TotalScore, 1e-9)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sentinel := assert.AnError
	err := store.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertRepository(ctx, &types.Repository{ProviderID: 1, FullName: "a/x", Name: "x"}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	n, err := store.CountRepositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed transaction must leave nothing behind")
}
