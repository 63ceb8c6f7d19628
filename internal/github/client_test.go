package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient("test-token", nil).WithBaseURL(srv.URL)
	return client, srv
}

func TestGetRepository(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octocat/hello", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Repository{ID: 42, FullName: "octocat/hello", Name: "hello", Stars: 7})
	}))

	repo, err := client.GetRepository(context.Background(), "octocat", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(42), repo.ID)
	assert.Equal(t, 7, repo.Stars)
}

func TestGetNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetRepository(context.Background(), "gone", "gone")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), client.RequestCount(), "404 must not be retried")
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(User{ID: 1, Login: "octocat"})
	}))

	user, err := client.GetUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "octocat", user.Login)
	assert.Equal(t, int64(3), calls.Load())
}

func TestGetRateLimitExhausted(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset))
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := client.GetUser(context.Background(), 1)
	require.ErrorIs(t, err, ErrRateLimited)

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, reset, rlErr.ResetAt.Unix())
	assert.Equal(t, int64(1), client.RequestCount(), "exhausted quota must not be retried")
}

func TestLowWaterBudgetStopsCalls(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "3")
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset))
		_ = json.NewEncoder(w).Encode(User{ID: 1, Login: "octocat"})
	}))
	client = client.WithLowWater(10)

	// First call succeeds and records the low remaining quota.
	_, err := client.GetUser(context.Background(), 1)
	require.NoError(t, err)

	// Second call sees remaining below the mark and refuses to spend it.
	_, err = client.GetUser(context.Background(), 1)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int64(1), client.RequestCount())
}

func TestETagReplayOn304(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("ETag", `"abc"`)
			_ = json.NewEncoder(w).Encode(User{ID: 1, Login: "octocat"})
			return
		}
		assert.Equal(t, `"abc"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))

	first, err := client.GetUser(context.Background(), 1)
	require.NoError(t, err)
	second, err := client.GetUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, first.Login, second.Login, "304 must replay the cached body")
	assert.Equal(t, int64(2), calls.Load())
}

func TestContextCancellation(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway) // would retry forever
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.GetUser(ctx, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransient),
		"got %v", err)
}

func TestListPullRequestCommitsPagination(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/a/b/pulls/7/commits", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode([]Commit{{SHA: "c3"}})
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/a/b/pulls/7/commits?page=2>; rel="next"`, server.URL))
		_ = json.NewEncoder(w).Encode([]Commit{{SHA: "c1"}, {SHA: "c2"}})
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := NewClient("", nil).WithBaseURL(server.URL)

	commits, err := client.ListPullRequestCommits(context.Background(), "a", "b", 7)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, "c1", commits[0].SHA)
	assert.Equal(t, "c3", commits[2].SHA)
}

func TestListRecentMergedPullRequestEvents(t *testing.T) {
	mergedAt := time.Now().UTC()
	events := []map[string]any{
		{
			"type": "PullRequestEvent",
			"repo": map[string]any{"id": 1, "name": "a/x"},
			"payload": map[string]any{
				"action":       "closed",
				"pull_request": map[string]any{"id": 100, "number": 1, "merged": true},
			},
		},
		{
			// Closed without merge: skipped.
			"type": "PullRequestEvent",
			"repo": map[string]any{"id": 2, "name": "a/y"},
			"payload": map[string]any{
				"action":       "closed",
				"pull_request": map[string]any{"id": 200, "number": 2, "merged": false},
			},
		},
		{
			// Merged flag missing but merged_at set: counted.
			"type": "PullRequestEvent",
			"repo": map[string]any{"id": 3, "name": "a/z"},
			"payload": map[string]any{
				"action":       "closed",
				"pull_request": map[string]any{"id": 300, "number": 3, "merged_at": mergedAt.Format(time.RFC3339)},
			},
		},
		{
			"type": "PushEvent",
			"repo": map[string]any{"id": 4, "name": "a/w"},
		},
	}

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		if r.URL.Query().Get("page") != "1" {
			_ = json.NewEncoder(w).Encode([]any{})
			return
		}
		_ = json.NewEncoder(w).Encode(events)
	}))

	merged, err := client.ListRecentMergedPullRequestEvents(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, "a/x", merged[0].RepositoryFullName)
	assert.Equal(t, int64(100), merged[0].PullRequest.ID)
	assert.Equal(t, "a/z", merged[1].RepositoryFullName)
}
