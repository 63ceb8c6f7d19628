package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// GetRepository fetches a repository's detail page.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	if owner == "" || name == "" {
		return nil, fmt.Errorf("owner and name are required")
	}
	body, _, err := c.get(ctx, c.buildURL("/repos/"+owner+"/"+name, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch repository %s/%s: %w", owner, name, err)
	}
	var repo Repository
	if err := json.Unmarshal(body, &repo); err != nil {
		return nil, fmt.Errorf("failed to parse repository response: %w", err)
	}
	return &repo, nil
}

// GetUser fetches a user by provider id. Ids survive renames; logins do not.
func (c *Client) GetUser(ctx context.Context, id int64) (*User, error) {
	if id == 0 {
		return nil, fmt.Errorf("user id is required")
	}
	body, _, err := c.get(ctx, c.buildURL("/user/"+strconv.FormatInt(id, 10), nil))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %d: %w", id, err)
	}
	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}
	return &user, nil
}

// GetUserByLogin fetches a user by login.
func (c *Client) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login is required")
	}
	body, _, err := c.get(ctx, c.buildURL("/users/"+login, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %q: %w", login, err)
	}
	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}
	return &user, nil
}

// GetPullRequest fetches a pull request's detail page, which carries the
// line counts and review counters the activity feed omits.
func (c *Client) GetPullRequest(ctx context.Context, owner, name string, number int64) (*PullRequest, error) {
	if owner == "" || name == "" {
		return nil, fmt.Errorf("owner and name are required")
	}
	if number <= 0 {
		return nil, fmt.Errorf("pull request number must be positive")
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, name, number)
	body, _, err := c.get(ctx, c.buildURL(path, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pull request %s/%s#%d: %w", owner, name, number, err)
	}
	var pr PullRequest
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse pull request response: %w", err)
	}
	return &pr, nil
}

// ListPullRequestCommits fetches the commit list of a pull request, following
// pagination through the Link header.
func (c *Client) ListPullRequestCommits(ctx context.Context, owner, name string, number int64) ([]Commit, error) {
	if owner == "" || name == "" {
		return nil, fmt.Errorf("owner and name are required")
	}
	if number <= 0 {
		return nil, fmt.Errorf("pull request number must be positive")
	}

	urlStr := c.buildURL(fmt.Sprintf("/repos/%s/%s/pulls/%d/commits", owner, name, number),
		map[string]string{"per_page": strconv.Itoa(MaxPageSize)})

	var all []Commit
	for urlStr != "" {
		body, headers, err := c.get(ctx, urlStr)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch commits for %s/%s#%d: %w", owner, name, number, err)
		}
		var page []Commit
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse commits response: %w", err)
		}
		all = append(all, page...)

		next, ok := hasNextPage(headers)
		if !ok {
			break
		}
		urlStr = next
	}
	return all, nil
}

// GetCommit fetches one commit's detail, including per-file stats.
func (c *Client) GetCommit(ctx context.Context, owner, name, sha string) (*Commit, error) {
	if owner == "" || name == "" || sha == "" {
		return nil, fmt.Errorf("owner, name, and sha are required")
	}
	body, _, err := c.get(ctx, c.buildURL("/repos/"+owner+"/"+name+"/commits/"+sha, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch commit %s: %w", sha, err)
	}
	var commit Commit
	if err := json.Unmarshal(body, &commit); err != nil {
		return nil, fmt.Errorf("failed to parse commit response: %w", err)
	}
	return &commit, nil
}

// ListRecentMergedPullRequestEvents walks up to pages pages of the public
// activity feed and returns the merged pull requests it finds. The feed is a
// rolling window; callers run this on a schedule and tolerate overlap.
func (c *Client) ListRecentMergedPullRequestEvents(ctx context.Context, pages int) ([]MergedPullRequestEvent, error) {
	if pages <= 0 {
		pages = 1
	}

	var merged []MergedPullRequestEvent
	for page := 1; page <= pages; page++ {
		select {
		case <-ctx.Done():
			return merged, ctx.Err()
		default:
		}

		urlStr := c.buildURL("/events", map[string]string{
			"per_page": strconv.Itoa(MaxPageSize),
			"page":     strconv.Itoa(page),
		})
		body, _, err := c.get(ctx, urlStr)
		if err != nil {
			return merged, fmt.Errorf("failed to fetch events page %d: %w", page, err)
		}

		var events []event
		if err := json.Unmarshal(body, &events); err != nil {
			return merged, fmt.Errorf("failed to parse events response: %w", err)
		}
		if len(events) == 0 {
			break
		}

		for i := range events {
			ev := &events[i]
			if ev.Type != "PullRequestEvent" || ev.Payload.Action != "closed" {
				continue
			}
			pr := ev.Payload.PullRequest
			if pr == nil || !isMergedPR(pr) {
				continue
			}
			merged = append(merged, MergedPullRequestEvent{
				RepositoryID:       ev.Repo.ID,
				RepositoryFullName: ev.Repo.Name,
				PullRequest:        pr,
			})
		}
	}
	return merged, nil
}

// isMergedPR treats either the merged flag or a merged_at timestamp as proof
// of merge; event payloads are not always fully populated.
func isMergedPR(pr *PullRequest) bool {
	return pr.Merged || pr.MergedAt != nil
}
