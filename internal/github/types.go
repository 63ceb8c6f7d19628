package github

import "time"

// User is the provider's account record.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Bio       string `json:"bio,omitempty"`
	Company   string `json:"company,omitempty"`
	Blog      string `json:"blog,omitempty"`
	Twitter   string `json:"twitter_username,omitempty"`
	Location  string `json:"location,omitempty"`

	Followers   int `json:"followers"`
	PublicRepos int `json:"public_repos"`
}

// Repository is the provider's repository record.
type Repository struct {
	ID            int64  `json:"id"`
	FullName      string `json:"full_name"`
	Name          string `json:"name"`
	HTMLURL       string `json:"html_url,omitempty"`
	Description   string `json:"description,omitempty"`
	Stars         int    `json:"stargazers_count"`
	Forks         int    `json:"forks_count"`
	Watchers      int    `json:"watchers_count"`
	OpenIssues    int    `json:"open_issues_count"`
	Size          int    `json:"size"`
	Language      string `json:"language,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Fork          bool   `json:"fork"`
	Archived      bool   `json:"archived"`
	Owner         *User  `json:"owner,omitempty"`

	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Label is a pull request label.
type Label struct {
	Name string `json:"name"`
}

// Branch is one side of a pull request.
type Branch struct {
	Ref string `json:"ref"`
}

// PullRequest is the provider's pull request record.
type PullRequest struct {
	ID     int64  `json:"id"`     // provider-internal id
	Number int64  `json:"number"` // visible PR number within the repository
	State  string `json:"state"`
	Draft  bool   `json:"draft"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`

	User     *User `json:"user,omitempty"`
	MergedBy *User `json:"merged_by,omitempty"`
	Merged   bool  `json:"merged"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`

	Commits      int `json:"commits"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	ChangedFiles int `json:"changed_files"`
	ReviewComments int `json:"review_comments"`
	Comments     int `json:"comments"`

	Head   *Branch `json:"head,omitempty"`
	Base   *Branch `json:"base,omitempty"`
	Labels []Label `json:"labels,omitempty"`
}

// CommitDetail is the inner commit object of a commit record.
type CommitDetail struct {
	Message string `json:"message,omitempty"`
	Author  *struct {
		Name  string    `json:"name,omitempty"`
		Email string    `json:"email,omitempty"`
		Date  time.Time `json:"date"`
	} `json:"author,omitempty"`
}

// CommitStats are the aggregate line counts of one commit.
type CommitStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Total     int `json:"total"`
}

// CommitFile is one changed file of an enriched commit.
type CommitFile struct {
	Filename  string `json:"filename"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// CommitRef is a parent reference of a commit.
type CommitRef struct {
	SHA string `json:"sha"`
}

// Commit is the provider's commit record as returned by the commit list and
// detail endpoints.
type Commit struct {
	SHA     string        `json:"sha"`
	Commit  *CommitDetail `json:"commit,omitempty"`
	Author  *User         `json:"author,omitempty"`
	Parents []CommitRef   `json:"parents,omitempty"`
	Stats   *CommitStats  `json:"stats,omitempty"`
	Files   []CommitFile  `json:"files,omitempty"`
}

// eventRepo is the slim repository facet carried on public events.
type eventRepo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"` // "owner/name"
	URL  string `json:"url,omitempty"`
}

// eventPayload is the PullRequestEvent payload.
type eventPayload struct {
	Action      string       `json:"action"`
	Number      int64        `json:"number"`
	PullRequest *PullRequest `json:"pull_request,omitempty"`
}

// event is one entry of the public activity feed.
type event struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Repo    eventRepo    `json:"repo"`
	Actor   *User        `json:"actor,omitempty"`
	Payload eventPayload `json:"payload"`
}

// MergedPullRequestEvent is a merged pull request discovered in the public
// activity feed, paired with the slim repository facet the event carried.
type MergedPullRequestEvent struct {
	RepositoryID       int64
	RepositoryFullName string
	PullRequest        *PullRequest
}

// RateLimit is a snapshot of the provider's reported request quota.
type RateLimit struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}
