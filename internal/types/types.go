// Package types defines the core data structures of the gitpulse ingestion pipeline.
package types

import (
	"strings"
	"time"
)

// RefPair couples the stable application uuid of an entity with the natural id
// the provider assigned to it. Both halves are written together; a pair with
// an empty UUID references nothing.
type RefPair struct {
	UUID       string `json:"uuid"`
	ProviderID int64  `json:"provider_id"`
}

// IsZero reports whether the pair references nothing.
func (r RefPair) IsZero() bool {
	return r.UUID == "" && r.ProviderID == 0
}

// MergeRequestState is the lifecycle state of a merge request.
type MergeRequestState string

const (
	MergeRequestOpen   MergeRequestState = "open"
	MergeRequestClosed MergeRequestState = "closed"
	MergeRequestMerged MergeRequestState = "merged"
)

// IsValid reports whether s is a known merge request state.
func (s MergeRequestState) IsValid() bool {
	switch s {
	case MergeRequestOpen, MergeRequestClosed, MergeRequestMerged:
		return true
	}
	return false
}

// Repository is a provider repository tracked by the pipeline.
type Repository struct {
	UUID            string `json:"uuid"`
	ProviderID      int64  `json:"provider_id"`
	FullName        string `json:"full_name"` // "owner/name"
	Name            string `json:"name"`
	URL             string `json:"url,omitempty"`
	Description     string `json:"description,omitempty"`
	Stars           int    `json:"stars"`
	Forks           int    `json:"forks"`
	Watchers        int    `json:"watchers"`
	OpenIssues      int    `json:"open_issues"`
	SizeKB          int    `json:"size_kb"`
	PrimaryLanguage string `json:"primary_language,omitempty"`
	DefaultBranch   string `json:"default_branch,omitempty"`
	IsFork          bool   `json:"is_fork"`
	IsArchived      bool   `json:"is_archived"`

	OwnerUUID       string `json:"owner_uuid,omitempty"`
	OwnerProviderID int64  `json:"owner_provider_id,omitempty"`

	IsEnriched         bool       `json:"is_enriched"`
	EnrichmentAttempts int        `json:"enrichment_attempts"`
	LastUpdated        *time.Time `json:"last_updated,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Owner returns the "owner" half of the full name, or "" when the full name is
// not in owner/name form.
func (r *Repository) Owner() string {
	owner, _, ok := strings.Cut(r.FullName, "/")
	if !ok {
		return ""
	}
	return owner
}

// Contributor is a provider user that authored merge requests or commits.
// Username is nullable: unknown authors are stored as placeholder rows keyed
// only by provider id, never as sentinel strings.
type Contributor struct {
	UUID       string  `json:"uuid"`
	ProviderID int64   `json:"provider_id"`
	Username   *string `json:"username,omitempty"`

	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Bio       string `json:"bio,omitempty"`
	Company   string `json:"company,omitempty"`
	Blog      string `json:"blog,omitempty"`
	Twitter   string `json:"twitter,omitempty"`
	Location  string `json:"location,omitempty"`

	Followers   int `json:"followers"`
	PublicRepos int `json:"public_repos"`

	ImpactScore        float64  `json:"impact_score"`
	RoleClassification string   `json:"role_classification,omitempty"`
	TopLanguages       []string `json:"top_languages,omitempty"`
	Organizations      []string `json:"organizations,omitempty"`

	FirstContribution *time.Time `json:"first_contribution,omitempty"`
	LastContribution  *time.Time `json:"last_contribution,omitempty"`

	DirectCommits        int `json:"direct_commits"`
	PullRequestsMerged   int `json:"pull_requests_merged"`
	PullRequestsRejected int `json:"pull_requests_rejected"`
	CodeReviews          int `json:"code_reviews"`

	IsEnriched         bool `json:"is_enriched"`
	IsPlaceholder      bool `json:"is_placeholder"`
	IsBot              bool `json:"is_bot"`
	EnrichmentAttempts int  `json:"enrichment_attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Login returns the username or "" for placeholder rows.
func (c *Contributor) Login() string {
	if c.Username == nil {
		return ""
	}
	return *c.Username
}

// placeholderLogins are sentinel usernames produced by older feeds. Rows
// carrying one of these are placeholders, not real accounts.
var placeholderLogins = map[string]bool{
	"unknown":     true,
	"placeholder": true,
}

// IsPlaceholderLogin reports whether login is one of the sentinel values that
// mark a contributor as unresolvable.
func IsPlaceholderLogin(login string) bool {
	return placeholderLogins[login] || strings.HasPrefix(login, "placeholder-")
}

// IsBotLogin reports whether login looks like an automation account.
func IsBotLogin(login string) bool {
	return strings.HasSuffix(login, "[bot]") ||
		strings.HasSuffix(login, "-bot") ||
		login == "dependabot" || login == "renovate"
}

// MergeRequest is a pull request against a repository. ProviderID is the PR
// number within the repository, so uniqueness is (RepositoryUUID, ProviderID).
type MergeRequest struct {
	UUID       string `json:"uuid"`
	ProviderID int64  `json:"provider_id"` // PR number within the repository

	RepositoryUUID       string `json:"repository_uuid"`
	RepositoryProviderID int64  `json:"repository_provider_id"`

	AuthorUUID       string `json:"author_uuid,omitempty"`
	AuthorProviderID int64  `json:"author_provider_id,omitempty"`

	MergedByUUID       string `json:"merged_by_uuid,omitempty"`
	MergedByProviderID int64  `json:"merged_by_provider_id,omitempty"`

	State   MergeRequestState `json:"state"`
	IsDraft bool              `json:"is_draft"`
	Title   string            `json:"title"`
	Body    string            `json:"body,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`

	Commits      int `json:"commits"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	ChangedFiles int `json:"changed_files"`
	ReviewCount  int `json:"review_count"`
	CommentCount int `json:"comment_count"`

	ComplexityScore float64 `json:"complexity_score"`
	ReviewTimeHours float64 `json:"review_time_hours"`
	CycleTimeHours  float64 `json:"cycle_time_hours"`

	SourceBranch string   `json:"source_branch,omitempty"`
	TargetBranch string   `json:"target_branch,omitempty"`
	Labels       []string `json:"labels,omitempty"`

	IsEnriched         bool `json:"is_enriched"`
	EnrichmentAttempts int  `json:"enrichment_attempts"`
}

// Commit is a single commit discovered through a merge request. ProviderID is
// the commit SHA; uniqueness is (RepositoryUUID, ProviderID).
type Commit struct {
	UUID       string `json:"uuid"`
	ProviderID string `json:"provider_id"` // commit SHA

	RepositoryUUID       string `json:"repository_uuid"`
	RepositoryProviderID int64  `json:"repository_provider_id"`

	ContributorUUID       string `json:"contributor_uuid,omitempty"`
	ContributorProviderID int64  `json:"contributor_provider_id,omitempty"`

	PullRequestUUID       string `json:"pull_request_uuid,omitempty"`
	PullRequestProviderID int64  `json:"pull_request_provider_id,omitempty"`

	Message     string     `json:"message,omitempty"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`

	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	FilesChanged int `json:"files_changed"`

	IsMergeCommit       bool     `json:"is_merge_commit"`
	IsPlaceholderAuthor bool     `json:"is_placeholder_author"`
	IsEnriched          bool     `json:"is_enriched"`
	ParentSHAs          []string `json:"parent_shas,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContributorRepository is the junction row aggregating one contributor's
// activity within one repository. Uniqueness is (ContributorUUID, RepositoryUUID).
type ContributorRepository struct {
	UUID string `json:"uuid"`

	ContributorUUID       string `json:"contributor_uuid"`
	ContributorProviderID int64  `json:"contributor_provider_id"`
	RepositoryUUID        string `json:"repository_uuid"`
	RepositoryProviderID  int64  `json:"repository_provider_id"`

	CommitCount  int `json:"commit_count"`
	PullRequests int `json:"pull_requests"`
	Reviews      int `json:"reviews"`
	IssuesOpened int `json:"issues_opened"`

	FirstContributionDate *time.Time `json:"first_contribution_date,omitempty"`
	LastContributionDate  *time.Time `json:"last_contribution_date,omitempty"`

	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// RawMergeRequest is a staging row holding the opaque provider payload for one
// merged pull request until a processing run drains it.
type RawMergeRequest struct {
	ID          int64     `json:"id"`
	Payload     string    `json:"payload"`
	IsProcessed bool      `json:"is_processed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ContributorRanking is one row of a ranking snapshot. All rows of a snapshot
// share a CalculationTimestamp and are written in one transaction.
type ContributorRanking struct {
	ID                    int64  `json:"id"`
	ContributorUUID       string `json:"contributor_uuid"`
	ContributorProviderID int64  `json:"contributor_provider_id"`

	RankPosition int     `json:"rank_position"`
	TotalScore   float64 `json:"total_score"`

	VolumeScore        float64 `json:"volume_score"`
	EfficiencyScore    float64 `json:"efficiency_score"`
	ImpactScore        float64 `json:"impact_score"`
	InfluenceScore     float64 `json:"influence_score"`
	PopularityScore    float64 `json:"popularity_score"`
	FollowersScore     float64 `json:"followers_score"`
	ProfileScore       float64 `json:"profile_score"`
	CollaborationScore float64 `json:"collaboration_score"`

	RawLinesAdded           int `json:"raw_lines_added"`
	RawLinesRemoved         int `json:"raw_lines_removed"`
	RawCommits              int `json:"raw_commits"`
	RepositoriesContributed int `json:"repositories_contributed"`
	RawFollowers            int `json:"raw_followers"`

	CalculationTimestamp time.Time `json:"calculation_timestamp"`
}
