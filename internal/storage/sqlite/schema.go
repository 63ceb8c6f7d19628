package sqlite

const schema = `
-- Repositories
CREATE TABLE IF NOT EXISTS repositories (
    uuid TEXT PRIMARY KEY,
    provider_id INTEGER NOT NULL UNIQUE,
    full_name TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    stars INTEGER NOT NULL DEFAULT 0,
    forks INTEGER NOT NULL DEFAULT 0,
    watchers INTEGER NOT NULL DEFAULT 0,
    open_issues INTEGER NOT NULL DEFAULT 0,
    size_kb INTEGER NOT NULL DEFAULT 0,
    primary_language TEXT NOT NULL DEFAULT '',
    default_branch TEXT NOT NULL DEFAULT '',
    is_fork INTEGER NOT NULL DEFAULT 0,
    is_archived INTEGER NOT NULL DEFAULT 0,
    owner_uuid TEXT REFERENCES contributors(uuid),
    owner_provider_id INTEGER,
    is_enriched INTEGER NOT NULL DEFAULT 0,
    enrichment_attempts INTEGER NOT NULL DEFAULT 0,
    last_updated DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_repositories_provider_id ON repositories(provider_id);
CREATE INDEX IF NOT EXISTS idx_repositories_unenriched ON repositories(enrichment_attempts) WHERE is_enriched = 0;

-- Contributors. username is nullable: unknown authors are placeholder rows
-- keyed only by provider id.
CREATE TABLE IF NOT EXISTS contributors (
    uuid TEXT PRIMARY KEY,
    provider_id INTEGER NOT NULL UNIQUE,
    username TEXT,
    name TEXT NOT NULL DEFAULT '',
    avatar_url TEXT NOT NULL DEFAULT '',
    bio TEXT NOT NULL DEFAULT '',
    company TEXT NOT NULL DEFAULT '',
    blog TEXT NOT NULL DEFAULT '',
    twitter TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    followers INTEGER NOT NULL DEFAULT 0,
    public_repos INTEGER NOT NULL DEFAULT 0,
    impact_score REAL NOT NULL DEFAULT 0,
    role_classification TEXT NOT NULL DEFAULT '',
    top_languages TEXT NOT NULL DEFAULT '[]',
    organizations TEXT NOT NULL DEFAULT '[]',
    first_contribution DATETIME,
    last_contribution DATETIME,
    direct_commits INTEGER NOT NULL DEFAULT 0,
    pull_requests_merged INTEGER NOT NULL DEFAULT 0,
    pull_requests_rejected INTEGER NOT NULL DEFAULT 0,
    code_reviews INTEGER NOT NULL DEFAULT 0,
    is_enriched INTEGER NOT NULL DEFAULT 0,
    is_placeholder INTEGER NOT NULL DEFAULT 0,
    is_bot INTEGER NOT NULL DEFAULT 0,
    enrichment_attempts INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_contributors_provider_id ON contributors(provider_id);
CREATE INDEX IF NOT EXISTS idx_contributors_username ON contributors(username);
CREATE INDEX IF NOT EXISTS idx_contributors_unenriched ON contributors(enrichment_attempts) WHERE is_enriched = 0;

-- Merge requests. provider_id is the PR number within the repository, so the
-- natural key is (repository_uuid, provider_id).
CREATE TABLE IF NOT EXISTS merge_requests (
    uuid TEXT PRIMARY KEY,
    provider_id INTEGER NOT NULL,
    repository_uuid TEXT NOT NULL REFERENCES repositories(uuid),
    repository_provider_id INTEGER NOT NULL,
    author_uuid TEXT REFERENCES contributors(uuid),
    author_provider_id INTEGER,
    merged_by_uuid TEXT REFERENCES contributors(uuid),
    merged_by_provider_id INTEGER,
    state TEXT NOT NULL DEFAULT 'merged' CHECK(state IN ('open', 'closed', 'merged')),
    is_draft INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    merged_at DATETIME,
    commits INTEGER NOT NULL DEFAULT 0,
    additions INTEGER NOT NULL DEFAULT 0,
    deletions INTEGER NOT NULL DEFAULT 0,
    changed_files INTEGER NOT NULL DEFAULT 0,
    review_count INTEGER NOT NULL DEFAULT 0,
    comment_count INTEGER NOT NULL DEFAULT 0,
    complexity_score REAL NOT NULL DEFAULT 0,
    review_time_hours REAL NOT NULL DEFAULT 0,
    cycle_time_hours REAL NOT NULL DEFAULT 0,
    source_branch TEXT NOT NULL DEFAULT '',
    target_branch TEXT NOT NULL DEFAULT '',
    labels TEXT NOT NULL DEFAULT '[]',
    is_enriched INTEGER NOT NULL DEFAULT 0,
    enrichment_attempts INTEGER NOT NULL DEFAULT 0,
    UNIQUE(repository_uuid, provider_id)
);

CREATE INDEX IF NOT EXISTS idx_merge_requests_provider_id ON merge_requests(provider_id);
CREATE INDEX IF NOT EXISTS idx_merge_requests_repo_provider ON merge_requests(repository_provider_id);
CREATE INDEX IF NOT EXISTS idx_merge_requests_author ON merge_requests(author_uuid);
CREATE INDEX IF NOT EXISTS idx_merge_requests_unenriched ON merge_requests(enrichment_attempts) WHERE is_enriched = 0;

-- Commits. provider_id is the commit SHA; natural key (repository_uuid, provider_id).
CREATE TABLE IF NOT EXISTS commits (
    uuid TEXT PRIMARY KEY,
    provider_id TEXT NOT NULL,
    repository_uuid TEXT NOT NULL REFERENCES repositories(uuid),
    repository_provider_id INTEGER NOT NULL,
    contributor_uuid TEXT REFERENCES contributors(uuid),
    contributor_provider_id INTEGER,
    pull_request_uuid TEXT REFERENCES merge_requests(uuid),
    pull_request_provider_id INTEGER,
    message TEXT NOT NULL DEFAULT '',
    committed_at DATETIME,
    additions INTEGER NOT NULL DEFAULT 0,
    deletions INTEGER NOT NULL DEFAULT 0,
    files_changed INTEGER NOT NULL DEFAULT 0,
    is_merge_commit INTEGER NOT NULL DEFAULT 0,
    is_placeholder_author INTEGER NOT NULL DEFAULT 0,
    is_enriched INTEGER NOT NULL DEFAULT 0,
    parent_shas TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(repository_uuid, provider_id)
);

CREATE INDEX IF NOT EXISTS idx_commits_provider_id ON commits(provider_id);
CREATE INDEX IF NOT EXISTS idx_commits_contributor ON commits(contributor_uuid);
CREATE INDEX IF NOT EXISTS idx_commits_pull_request ON commits(pull_request_uuid);
CREATE INDEX IF NOT EXISTS idx_commits_unenriched ON commits(is_enriched) WHERE is_enriched = 0;

-- Contributor/repository junction with per-repo activity roll-ups.
CREATE TABLE IF NOT EXISTS contributor_repositories (
    uuid TEXT PRIMARY KEY,
    contributor_uuid TEXT NOT NULL REFERENCES contributors(uuid),
    contributor_provider_id INTEGER NOT NULL,
    repository_uuid TEXT NOT NULL REFERENCES repositories(uuid),
    repository_provider_id INTEGER NOT NULL,
    commit_count INTEGER NOT NULL DEFAULT 0,
    pull_requests INTEGER NOT NULL DEFAULT 0,
    reviews INTEGER NOT NULL DEFAULT 0,
    issues_opened INTEGER NOT NULL DEFAULT 0,
    first_contribution_date DATETIME,
    last_contribution_date DATETIME,
    lines_added INTEGER NOT NULL DEFAULT 0,
    lines_removed INTEGER NOT NULL DEFAULT 0,
    UNIQUE(contributor_uuid, repository_uuid)
);

CREATE INDEX IF NOT EXISTS idx_contrib_repos_repository ON contributor_repositories(repository_uuid);

-- Staging area between sync and processing.
CREATE TABLE IF NOT EXISTS raw_merge_requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    payload TEXT NOT NULL,
    is_processed INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_raw_merge_requests_unprocessed ON raw_merge_requests(is_processed);

-- Pipeline bookkeeping.
CREATE TABLE IF NOT EXISTS pipeline_schedules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pipeline_type TEXT NOT NULL,
    cron_expr TEXT NOT NULL,
    timezone TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    parameters TEXT NOT NULL DEFAULT '{}',
    next_run_at DATETIME,
    last_run_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pipeline_status (
    pipeline_type TEXT PRIMARY KEY,
    is_running INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT '',
    last_run DATETIME
);

CREATE TABLE IF NOT EXISTS pipeline_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pipeline_type TEXT NOT NULL,
    trigger_kind TEXT NOT NULL CHECK(trigger_kind IN ('scheduled', 'direct')),
    status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'completed', 'failed', 'stopped')),
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    items_processed INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pipeline_history_type ON pipeline_history(pipeline_type, started_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_history_running ON pipeline_history(pipeline_type) WHERE status = 'running';

-- Ranking snapshots. All rows of one snapshot share calculation_timestamp.
CREATE TABLE IF NOT EXISTS contributor_rankings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    contributor_uuid TEXT NOT NULL REFERENCES contributors(uuid),
    contributor_provider_id INTEGER NOT NULL,
    rank_position INTEGER NOT NULL,
    total_score REAL NOT NULL DEFAULT 0,
    volume_score REAL NOT NULL DEFAULT 0,
    efficiency_score REAL NOT NULL DEFAULT 0,
    impact_score REAL NOT NULL DEFAULT 0,
    influence_score REAL NOT NULL DEFAULT 0,
    popularity_score REAL NOT NULL DEFAULT 0,
    followers_score REAL NOT NULL DEFAULT 0,
    profile_score REAL NOT NULL DEFAULT 0,
    collaboration_score REAL NOT NULL DEFAULT 0,
    raw_lines_added INTEGER NOT NULL DEFAULT 0,
    raw_lines_removed INTEGER NOT NULL DEFAULT 0,
    raw_commits INTEGER NOT NULL DEFAULT 0,
    repositories_contributed INTEGER NOT NULL DEFAULT 0,
    raw_followers INTEGER NOT NULL DEFAULT 0,
    calculation_timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rankings_snapshot ON contributor_rankings(calculation_timestamp, rank_position);
CREATE INDEX IF NOT EXISTS idx_rankings_contributor ON contributor_rankings(contributor_uuid);
`
