package types

import "time"

// PipelineType identifies one independently runnable unit of the pipeline.
type PipelineType string

const (
	PipelineGitHubSync        PipelineType = "github_sync"
	PipelineDataProcessing    PipelineType = "data_processing"
	PipelineDataEnrichment    PipelineType = "data_enrichment"
	PipelineAIAnalysis        PipelineType = "ai_analysis"
	PipelineSitemapGeneration PipelineType = "sitemap_generation"
)

// AllPipelineTypes lists every pipeline type the control plane accepts.
var AllPipelineTypes = []PipelineType{
	PipelineGitHubSync,
	PipelineDataProcessing,
	PipelineDataEnrichment,
	PipelineAIAnalysis,
	PipelineSitemapGeneration,
}

// IsValid reports whether t is a known pipeline type.
func (t PipelineType) IsValid() bool {
	for _, known := range AllPipelineTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TriggerKind records how a run was started.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerDirect    TriggerKind = "direct"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// PipelineSchedule is a cron-driven trigger for one pipeline type.
type PipelineSchedule struct {
	ID           int64             `json:"id"`
	PipelineType PipelineType      `json:"pipeline_type"`
	CronExpr     string            `json:"cron_expr"`
	Timezone     string            `json:"timezone,omitempty"`
	IsActive     bool              `json:"is_active"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	NextRunAt    *time.Time        `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time        `json:"last_run_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// PipelineStatus is the singleton running/idle state for one pipeline type.
// Exactly one row exists per type.
type PipelineStatus struct {
	PipelineType PipelineType `json:"pipeline_type"`
	IsRunning    bool         `json:"is_running"`
	Status       string       `json:"status,omitempty"`
	LastRun      *time.Time   `json:"last_run,omitempty"`
}

// PipelineHistory is one append-only record of a pipeline run.
type PipelineHistory struct {
	ID             int64        `json:"id"`
	PipelineType   PipelineType `json:"pipeline_type"`
	Trigger        TriggerKind  `json:"trigger"`
	Status         RunStatus    `json:"status"`
	StartedAt      time.Time    `json:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	ItemsProcessed int          `json:"items_processed"`
	ErrorMessage   string       `json:"error_message,omitempty"`
}
