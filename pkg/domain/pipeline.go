package domain

import "time"

// PipelineStatus is the normalised status of a pipeline or run.
type PipelineStatus string

const (
	StatusSuccess   PipelineStatus = "success"
	StatusFailed    PipelineStatus = "failed"
	StatusRunning   PipelineStatus = "running"
	StatusPending   PipelineStatus = "pending"
	StatusCancelled PipelineStatus = "cancelled"
	StatusSkipped   PipelineStatus = "skipped"
)

// Pipeline is a normalised CI job definition as surfaced by a provider.
//
// ID convention: "<type>__<provider_id>__<scope>__<name>", parseable back into
// (provider_id, provider-scoped handle) by the owning driver.
type Pipeline struct {
	ID             string
	ProviderID     int64
	ProviderType   ProviderType
	Name           string
	Status         PipelineStatus
	LastRunAt      *time.Time
	LastUpdatedAt  time.Time
	Repository     string
	Branch         string
	WorkflowFile   string
	Metadata       map[string]any
}

// PipelineRun is one execution of a Pipeline.
type PipelineRun struct {
	ID             string
	PipelineID     string
	RunNumber      int64
	Status         PipelineStatus
	StartedAt      time.Time
	ConcludedAt    *time.Time
	DurationSeconds *int64
	LogsURL        string
	CommitSHA      string
	CommitMessage  string
	Branch         string
	Actor          string
	Inputs         map[string]string
	Metadata       map[string]any
}

// ParameterType is the closed set of WorkflowParameter input kinds.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamBoolean ParameterType = "boolean"
	ParamNumber  ParameterType = "number"
	ParamChoice  ParameterType = "choice"
)

// WorkflowParameter describes one trigger-time input.
type WorkflowParameter struct {
	Name        string
	Label       string
	Description string
	Required    bool
	Type        ParameterType
	Options     []string // only meaningful when Type == ParamChoice
	Default     string
}

// PaginatedRunHistory is the response shape for fetch_run_history_paginated.
type PaginatedRunHistory struct {
	Runs       []PipelineRun
	TotalCount int
	HasMore    bool
	IsComplete bool
	Page       int
	PageSize   int
	TotalPages int
}

// Page is a generic pagination request.
type Page struct {
	Page     int
	PageSize int
}

// Validate enforces spec.md §8's pagination boundary rules.
func (p Page) Validate() error {
	if p.Page == 0 {
		return InvalidConfig("page must be >= 1")
	}
	if p.PageSize == 0 {
		return InvalidConfig("page_size must be >= 1")
	}
	if p.PageSize > 1000 {
		return InvalidConfig("page_size must be <= 1000")
	}
	return nil
}

// Organization is returned by fetch_organizations.
type Organization struct {
	ID          string
	Name        string
	Description string
}

// AvailablePipeline is an item returned by fetch_available_pipelines(_filtered),
// i.e. one the user has not necessarily selected to track yet.
type AvailablePipeline struct {
	ID         string
	Name       string
	Repository string
	Org        string
}

// PaginatedItems wraps any paginated driver listing.
type PaginatedItems[T any] struct {
	Items      []T
	Page       int
	PageSize   int
	TotalCount int
	HasMore    bool
}
