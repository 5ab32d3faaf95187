package domain

import "time"

// EventType names every member of the closed Event variant set from spec.md §3.
type EventType string

const (
	EventProvidersChanged           EventType = "providers-changed"
	EventProviderAdded              EventType = "provider-added"
	EventProviderUpdated            EventType = "provider-updated"
	EventProviderRemoved            EventType = "provider-removed"
	EventPipelinesUpdated           EventType = "pipelines-updated"
	EventPipelineStatusChanged      EventType = "pipeline-status-changed"
	EventRunTriggered               EventType = "run-triggered"
	EventRunCancelled               EventType = "run-cancelled"
	EventRefreshError               EventType = "refresh-error"
	EventPipelineCacheInvalidated   EventType = "pipeline-cache-invalidated"
	EventRunHistoryCacheInvalidated EventType = "run-history-cache-invalidated"
	EventVaultUnlocked              EventType = "vault-unlocked"
	EventMetricsGenerated           EventType = "metrics-generated"
)

// InvalidationReason is the closed set for PipelineCacheInvalidated.Reason.
type InvalidationReason string

const (
	ReasonFetch          InvalidationReason = "fetch"
	ReasonProviderChange InvalidationReason = "provider_change"
	ReasonManualRefresh  InvalidationReason = "manual_refresh"
)

// Event is the single envelope carried by the event bus. Only the field(s)
// relevant to Type are populated; this mirrors the closed variant set of
// spec.md §3 without requiring a Go sum-type workaround for every consumer.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   any             `json:"payload,omitempty"`
}

type ProviderSummaryPayload struct {
	Summary ProviderSummary `json:"summary"`
}

type PipelinesUpdatedPayload struct {
	Pipelines  []Pipeline `json:"pipelines"`
	ProviderID *int64     `json:"provider_id,omitempty"`
}

type PipelineStatusChangedPayload struct {
	Pipelines []Pipeline `json:"pipelines"`
}

type RunTriggeredPayload struct {
	WorkflowID string `json:"workflow_id"`
}

type RunCancelledPayload struct {
	PipelineID string `json:"pipeline_id"`
}

type RefreshErrorPayload struct {
	Error string `json:"error"`
}

type PipelineCacheInvalidatedPayload struct {
	ProviderID *int64              `json:"provider_id,omitempty"`
	Reason     InvalidationReason  `json:"reason"`
}

type RunHistoryCacheInvalidatedPayload struct {
	PipelineID *string `json:"pipeline_id,omitempty"`
}

type MetricsGeneratedPayload struct {
	PipelineID string `json:"pipeline_id"`
}
