// Package driver defines the provider-facing capability contract every CI/CD
// backend implements, and the registry that turns a stored provider config
// into a live Driver instance.
package driver

import (
	"context"

	"github.com/pipedash/pipedash/pkg/domain"
)

// Driver is the flat capability surface a provider backend implements. It is
// deliberately not split into per-capability interfaces with embedding: a
// driver either supports an operation or returns domain.NotSupported from it,
// mirroring the teacher's own single wide interface for its provider drivers.
type Driver interface {
	// Type identifies which ProviderType this instance serves.
	Type() domain.ProviderType

	// VerifyCredentials checks that the configured token/credentials are
	// usable, returning the scopes it was able to discover.
	VerifyCredentials(ctx context.Context) (*domain.ProviderPermissions, error)

	// FetchPipelines lists the pipelines visible to the configured credentials.
	FetchPipelines(ctx context.Context) ([]domain.Pipeline, error)

	// FetchRunHistory returns one page of PipelineRun history for pipelineID.
	FetchRunHistory(ctx context.Context, pipelineID string, page domain.Page) (domain.PaginatedRunHistory, error)

	// FetchWorkflowParameters returns the trigger-time inputs a pipeline accepts.
	// Providers without a parameterised-trigger concept return domain.NotSupported.
	FetchWorkflowParameters(ctx context.Context, pipelineID string) ([]domain.WorkflowParameter, error)

	// TriggerRun starts a new run of pipelineID with the given inputs.
	TriggerRun(ctx context.Context, pipelineID string, inputs map[string]string) (*domain.PipelineRun, error)

	// CancelRun cancels an in-flight run.
	CancelRun(ctx context.Context, pipelineID, runID string) error

	// FetchOrganizations lists organizations/groups/projects the credentials can see,
	// used by the setup flow before a provider is fully configured.
	FetchOrganizations(ctx context.Context) ([]domain.Organization, error)

	// FetchAvailablePipelines lists pipelines not yet tracked, optionally scoped to org.
	FetchAvailablePipelines(ctx context.Context, org string, page domain.Page) (domain.PaginatedItems[domain.AvailablePipeline], error)
}

// Config is the normalised input every constructor receives: the stored
// provider row, its decrypted token, and the shared HTTP client factory.
type Config struct {
	Provider *domain.Provider
	Token    string
	HTTP     *HTTPClientFactory
}
