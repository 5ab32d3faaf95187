// Package bitbucket implements the driver.Driver contract against Bitbucket
// Pipelines using github.com/ktrysmt/go-bitbucket.
package bitbucket

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	bb "github.com/ktrysmt/go-bitbucket"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
)

type Driver struct {
	provider  *domain.Provider
	client    *bb.Client
	workspace string
	repoSlug  string
	logger    *zap.SugaredLogger
}

func New(provider *domain.Provider, token string, httpClient *http.Client, logger *zap.SugaredLogger) (*Driver, error) {
	workspace, repoSlug := provider.OpaqueConfig["workspace"], provider.OpaqueConfig["repo_slug"]
	if workspace == "" || repoSlug == "" {
		return nil, domain.InvalidConfig("bitbucket provider requires workspace and repo_slug in config")
	}

	client := bb.NewOAuthbearerToken(token)
	client.HttpClient = httpClient

	return &Driver{
		provider:  provider,
		client:    client,
		workspace: workspace,
		repoSlug:  repoSlug,
		logger:    logger.With("provider", provider.Name, "type", "bitbucket"),
	}, nil
}

func (d *Driver) Type() domain.ProviderType { return domain.ProviderBitbucket }

func (d *Driver) VerifyCredentials(ctx context.Context) (*domain.ProviderPermissions, error) {
	_, err := d.client.User.Profile()
	if err != nil {
		return nil, translateErr(err)
	}
	return &domain.ProviderPermissions{
		ProviderID: d.provider.ID,
		Scopes:     []string{"pipeline", "repository"},
		CheckedAt:  time.Now().UTC(),
	}, nil
}

func (d *Driver) FetchPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	pipelineResp, err := d.client.Pipelines.List(&bb.PipelinesOptions{Owner: d.workspace, RepoSlug: d.repoSlug})
	if err != nil {
		return nil, translateErr(err)
	}

	values, ok := pipelineResp["values"].([]any)
	if !ok {
		return []domain.Pipeline{}, nil
	}

	out := make([]domain.Pipeline, 0, len(values))
	for _, raw := range values {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		uuid, _ := m["uuid"].(string)
		target, _ := m["target"].(map[string]any)
		ref, _ := target["ref_name"].(string)
		state, _ := m["state"].(map[string]any)
		out = append(out, domain.Pipeline{
			ID:           pipelineID(d.provider.ID, uuid),
			ProviderID:   d.provider.ID,
			ProviderType: domain.ProviderBitbucket,
			Name:         fmt.Sprintf("%s/%s pipeline", d.workspace, d.repoSlug),
			Status:       normalizeStatus(state),
			Repository:   d.workspace + "/" + d.repoSlug,
			Branch:       ref,
		})
	}
	return out, nil
}

func (d *Driver) FetchRunHistory(ctx context.Context, pipelineIDStr string, page domain.Page) (domain.PaginatedRunHistory, error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedRunHistory{}, err
	}
	_, uuid, err := parsePipelineID(pipelineIDStr)
	if err != nil {
		return domain.PaginatedRunHistory{}, err
	}

	raw, err := d.client.Pipelines.Get(&bb.PipelinesOptions{Owner: d.workspace, RepoSlug: d.repoSlug, Uuid: uuid})
	if err != nil {
		return domain.PaginatedRunHistory{}, translateErr(err)
	}
	m, _ := raw.(map[string]any)
	state, _ := m["state"].(map[string]any)
	buildNumber, _ := m["build_number"].(float64)

	run := domain.PipelineRun{
		ID:         uuid,
		PipelineID: pipelineIDStr,
		RunNumber:  int64(buildNumber),
		Status:     normalizeStatus(state),
	}

	return domain.PaginatedRunHistory{
		Runs:       []domain.PipelineRun{run},
		TotalCount: 1,
		HasMore:    false,
		IsComplete: true,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: 1,
	}, nil
}

func (d *Driver) FetchWorkflowParameters(ctx context.Context, pipelineIDStr string) ([]domain.WorkflowParameter, error) {
	return nil, domain.NotSupported("bitbucket pipelines custom variables are not exposed as typed trigger parameters")
}

func (d *Driver) TriggerRun(ctx context.Context, pipelineIDStr string, inputs map[string]string) (*domain.PipelineRun, error) {
	ref := "main"
	if b, ok := inputs["_ref"]; ok && b != "" {
		ref = b
	}
	opts := &bb.PipelinesOptions{
		Owner: d.workspace, RepoSlug: d.repoSlug,
		Branchname: ref,
	}
	raw, err := d.client.Pipelines.Create(opts)
	if err != nil {
		return nil, translateErr(err)
	}
	m, _ := raw.(map[string]any)
	uuid, _ := m["uuid"].(string)

	return &domain.PipelineRun{
		ID:         uuid,
		PipelineID: pipelineID(d.provider.ID, uuid),
		Status:     domain.StatusPending,
		StartedAt:  time.Now().UTC(),
		Branch:     ref,
	}, nil
}

func (d *Driver) CancelRun(ctx context.Context, pipelineIDStr, runID string) error {
	_, err := d.client.Pipelines.Stop(&bb.PipelinesOptions{Owner: d.workspace, RepoSlug: d.repoSlug, Uuid: runID})
	if err != nil {
		return translateErr(err)
	}
	return nil
}

func (d *Driver) FetchOrganizations(ctx context.Context) ([]domain.Organization, error) {
	resp, err := d.client.Workspaces.List()
	if err != nil {
		return nil, translateErr(err)
	}
	values, ok := resp["values"].([]any)
	if !ok {
		return nil, nil
	}
	out := make([]domain.Organization, 0, len(values))
	for _, raw := range values {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		slug, _ := m["slug"].(string)
		name, _ := m["name"].(string)
		out = append(out, domain.Organization{ID: slug, Name: name})
	}
	return out, nil
}

func (d *Driver) FetchAvailablePipelines(ctx context.Context, org string, page domain.Page) (domain.PaginatedItems[domain.AvailablePipeline], error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, err
	}
	resp, err := d.client.Repositories.ListForAccount(&bb.RepositoriesOptions{Owner: org})
	if err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, translateErr(err)
	}

	out := make([]domain.AvailablePipeline, 0, len(resp.Items))
	for _, repo := range resp.Items {
		out = append(out, domain.AvailablePipeline{
			ID: repo.Uuid, Name: repo.Name, Repository: repo.Full_name, Org: org,
		})
	}
	return domain.PaginatedItems[domain.AvailablePipeline]{
		Items: out, Page: page.Page, PageSize: page.PageSize, HasMore: false,
	}, nil
}

func pipelineID(providerID int64, uuid string) string {
	return fmt.Sprintf("bitbucket__%d__pipeline__%s", providerID, uuid)
}

func parsePipelineID(id string) (int64, string, error) {
	const prefix = "bitbucket__"
	if !strings.HasPrefix(id, prefix) {
		return 0, "", domain.InvalidConfig("malformed bitbucket pipeline id: " + id)
	}
	rest := strings.TrimPrefix(id, prefix)
	parts := strings.SplitN(rest, "__pipeline__", 2)
	if len(parts) != 2 {
		return 0, "", domain.InvalidConfig("malformed bitbucket pipeline id: " + id)
	}
	providerID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", domain.InvalidConfig("malformed bitbucket pipeline id: " + id)
	}
	return providerID, parts[1], nil
}

func normalizeStatus(state map[string]any) domain.PipelineStatus {
	if state == nil {
		return domain.StatusPending
	}
	name, _ := state["name"].(string)
	switch name {
	case "COMPLETED":
		result, _ := state["result"].(map[string]any)
		resultName, _ := result["name"].(string)
		switch resultName {
		case "SUCCESSFUL":
			return domain.StatusSuccess
		case "STOPPED":
			return domain.StatusCancelled
		default:
			return domain.StatusFailed
		}
	case "IN_PROGRESS":
		return domain.StatusRunning
	default:
		return domain.StatusPending
	}
}

func translateErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return domain.AuthFailed("bitbucket authentication failed: " + msg)
	case strings.Contains(msg, "404"):
		return domain.PipelineNotFound("bitbucket resource not found: " + msg)
	default:
		return domain.APIError(msg, err)
	}
}
