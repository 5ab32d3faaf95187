// Package gitlab implements the driver.Driver contract against GitLab CI
// pipelines using gitlab.com/gitlab-org/api/client-go.
package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gitlabapi "gitlab.com/gitlab-org/api/client-go"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
)

type Driver struct {
	provider *domain.Provider
	client   *gitlabapi.Client
	project  string
	logger   *zap.SugaredLogger
}

func New(provider *domain.Provider, token string, httpClient *http.Client, logger *zap.SugaredLogger) (*Driver, error) {
	project := provider.OpaqueConfig["project"]
	if project == "" {
		return nil, domain.InvalidConfig("gitlab provider requires project in config")
	}

	opts := []gitlabapi.ClientOptionFunc{gitlabapi.WithHTTPClient(httpClient)}
	if baseURL := provider.OpaqueConfig["base_url"]; baseURL != "" {
		opts = append(opts, gitlabapi.WithBaseURL(baseURL))
	}
	client, err := gitlabapi.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("build gitlab client: %w", err)
	}

	return &Driver{
		provider: provider,
		client:   client,
		project:  project,
		logger:   logger.With("provider", provider.Name, "type", "gitlab"),
	}, nil
}

func (d *Driver) Type() domain.ProviderType { return domain.ProviderGitLab }

func (d *Driver) VerifyCredentials(ctx context.Context) (*domain.ProviderPermissions, error) {
	user, _, err := d.client.Users.CurrentUser(gitlabapi.WithContext(ctx))
	if err != nil {
		return nil, translateErr(err)
	}
	scopes := []string{"api"}
	if user.IsAdmin {
		scopes = append(scopes, "admin")
	}
	return &domain.ProviderPermissions{ProviderID: d.provider.ID, Scopes: scopes, CheckedAt: time.Now().UTC()}, nil
}

func (d *Driver) FetchPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	pipelines, _, err := d.client.Pipelines.ListProjectPipelines(d.project, &gitlabapi.ListProjectPipelinesOptions{
		ListOptions: gitlabapi.ListOptions{PerPage: 100},
	}, gitlabapi.WithContext(ctx))
	if err != nil {
		return nil, translateErr(err)
	}

	out := make([]domain.Pipeline, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, domain.Pipeline{
			ID:            pipelineID(d.provider.ID, p.ID),
			ProviderID:    d.provider.ID,
			ProviderType:  domain.ProviderGitLab,
			Name:          fmt.Sprintf("pipeline-%d", p.ID),
			Status:        normalizeStatus(p.Status),
			LastRunAt:     p.CreatedAt,
			LastUpdatedAt: derefTime(p.UpdatedAt),
			Repository:    d.project,
			Branch:        p.Ref,
		})
	}
	return out, nil
}

func (d *Driver) FetchRunHistory(ctx context.Context, pipelineIDStr string, page domain.Page) (domain.PaginatedRunHistory, error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedRunHistory{}, err
	}
	// GitLab models each pipeline as a single run; history here means prior
	// pipeline executions for the same ref, fetched by re-listing and filtering.
	_, pid, err := parsePipelineID(pipelineIDStr)
	if err != nil {
		return domain.PaginatedRunHistory{}, err
	}

	pipeline, _, err := d.client.Pipelines.GetPipeline(d.project, pid, gitlabapi.WithContext(ctx))
	if err != nil {
		return domain.PaginatedRunHistory{}, translateErr(err)
	}

	run := domain.PipelineRun{
		ID:         strconv.Itoa(pid),
		PipelineID: pipelineIDStr,
		RunNumber:  int64(pid),
		Status:     normalizeStatus(pipeline.Status),
		StartedAt:  derefTime(pipeline.CreatedAt),
		CommitSHA:  pipeline.SHA,
		Branch:     pipeline.Ref,
	}
	if pipeline.FinishedAt != nil {
		run.ConcludedAt = pipeline.FinishedAt
		secs := int64(pipeline.Duration)
		run.DurationSeconds = &secs
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
	return nil, domain.NotSupported("gitlab ci variables are not exposed as typed trigger parameters via this API surface")
}

func (d *Driver) TriggerRun(ctx context.Context, pipelineIDStr string, inputs map[string]string) (*domain.PipelineRun, error) {
	ref := "main"
	if b, ok := inputs["_ref"]; ok && b != "" {
		ref = b
	}
	vars := make([]*gitlabapi.PipelineVariableOptions, 0, len(inputs))
	for k, v := range inputs {
		if k == "_ref" {
			continue
		}
		key, val := k, v
		vars = append(vars, &gitlabapi.PipelineVariableOptions{Key: &key, Value: &val})
	}

	pipeline, _, err := d.client.Pipelines.CreatePipeline(d.project, &gitlabapi.CreatePipelineOptions{
		Ref: &ref, Variables: &vars,
	}, gitlabapi.WithContext(ctx))
	if err != nil {
		return nil, translateErr(err)
	}

	return &domain.PipelineRun{
		ID:         strconv.Itoa(pipeline.ID),
		PipelineID: pipelineID(d.provider.ID, pipeline.ID),
		Status:     normalizeStatus(pipeline.Status),
		StartedAt:  derefTime(pipeline.CreatedAt),
		Branch:     ref,
	}, nil
}

func (d *Driver) CancelRun(ctx context.Context, pipelineIDStr, runID string) error {
	pid, err := strconv.Atoi(runID)
	if err != nil {
		return domain.InvalidConfig("invalid run id: " + runID)
	}
	_, _, err = d.client.Pipelines.CancelPipelineBuild(d.project, pid, gitlabapi.WithContext(ctx))
	if err != nil {
		return translateErr(err)
	}
	return nil
}

func (d *Driver) FetchOrganizations(ctx context.Context) ([]domain.Organization, error) {
	groups, _, err := d.client.Groups.ListGroups(&gitlabapi.ListGroupsOptions{
		ListOptions: gitlabapi.ListOptions{PerPage: 100},
	}, gitlabapi.WithContext(ctx))
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]domain.Organization, 0, len(groups))
	for _, g := range groups {
		out = append(out, domain.Organization{ID: strconv.Itoa(g.ID), Name: g.Name, Description: g.Description})
	}
	return out, nil
}

func (d *Driver) FetchAvailablePipelines(ctx context.Context, org string, page domain.Page) (domain.PaginatedItems[domain.AvailablePipeline], error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, err
	}
	opts := &gitlabapi.ListGroupProjectsOptions{ListOptions: gitlabapi.ListOptions{Page: page.Page, PerPage: page.PageSize}}
	projects, resp, err := d.client.Groups.ListGroupProjects(org, opts, gitlabapi.WithContext(ctx))
	if err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, translateErr(err)
	}
	out := make([]domain.AvailablePipeline, 0, len(projects))
	for _, p := range projects {
		out = append(out, domain.AvailablePipeline{ID: strconv.Itoa(p.ID), Name: p.Name, Repository: p.PathWithNamespace, Org: org})
	}
	return domain.PaginatedItems[domain.AvailablePipeline]{
		Items: out, Page: page.Page, PageSize: page.PageSize, HasMore: resp.NextPage != 0,
	}, nil
}

func pipelineID(providerID int64, gitlabPipelineID int) string {
	return fmt.Sprintf("gitlab__%d__pipeline__%d", providerID, gitlabPipelineID)
}

func parsePipelineID(id string) (int64, int, error) {
	var providerID int64
	var pid int
	_, err := fmt.Sscanf(id, "gitlab__%d__pipeline__%d", &providerID, &pid)
	if err != nil {
		return 0, 0, domain.InvalidConfig("malformed gitlab pipeline id: " + id)
	}
	return providerID, pid, nil
}

func normalizeStatus(status string) domain.PipelineStatus {
	switch status {
	case "success":
		return domain.StatusSuccess
	case "failed":
		return domain.StatusFailed
	case "running":
		return domain.StatusRunning
	case "canceled", "cancelled":
		return domain.StatusCancelled
	case "skipped":
		return domain.StatusSkipped
	default:
		return domain.StatusPending
	}
}

func translateErr(err error) error {
	if resp, ok := err.(*gitlabapi.ErrorResponse); ok && resp.Response != nil {
		switch resp.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.AuthFailed("gitlab authentication failed: " + resp.Message)
		case http.StatusNotFound:
			return domain.PipelineNotFound("gitlab resource not found: " + resp.Message)
		}
		return domain.APIError(resp.Message, err)
	}
	return domain.NetworkError(err)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
