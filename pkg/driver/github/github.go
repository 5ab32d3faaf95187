// Package github implements the driver.Driver contract against GitHub
// Actions, using google/go-github's REST client over an oauth2 static token
// source, the same client construction shape the teacher repo uses when
// talking to the GitHub API.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v74/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/pipedash/pipedash/pkg/domain"
)

type Driver struct {
	provider *domain.Provider
	client   *gogithub.Client
	owner    string
	repo     string
	logger   *zap.SugaredLogger
}

// New builds a GitHub Actions driver for provider, authenticating with token
// via a static oauth2.TokenSource layered on top of httpClient.
func New(provider *domain.Provider, token string, httpClient *http.Client, logger *zap.SugaredLogger) (*Driver, error) {
	owner, repo := provider.OpaqueConfig["owner"], provider.OpaqueConfig["repo"]
	if owner == "" || repo == "" {
		return nil, domain.InvalidConfig("github provider requires owner and repo in config")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, httpClient), ts)

	return &Driver{
		provider: provider,
		client:   gogithub.NewClient(oauthClient),
		owner:    owner,
		repo:     repo,
		logger:   logger.With("provider", provider.Name, "type", "github"),
	}, nil
}

func (d *Driver) Type() domain.ProviderType { return domain.ProviderGitHub }

func (d *Driver) VerifyCredentials(ctx context.Context) (*domain.ProviderPermissions, error) {
	_, resp, err := d.client.Users.Get(ctx, "")
	if err != nil {
		return nil, translateErr(err)
	}
	scopes := resp.Header.Get("X-OAuth-Scopes")
	var parsed []string
	for _, s := range strings.Split(scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			parsed = append(parsed, s)
		}
	}
	return &domain.ProviderPermissions{
		ProviderID: d.provider.ID,
		Scopes:     parsed,
		CheckedAt:  time.Now().UTC(),
	}, nil
}

func (d *Driver) FetchPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	workflows, _, err := d.client.Actions.ListWorkflows(ctx, d.owner, d.repo, &gogithub.ListOptions{PerPage: 100})
	if err != nil {
		return nil, translateErr(err)
	}

	out := make([]domain.Pipeline, 0, len(workflows.Workflows))
	for _, wf := range workflows.Workflows {
		p := domain.Pipeline{
			ID:            pipelineID(d.provider.ID, wf.GetID()),
			ProviderID:    d.provider.ID,
			ProviderType:  domain.ProviderGitHub,
			Name:          wf.GetName(),
			Status:        domain.StatusPending,
			LastUpdatedAt: wf.GetUpdatedAt().Time,
			Repository:    d.owner + "/" + d.repo,
			WorkflowFile:  wf.GetPath(),
		}

		runs, _, err := d.client.Actions.ListWorkflowRunsByID(ctx, d.owner, d.repo, wf.GetID(),
			&gogithub.ListWorkflowRunsOptions{ListOptions: gogithub.ListOptions{PerPage: 1}})
		if err == nil && len(runs.WorkflowRuns) > 0 {
			latest := runs.WorkflowRuns[0]
			p.Status = normalizeStatus(latest.GetStatus(), latest.GetConclusion())
			t := latest.GetRunStartedAt().Time
			p.LastRunAt = &t
			p.Branch = latest.GetHeadBranch()
		}
		out = append(out, p)
	}
	return out, nil
}

func (d *Driver) FetchRunHistory(ctx context.Context, pipelineID string, page domain.Page) (domain.PaginatedRunHistory, error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedRunHistory{}, err
	}
	workflowID, err := parseWorkflowID(pipelineID)
	if err != nil {
		return domain.PaginatedRunHistory{}, err
	}

	runs, resp, err := d.client.Actions.ListWorkflowRunsByID(ctx, d.owner, d.repo, workflowID,
		&gogithub.ListWorkflowRunsOptions{ListOptions: gogithub.ListOptions{Page: page.Page, PerPage: page.PageSize}})
	if err != nil {
		return domain.PaginatedRunHistory{}, translateErr(err)
	}

	out := make([]domain.PipelineRun, 0, len(runs.WorkflowRuns))
	for _, r := range runs.WorkflowRuns {
		run := domain.PipelineRun{
			ID:            strconv.FormatInt(r.GetID(), 10),
			PipelineID:    pipelineID,
			RunNumber:     int64(r.GetRunNumber()),
			Status:        normalizeStatus(r.GetStatus(), r.GetConclusion()),
			StartedAt:     r.GetRunStartedAt().Time,
			LogsURL:       r.GetHTMLURL(),
			CommitSHA:     r.GetHeadSHA(),
			CommitMessage: r.GetHeadCommit().GetMessage(),
			Branch:        r.GetHeadBranch(),
			Actor:         r.GetActor().GetLogin(),
		}
		if r.GetStatus() == "completed" {
			t := r.GetUpdatedAt().Time
			run.ConcludedAt = &t
			d := int64(t.Sub(run.StartedAt).Seconds())
			run.DurationSeconds = &d
		}
		out = append(out, run)
	}

	total := runs.GetTotalCount()
	return domain.PaginatedRunHistory{
		Runs:       out,
		TotalCount: total,
		HasMore:    resp.NextPage != 0,
		IsComplete: true,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: (total + page.PageSize - 1) / page.PageSize,
	}, nil
}

func (d *Driver) FetchWorkflowParameters(ctx context.Context, pipelineID string) ([]domain.WorkflowParameter, error) {
	return nil, domain.NotSupported("github actions workflow_dispatch input discovery requires parsing workflow YAML, not available via REST metadata")
}

func (d *Driver) TriggerRun(ctx context.Context, pipelineID string, inputs map[string]string) (*domain.PipelineRun, error) {
	workflowID, err := parseWorkflowID(pipelineID)
	if err != nil {
		return nil, err
	}
	ref := "main"
	if b, ok := inputs["_ref"]; ok && b != "" {
		ref = b
	}
	event := gogithub.CreateWorkflowDispatchEventRequest{Ref: ref, Inputs: toAnyMap(inputs)}
	_, err = d.client.Actions.CreateWorkflowDispatchEventByID(ctx, d.owner, d.repo, workflowID, event)
	if err != nil {
		return nil, translateErr(err)
	}
	return &domain.PipelineRun{
		PipelineID: pipelineID,
		Status:     domain.StatusPending,
		StartedAt:  time.Now().UTC(),
		Branch:     ref,
	}, nil
}

func (d *Driver) CancelRun(ctx context.Context, pipelineID, runID string) error {
	id, err := strconv.ParseInt(runID, 10, 64)
	if err != nil {
		return domain.InvalidConfig("invalid run id: " + runID)
	}
	_, err = d.client.Actions.CancelWorkflowRunByID(ctx, d.owner, d.repo, id)
	if err != nil {
		return translateErr(err)
	}
	return nil
}

func (d *Driver) FetchOrganizations(ctx context.Context) ([]domain.Organization, error) {
	orgs, _, err := d.client.Organizations.List(ctx, "", &gogithub.ListOptions{PerPage: 100})
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]domain.Organization, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, domain.Organization{ID: strconv.FormatInt(o.GetID(), 10), Name: o.GetLogin(), Description: o.GetDescription()})
	}
	return out, nil
}

func (d *Driver) FetchAvailablePipelines(ctx context.Context, org string, page domain.Page) (domain.PaginatedItems[domain.AvailablePipeline], error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, err
	}
	opts := &gogithub.RepositoryListByOrgOptions{ListOptions: gogithub.ListOptions{Page: page.Page, PerPage: page.PageSize}}
	repos, resp, err := d.client.Repositories.ListByOrg(ctx, org, opts)
	if err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, translateErr(err)
	}
	out := make([]domain.AvailablePipeline, 0, len(repos))
	for _, r := range repos {
		out = append(out, domain.AvailablePipeline{ID: strconv.FormatInt(r.GetID(), 10), Name: r.GetName(), Repository: r.GetFullName(), Org: org})
	}
	return domain.PaginatedItems[domain.AvailablePipeline]{
		Items: out, Page: page.Page, PageSize: page.PageSize, HasMore: resp.NextPage != 0,
	}, nil
}

func pipelineID(providerID int64, workflowID int64) string {
	return fmt.Sprintf("github__%d__workflow__%d", providerID, workflowID)
}

func parseWorkflowID(pipelineID string) (int64, error) {
	var providerID, workflowID int64
	_, err := fmt.Sscanf(pipelineID, "github__%d__workflow__%d", &providerID, &workflowID)
	if err != nil {
		return 0, domain.InvalidConfig("malformed github pipeline id: " + pipelineID)
	}
	return workflowID, nil
}

func normalizeStatus(status, conclusion string) domain.PipelineStatus {
	switch status {
	case "completed":
		switch conclusion {
		case "success":
			return domain.StatusSuccess
		case "cancelled":
			return domain.StatusCancelled
		case "skipped", "neutral":
			return domain.StatusSkipped
		default:
			return domain.StatusFailed
		}
	case "in_progress", "queued", "requested", "waiting":
		if status == "in_progress" {
			return domain.StatusRunning
		}
		return domain.StatusPending
	default:
		return domain.StatusPending
	}
}

func translateErr(err error) error {
	if ghErr, ok := err.(*gogithub.ErrorResponse); ok {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.AuthFailed("github authentication failed: " + ghErr.Message)
		case http.StatusNotFound:
			return domain.PipelineNotFound("github resource not found: " + ghErr.Message)
		}
		return domain.APIError(ghErr.Message, err)
	}
	return domain.NetworkError(err)
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "_ref" {
			continue
		}
		out[k] = v
	}
	return out
}
