// Package buildkite implements the driver.Driver contract against the
// Buildkite REST API. Like Jenkins, no Buildkite client library is grounded
// anywhere in the retrieval corpus, so this driver is hand-rolled over the
// shared pooled *http.Client.
package buildkite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
)

const apiBase = "https://api.buildkite.com/v2"

type Driver struct {
	provider   *domain.Provider
	http       *http.Client
	org        string
	pipeline   string
	token      string
	logger     *zap.SugaredLogger
}

func New(provider *domain.Provider, token string, httpClient *http.Client, logger *zap.SugaredLogger) (*Driver, error) {
	org, pipeline := provider.OpaqueConfig["org"], provider.OpaqueConfig["pipeline"]
	if org == "" || pipeline == "" {
		return nil, domain.InvalidConfig("buildkite provider requires org and pipeline in config")
	}
	return &Driver{
		provider: provider,
		http:     httpClient,
		org:      org,
		pipeline: pipeline,
		token:    token,
		logger:   logger.With("provider", provider.Name, "type", "buildkite"),
	}, nil
}

func (d *Driver) Type() domain.ProviderType { return domain.ProviderBuildkite }

type bkBuild struct {
	Number      int64  `json:"number"`
	State       string `json:"state"`
	Branch      string `json:"branch"`
	Commit      string `json:"commit"`
	Message     string `json:"message"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
	WebURL      string `json:"web_url"`
	Creator     struct {
		Name string `json:"name"`
	} `json:"creator"`
}

func (d *Driver) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.http.Do(req)
	if err != nil {
		return domain.NetworkError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.AuthFailed("buildkite authentication failed")
	case http.StatusNotFound:
		return domain.PipelineNotFound("buildkite resource not found: " + path)
	}
	if resp.StatusCode >= 400 {
		return domain.APIError(fmt.Sprintf("buildkite returned %s", resp.Status), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode buildkite response: %w", err)
	}
	return nil
}

func (d *Driver) VerifyCredentials(ctx context.Context) (*domain.ProviderPermissions, error) {
	var tokenInfo struct {
		Scopes []string `json:"scopes"`
	}
	if err := d.do(ctx, http.MethodGet, "/access-token", &tokenInfo); err != nil {
		return nil, err
	}
	return &domain.ProviderPermissions{ProviderID: d.provider.ID, Scopes: tokenInfo.Scopes, CheckedAt: time.Now().UTC()}, nil
}

func (d *Driver) FetchPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	var builds []bkBuild
	path := fmt.Sprintf("/organizations/%s/pipelines/%s/builds?per_page=1", url.PathEscape(d.org), url.PathEscape(d.pipeline))
	if err := d.do(ctx, http.MethodGet, path, &builds); err != nil {
		return nil, err
	}

	p := domain.Pipeline{
		ID:           pipelineID(d.provider.ID, d.pipeline),
		ProviderID:   d.provider.ID,
		ProviderType: domain.ProviderBuildkite,
		Name:         d.pipeline,
		Status:       domain.StatusPending,
	}
	if len(builds) > 0 {
		b := builds[0]
		p.Status = normalizeStatus(b.State)
		if t, err := time.Parse(time.RFC3339, b.CreatedAt); err == nil {
			p.LastRunAt = &t
			p.LastUpdatedAt = t
		}
		p.Branch = b.Branch
	}
	return []domain.Pipeline{p}, nil
}

func (d *Driver) FetchRunHistory(ctx context.Context, pipelineIDStr string, page domain.Page) (domain.PaginatedRunHistory, error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedRunHistory{}, err
	}
	if err := validatePipelineID(pipelineIDStr); err != nil {
		return domain.PaginatedRunHistory{}, err
	}

	var builds []bkBuild
	path := fmt.Sprintf("/organizations/%s/pipelines/%s/builds?page=%d&per_page=%d",
		url.PathEscape(d.org), url.PathEscape(d.pipeline), page.Page, page.PageSize)
	if err := d.do(ctx, http.MethodGet, path, &builds); err != nil {
		return domain.PaginatedRunHistory{}, err
	}

	runs := make([]domain.PipelineRun, 0, len(builds))
	for _, b := range builds {
		run := domain.PipelineRun{
			ID:            strconv.FormatInt(b.Number, 10),
			PipelineID:    pipelineIDStr,
			RunNumber:     b.Number,
			Status:        normalizeStatus(b.State),
			CommitSHA:     b.Commit,
			CommitMessage: b.Message,
			Branch:        b.Branch,
			Actor:         b.Creator.Name,
			LogsURL:       b.WebURL,
		}
		if t, err := time.Parse(time.RFC3339, b.StartedAt); err == nil {
			run.StartedAt = t
		}
		if b.FinishedAt != "" {
			if t, err := time.Parse(time.RFC3339, b.FinishedAt); err == nil {
				run.ConcludedAt = &t
				secs := int64(t.Sub(run.StartedAt).Seconds())
				run.DurationSeconds = &secs
			}
		}
		runs = append(runs, run)
	}

	return domain.PaginatedRunHistory{
		Runs:       runs,
		TotalCount: len(runs),
		HasMore:    len(runs) == page.PageSize,
		IsComplete: true,
		Page:       page.Page,
		PageSize:   page.PageSize,
	}, nil
}

func (d *Driver) FetchWorkflowParameters(ctx context.Context, pipelineIDStr string) ([]domain.WorkflowParameter, error) {
	return nil, domain.NotSupported("buildkite build environment variables are not exposed as typed trigger parameters")
}

func (d *Driver) TriggerRun(ctx context.Context, pipelineIDStr string, inputs map[string]string) (*domain.PipelineRun, error) {
	ref := "main"
	if b, ok := inputs["_ref"]; ok && b != "" {
		ref = b
	}
	body := map[string]any{"commit": "HEAD", "branch": ref, "env": inputs}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger body: %w", err)
	}

	path := fmt.Sprintf("/organizations/%s/pipelines/%s/builds", url.PathEscape(d.org), url.PathEscape(d.pipeline))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, domain.NetworkError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, domain.APIError(fmt.Sprintf("buildkite trigger returned %s", resp.Status), nil)
	}

	var created bkBuild
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode buildkite trigger response: %w", err)
	}

	return &domain.PipelineRun{
		ID:         strconv.FormatInt(created.Number, 10),
		PipelineID: pipelineIDStr,
		RunNumber:  created.Number,
		Status:     normalizeStatus(created.State),
		StartedAt:  time.Now().UTC(),
		Branch:     ref,
		Inputs:     inputs,
	}, nil
}

func (d *Driver) CancelRun(ctx context.Context, pipelineIDStr, runID string) error {
	path := fmt.Sprintf("/organizations/%s/pipelines/%s/builds/%s/cancel",
		url.PathEscape(d.org), url.PathEscape(d.pipeline), url.PathEscape(runID))
	return d.do(ctx, http.MethodPut, path, nil)
}

func (d *Driver) FetchOrganizations(ctx context.Context) ([]domain.Organization, error) {
	var orgs []struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	}
	if err := d.do(ctx, http.MethodGet, "/organizations", &orgs); err != nil {
		return nil, err
	}
	out := make([]domain.Organization, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, domain.Organization{ID: o.Slug, Name: o.Name})
	}
	return out, nil
}

func (d *Driver) FetchAvailablePipelines(ctx context.Context, org string, page domain.Page) (domain.PaginatedItems[domain.AvailablePipeline], error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, err
	}
	var pipelines []struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
		Repo string `json:"repository"`
	}
	path := fmt.Sprintf("/organizations/%s/pipelines?page=%d&per_page=%d", url.PathEscape(org), page.Page, page.PageSize)
	if err := d.do(ctx, http.MethodGet, path, &pipelines); err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, err
	}
	out := make([]domain.AvailablePipeline, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, domain.AvailablePipeline{ID: p.Slug, Name: p.Name, Repository: p.Repo, Org: org})
	}
	return domain.PaginatedItems[domain.AvailablePipeline]{
		Items: out, Page: page.Page, PageSize: page.PageSize, HasMore: len(pipelines) == page.PageSize,
	}, nil
}

func pipelineID(providerID int64, slug string) string {
	return fmt.Sprintf("buildkite__%d__pipeline__%s", providerID, slug)
}

func validatePipelineID(id string) error {
	if !strings.HasPrefix(id, "buildkite__") {
		return domain.InvalidConfig("malformed buildkite pipeline id: " + id)
	}
	return nil
}

func normalizeStatus(state string) domain.PipelineStatus {
	switch state {
	case "passed":
		return domain.StatusSuccess
	case "failed":
		return domain.StatusFailed
	case "running", "started":
		return domain.StatusRunning
	case "canceled", "canceling":
		return domain.StatusCancelled
	case "skipped", "not_run":
		return domain.StatusSkipped
	default:
		return domain.StatusPending
	}
}
