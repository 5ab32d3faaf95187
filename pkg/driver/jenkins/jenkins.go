// Package jenkins implements the driver.Driver contract against a Jenkins
// controller's REST API. No Jenkins client library is grounded anywhere in
// the retrieval corpus, so this driver talks JSON directly over the shared
// pooled *http.Client instead of reaching for an un-grounded dependency.
package jenkins

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

type Driver struct {
	provider *domain.Provider
	http     *http.Client
	baseURL  string
	user     string
	token    string
	logger   *zap.SugaredLogger
}

func New(provider *domain.Provider, token string, httpClient *http.Client, logger *zap.SugaredLogger) (*Driver, error) {
	baseURL := provider.OpaqueConfig["base_url"]
	if baseURL == "" {
		return nil, domain.InvalidConfig("jenkins provider requires base_url in config")
	}
	return &Driver{
		provider: provider,
		http:     httpClient,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		user:     provider.OpaqueConfig["user"],
		token:    token,
		logger:   logger.With("provider", provider.Name, "type", "jenkins"),
	}, nil
}

func (d *Driver) Type() domain.ProviderType { return domain.ProviderJenkins }

type jenkinsJob struct {
	Name       string `json:"name"`
	Buildable  bool   `json:"buildable"`
	LastBuild  *jenkinsBuild `json:"lastBuild"`
}

type jenkinsBuild struct {
	Number    int64  `json:"number"`
	Result    string `json:"result"`
	Building  bool   `json:"building"`
	Timestamp int64  `json:"timestamp"`
	Duration  int64  `json:"duration"`
	URL       string `json:"url"`
}

func (d *Driver) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if d.user != "" {
		req.SetBasicAuth(d.user, d.token)
	} else {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return domain.NetworkError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.AuthFailed("jenkins authentication failed")
	case http.StatusNotFound:
		return domain.PipelineNotFound("jenkins resource not found: " + path)
	}
	if resp.StatusCode >= 400 {
		return domain.APIError(fmt.Sprintf("jenkins returned %s", resp.Status), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode jenkins response: %w", err)
	}
	return nil
}

func (d *Driver) VerifyCredentials(ctx context.Context) (*domain.ProviderPermissions, error) {
	var whoami struct {
		Authorities []string `json:"authorities"`
	}
	if err := d.get(ctx, "/me/api/json", &whoami); err != nil {
		return nil, err
	}
	return &domain.ProviderPermissions{ProviderID: d.provider.ID, Scopes: whoami.Authorities, CheckedAt: time.Now().UTC()}, nil
}

func (d *Driver) FetchPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	var list struct {
		Jobs []jenkinsJob `json:"jobs"`
	}
	if err := d.get(ctx, "/api/json?tree=jobs[name,buildable,lastBuild[number,result,building,timestamp,duration,url]]", &list); err != nil {
		return nil, err
	}

	out := make([]domain.Pipeline, 0, len(list.Jobs))
	for _, j := range list.Jobs {
		p := domain.Pipeline{
			ID:           pipelineID(d.provider.ID, j.Name),
			ProviderID:   d.provider.ID,
			ProviderType: domain.ProviderJenkins,
			Name:         j.Name,
			Status:       domain.StatusPending,
		}
		if j.LastBuild != nil {
			p.Status = normalizeStatus(j.LastBuild)
			t := time.UnixMilli(j.LastBuild.Timestamp)
			p.LastRunAt = &t
			p.LastUpdatedAt = t
		}
		out = append(out, p)
	}
	return out, nil
}

func (d *Driver) FetchRunHistory(ctx context.Context, pipelineIDStr string, page domain.Page) (domain.PaginatedRunHistory, error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedRunHistory{}, err
	}
	_, name, err := parsePipelineID(pipelineIDStr)
	if err != nil {
		return domain.PaginatedRunHistory{}, err
	}

	var list struct {
		Builds []jenkinsBuild `json:"builds"`
	}
	path := fmt.Sprintf("/job/%s/api/json?tree=builds[number,result,building,timestamp,duration,url]", url.PathEscape(name))
	if err := d.get(ctx, path, &list); err != nil {
		return domain.PaginatedRunHistory{}, err
	}

	start := (page.Page - 1) * page.PageSize
	end := start + page.PageSize
	if start > len(list.Builds) {
		start = len(list.Builds)
	}
	if end > len(list.Builds) {
		end = len(list.Builds)
	}

	runs := make([]domain.PipelineRun, 0, end-start)
	for _, b := range list.Builds[start:end] {
		startedAt := time.UnixMilli(b.Timestamp)
		run := domain.PipelineRun{
			ID:         strconv.FormatInt(b.Number, 10),
			PipelineID: pipelineIDStr,
			RunNumber:  b.Number,
			Status:     normalizeStatus(&b),
			StartedAt:  startedAt,
			LogsURL:    b.URL,
		}
		if !b.Building {
			concluded := startedAt.Add(time.Duration(b.Duration) * time.Millisecond)
			run.ConcludedAt = &concluded
			secs := b.Duration / 1000
			run.DurationSeconds = &secs
		}
		runs = append(runs, run)
	}

	total := len(list.Builds)
	return domain.PaginatedRunHistory{
		Runs:       runs,
		TotalCount: total,
		HasMore:    end < total,
		IsComplete: true,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: (total + page.PageSize - 1) / page.PageSize,
	}, nil
}

func (d *Driver) FetchWorkflowParameters(ctx context.Context, pipelineIDStr string) ([]domain.WorkflowParameter, error) {
	_, name, err := parsePipelineID(pipelineIDStr)
	if err != nil {
		return nil, err
	}
	var def struct {
		Property []struct {
			ParameterDefinitions []struct {
				Name                 string `json:"name"`
				Type                 string `json:"type"`
				DefaultParameterValue struct {
					Value string `json:"value"`
				} `json:"defaultParameterValue"`
			} `json:"parameterDefinitions"`
		} `json:"property"`
	}
	path := fmt.Sprintf("/job/%s/api/json?tree=property[parameterDefinitions[name,type,defaultParameterValue[value]]]", url.PathEscape(name))
	if err := d.get(ctx, path, &def); err != nil {
		return nil, err
	}

	var params []domain.WorkflowParameter
	for _, prop := range def.Property {
		for _, pd := range prop.ParameterDefinitions {
			params = append(params, domain.WorkflowParameter{
				Name:    pd.Name,
				Label:   pd.Name,
				Type:    jenkinsParamType(pd.Type),
				Default: pd.DefaultParameterValue.Value,
			})
		}
	}
	return params, nil
}

func (d *Driver) TriggerRun(ctx context.Context, pipelineIDStr string, inputs map[string]string) (*domain.PipelineRun, error) {
	_, name, err := parsePipelineID(pipelineIDStr)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	for k, v := range inputs {
		q.Set(k, v)
	}
	path := fmt.Sprintf("/job/%s/buildWithParameters?%s", url.PathEscape(name), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if d.user != "" {
		req.SetBasicAuth(d.user, d.token)
	} else {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, domain.NetworkError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, domain.APIError(fmt.Sprintf("jenkins trigger returned %s", resp.Status), nil)
	}

	return &domain.PipelineRun{
		PipelineID: pipelineIDStr,
		Status:     domain.StatusPending,
		StartedAt:  time.Now().UTC(),
		Inputs:     inputs,
	}, nil
}

func (d *Driver) CancelRun(ctx context.Context, pipelineIDStr, runID string) error {
	_, name, err := parsePipelineID(pipelineIDStr)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/job/%s/%s/stop", url.PathEscape(name), url.PathEscape(runID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if d.user != "" {
		req.SetBasicAuth(d.user, d.token)
	} else {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return domain.NetworkError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return domain.APIError(fmt.Sprintf("jenkins cancel returned %s", resp.Status), nil)
	}
	return nil
}

func (d *Driver) FetchOrganizations(ctx context.Context) ([]domain.Organization, error) {
	return nil, domain.NotSupported("jenkins has no organization concept; jobs live in a flat or folder hierarchy")
}

func (d *Driver) FetchAvailablePipelines(ctx context.Context, org string, page domain.Page) (domain.PaginatedItems[domain.AvailablePipeline], error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, err
	}
	var list struct {
		Jobs []jenkinsJob `json:"jobs"`
	}
	if err := d.get(ctx, "/api/json?tree=jobs[name,buildable]", &list); err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, err
	}
	out := make([]domain.AvailablePipeline, 0, len(list.Jobs))
	for _, j := range list.Jobs {
		out = append(out, domain.AvailablePipeline{ID: j.Name, Name: j.Name})
	}
	return domain.PaginatedItems[domain.AvailablePipeline]{Items: out, Page: page.Page, PageSize: page.PageSize}, nil
}

func pipelineID(providerID int64, name string) string {
	return fmt.Sprintf("jenkins__%d__job__%s", providerID, name)
}

func parsePipelineID(id string) (int64, string, error) {
	const prefix = "jenkins__"
	if !strings.HasPrefix(id, prefix) {
		return 0, "", domain.InvalidConfig("malformed jenkins pipeline id: " + id)
	}
	rest := strings.TrimPrefix(id, prefix)
	parts := strings.SplitN(rest, "__job__", 2)
	if len(parts) != 2 {
		return 0, "", domain.InvalidConfig("malformed jenkins pipeline id: " + id)
	}
	providerID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", domain.InvalidConfig("malformed jenkins pipeline id: " + id)
	}
	return providerID, parts[1], nil
}

func normalizeStatus(b *jenkinsBuild) domain.PipelineStatus {
	if b.Building {
		return domain.StatusRunning
	}
	switch b.Result {
	case "SUCCESS":
		return domain.StatusSuccess
	case "ABORTED":
		return domain.StatusCancelled
	case "NOT_BUILT":
		return domain.StatusSkipped
	case "":
		return domain.StatusPending
	default:
		return domain.StatusFailed
	}
}

func jenkinsParamType(t string) domain.ParameterType {
	switch t {
	case "BooleanParameterDefinition":
		return domain.ParamBoolean
	case "ChoiceParameterDefinition":
		return domain.ParamChoice
	default:
		return domain.ParamString
	}
}
