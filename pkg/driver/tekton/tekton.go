// Package tekton implements the driver.Driver contract against Tekton
// PipelineRuns, using the v1 API types from github.com/tektoncd/pipeline
// (the same import the teacher uses in pkg/provider/common.go) read through
// a thin client built on k8s.io/client-go/rest, rather than vendoring
// tektoncd's generated clientset.
package tekton

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	tektonv1 "github.com/tektoncd/pipeline/pkg/apis/pipeline/v1"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"

	"github.com/pipedash/pipedash/pkg/domain"
)

type Driver struct {
	provider  *domain.Provider
	client    rest.Interface
	namespace string
	logger    *zap.SugaredLogger
}

// New builds a Tekton driver talking directly to the kube-apiserver's
// tekton.dev/v1 PipelineRun subresource via a raw REST client, scoped to one
// namespace per provider.
func New(provider *domain.Provider, token string, logger *zap.SugaredLogger) (*Driver, error) {
	apiServer := provider.OpaqueConfig["api_server"]
	if apiServer == "" {
		return nil, domain.InvalidConfig("tekton provider requires api_server in config")
	}
	namespace := provider.OpaqueConfig["namespace"]
	if namespace == "" {
		return nil, domain.InvalidConfig("tekton provider requires namespace in config")
	}

	cfg := &rest.Config{
		Host:        apiServer,
		BearerToken: token,
		APIPath:     "/apis",
		ContentConfig: rest.ContentConfig{
			GroupVersion:         &tektonv1.SchemeGroupVersion,
			NegotiatedSerializer: scheme.Codecs.WithoutConversion(),
		},
	}
	if provider.OpaqueConfig["insecure_skip_tls_verify"] == "true" {
		cfg.TLSClientConfig.Insecure = true
	}

	client, err := rest.RESTClientFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("build tekton rest client: %w", err)
	}

	return &Driver{provider: provider, client: client, namespace: namespace, logger: logger.With("provider", provider.Name, "type", "tekton")}, nil
}

func (d *Driver) Type() domain.ProviderType { return domain.ProviderTekton }

func (d *Driver) VerifyCredentials(ctx context.Context) (*domain.ProviderPermissions, error) {
	var list tektonv1.PipelineRunList
	err := d.client.Get().Namespace(d.namespace).Resource("pipelineruns").
		VersionedParams(&metav1.ListOptions{Limit: 1}, metav1.ParameterCodec).
		Do(ctx).Into(&list)
	if err != nil {
		return nil, translateErr(err)
	}
	return &domain.ProviderPermissions{ProviderID: d.provider.ID, Scopes: []string{"pipelineruns:list"}, CheckedAt: time.Now().UTC()}, nil
}

func (d *Driver) FetchPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	var pipelines tektonv1.PipelineList
	if err := d.client.Get().Namespace(d.namespace).Resource("pipelines").Do(ctx).Into(&pipelines); err != nil {
		return nil, translateErr(err)
	}

	seen := map[string]domain.Pipeline{}
	for _, p := range pipelines.Items {
		seen[p.Name] = domain.Pipeline{
			ID:            pipelineID(d.provider.ID, p.Name),
			ProviderID:    d.provider.ID,
			ProviderType:  domain.ProviderTekton,
			Name:          p.Name,
			Status:        domain.StatusPending,
			LastUpdatedAt: p.CreationTimestamp.Time,
			Repository:    d.namespace,
		}
	}

	var runs tektonv1.PipelineRunList
	if err := d.client.Get().Namespace(d.namespace).Resource("pipelineruns").Do(ctx).Into(&runs); err != nil {
		return nil, translateErr(err)
	}
	for _, pr := range runs.Items {
		name := pipelineRefName(&pr)
		if name == "" {
			continue
		}
		existing, ok := seen[name]
		updatedAt := prUpdatedAt(&pr)
		if !ok || updatedAt.After(existing.LastUpdatedAt) {
			t := pr.Status.StartTime
			p := domain.Pipeline{
				ID:            pipelineID(d.provider.ID, name),
				ProviderID:    d.provider.ID,
				ProviderType:  domain.ProviderTekton,
				Name:          name,
				Status:        normalizeStatus(&pr),
				LastUpdatedAt: updatedAt,
				Repository:    d.namespace,
			}
			if t != nil {
				tt := t.Time
				p.LastRunAt = &tt
			}
			seen[name] = p
		}
	}

	out := make([]domain.Pipeline, 0, len(seen))
	for _, p := range seen {
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

	var runs tektonv1.PipelineRunList
	if err := d.client.Get().Namespace(d.namespace).Resource("pipelineruns").
		VersionedParams(&metav1.ListOptions{LabelSelector: "tekton.dev/pipeline=" + name}, metav1.ParameterCodec).
		Do(ctx).Into(&runs); err != nil {
		return domain.PaginatedRunHistory{}, translateErr(err)
	}

	all := make([]domain.PipelineRun, 0, len(runs.Items))
	for _, pr := range runs.Items {
		run := domain.PipelineRun{
			ID:         pr.Name,
			PipelineID: pipelineIDStr,
			Status:     normalizeStatus(&pr),
		}
		if pr.Status.StartTime != nil {
			run.StartedAt = pr.Status.StartTime.Time
		}
		if pr.Status.CompletionTime != nil {
			t := pr.Status.CompletionTime.Time
			run.ConcludedAt = &t
			secs := int64(t.Sub(run.StartedAt).Seconds())
			run.DurationSeconds = &secs
		}
		all = append(all, run)
	}

	start := (page.Page - 1) * page.PageSize
	end := start + page.PageSize
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}

	return domain.PaginatedRunHistory{
		Runs:       all[start:end],
		TotalCount: len(all),
		HasMore:    end < len(all),
		IsComplete: true,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: (len(all) + page.PageSize - 1) / page.PageSize,
	}, nil
}

func (d *Driver) FetchWorkflowParameters(ctx context.Context, pipelineIDStr string) ([]domain.WorkflowParameter, error) {
	_, name, err := parsePipelineID(pipelineIDStr)
	if err != nil {
		return nil, err
	}

	var pipeline tektonv1.Pipeline
	if err := d.client.Get().Namespace(d.namespace).Resource("pipelines").Name(name).Do(ctx).Into(&pipeline); err != nil {
		return nil, translateErr(err)
	}

	out := make([]domain.WorkflowParameter, 0, len(pipeline.Spec.Params))
	for _, p := range pipeline.Spec.Params {
		wp := domain.WorkflowParameter{
			Name:     p.Name,
			Label:    p.Name,
			Required: p.Default == nil,
			Type:     domain.ParamString,
		}
		if p.Default != nil && p.Default.StringVal != "" {
			wp.Default = p.Default.StringVal
		}
		out = append(out, wp)
	}
	return out, nil
}

func (d *Driver) TriggerRun(ctx context.Context, pipelineIDStr string, inputs map[string]string) (*domain.PipelineRun, error) {
	_, name, err := parsePipelineID(pipelineIDStr)
	if err != nil {
		return nil, err
	}

	params := make([]tektonv1.Param, 0, len(inputs))
	for k, v := range inputs {
		params = append(params, tektonv1.Param{Name: k, Value: *tektonv1.NewStructuredValues(v)})
	}

	pr := &tektonv1.PipelineRun{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: name + "-",
			Namespace:    d.namespace,
		},
		Spec: tektonv1.PipelineRunSpec{
			PipelineRef: &tektonv1.PipelineRef{Name: name},
			Params:      params,
		},
	}

	var created tektonv1.PipelineRun
	if err := d.client.Post().Namespace(d.namespace).Resource("pipelineruns").Body(pr).Do(ctx).Into(&created); err != nil {
		return nil, translateErr(err)
	}

	return &domain.PipelineRun{
		ID:         created.Name,
		PipelineID: pipelineIDStr,
		Status:     domain.StatusPending,
		StartedAt:  time.Now().UTC(),
		Inputs:     inputs,
	}, nil
}

func (d *Driver) CancelRun(ctx context.Context, pipelineIDStr, runID string) error {
	pr := map[string]any{
		"spec": map[string]any{"status": "PipelineRunCancelled"},
	}
	err := d.client.Patch(types.MergePatchType).
		Namespace(d.namespace).Resource("pipelineruns").Name(runID).
		Body(mustJSON(pr)).Do(ctx).Error()
	if err != nil {
		return translateErr(err)
	}
	return nil
}

func (d *Driver) FetchOrganizations(ctx context.Context) ([]domain.Organization, error) {
	return nil, domain.NotSupported("tekton has no organization concept above namespaces")
}

func (d *Driver) FetchAvailablePipelines(ctx context.Context, org string, page domain.Page) (domain.PaginatedItems[domain.AvailablePipeline], error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, err
	}
	var list tektonv1.PipelineList
	if err := d.client.Get().Namespace(d.namespace).Resource("pipelines").Do(ctx).Into(&list); err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, translateErr(err)
	}
	out := make([]domain.AvailablePipeline, 0, len(list.Items))
	for _, p := range list.Items {
		out = append(out, domain.AvailablePipeline{ID: p.Name, Name: p.Name, Repository: d.namespace})
	}
	return domain.PaginatedItems[domain.AvailablePipeline]{Items: out, Page: page.Page, PageSize: page.PageSize}, nil
}

func pipelineID(providerID int64, name string) string {
	return fmt.Sprintf("tekton__%d__pipeline__%s", providerID, name)
}

func parsePipelineID(id string) (int64, string, error) {
	var providerID int64
	var name string
	_, err := fmt.Sscanf(id, "tekton__%d__pipeline__%s", &providerID, &name)
	if err != nil {
		return 0, "", domain.InvalidConfig("malformed tekton pipeline id: " + id)
	}
	return providerID, name, nil
}

func pipelineRefName(pr *tektonv1.PipelineRun) string {
	if pr.Spec.PipelineRef != nil {
		return pr.Spec.PipelineRef.Name
	}
	return ""
}

func prUpdatedAt(pr *tektonv1.PipelineRun) time.Time {
	if pr.Status.CompletionTime != nil {
		return pr.Status.CompletionTime.Time
	}
	if pr.Status.StartTime != nil {
		return pr.Status.StartTime.Time
	}
	return pr.CreationTimestamp.Time
}

func normalizeStatus(pr *tektonv1.PipelineRun) domain.PipelineStatus {
	cond := pr.Status.GetCondition("Succeeded")
	if cond == nil {
		return domain.StatusPending
	}
	switch cond.Status {
	case "True":
		return domain.StatusSuccess
	case "False":
		if cond.Reason == "PipelineRunCancelled" {
			return domain.StatusCancelled
		}
		return domain.StatusFailed
	default:
		return domain.StatusRunning
	}
}

func translateErr(err error) error {
	return domain.APIError("tekton api error", err)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
