// Package argocd implements the driver.Driver contract against ArgoCD
// Applications, read through a Kubernetes dynamic client against the
// argoproj.io/v1alpha1 Application CRD. ArgoCD has no Go SDK anywhere in the
// retrieval corpus, but its API server is reached in-cluster exactly the way
// the teacher already reaches Tekton resources, through k8s.io/client-go.
package argocd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/pipedash/pipedash/pkg/domain"
)

var applicationGVR = schema.GroupVersionResource{
	Group:    "argoproj.io",
	Version:  "v1alpha1",
	Resource: "applications",
}

type Driver struct {
	provider  *domain.Provider
	client    dynamic.Interface
	namespace string
	logger    *zap.SugaredLogger
}

// New builds an ArgoCD driver. token is used as a bearer token against the
// kube-apiserver fronting the ArgoCD CRDs; config carries the cluster's
// API server URL and namespace.
func New(provider *domain.Provider, token string, logger *zap.SugaredLogger) (*Driver, error) {
	apiServer := provider.OpaqueConfig["api_server"]
	if apiServer == "" {
		return nil, domain.InvalidConfig("argocd provider requires api_server in config")
	}
	namespace := provider.OpaqueConfig["namespace"]
	if namespace == "" {
		namespace = "argocd"
	}

	restCfg := &rest.Config{
		Host:        apiServer,
		BearerToken: token,
	}
	if provider.OpaqueConfig["insecure_skip_tls_verify"] == "true" {
		restCfg.TLSClientConfig.Insecure = true
	}

	client, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build argocd dynamic client: %w", err)
	}

	return &Driver{
		provider:  provider,
		client:    client,
		namespace: namespace,
		logger:    logger.With("provider", provider.Name, "type", "argocd"),
	}, nil
}

func (d *Driver) Type() domain.ProviderType { return domain.ProviderArgoCD }

func (d *Driver) VerifyCredentials(ctx context.Context) (*domain.ProviderPermissions, error) {
	_, err := d.client.Resource(applicationGVR).Namespace(d.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return nil, translateErr(err)
	}
	return &domain.ProviderPermissions{
		ProviderID: d.provider.ID,
		Scopes:     []string{"applications:list"},
		CheckedAt:  time.Now().UTC(),
	}, nil
}

func (d *Driver) FetchPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	list, err := d.client.Resource(applicationGVR).Namespace(d.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, translateErr(err)
	}

	out := make([]domain.Pipeline, 0, len(list.Items))
	for _, item := range list.Items {
		out = append(out, toPipeline(d.provider.ID, &item))
	}
	return out, nil
}

func toPipeline(providerID int64, app *unstructured.Unstructured) domain.Pipeline {
	name := app.GetName()
	syncStatus, _, _ := unstructured.NestedString(app.Object, "status", "sync", "status")
	healthStatus, _, _ := unstructured.NestedString(app.Object, "status", "health", "status")
	repoURL, _, _ := unstructured.NestedString(app.Object, "spec", "source", "repoURL")
	targetRevision, _, _ := unstructured.NestedString(app.Object, "spec", "source", "targetRevision")

	return domain.Pipeline{
		ID:            pipelineID(providerID, name),
		ProviderID:    providerID,
		ProviderType:  domain.ProviderArgoCD,
		Name:          name,
		Status:        normalizeStatus(syncStatus, healthStatus),
		LastUpdatedAt: app.GetCreationTimestamp().Time,
		Repository:    repoURL,
		Branch:        targetRevision,
		Metadata: map[string]any{
			"sync_status":   syncStatus,
			"health_status": healthStatus,
		},
	}
}

func (d *Driver) FetchRunHistory(ctx context.Context, pipelineIDStr string, page domain.Page) (domain.PaginatedRunHistory, error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedRunHistory{}, err
	}
	_, name, err := parsePipelineID(pipelineIDStr)
	if err != nil {
		return domain.PaginatedRunHistory{}, err
	}

	app, err := d.client.Resource(applicationGVR).Namespace(d.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return domain.PaginatedRunHistory{}, translateErr(err)
	}

	history, _, _ := unstructured.NestedSlice(app.Object, "status", "history")
	runs := make([]domain.PipelineRun, 0, len(history))
	for i, raw := range history {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		revision, _ := entry["revision"].(string)
		deployedAtStr, _ := entry["deployedAt"].(string)
		deployedAt, _ := time.Parse(time.RFC3339, deployedAtStr)
		runs = append(runs, domain.PipelineRun{
			ID:         fmt.Sprintf("%s-%d", name, i),
			PipelineID: pipelineIDStr,
			RunNumber:  int64(i),
			Status:     domain.StatusSuccess,
			StartedAt:  deployedAt,
			CommitSHA:  revision,
		})
	}

	start := (page.Page - 1) * page.PageSize
	end := start + page.PageSize
	if start > len(runs) {
		start = len(runs)
	}
	if end > len(runs) {
		end = len(runs)
	}

	return domain.PaginatedRunHistory{
		Runs:       runs[start:end],
		TotalCount: len(runs),
		HasMore:    end < len(runs),
		IsComplete: true,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: (len(runs) + page.PageSize - 1) / page.PageSize,
	}, nil
}

func (d *Driver) FetchWorkflowParameters(ctx context.Context, pipelineIDStr string) ([]domain.WorkflowParameter, error) {
	return nil, domain.NotSupported("argocd applications have no trigger-time parameters, only sync/refresh operations")
}

func (d *Driver) TriggerRun(ctx context.Context, pipelineIDStr string, inputs map[string]string) (*domain.PipelineRun, error) {
	_, name, err := parsePipelineID(pipelineIDStr)
	if err != nil {
		return nil, err
	}

	app, err := d.client.Resource(applicationGVR).Namespace(d.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, translateErr(err)
	}

	app.SetAnnotations(mergeAnnotations(app.GetAnnotations(), map[string]string{"argocd.argoproj.io/refresh": "hard"}))

	updated, err := d.client.Resource(applicationGVR).Namespace(d.namespace).Update(ctx, app, metav1.UpdateOptions{})
	if err != nil {
		return nil, translateErr(err)
	}

	return &domain.PipelineRun{
		PipelineID: pipelineIDStr,
		Status:     domain.StatusRunning,
		StartedAt:  updated.GetCreationTimestamp().Time,
	}, nil
}

func (d *Driver) CancelRun(ctx context.Context, pipelineIDStr, runID string) error {
	return domain.NotSupported("argocd application syncs cannot be cancelled via this API surface")
}

func (d *Driver) FetchOrganizations(ctx context.Context) ([]domain.Organization, error) {
	return nil, domain.NotSupported("argocd has no organization concept above applications/projects")
}

func (d *Driver) FetchAvailablePipelines(ctx context.Context, org string, page domain.Page) (domain.PaginatedItems[domain.AvailablePipeline], error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, err
	}
	list, err := d.client.Resource(applicationGVR).Namespace(d.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return domain.PaginatedItems[domain.AvailablePipeline]{}, translateErr(err)
	}
	out := make([]domain.AvailablePipeline, 0, len(list.Items))
	for _, item := range list.Items {
		repoURL, _, _ := unstructured.NestedString(item.Object, "spec", "source", "repoURL")
		out = append(out, domain.AvailablePipeline{ID: item.GetName(), Name: item.GetName(), Repository: repoURL})
	}
	return domain.PaginatedItems[domain.AvailablePipeline]{Items: out, Page: page.Page, PageSize: page.PageSize}, nil
}

func pipelineID(providerID int64, name string) string {
	return fmt.Sprintf("argocd__%d__app__%s", providerID, name)
}

func parsePipelineID(id string) (int64, string, error) {
	var providerID int64
	var name string
	_, err := fmt.Sscanf(id, "argocd__%d__app__%s", &providerID, &name)
	if err != nil {
		return 0, "", domain.InvalidConfig("malformed argocd pipeline id: " + id)
	}
	return providerID, name, nil
}

func normalizeStatus(syncStatus, healthStatus string) domain.PipelineStatus {
	switch {
	case syncStatus == "OutOfSync":
		return domain.StatusPending
	case healthStatus == "Progressing":
		return domain.StatusRunning
	case healthStatus == "Healthy" && syncStatus == "Synced":
		return domain.StatusSuccess
	case healthStatus == "Degraded":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}

func mergeAnnotations(existing map[string]string, add map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(add))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}

func translateErr(err error) error {
	return domain.APIError("argocd api error", err)
}
