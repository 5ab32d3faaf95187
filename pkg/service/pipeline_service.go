package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pipedash/pipedash/pkg/cache"
	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/eventbus"
	"github.com/pipedash/pipedash/pkg/storage"
)

// maxRunHistoryScan bounds fetch_run_details' linear search over run history
// when a pipeline's history has never been paged far enough to contain the
// requested run number.
const maxRunHistoryScan = 1000

// PipelineService is the single path every pipeline-related read or write
// takes, per spec.md §4.6: it chooses between cache and driver, and owns the
// pipeline-id -> provider-id index the other operations resolve through.
type PipelineService struct {
	store      storage.Store
	providers  *ProviderService
	pipelines  *cache.PipelineCache
	runHistory *cache.RunHistoryCache
	params     *cache.WorkflowParamsCache
	coalescer  *cache.Coalescer
	bus        *eventbus.Bus
	logger     *zap.SugaredLogger

	mu             sync.RWMutex
	pipelineToProv map[string]int64
}

func NewPipelineService(
	store storage.Store,
	providers *ProviderService,
	pipelines *cache.PipelineCache,
	runHistory *cache.RunHistoryCache,
	params *cache.WorkflowParamsCache,
	bus *eventbus.Bus,
	logger *zap.SugaredLogger,
) *PipelineService {
	return &PipelineService{
		store:          store,
		providers:      providers,
		pipelines:      pipelines,
		runHistory:     runHistory,
		params:         params,
		coalescer:      cache.NewCoalescer(),
		bus:            bus,
		logger:         logger,
		pipelineToProv: make(map[string]int64),
	}
}

func (s *PipelineService) indexPipelines(pipelines []domain.Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pipelines {
		s.pipelineToProv[p.ID] = p.ProviderID
	}
}

func (s *PipelineService) providerIDFor(pipelineID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pipelineToProv[pipelineID]
	return id, ok
}

// FetchAllPipelines enumerates every configured provider, issues concurrent
// fetches, tolerates per-provider failures, merges results, writes each
// provider's slice to the pipeline cache, and clears the workflow parameter
// cache before starting.
func (s *PipelineService) FetchAllPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	s.params.InvalidateAll()

	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}

	group, gctx := errgroup.WithContext(ctx)
	results := make([][]domain.Pipeline, len(providers))

	for i := range providers {
		i := i
		providerID := providers[i].ID
		group.Go(func() error {
			pipelines, err := s.fetchAndCacheProvider(gctx, providerID)
			if err != nil {
				s.logger.Warnw("fetch_pipelines: provider failed", "provider_id", providerID, "error", err)
				return nil
			}
			results[i] = pipelines
			return nil
		})
	}
	_ = group.Wait()

	var merged []domain.Pipeline
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, nil
}

// FetchProviderPipelines fetches and caches a single provider's pipelines.
func (s *PipelineService) FetchProviderPipelines(ctx context.Context, providerID int64) ([]domain.Pipeline, error) {
	return s.fetchAndCacheProvider(ctx, providerID)
}

func (s *PipelineService) fetchAndCacheProvider(ctx context.Context, providerID int64) ([]domain.Pipeline, error) {
	d, ok := s.providers.Driver(providerID)
	if !ok {
		return nil, domain.ProviderNotFound(fmt.Sprintf("no driver instance for provider %d", providerID))
	}

	fingerprint := fmt.Sprintf("fetch_pipelines:%d", providerID)
	value, err := s.coalescer.Do(fingerprint, func() (any, error) {
		return d.FetchPipelines(ctx)
	})
	if err != nil {
		return nil, err
	}
	pipelines := value.([]domain.Pipeline)

	s.pipelines.Put(providerID, pipelines)
	s.indexPipelines(pipelines)
	if err := s.store.PutCachedPipelines(ctx, providerID, pipelines); err != nil {
		s.logger.Warnw("failed to persist pipeline cache", "provider_id", providerID, "error", err)
	}

	s.bus.Emit(domain.Event{
		Type:      domain.EventPipelineCacheInvalidated,
		Timestamp: time.Now().UTC(),
		Payload:   domain.PipelineCacheInvalidatedPayload{ProviderID: &providerID, Reason: domain.ReasonFetch},
	})
	return pipelines, nil
}

// GetCachedPipelines returns cache contents without calling any driver. A
// nil providerID returns the union across every provider currently cached.
func (s *PipelineService) GetCachedPipelines(providerID *int64) ([]domain.Pipeline, error) {
	if providerID != nil {
		pipelines, _, _ := s.pipelines.Get(*providerID)
		return pipelines, nil
	}

	providers, err := s.store.ListProviders(context.Background())
	if err != nil {
		return nil, err
	}
	var merged []domain.Pipeline
	for _, p := range providers {
		pipelines, _, ok := s.pipelines.Get(p.ID)
		if ok {
			merged = append(merged, pipelines...)
		}
	}
	return merged, nil
}

// FetchRunHistoryPaginated serves page/pageSize for pipelineID from the run
// history cache, falling back to the driver per spec.md §4.4's growth rule.
func (s *PipelineService) FetchRunHistoryPaginated(ctx context.Context, pipelineID string, page domain.Page) (domain.PaginatedRunHistory, error) {
	providerID, ok := s.providerIDFor(pipelineID)
	if !ok {
		return domain.PaginatedRunHistory{}, domain.PipelineNotFound(pipelineID)
	}
	d, ok := s.providers.Driver(providerID)
	if !ok {
		return domain.PaginatedRunHistory{}, domain.ProviderNotFound(fmt.Sprintf("no driver instance for provider %d", providerID))
	}

	fingerprint := fmt.Sprintf("run_history:%s", pipelineID)
	value, err := s.coalescer.Do(fingerprint, func() (any, error) {
		return s.runHistory.Page(pipelineID, page, func(limit int) ([]domain.PipelineRun, error) {
			result, err := d.FetchRunHistory(ctx, pipelineID, domain.Page{Page: 1, PageSize: limit})
			if err != nil {
				return nil, err
			}
			return result.Runs, nil
		})
	})
	if err != nil {
		return domain.PaginatedRunHistory{}, err
	}
	return value.(domain.PaginatedRunHistory), nil
}

// FetchRunDetails looks up pipelineID's provider from the cache and scans
// its run history for runNumber; drivers expose paginated history, not a
// single-run lookup, so this re-fetches the first page with a doubling page
// size (100, 200, 400, 800) until the run is found or history is exhausted.
func (s *PipelineService) FetchRunDetails(ctx context.Context, pipelineID string, runNumber int64) (*domain.PipelineRun, error) {
	providerID, ok := s.providerIDFor(pipelineID)
	if !ok {
		return nil, domain.PipelineNotFound(pipelineID)
	}
	d, ok := s.providers.Driver(providerID)
	if !ok {
		return nil, domain.ProviderNotFound(fmt.Sprintf("no driver instance for provider %d", providerID))
	}

	for pageSize := 100; pageSize <= maxRunHistoryScan; pageSize *= 2 {
		result, err := d.FetchRunHistory(ctx, pipelineID, domain.Page{Page: 1, PageSize: pageSize})
		if err != nil {
			return nil, err
		}
		for i := range result.Runs {
			if result.Runs[i].RunNumber == runNumber {
				return &result.Runs[i], nil
			}
		}
		if !result.HasMore || len(result.Runs) < pageSize {
			break
		}
	}
	return nil, domain.PipelineNotFound(fmt.Sprintf("run %d not found for pipeline %s", runNumber, pipelineID))
}

// FetchWorkflowParameters serves the trigger-time parameter list, caching it
// for WorkflowParamsTTL.
func (s *PipelineService) FetchWorkflowParameters(ctx context.Context, pipelineID string) ([]domain.WorkflowParameter, error) {
	if params, ok := s.params.Get(pipelineID); ok {
		return params, nil
	}

	providerID, ok := s.providerIDFor(pipelineID)
	if !ok {
		return nil, domain.PipelineNotFound(pipelineID)
	}
	d, ok := s.providers.Driver(providerID)
	if !ok {
		return nil, domain.ProviderNotFound(fmt.Sprintf("no driver instance for provider %d", providerID))
	}

	params, err := d.FetchWorkflowParameters(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	s.params.Put(pipelineID, params)
	return params, nil
}

// TriggerPipeline resolves the provider, delegates to the driver, and emits
// RunTriggered on success.
func (s *PipelineService) TriggerPipeline(ctx context.Context, pipelineID string, inputs map[string]string) (*domain.PipelineRun, error) {
	providerID, ok := s.providerIDFor(pipelineID)
	if !ok {
		return nil, domain.PipelineNotFound(pipelineID)
	}
	d, ok := s.providers.Driver(providerID)
	if !ok {
		return nil, domain.ProviderNotFound(fmt.Sprintf("no driver instance for provider %d", providerID))
	}

	run, err := d.TriggerRun(ctx, pipelineID, inputs)
	if err != nil {
		return nil, err
	}

	s.bus.Emit(domain.Event{
		Type:      domain.EventRunTriggered,
		Timestamp: time.Now().UTC(),
		Payload:   domain.RunTriggeredPayload{WorkflowID: pipelineID},
	})
	return run, nil
}

// CancelRun resolves the provider, delegates, and emits RunCancelled.
func (s *PipelineService) CancelRun(ctx context.Context, pipelineID, runID string) error {
	providerID, ok := s.providerIDFor(pipelineID)
	if !ok {
		return domain.PipelineNotFound(pipelineID)
	}
	d, ok := s.providers.Driver(providerID)
	if !ok {
		return domain.ProviderNotFound(fmt.Sprintf("no driver instance for provider %d", providerID))
	}

	if err := d.CancelRun(ctx, pipelineID, runID); err != nil {
		return err
	}

	s.bus.Emit(domain.Event{
		Type:      domain.EventRunCancelled,
		Timestamp: time.Now().UTC(),
		Payload:   domain.RunCancelledPayload{PipelineID: pipelineID},
	})
	return nil
}

// InvalidateRunCache purges the run history entry for pipelineID, used by
// manual refresh, the refresh engine's change detection, and explicit user
// clears alike.
func (s *PipelineService) InvalidateRunCache(pipelineID string) {
	s.runHistory.Invalidate(pipelineID)
	s.bus.Emit(domain.Event{
		Type:      domain.EventRunHistoryCacheInvalidated,
		Timestamp: time.Now().UTC(),
		Payload:   domain.RunHistoryCacheInvalidatedPayload{PipelineID: &pipelineID},
	})
}

// CacheStats is the composed payload for GET /api/v1/cache/stats.
type CacheStats struct {
	CachedProviders int `json:"cached_providers"`
	CachedRunHistories int `json:"cached_run_histories"`
	CachedWorkflowParams int `json:"cached_workflow_params"`
}

// Stats reports the current size of every cache layer this service fronts.
func (s *PipelineService) Stats() CacheStats {
	return CacheStats{
		CachedProviders:      s.pipelines.Len(),
		CachedRunHistories:   s.runHistory.Len(),
		CachedWorkflowParams: s.params.Len(),
	}
}

// ClearAllCaches drops every cached pipeline/run-history/parameter entry
// across all providers, for the unscoped DELETE /api/v1/cache route.
func (s *PipelineService) ClearAllCaches() {
	s.pipelines.InvalidateAll()
	s.runHistory.InvalidateAll()
	s.params.InvalidateAll()
}

// ClearProviderCache drops the cached pipeline list for one provider, for the
// scoped DELETE /api/v1/cache?provider_id= variant.
func (s *PipelineService) ClearProviderCache(providerID int64) {
	s.pipelines.Invalidate(providerID)
}
