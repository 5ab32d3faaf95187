package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/cache"
	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/driver"
	"github.com/pipedash/pipedash/pkg/eventbus"
	"github.com/pipedash/pipedash/pkg/service"
)

// pipelineServiceFixture wires a ProviderService (backed by one fakeDriver
// per provider added) and a PipelineService sharing the same caches, the way
// cmd/pipedash-server wires them in production.
type pipelineServiceFixture struct {
	providerSvc *service.ProviderService
	pipelineSvc *service.PipelineService
	store       *fakeStore
	bus         *eventbus.Bus
	drivers     map[int64]*fakeDriver
	params      *cache.WorkflowParamsCache
}

func newPipelineServiceFixture(t *testing.T) *pipelineServiceFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	providerSvc, store, bus, pipelineCache, params := newTestProviderService(t, nil)

	runHistory := cache.NewRunHistoryCache()
	pipelineSvc := service.NewPipelineService(store, providerSvc, pipelineCache, runHistory, params, bus, logger)

	return &pipelineServiceFixture{
		providerSvc: providerSvc,
		pipelineSvc: pipelineSvc,
		store:       store,
		bus:         bus,
		drivers:     make(map[int64]*fakeDriver),
		params:      params,
	}
}

// addProvider registers a provider whose driver is fd, routing future
// newDriver calls for this provider through a per-call factory override.
func (f *pipelineServiceFixture) addProvider(t *testing.T, name string, fd *fakeDriver) int64 {
	t.Helper()
	f.providerSvc.WithDriverFactory(func(driver.Config, *zap.SugaredLogger) (driver.Driver, error) {
		return fd, nil
	})
	p := domain.Provider{Name: name, ProviderType: domain.ProviderGitHub, OpaqueConfig: githubConfig()}
	id, err := f.providerSvc.AddProvider(context.Background(), p, "ghp_tok")
	require.NoError(t, err)
	f.drivers[id] = fd
	return id
}

func TestFetchAllPipelinesMergesAcrossProviders(t *testing.T) {
	f := newPipelineServiceFixture(t)
	fd1 := &fakeDriver{pipelines: []domain.Pipeline{{ID: "p1", Name: "one"}}}
	fd2 := &fakeDriver{pipelines: []domain.Pipeline{{ID: "p2", Name: "two"}}}
	f.addProvider(t, "provider-one", fd1)
	f.addProvider(t, "provider-two", fd2)

	merged, err := f.pipelineSvc.FetchAllPipelines(context.Background())
	require.NoError(t, err)
	assert.Len(t, merged, 2)
	assert.Equal(t, 1, fd1.fetchCount())
	assert.Equal(t, 1, fd2.fetchCount())
}

func TestFetchAllPipelinesInvalidatesWorkflowParamsCache(t *testing.T) {
	f := newPipelineServiceFixture(t)
	fd := &fakeDriver{pipelines: []domain.Pipeline{{ID: "p1"}}}
	f.addProvider(t, "provider-one", fd)

	f.params.Put("p1", []domain.WorkflowParameter{{Name: "env"}})

	_, err := f.pipelineSvc.FetchAllPipelines(context.Background())
	require.NoError(t, err)

	_, ok := f.params.Get("p1")
	assert.False(t, ok, "workflow parameter cache should be cleared by a full fleet fetch")
}

func TestFetchAllPipelinesTreatsPerProviderFailureAsPartial(t *testing.T) {
	f := newPipelineServiceFixture(t)
	ok := &fakeDriver{pipelines: []domain.Pipeline{{ID: "p1"}}}
	broken := &fakeDriver{pipelinesErr: domain.AuthFailed("token expired")}
	f.addProvider(t, "provider-ok", ok)
	f.addProvider(t, "provider-broken", broken)

	merged, err := f.pipelineSvc.FetchAllPipelines(context.Background())
	require.NoError(t, err)
	assert.Len(t, merged, 1)
	assert.Equal(t, "p1", merged[0].ID)
}

func TestFetchProviderPipelinesCachesAndIndexes(t *testing.T) {
	f := newPipelineServiceFixture(t)
	fd := &fakeDriver{pipelines: []domain.Pipeline{{ID: "p1"}, {ID: "p2"}}}
	id := f.addProvider(t, "provider-one", fd)

	pipelines, err := f.pipelineSvc.FetchProviderPipelines(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, pipelines, 2)

	cached, err := f.pipelineSvc.GetCachedPipelines(&id)
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	run, err := f.pipelineSvc.TriggerPipeline(context.Background(), "p1", nil)
	_ = run
	assert.NoError(t, err)
}

func TestFetchProviderPipelinesConcurrentCallsSucceed(t *testing.T) {
	f := newPipelineServiceFixture(t)
	fd := &fakeDriver{pipelines: []domain.Pipeline{{ID: "p1"}}}
	id := f.addProvider(t, "provider-one", fd)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipelineSvc.FetchProviderPipelines(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestGetCachedPipelinesUnionsAllProvidersWhenNilID(t *testing.T) {
	f := newPipelineServiceFixture(t)
	fd1 := &fakeDriver{pipelines: []domain.Pipeline{{ID: "p1"}}}
	fd2 := &fakeDriver{pipelines: []domain.Pipeline{{ID: "p2"}}}
	f.addProvider(t, "provider-one", fd1)
	f.addProvider(t, "provider-two", fd2)

	_, err := f.pipelineSvc.FetchAllPipelines(context.Background())
	require.NoError(t, err)

	merged, err := f.pipelineSvc.GetCachedPipelines(nil)
	require.NoError(t, err)
	assert.Len(t, merged, 2)
}

func TestFetchRunHistoryPaginatedDelegatesToDriver(t *testing.T) {
	f := newPipelineServiceFixture(t)
	fd := &fakeDriver{
		pipelines: []domain.Pipeline{{ID: "p1"}},
		runHistory: domain.PaginatedRunHistory{
			Runs:       []domain.PipelineRun{{ID: "r1", PipelineID: "p1", RunNumber: 1}},
			TotalCount: 1,
		},
	}
	f.addProvider(t, "provider-one", fd)
	_, err := f.pipelineSvc.FetchProviderPipelines(context.Background(), 1)
	require.NoError(t, err)

	result, err := f.pipelineSvc.FetchRunHistoryPaginated(context.Background(), "p1", domain.Page{Page: 1, PageSize: 20})
	require.NoError(t, err)
	require.Len(t, result.Runs, 1)
	assert.Equal(t, "r1", result.Runs[0].ID)
}

func TestFetchRunHistoryPaginatedUnknownPipelineFails(t *testing.T) {
	f := newPipelineServiceFixture(t)
	_, err := f.pipelineSvc.FetchRunHistoryPaginated(context.Background(), "ghost", domain.Page{Page: 1, PageSize: 20})
	require.Error(t, err)
	assert.Equal(t, domain.ErrPipelineNotFound, domain.KindOf(err))
}

func TestFetchRunDetailsFindsRunInHistory(t *testing.T) {
	f := newPipelineServiceFixture(t)
	runs := make([]domain.PipelineRun, 150)
	for i := range runs {
		runs[i] = domain.PipelineRun{ID: "run", PipelineID: "p1", RunNumber: int64(i + 1)}
	}
	fd := &fakeDriver{
		pipelines: []domain.Pipeline{{ID: "p1"}},
		runHistory: domain.PaginatedRunHistory{
			Runs:    runs,
			HasMore: false,
		},
	}
	f.addProvider(t, "provider-one", fd)
	_, err := f.pipelineSvc.FetchProviderPipelines(context.Background(), 1)
	require.NoError(t, err)

	run, err := f.pipelineSvc.FetchRunDetails(context.Background(), "p1", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), run.RunNumber)
}

func TestFetchRunDetailsReturnsNotFoundWhenExhausted(t *testing.T) {
	f := newPipelineServiceFixture(t)
	fd := &fakeDriver{
		pipelines:  []domain.Pipeline{{ID: "p1"}},
		runHistory: domain.PaginatedRunHistory{Runs: nil, HasMore: false},
	}
	f.addProvider(t, "provider-one", fd)
	_, err := f.pipelineSvc.FetchProviderPipelines(context.Background(), 1)
	require.NoError(t, err)

	_, err = f.pipelineSvc.FetchRunDetails(context.Background(), "p1", 999)
	require.Error(t, err)
	assert.Equal(t, domain.ErrPipelineNotFound, domain.KindOf(err))
}

func TestFetchWorkflowParametersCachesAfterFirstFetch(t *testing.T) {
	f := newPipelineServiceFixture(t)
	fd := &fakeDriver{
		pipelines: []domain.Pipeline{{ID: "p1"}},
		params:    []domain.WorkflowParameter{{Name: "env", Type: domain.ParamString}},
	}
	f.addProvider(t, "provider-one", fd)
	_, err := f.pipelineSvc.FetchProviderPipelines(context.Background(), 1)
	require.NoError(t, err)

	params, err := f.pipelineSvc.FetchWorkflowParameters(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "env", params[0].Name)
}

func TestTriggerPipelineEmitsRunTriggered(t *testing.T) {
	f := newPipelineServiceFixture(t)
	fd := &fakeDriver{
		pipelines:    []domain.Pipeline{{ID: "p1"}},
		triggeredRun: &domain.PipelineRun{ID: "r1", PipelineID: "p1"},
	}
	f.addProvider(t, "provider-one", fd)
	_, err := f.pipelineSvc.FetchProviderPipelines(context.Background(), 1)
	require.NoError(t, err)

	sub := f.bus.Subscribe("")
	defer sub.Close()

	run, err := f.pipelineSvc.TriggerPipeline(context.Background(), "p1", map[string]string{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, "r1", run.ID)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, domain.EventRunTriggered, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected RunTriggered event")
	}
}

func TestCancelRunEmitsRunCancelled(t *testing.T) {
	f := newPipelineServiceFixture(t)
	fd := &fakeDriver{pipelines: []domain.Pipeline{{ID: "p1"}}}
	f.addProvider(t, "provider-one", fd)
	_, err := f.pipelineSvc.FetchProviderPipelines(context.Background(), 1)
	require.NoError(t, err)

	sub := f.bus.Subscribe("")
	defer sub.Close()

	require.NoError(t, f.pipelineSvc.CancelRun(context.Background(), "p1", "r1"))

	select {
	case ev := <-sub.Events:
		assert.Equal(t, domain.EventRunCancelled, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected RunCancelled event")
	}
}

func TestInvalidateRunCacheEmitsEvent(t *testing.T) {
	f := newPipelineServiceFixture(t)
	sub := f.bus.Subscribe("")
	defer sub.Close()

	f.pipelineSvc.InvalidateRunCache("p1")

	select {
	case ev := <-sub.Events:
		assert.Equal(t, domain.EventRunHistoryCacheInvalidated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected RunHistoryCacheInvalidated event")
	}
}
