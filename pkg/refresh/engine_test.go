package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
)

type fakeFetcher struct {
	mu        sync.Mutex
	all       []domain.Pipeline
	allErr    error
	perProvID map[int64]int
}

func (f *fakeFetcher) FetchAllPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allErr != nil {
		return nil, f.allErr
	}
	return f.all, nil
}

func (f *fakeFetcher) FetchProviderPipelines(ctx context.Context, providerID int64) ([]domain.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.perProvID == nil {
		f.perProvID = make(map[int64]int)
	}
	f.perProvID[providerID]++
	return nil, nil
}

type fakeInvalidator struct {
	mu        sync.Mutex
	invalidated []string
}

func (f *fakeInvalidator) Invalidate(pipelineID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, pipelineID)
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeEmitter) Emit(event domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEmitter) types() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func newTestEngine(fetcher *fakeFetcher, cache *fakeInvalidator, bus *fakeEmitter) *Engine {
	return New(fetcher, cache, bus, nil, zap.NewNop().Sugar())
}

func TestRunFullRefreshEmitsPipelinesUpdated(t *testing.T) {
	fetcher := &fakeFetcher{all: []domain.Pipeline{{ID: "p1", Status: domain.StatusSuccess}}}
	cache := &fakeInvalidator{}
	bus := &fakeEmitter{}
	e := newTestEngine(fetcher, cache, bus)

	e.runFullRefresh(context.Background())

	types := bus.types()
	if len(types) == 0 || types[0] != domain.EventPipelinesUpdated {
		t.Fatalf("expected PipelinesUpdated to be emitted first, got %v", types)
	}
}

func TestRunFullRefreshFirstRunCountsAsChange(t *testing.T) {
	fetcher := &fakeFetcher{all: []domain.Pipeline{{ID: "p1", Status: domain.StatusSuccess}}}
	cache := &fakeInvalidator{}
	bus := &fakeEmitter{}
	e := newTestEngine(fetcher, cache, bus)

	e.runFullRefresh(context.Background())

	found := false
	for _, typ := range bus.types() {
		if typ == domain.EventPipelineStatusChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected PipelineStatusChanged on first ever refresh")
	}
	if e.interval != startInterval {
		t.Errorf("expected interval to stay at start interval after change, got %v", e.interval)
	}
}

func TestRunFullRefreshNoChangeGrowsIntervalAfterThreeCycles(t *testing.T) {
	pipelines := []domain.Pipeline{{ID: "p1", Status: domain.StatusSuccess}}
	fetcher := &fakeFetcher{all: pipelines}
	cache := &fakeInvalidator{}
	bus := &fakeEmitter{}
	e := newTestEngine(fetcher, cache, bus)

	e.runFullRefresh(context.Background()) // first run: change (nil -> populated)
	for i := 0; i < consecutiveNoChange; i++ {
		e.runFullRefresh(context.Background())
	}

	if e.interval != startInterval*backoffFactor {
		t.Errorf("expected interval to double to %v after %d no-change cycles, got %v",
			startInterval*backoffFactor, consecutiveNoChange, e.interval)
	}
}

func TestRunFullRefreshStatusChangeResetsIntervalAndInvalidatesCache(t *testing.T) {
	fetcher := &fakeFetcher{all: []domain.Pipeline{{ID: "p1", Status: domain.StatusSuccess}}}
	cache := &fakeInvalidator{}
	bus := &fakeEmitter{}
	e := newTestEngine(fetcher, cache, bus)

	e.runFullRefresh(context.Background()) // first run invalidates every pipeline it sees (nil -> populated)
	e.interval = maxInterval             // simulate having backed off already
	cache.mu.Lock()
	cache.invalidated = nil
	cache.mu.Unlock()

	fetcher.mu.Lock()
	fetcher.all = []domain.Pipeline{{ID: "p1", Status: domain.StatusFailed}}
	fetcher.mu.Unlock()

	e.runFullRefresh(context.Background())

	if e.interval != startInterval {
		t.Errorf("expected interval reset to %v on status change, got %v", startInterval, e.interval)
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if len(cache.invalidated) != 1 || cache.invalidated[0] != "p1" {
		t.Errorf("expected p1's run history invalidated, got %v", cache.invalidated)
	}
}

func TestRunFullRefreshFetchErrorEmitsRefreshError(t *testing.T) {
	fetcher := &fakeFetcher{allErr: errors.New("boom")}
	cache := &fakeInvalidator{}
	bus := &fakeEmitter{}
	e := newTestEngine(fetcher, cache, bus)

	e.runFullRefresh(context.Background())

	types := bus.types()
	if len(types) != 1 || types[0] != domain.EventRefreshError {
		t.Fatalf("expected a single RefreshError event, got %v", types)
	}
}

func TestTickDrainsPriorityQueueRegardlessOfMode(t *testing.T) {
	fetcher := &fakeFetcher{}
	cache := &fakeInvalidator{}
	bus := &fakeEmitter{}
	e := newTestEngine(fetcher, cache, bus)
	e.running = true
	e.mode = ModeIdle
	e.RequestRefresh(42)

	e.tick(context.Background())

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if fetcher.perProvID[42] != 1 {
		t.Errorf("expected provider 42 to be fetched once from the drained queue, got %d", fetcher.perProvID[42])
	}
}

func TestTickSkipsScheduledRefreshInIdleMode(t *testing.T) {
	fetcher := &fakeFetcher{all: []domain.Pipeline{{ID: "p1"}}}
	cache := &fakeInvalidator{}
	bus := &fakeEmitter{}
	e := newTestEngine(fetcher, cache, bus)
	e.running = true
	e.mode = ModeIdle

	e.tick(context.Background())

	if len(bus.types()) != 0 {
		t.Errorf("expected no events emitted while idle, got %v", bus.types())
	}
}

func TestStopIsIdempotentWithoutStart(t *testing.T) {
	e := newTestEngine(&fakeFetcher{}, &fakeInvalidator{}, &fakeEmitter{})
	e.Stop() // must not panic or block when never started
}

type fakeRecorder struct {
	mu             sync.Mutex
	records        []recordedFetch
	pipelinesSeen  []int
}

type recordedFetch struct {
	providerID int64
	err        error
}

func (f *fakeRecorder) Record(providerID int64, duration time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedFetch{providerID: providerID, err: err})
}

func (f *fakeRecorder) SetPipelinesTracked(count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelinesSeen = append(f.pipelinesSeen, count)
}

func TestTickRecordsPriorityFetchOutcome(t *testing.T) {
	fetcher := &fakeFetcher{}
	cache := &fakeInvalidator{}
	bus := &fakeEmitter{}
	recorder := &fakeRecorder{}
	e := newTestEngine(fetcher, cache, bus).WithRecorder(recorder)
	e.running = true
	e.mode = ModeIdle
	e.RequestRefresh(7)

	e.tick(context.Background())

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.records) != 1 || recorder.records[0].providerID != 7 || recorder.records[0].err != nil {
		t.Fatalf("expected one successful record for provider 7, got %v", recorder.records)
	}
}

func TestRunFullRefreshUpdatesPipelinesTrackedGauge(t *testing.T) {
	fetcher := &fakeFetcher{all: []domain.Pipeline{{ID: "p1"}, {ID: "p2"}}}
	cache := &fakeInvalidator{}
	bus := &fakeEmitter{}
	recorder := &fakeRecorder{}
	e := newTestEngine(fetcher, cache, bus).WithRecorder(recorder)

	e.runFullRefresh(context.Background())

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.pipelinesSeen) != 1 || recorder.pipelinesSeen[0] != 2 {
		t.Fatalf("expected pipelines-tracked gauge updated to 2, got %v", recorder.pipelinesSeen)
	}
}

func TestStartStopStopsTheLoop(t *testing.T) {
	e := newTestEngine(&fakeFetcher{}, &fakeInvalidator{}, &fakeEmitter{})
	e.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	e.Stop()

	if e.running {
		t.Error("expected running to be false after Stop")
	}
}
