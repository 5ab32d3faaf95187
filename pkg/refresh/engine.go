package refresh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pipedash/pipedash/pkg/domain"
)

const (
	tickInterval        = 5 * time.Second
	startInterval       = 10 * time.Second
	maxInterval         = 300 * time.Second
	backoffFactor       = 2
	consecutiveNoChange = 3
	metricsCleanupEvery = 6 * time.Hour
)

// Mode is the engine's active/idle toggle; in idle mode no scheduled fleet
// refresh is issued, but priority-queue entries are still drained.
type Mode string

const (
	ModeActive Mode = "active"
	ModeIdle   Mode = "idle"
)

// Fetcher is the subset of the pipeline service the engine drives.
type Fetcher interface {
	FetchAllPipelines(ctx context.Context) ([]domain.Pipeline, error)
	FetchProviderPipelines(ctx context.Context, providerID int64) ([]domain.Pipeline, error)
}

// CacheInvalidator lets the engine clear run-history entries for pipelines
// whose status or last-run time changed between ticks.
type CacheInvalidator interface {
	Invalidate(pipelineID string)
}

// Emitter is the subset of the event bus the engine publishes to.
type Emitter interface {
	Emit(event domain.Event)
}

// MetricsCleaner is the optional metrics ingestion hook's cleanup call.
type MetricsCleaner interface {
	Cleanup(ctx context.Context) error
}

// FetchRecorder is the metrics ingestion hook's per-fetch recording call:
// Record is invoked once per completed priority-queue provider fetch and
// SetPipelinesTracked once per successful full refresh (spec.md §1's
// ingestion-hook carve-out). Both methods on a *metrics.Hook satisfy this alongside
// MetricsCleaner, but the engine only depends on the narrow interface it uses.
type FetchRecorder interface {
	Record(providerID int64, duration time.Duration, err error)
	SetPipelinesTracked(count int)
}

// Engine is the adaptive polling scheduler from spec.md §4.7: a 5s
// cooperative tick that drains a priority queue of expedited provider
// refreshes, then (in active mode, once the backoff interval has elapsed)
// runs a full fleet refresh and adjusts the interval based on whether
// anything changed.
type Engine struct {
	fetcher    Fetcher
	cache      CacheInvalidator
	bus        Emitter
	metrics    MetricsCleaner
	recorder   FetchRecorder
	logger     *zap.SugaredLogger

	mu                 sync.Mutex
	mode               Mode
	running            bool
	interval           time.Duration
	noChangeCount      int
	lastRefreshAt      time.Time
	lastMetricsCleanup time.Time
	queue              *PriorityQueue
	lastPipelines      map[string]domain.Pipeline

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an Engine in active mode with the starting 10s interval.
func New(fetcher Fetcher, cache CacheInvalidator, bus Emitter, metrics MetricsCleaner, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		fetcher:  fetcher,
		cache:    cache,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		mode:     ModeActive,
		interval: startInterval,
		queue:    NewPriorityQueue(),
	}
}

// WithRecorder attaches the per-fetch metrics recorder. Optional: a nil
// recorder (the zero value) disables per-fetch recording entirely.
func (e *Engine) WithRecorder(recorder FetchRecorder) *Engine {
	e.recorder = recorder
	return e
}

// SetMode switches between active and idle scheduling.
func (e *Engine) SetMode(mode Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
}

// RequestRefresh enqueues providerID for expedited refresh on the next tick.
func (e *Engine) RequestRefresh(providerID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue.Add(providerID)
}

// Start launches the tick loop in a background goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.loop(ctx)
}

// Stop requests the loop exit at the next tick boundary. In-flight driver
// calls from the current tick are not cancelled; their cache writes are
// still accepted when they complete.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stopCh := e.stopCh
	doneCh := e.doneCh
	e.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	pending := e.queue.DrainAll()
	mode := e.mode
	due := time.Since(e.lastRefreshAt) >= e.interval
	runCleanup := e.metrics != nil && time.Since(e.lastMetricsCleanup) >= metricsCleanupEvery
	e.mu.Unlock()

	if len(pending) > 0 {
		group, gctx := errgroup.WithContext(ctx)
		for _, providerID := range pending {
			providerID := providerID
			group.Go(func() error {
				start := time.Now()
				_, err := e.fetcher.FetchProviderPipelines(gctx, providerID)
				if e.recorder != nil {
					e.recorder.Record(providerID, time.Since(start), err)
				}
				if err != nil {
					e.logger.Warnw("priority refresh failed", "provider_id", providerID, "error", err)
				}
				return nil
			})
		}
		_ = group.Wait()
	}

	if mode == ModeActive && due {
		e.runFullRefresh(ctx)
	}

	if runCleanup {
		e.mu.Lock()
		e.lastMetricsCleanup = time.Now()
		e.mu.Unlock()
		if err := e.metrics.Cleanup(ctx); err != nil {
			e.logger.Warnw("metrics cleanup failed", "error", err)
		}
	}
}

func (e *Engine) runFullRefresh(ctx context.Context) {
	e.mu.Lock()
	e.lastRefreshAt = time.Now()
	previous := e.lastPipelines
	e.mu.Unlock()

	pipelines, err := e.fetcher.FetchAllPipelines(ctx)
	if err != nil {
		e.bus.Emit(domain.Event{
			Type:      domain.EventRefreshError,
			Timestamp: time.Now().UTC(),
			Payload:   domain.RefreshErrorPayload{Error: err.Error()},
		})
		return
	}

	e.bus.Emit(domain.Event{
		Type:      domain.EventPipelinesUpdated,
		Timestamp: time.Now().UTC(),
		Payload:   domain.PipelinesUpdatedPayload{Pipelines: pipelines},
	})

	if e.recorder != nil {
		e.recorder.SetPipelinesTracked(len(pipelines))
	}

	current := make(map[string]domain.Pipeline, len(pipelines))
	for _, p := range pipelines {
		current[p.ID] = p
	}

	changed, changedIDs := detectChange(previous, current)

	e.mu.Lock()
	e.lastPipelines = current
	if changed {
		e.interval = startInterval
		e.noChangeCount = 0
	} else {
		e.noChangeCount++
		if e.noChangeCount >= consecutiveNoChange {
			next := e.interval * backoffFactor
			if next > maxInterval {
				next = maxInterval
			}
			e.interval = next
		}
	}
	e.mu.Unlock()

	if changed {
		e.bus.Emit(domain.Event{
			Type:      domain.EventPipelineStatusChanged,
			Timestamp: time.Now().UTC(),
			Payload:   domain.PipelineStatusChangedPayload{Pipelines: pipelines},
		})
		for _, id := range changedIDs {
			e.cache.Invalidate(id)
		}
	}
}

// detectChange compares previous and current by pipeline ID: any size
// difference, any status difference, or any last-run difference counts as
// change. Absence of an ID on either side counts as change for that ID.
func detectChange(previous, current map[string]domain.Pipeline) (bool, []string) {
	if previous == nil {
		// First refresh after startup has nothing to compare against.
		ids := make([]string, 0, len(current))
		for id := range current {
			ids = append(ids, id)
		}
		return len(current) > 0, ids
	}

	changed := len(previous) != len(current)
	var changedIDs []string

	for id, curr := range current {
		prev, ok := previous[id]
		if !ok {
			changed = true
			changedIDs = append(changedIDs, id)
			continue
		}
		if prev.Status != curr.Status || !sameLastRun(prev.LastRunAt, curr.LastRunAt) {
			changed = true
			changedIDs = append(changedIDs, id)
		}
	}
	for id := range previous {
		if _, ok := current[id]; !ok {
			changed = true
			changedIDs = append(changedIDs, id)
		}
	}

	return changed, changedIDs
}

func sameLastRun(a, b *time.Time) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Equal(*b)
}
