package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pipedash/pipedash/pkg/domain"
)

// WorkflowParamsTTL is the freshness window for cached trigger parameters;
// these change far less often than run state, so the TTL is longer than the
// run-history cache's.
const WorkflowParamsTTL = 10 * time.Minute

// WorkflowParamsCache caches the trigger-time parameter list per pipeline.
type WorkflowParamsCache struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	items map[string]domain.CacheEntry[[]domain.WorkflowParameter]
}

func NewWorkflowParamsCache() *WorkflowParamsCache {
	return NewWorkflowParamsCacheWithClock(clockwork.NewRealClock())
}

func NewWorkflowParamsCacheWithClock(clock clockwork.Clock) *WorkflowParamsCache {
	return &WorkflowParamsCache{clock: clock, items: make(map[string]domain.CacheEntry[[]domain.WorkflowParameter])}
}

func (c *WorkflowParamsCache) Get(pipelineID string) ([]domain.WorkflowParameter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.items[pipelineID]
	if !ok || !entry.Fresh(c.clock.Now(), WorkflowParamsTTL) {
		return nil, false
	}
	return entry.Value, true
}

func (c *WorkflowParamsCache) Put(pipelineID string, params []domain.WorkflowParameter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[pipelineID] = domain.CacheEntry[[]domain.WorkflowParameter]{
		Value: params, FetchedAt: c.clock.Now(), IsComplete: true,
	}
}

func (c *WorkflowParamsCache) Invalidate(pipelineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, pipelineID)
}

// InvalidateAll clears every cached pipeline's parameter list.
func (c *WorkflowParamsCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]domain.CacheEntry[[]domain.WorkflowParameter])
}

// Len reports the number of pipelines currently holding cached parameters.
func (c *WorkflowParamsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
