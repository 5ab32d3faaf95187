package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pipedash/pipedash/pkg/domain"
)

// RunHistoryTTL is the freshness window for cached run histories.
const RunHistoryTTL = 120 * time.Second

type runHistoryEntry struct {
	runs       []domain.PipelineRun
	isComplete bool
	fetchedAt  time.Time
}

func (e runHistoryEntry) fresh(now time.Time) bool {
	return now.Sub(e.fetchedAt) < RunHistoryTTL
}

// RunHistoryCache maps a pipeline ID to its cached run window. A window
// "covers" page P of size S if either len(runs) >= P*S, or the cache already
// observed the end of history (isComplete).
type RunHistoryCache struct {
	mu    sync.Mutex
	clock clockwork.Clock
	items map[string]runHistoryEntry
}

func NewRunHistoryCache() *RunHistoryCache {
	return NewRunHistoryCacheWithClock(clockwork.NewRealClock())
}

func NewRunHistoryCacheWithClock(clock clockwork.Clock) *RunHistoryCache {
	return &RunHistoryCache{clock: clock, items: make(map[string]runHistoryEntry)}
}

// Fetcher is the driver call the cache falls back to on a miss: fetch up to
// limit runs, returning the full set observed (the cache trims to the
// requested page itself).
type Fetcher func(limit int) (runs []domain.PipelineRun, err error)

// Page serves page/pageSize for pipelineID, calling fetch at most once if the
// cache can't satisfy the request from what it already holds.
func (c *RunHistoryCache) Page(pipelineID string, page domain.Page, fetch Fetcher) (domain.PaginatedRunHistory, error) {
	if err := page.Validate(); err != nil {
		return domain.PaginatedRunHistory{}, err
	}

	c.mu.Lock()
	entry, ok := c.items[pipelineID]
	endIndex := page.Page * page.PageSize
	satisfied := ok && entry.fresh(c.clock.Now()) && (len(entry.runs) >= endIndex || entry.isComplete)
	c.mu.Unlock()

	if !satisfied {
		limit := fetchLimit(endIndex)
		runs, err := fetch(limit)
		if err != nil {
			return domain.PaginatedRunHistory{}, err
		}
		entry = runHistoryEntry{
			runs:       runs,
			isComplete: len(runs) < limit,
			fetchedAt:  c.clock.Now(),
		}
		c.mu.Lock()
		c.items[pipelineID] = entry
		c.mu.Unlock()
	}

	return sliceRunHistory(entry, page), nil
}

// Invalidate drops the cached window for a pipeline.
func (c *RunHistoryCache) Invalidate(pipelineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, pipelineID)
}

// InvalidateAll clears every cached pipeline's run history window.
func (c *RunHistoryCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]runHistoryEntry)
}

// Len reports the number of pipelines currently holding a cached window.
func (c *RunHistoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// fetchLimit computes ceil(endIndex/100)*100 capped at 1000, per the run
// history cache's fetch-growth rule.
func fetchLimit(endIndex int) int {
	limit := ((endIndex + 99) / 100) * 100
	if limit > 1000 {
		limit = 1000
	}
	if limit < 100 {
		limit = 100
	}
	return limit
}

func sliceRunHistory(entry runHistoryEntry, page domain.Page) domain.PaginatedRunHistory {
	start := (page.Page - 1) * page.PageSize
	end := start + page.PageSize
	total := len(entry.runs)
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return domain.PaginatedRunHistory{
		Runs:       entry.runs[start:end],
		TotalCount: total,
		HasMore:    end < total || !entry.isComplete,
		IsComplete: entry.isComplete,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: (total + page.PageSize - 1) / page.PageSize,
	}
}
