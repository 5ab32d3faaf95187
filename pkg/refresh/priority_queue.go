// Package refresh implements the adaptive polling scheduler: a priority
// queue for user-requested fast-path refreshes, and a ticking engine that
// drives scheduled fleet-wide refreshes with exponential backoff on
// idleness.
package refresh

import (
	"container/heap"
	"time"
)

// priorityQueueItem is one pending provider refresh request, ordered by
// arrival time (FIFO), the same shape as the teacher's concurrency lease
// queue but keyed by a provider ID rather than a string.
type priorityQueueItem struct {
	providerID int64
	priority   int64
	index      int
}

// PriorityQueue is a FIFO-by-arrival min-heap of provider IDs awaiting an
// expedited refresh, deduplicated on insert.
type PriorityQueue struct {
	items      []*priorityQueueItem
	itemByID   map[int64]*priorityQueueItem
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{itemByID: make(map[int64]*priorityQueueItem)}
}

// IsPending reports whether providerID already has a queued request.
func (pq *PriorityQueue) IsPending(providerID int64) bool {
	_, exists := pq.itemByID[providerID]
	return exists
}

// Add enqueues providerID unless it is already pending.
func (pq *PriorityQueue) Add(providerID int64) {
	if pq.IsPending(providerID) {
		return
	}
	item := &priorityQueueItem{providerID: providerID, priority: time.Now().UnixNano()}
	heap.Push(pq, item)
}

// DrainAll pops every pending item in FIFO order and clears the queue.
func (pq *PriorityQueue) DrainAll() []int64 {
	out := make([]int64, 0, pq.Len())
	for pq.Len() > 0 {
		item := heap.Pop(pq).(*priorityQueueItem)
		out = append(out, item.providerID)
	}
	return out
}

func (pq *PriorityQueue) Len() int { return len(pq.items) }

func (pq *PriorityQueue) Less(i, j int) bool { return pq.items[i].priority < pq.items[j].priority }

func (pq *PriorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *PriorityQueue) Push(x any) {
	item := x.(*priorityQueueItem)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
	pq.itemByID[item.providerID] = item
}

func (pq *PriorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	item.index = -1
	pq.items = old[:n-1]
	delete(pq.itemByID, item.providerID)
	return item
}
