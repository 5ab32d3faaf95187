package cache

import (
	"sync"
)

// Coalescer deduplicates concurrent calls sharing a fingerprint: the first
// caller to arrive becomes the owner and executes op; every other caller
// attaches to the owner's waiter list and receives the same result. If the
// owner's goroutine panics or otherwise never delivers, waiters fall back to
// running op themselves rather than blocking forever — this is the
// documented divergence from golang.org/x/sync/singleflight, whose Do never
// gives a concurrent caller a deliver-or-fallback path.
type Coalescer struct {
	mu      sync.Mutex
	waiters map[string][]chan result
}

type result struct {
	value any
	err   error
}

func NewCoalescer() *Coalescer {
	return &Coalescer{waiters: make(map[string][]chan result)}
}

// Do executes op at most once per concurrently-overlapping fingerprint,
// returning op's result to every caller sharing that fingerprint.
func (c *Coalescer) Do(fingerprint string, op func() (any, error)) (any, error) {
	c.mu.Lock()
	if waiters, inFlight := c.waiters[fingerprint]; inFlight {
		ch := make(chan result, 1)
		c.waiters[fingerprint] = append(waiters, ch)
		c.mu.Unlock()

		r, delivered := <-ch
		if delivered {
			return r.value, r.err
		}
		// Owner's channel was closed without a delivery (dropped sender):
		// fall back to running the operation ourselves.
		return op()
	}

	c.waiters[fingerprint] = nil
	c.mu.Unlock()

	value, err := c.run(fingerprint, op)
	return value, err
}

func (c *Coalescer) run(fingerprint string, op func() (any, error)) (value any, err error) {
	delivered := false
	defer func() {
		c.mu.Lock()
		waiters := c.waiters[fingerprint]
		delete(c.waiters, fingerprint)
		c.mu.Unlock()

		for _, ch := range waiters {
			if delivered {
				ch <- result{value: value, err: err}
			}
			close(ch)
		}
	}()

	value, err = op()
	delivered = true
	return value, err
}
