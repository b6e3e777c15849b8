package bus

import "sync"

// DedupeCache is a bounded recently-seen set of platform message ids,
// guarding against duplicate webhook delivery. Webhook retries arrive
// within a short window, so approximate recency is enough: once the set
// exceeds its capacity the oldest evictBatch ids are dropped in one step
// instead of tracking strict LRU order.
type DedupeCache struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string // insertion order, for batch eviction
	capacity int
	evict    int
}

const (
	defaultDedupeCapacity = 1000
	defaultDedupeEvict    = 100
)

// NewDedupeCache creates a cache with the given capacity and eviction
// batch size. Zero or negative values fall back to the defaults
// (1000 ids, evict 100 at a time).
func NewDedupeCache(capacity, evictBatch int) *DedupeCache {
	if capacity <= 0 {
		capacity = defaultDedupeCapacity
	}
	if evictBatch <= 0 || evictBatch > capacity {
		evictBatch = defaultDedupeEvict
	}
	return &DedupeCache{
		seen:     make(map[string]struct{}, capacity),
		capacity: capacity,
		evict:    evictBatch,
	}
}

// Seen reports whether id has been remembered.
func (c *DedupeCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[id]
	return ok
}

// Remember records id, evicting the oldest batch when over capacity.
func (c *DedupeCache) Remember(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remember(id)
}

// SeenOrRemember atomically checks and records id. Returns true if the id
// was already present (the caller must drop the event with no side effects).
func (c *DedupeCache) SeenOrRemember(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.remember(id)
	return false
}

// Len returns the current number of remembered ids.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *DedupeCache) remember(id string) {
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)

	if len(c.seen) > c.capacity {
		for _, old := range c.order[:c.evict] {
			delete(c.seen, old)
		}
		c.order = append(c.order[:0], c.order[c.evict:]...)
	}
}
