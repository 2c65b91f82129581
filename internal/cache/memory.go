package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/newscache/newscache/pkg/types"
)

// MemoryCache is the default fast-cache tier: an in-memory LRU keyed store
// with per-entry freshness. It implements types.FastCache.
type MemoryCache struct {
	mu         sync.RWMutex
	maxEntries int
	defaultTTL time.Duration
	clock      clockwork.Clock
	items      map[string]*list.Element
	evictList  *list.List
	size       int64
	stats      types.CacheStats
}

// MemoryCacheConfig represents fast-cache configuration
type MemoryCacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

type memoryItem struct {
	key       string
	data      json.RawMessage
	writtenAt time.Time
	ttl       time.Duration
}

// NewMemoryCache creates a new in-memory fast cache
func NewMemoryCache(config *MemoryCacheConfig, clock clockwork.Clock) *MemoryCache {
	if config == nil {
		config = &MemoryCacheConfig{
			MaxEntries: 1000,
			DefaultTTL: 5 * time.Minute,
		}
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &MemoryCache{
		maxEntries: config.MaxEntries,
		defaultTTL: config.DefaultTTL,
		clock:      clock,
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
	}
}

// Get returns the cached payload for key. Stale entries are still returned;
// freshness is a separate question answered by IsFresh.
func (c *MemoryCache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}

	c.evictList.MoveToFront(elem)
	c.stats.Hits++
	c.updateHitRate()
	return elem.Value.(*memoryItem).data, true
}

// Set stores the payload under key. A negative ttl falls back to the
// configured default; a zero ttl keeps the entry for reference but it is
// never fresh.
func (c *MemoryCache) Set(key string, data json.RawMessage, ttl time.Duration) {
	if ttl < 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		item := elem.Value.(*memoryItem)
		c.size += int64(len(data)) - int64(len(item.data))
		item.data = data
		item.writtenAt = c.clock.Now()
		item.ttl = ttl
		c.evictList.MoveToFront(elem)
		return
	}

	item := &memoryItem{
		key:       key,
		data:      data,
		writtenAt: c.clock.Now(),
		ttl:       ttl,
	}
	c.items[key] = c.evictList.PushFront(item)
	c.size += int64(len(data))

	for len(c.items) > c.maxEntries {
		c.evictOldest()
	}
}

// IsFresh reports whether key is present and inside its freshness window.
func (c *MemoryCache) IsFresh(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}

	item := elem.Value.(*memoryItem)
	return c.clock.Now().Sub(item.writtenAt) < item.ttl
}

// Delete removes a single key
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// DeleteFunc removes every key the predicate matches
func (c *MemoryCache) DeleteFunc(match func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []*list.Element
	for key, elem := range c.items {
		if match(key) {
			doomed = append(doomed, elem)
		}
	}
	for _, elem := range doomed {
		c.removeElement(elem)
	}
}

// Clear removes everything
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
	c.size = 0
}

// Stats returns tier statistics
func (c *MemoryCache) Stats() types.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Entries = len(c.items)
	stats.Size = c.size
	return stats
}

// evictOldest removes the LRU entry. Caller holds the lock.
func (c *MemoryCache) evictOldest() {
	elem := c.evictList.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	c.stats.Evictions++
}

// removeElement removes an element. Caller holds the lock.
func (c *MemoryCache) removeElement(elem *list.Element) {
	item := elem.Value.(*memoryItem)
	c.evictList.Remove(elem)
	delete(c.items, item.key)
	c.size -= int64(len(item.data))
}

func (c *MemoryCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
