package authz

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Decision cache defaults. The TTL is a backstop against invalidation
// bugs, not the primary invalidation mechanism: every mutation path
// calls InvalidateRole before returning.
const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultCacheCapacity = 10000
)

type cacheEntry struct {
	allowed   bool
	reason    string
	timestamp time.Time
}

// DecisionCache is a bounded in-memory accelerator for permission
// decisions, keyed by (role, path). It is never the source of truth and
// is always constructed and injected explicitly so tests own a fresh
// instance per case.
type DecisionCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// NewDecisionCache constructs a cache with the given TTL and capacity;
// zero values fall back to the defaults.
func NewDecisionCache(ttl time.Duration, capacity int) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &DecisionCache{
		entries:  make(map[string]cacheEntry),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

func cacheKey(roleID int64, path string) string {
	return strconv.FormatInt(roleID, 10) + ":" + path
}

// Get returns the cached decision, or ok=false when absent or expired.
// Expired entries are deleted lazily.
func (c *DecisionCache) Get(roleID int64, path string) (Decision, bool) {
	key := cacheKey(roleID, path)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	if c.now().Sub(entry.timestamp) >= c.ttl {
		delete(c.entries, key)
		return Decision{}, false
	}
	return Decision{Allowed: entry.allowed, Reason: entry.reason, Path: path}, true
}

// Set stores a decision, bulk-evicting the oldest 20% of entries first
// when the cache is full. Amortized bulk eviction keeps the worst-case
// insert cost bounded without per-item LRU bookkeeping.
func (c *DecisionCache) Set(roleID int64, path string, allowed bool, reason string) {
	key := cacheKey(roleID, path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{allowed: allowed, reason: reason, timestamp: c.now()}
}

func (c *DecisionCache) evictOldestLocked() {
	count := c.capacity / 5
	if count < 1 {
		count = 1
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		all = append(all, aged{key: key, at: entry.timestamp})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	if count > len(all) {
		count = len(all)
	}
	for _, victim := range all[:count] {
		delete(c.entries, victim.key)
	}
}

// InvalidateRole removes every cached decision for the role. Mutation
// paths call this after their store commit and before returning, so a
// caller that observed the mutation can never read a stale decision.
func (c *DecisionCache) InvalidateRole(roleID int64) {
	prefix := strconv.FormatInt(roleID, 10) + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Clear empties the cache.
func (c *DecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Len reports the number of live entries, expired or not.
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
