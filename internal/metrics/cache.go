package metrics

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultCacheTTL    = 30 * time.Second
	projectionCacheTTL = 300 * time.Second
)

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// ttlCache is a small in-memory result cache keyed by query+filters.
type ttlCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newTTLCache() *ttlCache {
	return &ttlCache{entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// invalidate drops entries whose results include the given project's rows,
// or every summary entry when project is empty.
func (c *ttlCache) invalidate(project string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if project == "" {
			if strings.HasPrefix(key, "summary:") {
				delete(c.entries, key)
			}
			continue
		}
		if keyIncludesProject(key, project) {
			delete(c.entries, key)
		}
	}
}

// keyIncludesProject reports whether a cached report is stale after an
// insert for project. Keys are "<kind>:<project-filter>:...", except the
// cross-project rollup; unfiltered reports aggregate every project's rows,
// so they go stale on any insert.
func keyIncludesProject(key, project string) bool {
	if strings.HasPrefix(key, "by-project:") {
		return true
	}
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return false
	}
	return parts[1] == "" || parts[1] == project
}
