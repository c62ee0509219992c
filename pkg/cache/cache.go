// Package cache memoizes computed config payloads. Entries are immutable:
// the first successful computation for a key wins and is retained for the
// lifetime of the cache, so readers can hold references without locking.
package cache

import (
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Key identifies a computed config payload. Distinct checksums for the same
// logical name are distinct entries; a schema change is never served stale.
type Key struct {
	Name      string
	Namespace string
	Checksum  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Namespace, k.Name, k.Checksum)
}

// ComputeFunc produces the payload for a key on a cache miss
type ComputeFunc func() ([]byte, error)

// ServerCache is a single-flight memoizing cache. Concurrent callers for
// the same key during the first computation share one execution and all
// observe its result. Failed computations are not cached.
type ServerCache struct {
	mu      sync.RWMutex
	entries map[Key][]byte
	group   singleflight.Group
}

// NewServerCache creates an empty cache
func NewServerCache() *ServerCache {
	return &ServerCache{
		entries: make(map[Key][]byte),
	}
}

// GetOrCompute returns the cached payload for key, computing it exactly
// once if absent.
func (c *ServerCache) GetOrCompute(key Key, compute ComputeFunc) ([]byte, error) {
	c.mu.RLock()
	payload, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		metrics.CacheHitsTotal.Inc()
		return payload, nil
	}

	metrics.CacheMissesTotal.Inc()

	result, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		// A racing computation may have stored the entry between the read
		// above and this flight starting.
		c.mu.RLock()
		payload, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return payload, nil
		}

		payload, err := compute()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if existing, ok := c.entries[key]; ok {
			// First writer wins.
			payload = existing
		} else {
			c.entries[key] = payload
		}
		c.mu.Unlock()

		return payload, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}

// Get returns the cached payload without computing
func (c *ServerCache) Get(key Key) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	payload, ok := c.entries[key]
	return payload, ok
}

// Len returns the number of cached entries
func (c *ServerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
