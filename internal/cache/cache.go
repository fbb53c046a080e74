package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
)

// Backend names accepted by config.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
)

// Cache stores computed overlays keyed by site, volume and parameters.
// Get returns (zero, false, nil) on a miss or expired entry.
type Cache interface {
	Get(ctx context.Context, key string) (models.OverlayResult, bool, error)
	Set(ctx context.Context, key string, value models.OverlayResult, ttl time.Duration) error
}

// Pinger is implemented by backends that can report reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InMemoryCache implements Cache with a mutex-guarded map and TTL expiry. Expired entries
// are removed on access; when MaxEntries is reached the entry closest to expiry is evicted.
type InMemoryCache struct {
	mu         sync.Mutex
	data       map[string]cacheEntry
	maxEntries int
	clock      clockwork.Clock
}

type cacheEntry struct {
	value     models.OverlayResult
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache. maxEntries <= 0 means unbounded.
func NewInMemoryCache(maxEntries int) *InMemoryCache {
	return NewInMemoryCacheWithClock(maxEntries, clockwork.NewRealClock())
}

// NewInMemoryCacheWithClock is NewInMemoryCache with an injected clock.
func NewInMemoryCacheWithClock(maxEntries int, clock clockwork.Clock) *InMemoryCache {
	return &InMemoryCache{
		data:       make(map[string]cacheEntry),
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.OverlayResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return models.OverlayResult{}, false, nil
	}
	if c.clock.Now().After(entry.expiresAt) {
		delete(c.data, key)
		return models.OverlayResult{}, false, nil
	}
	return entry.value, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.OverlayResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if _, exists := c.data[key]; !exists && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.data[key] = cacheEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Ping implements Pinger; the in-memory cache is always reachable.
func (c *InMemoryCache) Ping(ctx context.Context) error {
	return nil
}

// evictLocked drops expired entries, or failing that the one expiring soonest.
func (c *InMemoryCache) evictLocked(now time.Time) {
	var victim string
	var earliest time.Time
	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
			continue
		}
		if victim == "" || e.expiresAt.Before(earliest) {
			victim, earliest = k, e.expiresAt
		}
	}
	if len(c.data) >= c.maxEntries && victim != "" {
		delete(c.data, victim)
	}
}
