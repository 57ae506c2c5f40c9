package weather

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/floodwatch/internal/models"
)

const DefaultCacheTTL = 10 * time.Minute

type cacheKey struct {
	lat, lon int64
}

type cacheEntry struct {
	sample    models.WeatherSample
	fetchedAt time.Time
}

// Cache serves repeat lookups for nearby coordinates from memory. Keys are
// coordinates rounded to 0.01 degrees; failures are never cached.
type Cache struct {
	next  Fetcher
	ttl   time.Duration
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

func NewCache(next Fetcher, ttl time.Duration, clock clockwork.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{next: next, ttl: ttl, clock: clock, entries: make(map[cacheKey]cacheEntry)}
}

func keyFor(lat, lon float64) cacheKey {
	return cacheKey{lat: int64(math.Round(lat * 100)), lon: int64(math.Round(lon * 100))}
}

func (c *Cache) Current(ctx context.Context, lat, lon float64) (models.WeatherSample, error) {
	if err := models.ValidateCoordinates(lat, lon); err != nil {
		return models.WeatherSample{}, err
	}
	key := keyFor(lat, lon)
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Sub(e.fetchedAt) < c.ttl {
		return e.sample, nil
	}

	sample, err := c.next.Current(ctx, lat, lon)
	if err != nil {
		return models.WeatherSample{}, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{sample: sample, fetchedAt: now}
	for k, v := range c.entries {
		if now.Sub(v.fetchedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	return sample, nil
}

// Purge drops every cached sample.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]cacheEntry)
}
