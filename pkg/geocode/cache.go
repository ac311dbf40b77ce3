package geocode

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

const (
	// DefaultCacheTTL bounds how long a resolved address is reused
	DefaultCacheTTL = 24 * time.Hour
	// DefaultCacheSize caps the number of cached grid cells
	DefaultCacheSize = 1024

	// four decimals is roughly an 11 m grid at the equator
	gridScale = 1e4
)

// CachingGeocoder memoizes resolved addresses per grid cell in a size-bounded,
// expiring LRU. Misses and errors go straight through and are never cached.
type CachingGeocoder struct {
	inner   tracking.ReverseGeocoder
	entries *expirable.LRU[string, string]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachingGeocoder wraps inner with a TTL cache holding at most maxSize cells
func NewCachingGeocoder(inner tracking.ReverseGeocoder, ttl time.Duration, maxSize int) *CachingGeocoder {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &CachingGeocoder{
		inner:   inner,
		entries: expirable.NewLRU[string, string](maxSize, nil, ttl),
	}
}

// Resolve serves the address from cache when fresh, otherwise asks the wrapped geocoder
func (c *CachingGeocoder) Resolve(ctx context.Context, lat, lng float64) (string, error) {
	key := cellKey(lat, lng)

	if address, ok := c.entries.Get(key); ok {
		c.hits.Add(1)
		return address, nil
	}
	c.misses.Add(1)

	address, err := c.inner.Resolve(ctx, lat, lng)
	if err != nil || address == "" {
		return address, err
	}
	c.entries.Add(key, address)
	return address, nil
}

// Stats returns cache hit and miss counts and the number of cached cells
func (c *CachingGeocoder) Stats() (hits, misses, size int) {
	return int(c.hits.Load()), int(c.misses.Load()), c.entries.Len()
}

func cellKey(lat, lng float64) string {
	return fmt.Sprintf("%d:%d", int64(math.Round(lat*gridScale)), int64(math.Round(lng*gridScale)))
}
