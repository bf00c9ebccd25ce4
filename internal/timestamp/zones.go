package timestamp

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultZoneCacheSize = 64

// ZoneCache caches *time.Location lookups by IANA name
type ZoneCache struct {
	cache *lru.Cache[string, *time.Location]
}

// NewZoneCache creates a zone cache holding up to size locations
func NewZoneCache(size int) (*ZoneCache, error) {
	if size <= 0 {
		size = defaultZoneCacheSize
	}
	cache, err := lru.New[string, *time.Location](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create zone cache: %w", err)
	}
	return &ZoneCache{cache: cache}, nil
}

// LoadZone returns the location for name. Empty name means UTC.
func (z *ZoneCache) LoadZone(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if loc, ok := z.cache.Get(name); ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", name, err)
	}
	z.cache.Add(name, loc)
	return loc, nil
}

// Len returns the number of cached zones
func (z *ZoneCache) Len() int {
	return z.cache.Len()
}
