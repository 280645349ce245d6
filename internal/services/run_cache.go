// Package services – RunCache
//
// Per-run memo of identity lookups, misses included. A new cache is created
// for every run and dropped with it.
package services

import (
	"github.com/patrickmn/go-cache"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// RunCache memoizes voice identity lookups for the duration of one run. A
// fresh cache is created per invocation and dropped when it ends, so
// concurrent invocations never observe each other's entries.
type RunCache struct {
	c *cache.Cache
}

// NewRunCache returns an empty cache.
func NewRunCache() *RunCache {
	return &RunCache{c: cache.New(cache.NoExpiration, 0)}
}

// identityEntry caches misses as well as hits.
type identityEntry struct {
	v *domain.VoiceIdentity
}

func identityKey(ownerID, resourceID string) string {
	return "identity:" + ownerID + "/" + resourceID
}

func (rc *RunCache) identity(ownerID, resourceID string) (*domain.VoiceIdentity, bool) {
	if rc == nil {
		return nil, false
	}
	v, ok := rc.c.Get(identityKey(ownerID, resourceID))
	if !ok {
		return nil, false
	}
	return v.(identityEntry).v, true
}

func (rc *RunCache) setIdentity(ownerID, resourceID string, v *domain.VoiceIdentity) {
	if rc == nil {
		return
	}
	rc.c.SetDefault(identityKey(ownerID, resourceID), identityEntry{v: v})
}

// Len reports the number of cached entries.
func (rc *RunCache) Len() int {
	if rc == nil {
		return 0
	}
	return rc.c.ItemCount()
}
