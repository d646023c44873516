package cache

import (
	"time"

	c "github.com/patrickmn/go-cache"
)

// ContextLockCache marks contexts that are being transitioned. A lock that
// is never released expires after ttl.
type ContextLockCache struct {
	cache *c.Cache
	ttl   time.Duration
}

func NewContextLockCache(ttl time.Duration) *ContextLockCache {
	return &ContextLockCache{
		cache: c.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Lock returns false when contextId is already locked.
func (ch *ContextLockCache) Lock(contextId string) bool {
	return ch.cache.Add(contextId, time.Now(), ch.ttl) == nil
}

func (ch *ContextLockCache) Unlock(contextId string) {
	ch.cache.Delete(contextId)
}

func (ch *ContextLockCache) IsLocked(contextId string) bool {
	_, found := ch.cache.Get(contextId)
	return found
}

func (ch *ContextLockCache) Count() int {
	return ch.cache.ItemCount()
}
