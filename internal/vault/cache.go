package vault

import (
	"sync"
	"time"

	"tempora.app/internal/obs"
)

// dekCache keeps unwrapped DEKs in memory with a TTL. It is an optimization,
// not a correctness dependency: eviction or multi-instance incoherence only
// costs an extra unwrap from storage.
type dekCache struct {
	mu      sync.Mutex
	entries map[string]dekEntry
	ttl     time.Duration
	now     func() time.Time
}

type dekEntry struct {
	dek       []byte
	expiresAt time.Time
}

func newDEKCache(ttl time.Duration) *dekCache {
	return &dekCache{
		entries: make(map[string]dekEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *dekCache) get(workspaceID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[workspaceID]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, workspaceID)
		obs.ObserveDEKCacheLookup("miss")
		return nil, false
	}
	obs.ObserveDEKCacheLookup("hit")
	return e.dek, true
}

func (c *dekCache) put(workspaceID string, dek []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[workspaceID] = dekEntry{dek: dek, expiresAt: c.now().Add(c.ttl)}
}
