package entitle

import (
	"sync"
	"time"
)

// Cache stores resolved entitlements per account for a short TTL.
// It is advisory only; the canonical store is always the source of truth.
type Cache interface {
	// GetEntitlement returns a copy of the cached entitlement and true if
	// present and not expired.
	GetEntitlement(accountID string) (*Entitlement, bool)

	// SetEntitlement stores an entitlement with TTL
	SetEntitlement(accountID string, ent *Entitlement, ttl time.Duration)

	// InvalidateEntitlement removes an entitlement from the cache
	InvalidateEntitlement(accountID string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	value      *Entitlement
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// NoopCache is a cache implementation that does nothing
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) GetEntitlement(_ string) (*Entitlement, bool)             { return nil, false }
func (c *NoopCache) SetEntitlement(_ string, _ *Entitlement, _ time.Duration) {}
func (c *NoopCache) InvalidateEntitlement(_ string)                           {}
func (c *NoopCache) Clear()                                                   {}
func (c *NoopCache) Stats() CacheStats                                        { return CacheStats{} }

// LRUCache is a bounded in-memory cache with TTL driven by an injected clock.
type LRUCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	clock      Clock
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
}

// NewLRUCache creates a cache holding at most maxEntries accounts.
// A nil clock uses the system clock.
func NewLRUCache(maxEntries int, clock Clock) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &LRUCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
		clock:      clock,
	}
}

func (c *LRUCache) GetEntitlement(accountID string) (*Entitlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry, ok := c.entries[accountID]
	if !ok || !now.Before(entry.expiration) {
		if ok {
			delete(c.entries, accountID)
		}
		c.misses++
		return nil, false
	}

	entry.accessTime = now
	c.hits++
	return entry.value.Clone(), true
}

func (c *LRUCache) SetEntitlement(accountID string, ent *Entitlement, ttl time.Duration) {
	if ent == nil || ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, exists := c.entries[accountID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[accountID] = &cacheEntry{
		value:      ent.Clone(),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest drops the least recently used entry. Caller holds mu.
func (c *LRUCache) evictOldest() {
	var (
		oldestKey  string
		oldestTime time.Time
		oldestSeq  int64
		first      = true
	)
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) InvalidateEntitlement(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
