package entitle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL    = 5 * time.Second
	defaultDegradedTTL = time.Second
	defaultCacheSize   = 10000
	cacheTypeEnt       = "entitlement"
)

// Config configures a Manager.
type Config struct {
	// CacheTTL is how long a resolved entitlement is reused (default 5s)
	CacheTTL time.Duration

	// DegradedTTL is the TTL for fail-open results (default 1s)
	DegradedTTL time.Duration

	// CacheSize bounds the default LRU cache (default 10000 accounts)
	CacheSize int

	// Cache overrides the default LRU cache. Use NewNoopCache to disable caching.
	Cache Cache

	// Clock drives period comparisons and cache expiry (default SystemClock)
	Clock Clock

	// CircuitBreaker wraps storage when non-nil; an open circuit resolves to freemium
	CircuitBreaker *CircuitBreakerConfig

	Logger  Logger
	Metrics Metrics
}

// Manager is the composition root of entitlement reads: a short-TTL cache
// and per-account single-flight in front of the Resolver.
type Manager struct {
	storage  Storage
	resolver *Resolver
	cache    Cache
	group    singleflight.Group
	config   Config
	logger   Logger
	metrics  Metrics

	genMu       sync.Mutex
	generations map[string]uint64
}

// NewManager creates a Manager reading from storage.
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.CacheTTL <= 0 {
		config.CacheTTL = defaultCacheTTL
	}
	if config.DegradedTTL <= 0 {
		config.DegradedTTL = defaultDegradedTTL
	}
	if config.CacheSize <= 0 {
		config.CacheSize = defaultCacheSize
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Cache == nil {
		config.Cache = NewLRUCache(config.CacheSize, config.Clock)
	}

	if config.CircuitBreaker != nil {
		metrics := config.Metrics
		logger := config.Logger
		cb := NewCircuitBreaker(*config.CircuitBreaker, config.Clock, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("storage circuit breaker state changed", F("state", string(state)))
		})
		storage = NewCircuitBreakerStorage(storage, cb)
	}

	resolver, err := NewResolver(storage,
		WithClock(config.Clock),
		WithLogger(config.Logger),
		WithMetrics(config.Metrics),
	)
	if err != nil {
		return nil, err
	}

	return &Manager{
		storage:     storage,
		resolver:    resolver,
		cache:       config.Cache,
		config:      config,
		logger:      config.Logger,
		metrics:     config.Metrics,
		generations: make(map[string]uint64),
	}, nil
}

// Storage returns the (possibly circuit-protected) storage the manager reads.
func (m *Manager) Storage() Storage { return m.storage }

// Clock returns the manager clock.
func (m *Manager) Clock() Clock { return m.config.Clock }

// Entitlement returns the account's entitlement, served from cache when
// fresh. Concurrent misses for one account share a single resolution.
func (m *Manager) Entitlement(ctx context.Context, accountID string) *Entitlement {
	if ent, ok := m.cache.GetEntitlement(accountID); ok {
		m.metrics.RecordCacheHit(cacheTypeEnt)
		return ent
	}
	m.metrics.RecordCacheMiss(cacheTypeEnt)
	return m.resolve(ctx, accountID)
}

// Refresh drops any cached value and resolves again against the store.
func (m *Manager) Refresh(ctx context.Context, accountID string) *Entitlement {
	m.Invalidate(accountID)
	return m.resolve(ctx, accountID)
}

// Invalidate drops the cached entitlement. A resolution already in flight
// for the account will not repopulate the cache.
func (m *Manager) Invalidate(accountID string) {
	m.genMu.Lock()
	m.generations[accountID]++
	m.genMu.Unlock()
	m.group.Forget(accountID)
	m.cache.InvalidateEntitlement(accountID)
}

// HasFeatureAccess reports whether the account may use the feature.
func (m *Manager) HasFeatureAccess(ctx context.Context, accountID, key string) bool {
	return m.Entitlement(ctx, accountID).HasFeatureAccess(key)
}

// IsActive reports whether the account has an access-granting subscription.
func (m *Manager) IsActive(ctx context.Context, accountID string) bool {
	return m.Entitlement(ctx, accountID).IsActive()
}

// IsFreemium reports whether the account is on the free tier.
func (m *Manager) IsFreemium(ctx context.Context, accountID string) bool {
	return m.Entitlement(ctx, accountID).IsFreemium()
}

// IsPaid reports whether the account is on an active paid plan.
func (m *Manager) IsPaid(ctx context.Context, accountID string) bool {
	return m.Entitlement(ctx, accountID).IsPaid()
}

// PlanLimit returns the feature limit, or nil for unlimited/unknown.
func (m *Manager) PlanLimit(ctx context.Context, accountID, key string) *int64 {
	return m.Entitlement(ctx, accountID).PlanLimit(key)
}

// CacheStats exposes the underlying cache statistics.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

func (m *Manager) resolve(ctx context.Context, accountID string) *Entitlement {
	gen := m.generation(accountID)
	v, _, shared := m.group.Do(accountID, func() (interface{}, error) {
		// One caller giving up must not fail the result shared with the others.
		ent := m.resolver.Resolve(context.WithoutCancel(ctx), accountID)
		ttl := m.config.CacheTTL
		if ent.Degraded {
			ttl = m.config.DegradedTTL
		}
		if m.generation(accountID) == gen {
			m.cache.SetEntitlement(accountID, ent, ttl)
		}
		return ent, nil
	})
	if shared {
		m.metrics.RecordSingleFlightShared()
	}
	return v.(*Entitlement).Clone()
}

func (m *Manager) generation(accountID string) uint64 {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	return m.generations[accountID]
}
