package entitle

import "time"

// Metrics defines the interface for tracking entitlement resolution.
type Metrics interface {
	// RecordResolution records one resolver run. outcome is "paid", "freemium" or "degraded".
	RecordResolution(plan PlanName, outcome string, duration time.Duration)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "entitlement").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordSingleFlightShared records a caller that received another caller's in-flight result.
	RecordSingleFlightShared()

	// RecordLazyExpiry records a lapsed row flipped to expired on read.
	RecordLazyExpiry(changed bool)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordPollerRefresh records a reconciliation refresh. trigger is "checkout" or "background".
	RecordPollerRefresh(trigger string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordResolution(_ PlanName, _ string, _ time.Duration)    {}
func (n *NoopMetrics) RecordCacheHit(_ string)                                   {}
func (n *NoopMetrics) RecordCacheMiss(_ string)                                  {}
func (n *NoopMetrics) RecordSingleFlightShared()                                 {}
func (n *NoopMetrics) RecordLazyExpiry(_ bool)                                   {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
func (n *NoopMetrics) RecordPollerRefresh(_ string)                              {}
