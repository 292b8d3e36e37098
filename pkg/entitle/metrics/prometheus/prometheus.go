// Package prommetrics implements entitle.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Metrics implements entitle.Metrics using Prometheus.
type Metrics struct {
	resolutionsTotal           *prometheus.CounterVec
	resolutionDuration         *prometheus.HistogramVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	singleFlightSharedTotal    prometheus.Counter
	lazyExpiriesTotal          *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	pollerRefreshesTotal       *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		resolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_resolutions_total",
			Help:      "Total number of entitlement resolutions against the canonical store.",
		}, []string{"plan", "outcome"}),

		resolutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entitlement_resolution_duration_seconds",
			Help:      "Latency of entitlement resolutions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		singleFlightSharedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_singleflight_shared_total",
			Help:      "Total number of callers served by another caller's in-flight resolution.",
		}),

		lazyExpiriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_lazy_expiries_total",
			Help:      "Total number of lapsed subscriptions expired on read.",
		}, []string{"changed"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		pollerRefreshesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_refreshes_total",
			Help:      "Total number of reconciliation poller refreshes.",
		}, []string{"trigger"}),
	}
}

func (m *Metrics) RecordResolution(plan entitle.PlanName, outcome string, duration time.Duration) {
	m.resolutionsTotal.WithLabelValues(string(plan), outcome).Inc()
	m.resolutionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordSingleFlightShared() {
	m.singleFlightSharedTotal.Inc()
}

func (m *Metrics) RecordLazyExpiry(changed bool) {
	m.lazyExpiriesTotal.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordPollerRefresh(trigger string) {
	m.pollerRefreshesTotal.WithLabelValues(trigger).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
