package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records the outcome of one webhook event.
	// eventType: the provider type string (e.g., "subscription.created")
	// outcome: "applied", "ignored", "orphan", "skipped" or "failed"
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookProcessingDuration records how long a webhook request took.
	RecordWebhookProcessingDuration(provider string, duration time.Duration)

	// RecordWebhookError records a rejected or unreadable webhook request.
	// errorType: e.g. "auth_failed", "auth_forbidden", "auth_degraded", "invalid_payload"
	RecordWebhookError(provider, errorType string)

	// RecordStatusChange records a subscription status transition.
	RecordStatusChange(provider, fromStatus, toStatus string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: the API endpoint template (e.g., "/subscriptions/{id}/cancel")
	// status: "success", "error" or an HTTP status code
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                         {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                            {}
func (n *NoopMetrics) RecordStatusChange(_, _, _ string)                         {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)        {}
