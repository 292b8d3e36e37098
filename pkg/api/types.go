package api

import (
	"encoding/json"
	"time"
)

// SubscriptionActionRequest is the body of the cancel and reactivate endpoints
type SubscriptionActionRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	AccountID      string `json:"accountId"`
}

// SubscriptionActionResponse acknowledges a provider-side change. Local state
// becomes canonical once the matching webhook arrives.
type SubscriptionActionResponse struct {
	Status          string          `json:"status"` // always "pending_confirmation"
	SubscriptionID  string          `json:"subscriptionId"`
	ScheduledChange json.RawMessage `json:"scheduledChange"`
}

// EntitlementResponse is the resolved entitlement of the caller
type EntitlementResponse struct {
	AccountID         string                     `json:"account_id"`
	Plan              string                     `json:"plan"`
	Status            string                     `json:"status"`
	Active            bool                       `json:"active"`
	Paid              bool                       `json:"paid"`
	Freemium          bool                       `json:"freemium"`
	Features          map[string]FeatureResponse `json:"features"`
	Provider          string                     `json:"provider,omitempty"`
	SubscriptionID    string                     `json:"subscription_id,omitempty"`
	AccessEndsAt      *time.Time                 `json:"access_ends_at,omitempty"`
	CancelAtPeriodEnd bool                       `json:"cancel_at_period_end"`
	Degraded          bool                       `json:"degraded"`
	ResolvedAt        time.Time                  `json:"resolved_at"`
}

// FeatureResponse describes one enabled feature. Limit is omitted when unlimited.
type FeatureResponse struct {
	Limit *int64 `json:"limit,omitempty"`
}

// ManageResponse carries the provider's account-management URL
type ManageResponse struct {
	URL string `json:"url"`
}
