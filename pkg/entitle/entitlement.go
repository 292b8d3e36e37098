package entitle

import "time"

// Entitlement is the resolved feature/limit set of an account at a point in
// time. It is derived on read and never persisted.
type Entitlement struct {
	AccountID string
	Plan      Plan
	// Status is the status of the row the entitlement was derived from,
	// or StatusNone when the account has no subscription.
	Status Status
	// Active is true when a paid or trial row currently grants access.
	Active bool
	// Features holds the enabled features of the effective plan keyed by feature key.
	Features map[string]Feature
	// SubscriptionID is the provider id of the row in effect, if any.
	SubscriptionID string
	Provider       Provider
	// AccessEndsAt is the bound that will end the current access window.
	AccessEndsAt      *time.Time
	CancelAtPeriodEnd bool
	// Degraded is set when resolution failed and fell open to freemium.
	Degraded   bool
	ResolvedAt time.Time
}

// HasFeatureAccess reports whether the feature is enabled on the effective plan.
func (e *Entitlement) HasFeatureAccess(key string) bool {
	if e == nil {
		return false
	}
	f, ok := e.Features[key]
	return ok && f.Enabled
}

// IsActive reports whether a subscription currently grants access.
func (e *Entitlement) IsActive() bool {
	return e != nil && e.Active
}

// IsFreemium reports whether the effective plan is the free tier.
func (e *Entitlement) IsFreemium() bool {
	return e == nil || e.Plan.Name == PlanFreemium || !e.Active
}

// IsPaid reports whether the effective plan is a paid plan granted by an active row.
func (e *Entitlement) IsPaid() bool {
	return e != nil && e.Active && e.Plan.Name != PlanFreemium && e.Plan.Name != ""
}

// PlanLimit returns the numeric limit of a feature, or nil when the feature
// is unlimited, disabled, or unknown.
func (e *Entitlement) PlanLimit(key string) *int64 {
	if e == nil {
		return nil
	}
	f, ok := e.Features[key]
	if !ok || !f.Enabled || f.Limit == nil {
		return nil
	}
	v := *f.Limit
	return &v
}

// FeatureKeys returns the enabled feature keys.
func (e *Entitlement) FeatureKeys() []string {
	if e == nil {
		return nil
	}
	keys := make([]string, 0, len(e.Features))
	for k, f := range e.Features {
		if f.Enabled {
			keys = append(keys, k)
		}
	}
	return keys
}

// Clone returns a deep copy so cached values cannot be mutated by callers.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	c.AccessEndsAt = cloneTime(e.AccessEndsAt)
	c.Features = make(map[string]Feature, len(e.Features))
	for k, f := range e.Features {
		if f.Limit != nil {
			v := *f.Limit
			f.Limit = &v
		}
		c.Features[k] = f
	}
	return &c
}

// IsSubscriptionActive applies the access rule to a single row:
// active and trial rows grant access until their bound, cancelled and
// past_due rows keep access until current_period_end. A nil bound never
// grants access.
func IsSubscriptionActive(sub *Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	switch sub.Status {
	case StatusActive, StatusCancelled, StatusPastDue:
		return sub.CurrentPeriodEnd != nil && now.Before(*sub.CurrentPeriodEnd)
	case StatusTrial:
		return sub.TrialEndsAt != nil && now.Before(*sub.TrialEndsAt)
	default:
		return false
	}
}

func accessEnd(sub *Subscription) *time.Time {
	if sub.Status == StatusTrial {
		return cloneTime(sub.TrialEndsAt)
	}
	return cloneTime(sub.CurrentPeriodEnd)
}
