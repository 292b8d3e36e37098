package entitle

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a subscription row
type Status string

const (
	// StatusTrial is a subscription in its provider-managed trial window
	StatusTrial Status = "trial"
	// StatusActive is a paid subscription inside its current billing period
	StatusActive Status = "active"
	// StatusPastDue is a subscription whose last renewal charge failed
	StatusPastDue Status = "past_due"
	// StatusPaused is a subscription paused at the provider
	StatusPaused Status = "paused"
	// StatusCancelled is a cancelled subscription; access runs until current_period_end
	StatusCancelled Status = "cancelled"
	// StatusExpired is a subscription whose paid or trial window has lapsed
	StatusExpired Status = "expired"
	// StatusNone is reported for accounts without any subscription row
	StatusNone Status = "none"
)

// Valid reports whether s is one of the persisted subscription states.
func (s Status) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusPastDue, StatusPaused, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is retained for audit only.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Provider identifies the payment provider a subscription belongs to
type Provider string

const (
	ProviderPaddle     Provider = "paddle"
	ProviderFastSpring Provider = "fastspring"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderPaddle || p == ProviderFastSpring
}

// PlanName is the catalog name of a plan
type PlanName string

const (
	PlanFreemium  PlanName = "freemium"
	PlanPro       PlanName = "pro"
	PlanProYearly PlanName = "pro_yearly"
)

// Plan is a catalog entry
type Plan struct {
	ID           int64
	Name         PlanName
	DisplayName  string
	MonthlyPrice int64 // minor currency units
}

// Feature is a (plan, key) capability. Keys are unique per plan.
type Feature struct {
	PlanID  int64
	Key     string
	Enabled bool
	// Limit is nil when the feature carries no numeric limit
	Limit *int64
}

// Account is the subset of the account record this module touches.
// SubscriptionStatus and SubscriptionEndsAt are a display mirror and are
// never used for entitlement decisions.
type Account struct {
	ID                 string
	Email              string
	SubscriptionStatus Status
	SubscriptionEndsAt *time.Time
	UpdatedAt          time.Time
}

// Subscription is one row of the canonical subscription store.
// Rows are never deleted; the current row of an account is the most
// recently created one.
type Subscription struct {
	ID                     int64
	AccountID              string
	PlanID                 int64
	Status                 Status
	Provider               Provider
	ProviderSubscriptionID string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	TrialEndsAt            *time.Time
	CancelAtPeriodEnd      bool
	CancelledAt            *time.Time
	// ScheduledChange is the provider's pending change, stored verbatim
	ScheduledChange json.RawMessage
	// LastEventAt is the provider timestamp of the newest applied webhook
	LastEventAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.TrialEndsAt = cloneTime(s.TrialEndsAt)
	c.CancelledAt = cloneTime(s.CancelledAt)
	c.LastEventAt = cloneTime(s.LastEventAt)
	if s.ScheduledChange != nil {
		c.ScheduledChange = append(json.RawMessage(nil), s.ScheduledChange...)
	}
	return &c
}

// SubscriptionPatch names the fields a destructive webhook transition or
// the cancel/reactivate bridge may change on an existing row.
// Nil fields are left untouched.
type SubscriptionPatch struct {
	Status            *Status
	CancelledAt       *time.Time
	ClearCancelledAt  bool
	CancelAtPeriodEnd *bool
	// ScheduledChange replaces the stored scheduled change when non-nil
	ScheduledChange      json.RawMessage
	ClearScheduledChange bool
	// EventAt makes the patch conditional: it is rejected with ErrStaleEvent
	// when the row already holds a newer event, and recorded otherwise.
	EventAt   *time.Time
	UpdatedAt time.Time
}

// Apply mutates sub according to the patch.
func (p SubscriptionPatch) Apply(sub *Subscription) {
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.ClearCancelledAt {
		sub.CancelledAt = nil
	} else if p.CancelledAt != nil {
		sub.CancelledAt = cloneTime(p.CancelledAt)
	}
	if p.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.ClearScheduledChange {
		sub.ScheduledChange = nil
	} else if p.ScheduledChange != nil {
		sub.ScheduledChange = append(json.RawMessage(nil), p.ScheduledChange...)
	}
	if p.EventAt != nil {
		sub.LastEventAt = cloneTime(p.EventAt)
	}
	if !p.UpdatedAt.IsZero() {
		sub.UpdatedAt = p.UpdatedAt
	}
}

// StaleEvent reports whether an event stamped at is older than the newest
// event already applied to sub. Unstamped events and rows are never stale.
func StaleEvent(sub *Subscription, at *time.Time) bool {
	if sub == nil || at == nil || sub.LastEventAt == nil {
		return false
	}
	return at.Before(*sub.LastEventAt)
}

// StatusPtr returns a pointer to s.
func StatusPtr(s Status) *Status { return &s }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
