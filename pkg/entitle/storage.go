package entitle

import (
	"context"
	"time"
)

// Storage is the canonical subscription store plus the read-only plan
// catalog and the account display mirror.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// LatestSubscription returns the most recently created row for the
	// account (ties broken by highest id), or ErrSubscriptionNotFound.
	LatestSubscription(ctx context.Context, accountID string) (*Subscription, error)

	// SubscriptionByProviderID looks a row up by its unique provider id.
	// Returns ErrSubscriptionNotFound on miss.
	SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// InsertSubscription always creates a new row. Returns
	// ErrDuplicateSubscription if the provider id is taken.
	InsertSubscription(ctx context.Context, sub *Subscription) (*Subscription, error)

	// UpsertSubscription inserts on a provider id miss and overwrites the
	// mutable fields on a hit. account_id and created_at of an existing row
	// never change; nil period/trial bounds keep the stored value.
	// A hit whose stored LastEventAt is newer than sub.LastEventAt is left
	// untouched and reported as ErrStaleEvent.
	UpsertSubscription(ctx context.Context, sub *Subscription) (*Subscription, error)

	// PatchSubscription updates the named fields of an existing row in a
	// single statement. Returns ErrSubscriptionNotFound and never inserts,
	// and ErrStaleEvent when patch.EventAt is older than the stored event.
	PatchSubscription(ctx context.Context, providerSubscriptionID string, patch SubscriptionPatch) (*Subscription, error)

	// ExpireSubscription flips the row to expired only while it is still
	// active (period end before now) or trial (trial end before now).
	// Safe to run redundantly; reports whether this call changed the row.
	ExpireSubscription(ctx context.Context, subscriptionID int64, now time.Time) (bool, error)

	// GetPlan returns a plan by id or ErrPlanNotFound.
	GetPlan(ctx context.Context, planID int64) (*Plan, error)

	// PlanByName returns a plan by catalog name or ErrPlanNotFound.
	PlanByName(ctx context.Context, name PlanName) (*Plan, error)

	// PlanFeatures returns every feature row of a plan, enabled or not.
	PlanFeatures(ctx context.Context, planID int64) ([]Feature, error)

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// SetAccountStatus writes the display mirror. Returns ErrAccountNotFound
	// when the account row does not exist.
	SetAccountStatus(ctx context.Context, accountID string, status Status, endsAt *time.Time) error
}

// ExpiryDue reports whether sub is still nominally active/trial but its
// bound lies at or before now. Rows with a nil bound are never due.
func ExpiryDue(sub *Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	switch sub.Status {
	case StatusActive:
		return sub.CurrentPeriodEnd != nil && !now.Before(*sub.CurrentPeriodEnd)
	case StatusTrial:
		return sub.TrialEndsAt != nil && !now.Before(*sub.TrialEndsAt)
	default:
		return false
	}
}
