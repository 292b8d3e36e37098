package entitle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsSubscriptionActive(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		sub  *Subscription
		want bool
	}{
		{"nil row", nil, false},
		{"active in period", &Subscription{Status: StatusActive, CurrentPeriodEnd: &future}, true},
		{"active lapsed", &Subscription{Status: StatusActive, CurrentPeriodEnd: &past}, false},
		{"active at bound", &Subscription{Status: StatusActive, CurrentPeriodEnd: &now}, false},
		{"active nil bound", &Subscription{Status: StatusActive}, false},
		{"trial in window", &Subscription{Status: StatusTrial, TrialEndsAt: &future}, true},
		{"trial uses trial bound only", &Subscription{Status: StatusTrial, TrialEndsAt: &past, CurrentPeriodEnd: &future}, false},
		{"cancelled grace", &Subscription{Status: StatusCancelled, CurrentPeriodEnd: &future}, true},
		{"cancelled after grace", &Subscription{Status: StatusCancelled, CurrentPeriodEnd: &past}, false},
		{"past due retains access", &Subscription{Status: StatusPastDue, CurrentPeriodEnd: &future}, true},
		{"paused", &Subscription{Status: StatusPaused, CurrentPeriodEnd: &future}, false},
		{"expired", &Subscription{Status: StatusExpired, CurrentPeriodEnd: &future}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSubscriptionActive(tt.sub, now))
		})
	}
}

func TestExpiryDue(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.True(t, ExpiryDue(&Subscription{Status: StatusActive, CurrentPeriodEnd: &past}, now))
	assert.True(t, ExpiryDue(&Subscription{Status: StatusTrial, TrialEndsAt: &now}, now))
	assert.False(t, ExpiryDue(&Subscription{Status: StatusActive, CurrentPeriodEnd: &future}, now))
	assert.False(t, ExpiryDue(&Subscription{Status: StatusActive}, now))
	assert.False(t, ExpiryDue(&Subscription{Status: StatusCancelled, CurrentPeriodEnd: &past}, now))
	assert.False(t, ExpiryDue(nil, now))
}

func TestEntitlement_NilSafe(t *testing.T) {
	var e *Entitlement
	assert.False(t, e.HasFeatureAccess(FeatureInvoicing))
	assert.False(t, e.IsActive())
	assert.True(t, e.IsFreemium())
	assert.False(t, e.IsPaid())
	assert.Nil(t, e.PlanLimit(FeatureCustomers))
	assert.Nil(t, e.Clone())
}

func TestEntitlement_FeatureKeys(t *testing.T) {
	e := &Entitlement{Features: map[string]Feature{
		FeatureInvoicing: {Key: FeatureInvoicing, Enabled: true},
		FeatureQuotes:    {Key: FeatureQuotes, Enabled: false},
	}}
	assert.ElementsMatch(t, []string{FeatureInvoicing}, e.FeatureKeys())
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusTrial, StatusActive, StatusPastDue, StatusPaused, StatusCancelled, StatusExpired} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, StatusNone.Valid())
	assert.False(t, Status("trialing").Valid())
	assert.True(t, StatusExpired.IsTerminal())
	assert.False(t, StatusPastDue.IsTerminal())
}

func TestSubscriptionPatch_Apply(t *testing.T) {
	cancelledAt := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{Status: StatusActive, ScheduledChange: []byte(`{"action":"cancel"}`)}

	SubscriptionPatch{Status: StatusPtr(StatusCancelled), CancelledAt: &cancelledAt}.Apply(sub)
	assert.Equal(t, StatusCancelled, sub.Status)
	assert.Equal(t, cancelledAt, *sub.CancelledAt)
	assert.NotNil(t, sub.ScheduledChange, "untouched fields are kept")

	SubscriptionPatch{Status: StatusPtr(StatusActive), ClearCancelledAt: true, ClearScheduledChange: true}.Apply(sub)
	assert.Nil(t, sub.CancelledAt)
	assert.Nil(t, sub.ScheduledChange)
}
