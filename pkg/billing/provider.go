package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Provider is the interface every payment backend implements.
// The application picks Paddle or FastSpring by configuration and never
// branches on the concrete type.
type Provider interface {
	// Name returns the provider identifier stored on subscription rows
	Name() entitle.Provider

	// Initialize validates configuration and, when enabled, credentials.
	// Safe to call more than once.
	Initialize(ctx context.Context) error

	// OpenCheckout starts a hosted checkout. Account id and billing interval
	// travel to the provider as opaque metadata and come back on webhooks.
	OpenCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)

	// Cancel schedules cancellation at the end of the paid period and returns
	// the provider's scheduled change.
	Cancel(ctx context.Context, providerSubscriptionID string) (*ScheduledChange, error)

	// Reactivate removes a pending cancellation. A nil ScheduledChange means
	// nothing is scheduled anymore.
	Reactivate(ctx context.Context, providerSubscriptionID string) (*ScheduledChange, error)

	// AccountManagementURL returns the provider-hosted page where the
	// customer manages payment details.
	AccountManagementURL(ctx context.Context, providerSubscriptionID string) (string, error)

	// WebhookHandler returns the HTTP handler for the provider's webhook endpoint.
	WebhookHandler() http.Handler
}

// Interval is the billing interval chosen at checkout.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Valid reports whether i is a known interval.
func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// IntervalForPlan returns the billing interval implied by a plan name.
func IntervalForPlan(plan entitle.PlanName) Interval {
	if plan == entitle.PlanProYearly {
		return IntervalYearly
	}
	return IntervalMonthly
}

// CheckoutRequest describes a checkout the client wants to open.
type CheckoutRequest struct {
	AccountID string
	Plan      entitle.PlanName
	// Interval defaults to the one implied by Plan
	Interval   Interval
	Email      string
	SuccessURL string
	CancelURL  string
}

// Checkout is a hosted checkout session.
type Checkout struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ScheduledChange is a pending change the provider will apply later,
// typically a cancellation at period end.
type ScheduledChange struct {
	Action      string     `json:"action"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
	// Raw is the provider payload, persisted as-is on the subscription row
	Raw json.RawMessage `json:"-"`
}

// Payload returns the bytes to persist on the subscription row.
func (c *ScheduledChange) Payload() json.RawMessage {
	if c == nil {
		return nil
	}
	if len(c.Raw) > 0 {
		return c.Raw
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return data
}
