package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const (
	// DefaultSignatureTolerance bounds the age of a signed webhook timestamp
	DefaultSignatureTolerance = 5 * time.Minute
	// DefaultRateLimit is the per-IP webhook request budget per window
	DefaultRateLimit       = 100
	DefaultRateLimitWindow = time.Minute
	// MaxWebhookBodyBytes caps webhook payloads
	MaxWebhookBodyBytes = 256 * 1024
)

// Config defines the configuration both providers accept
type Config struct {
	// Storage is the canonical subscription store webhooks write to
	Storage entitle.Storage

	// PlanMapping maps provider price/product ids to catalog plans.
	// For example: map[string]entitle.PlanName{"pri_01hv_monthly": "pro", "pri_01hv_yearly": "pro_yearly"}
	// Checkout uses the reverse lookup to find the price of a plan.
	PlanMapping map[string]entitle.PlanName

	// WebhookSecret is the shared secret for webhook signatures
	WebhookSecret string

	// APIKey authenticates outbound Paddle API calls (Bearer)
	APIKey string

	// APIUsername and APIPassword authenticate outbound FastSpring API calls (basic auth)
	APIUsername string
	APIPassword string

	// Storefront is the FastSpring storefront host used to build checkout URLs,
	// e.g. "craftsman.onfastspring.com/popup-craftsman"
	Storefront string

	// BaseURL overrides the provider API base URL (tests, proxies)
	BaseURL string

	// Sandbox selects the provider's sandbox environment
	Sandbox bool

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// VerifyCredentials makes Initialize perform an authenticated API call
	VerifyCredentials bool

	// SignatureTolerance bounds the age of signed timestamps (default 5m, negative disables)
	SignatureTolerance time.Duration

	// AllowedIPs lists CIDRs accepted when signature verification fails.
	// Nil uses the provider's published webhook addresses; an empty
	// non-nil slice disables the fallback.
	AllowedIPs []string

	// TrustForwardedFor takes the client address from X-Forwarded-For
	// (only behind a proxy that overwrites it)
	TrustForwardedFor bool

	// RateLimit is the per-IP webhook request budget per RateLimitWindow
	RateLimit       int
	RateLimitWindow time.Duration

	// OnEventApplied is called after a webhook event changed the canonical row
	OnEventApplied func(AppliedEvent)

	// OnEventFailed is called for every event whose handler failed or panicked.
	// The batch is still acknowledged with 200.
	OnEventFailed func(EventResult)

	Clock   entitle.Clock
	Logger  entitle.Logger
	Metrics Metrics
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.SignatureTolerance == 0 {
		c.SignatureTolerance = DefaultSignatureTolerance
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Clock == nil {
		c.Clock = entitle.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = &entitle.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return c
}

// PriceForPlan returns the provider price id mapped to plan.
// If several ids map to the same plan the lexically smallest wins.
func (c Config) PriceForPlan(plan entitle.PlanName) string {
	price := ""
	for id, mapped := range c.PlanMapping {
		if mapped == plan && (price == "" || id < price) {
			price = id
		}
	}
	return price
}
