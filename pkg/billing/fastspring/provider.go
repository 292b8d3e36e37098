// Package fastspring implements billing.Provider for FastSpring.
package fastspring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const providerName = "fastspring"

// Provider implements the billing.Provider interface for FastSpring
type Provider struct {
	config  billing.Config
	applier *billing.Applier
	client  *apiClient
	handler http.Handler

	initMu      sync.Mutex
	initialized bool
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new FastSpring billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	applier, err := billing.NewApplier(config)
	if err != nil {
		return nil, err
	}
	config = config.WithDefaults()
	config.WebhookSecret = strings.TrimSpace(config.WebhookSecret)
	config.Storefront = strings.Trim(strings.TrimPrefix(config.Storefront, "https://"), "/")

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	p := &Provider{
		config:  config,
		applier: applier,
		client: &apiClient{
			baseURL:    strings.TrimRight(baseURL, "/"),
			username:   config.APIUsername,
			password:   config.APIPassword,
			httpClient: config.HTTPClient,
			metrics:    config.Metrics,
		},
	}
	p.handler = billing.NewWebhookHandler(billing.WebhookSpec{
		Provider:     entitle.ProviderFastSpring,
		Secret:       config.WebhookSecret,
		Authenticate: p.authenticate,
		Parse:        ParseEvents,
	}, applier, config)
	return p, nil
}

// Name returns the provider identifier
func (p *Provider) Name() entitle.Provider {
	return entitle.ProviderFastSpring
}

// Initialize checks configuration and, with VerifyCredentials, that the API
// credentials are accepted.
func (p *Provider) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.initialized {
		return nil
	}

	switch {
	case p.config.WebhookSecret == "":
		return fmt.Errorf("%w: webhook secret is required", billing.ErrProviderNotConfigured)
	case p.config.APIUsername == "" || p.config.APIPassword == "":
		return fmt.Errorf("%w: API username and password are required", billing.ErrProviderNotConfigured)
	case p.config.Storefront == "":
		return fmt.Errorf("%w: storefront is required", billing.ErrProviderNotConfigured)
	}
	if p.config.VerifyCredentials {
		if err := p.client.do(ctx, http.MethodGet, "/products", "/products", nil, nil); err != nil {
			return fmt.Errorf("failed to verify FastSpring credentials: %w", err)
		}
	}

	p.initialized = true
	p.config.Logger.Info("billing provider initialized",
		entitle.F("provider", providerName),
		entitle.F("storefront", p.config.Storefront),
	)
	return nil
}

// WebhookHandler returns the HTTP handler for FastSpring webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// OpenCheckout creates a session and returns the storefront URL that opens it.
// The account id and billing interval travel as order tags.
func (p *Provider) OpenCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.Checkout, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account id is required", billing.ErrMissingMetadata)
	}
	product := p.config.PriceForPlan(req.Plan)
	if product == "" {
		p.config.Metrics.RecordAPICall(providerName, "/sessions", "plan_not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, req.Plan)
	}
	if p.config.Storefront == "" {
		return nil, fmt.Errorf("%w: storefront is required", billing.ErrProviderNotConfigured)
	}
	interval := req.Interval
	if !interval.Valid() {
		interval = billing.IntervalForPlan(req.Plan)
	}

	body := map[string]any{
		"items": []map[string]any{{"product": product, "quantity": 1}},
		"tags":  billing.Metadata{AccountID: req.AccountID, Interval: interval}.Map(),
	}
	if req.Email != "" {
		body["contact"] = map[string]any{"email": req.Email}
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := p.client.do(ctx, http.MethodPost, "/sessions", "/sessions", body, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, fmt.Errorf("%w: session response has no id", billing.ErrProviderAPIError)
	}
	return &billing.Checkout{
		ID:  session.ID,
		URL: "https://" + p.config.Storefront + "/session/" + url.PathEscape(session.ID),
	}, nil
}

type subscriptionResponse struct {
	ID           string          `json:"id"`
	Account      json.RawMessage `json:"account"`
	State        string          `json:"state"`
	Next         *int64          `json:"next"`
	Deactivation *int64          `json:"deactivationDate"`
}

// Cancel cancels at the end of the current billing period and returns the
// pending deactivation.
func (p *Provider) Cancel(ctx context.Context, subscriptionID string) (*billing.ScheduledChange, error) {
	if subscriptionID == "" {
		return nil, billing.ErrMissingSubscriptionID
	}
	path := "/subscriptions/" + url.PathEscape(subscriptionID) + "?billingPeriod=1"
	if err := p.client.do(ctx, http.MethodDelete, path, "/subscriptions/{id}", nil, nil); err != nil {
		return nil, err
	}

	// The cancellation has been accepted at this point; a failed lookup only
	// leaves the effective date unknown.
	var effective *time.Time
	sub, err := p.subscription(ctx, subscriptionID)
	if err != nil {
		p.config.Logger.Warn("failed to fetch cancelled subscription",
			entitle.F("provider", providerName),
			entitle.F("subscription_id", subscriptionID),
			entitle.Err(err),
		)
	} else {
		effective = millis(sub.Deactivation)
		if effective == nil {
			effective = millis(sub.Next)
		}
	}
	change := &billing.ScheduledChange{Action: "cancel", EffectiveAt: effective}
	change.Raw, err = json.Marshal(change)
	if err != nil {
		return nil, err
	}
	return change, nil
}

// Reactivate removes a pending deactivation.
func (p *Provider) Reactivate(ctx context.Context, subscriptionID string) (*billing.ScheduledChange, error) {
	if subscriptionID == "" {
		return nil, billing.ErrMissingSubscriptionID
	}
	body := map[string]any{
		"subscriptions": []map[string]any{{"subscription": subscriptionID, "deactivation": nil}},
	}
	if err := p.client.do(ctx, http.MethodPost, "/subscriptions", "/subscriptions", body, nil); err != nil {
		return nil, err
	}
	return nil, nil
}

// AccountManagementURL returns a signed URL into the FastSpring account portal.
func (p *Provider) AccountManagementURL(ctx context.Context, subscriptionID string) (string, error) {
	if subscriptionID == "" {
		return "", billing.ErrMissingSubscriptionID
	}
	sub, err := p.subscription(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	accountID := idOf(sub.Account, "id")
	if accountID == "" {
		return "", fmt.Errorf("%w: subscription %s has no account", billing.ErrProviderAPIError, subscriptionID)
	}

	var auth struct {
		URL      string `json:"url"`
		Accounts []struct {
			URL string `json:"url"`
		} `json:"accounts"`
	}
	path := "/accounts/" + url.PathEscape(accountID) + "/authenticate"
	if err := p.client.do(ctx, http.MethodGet, path, "/accounts/{id}/authenticate", nil, &auth); err != nil {
		return "", err
	}
	if auth.URL != "" {
		return auth.URL, nil
	}
	if len(auth.Accounts) > 0 && auth.Accounts[0].URL != "" {
		return auth.Accounts[0].URL, nil
	}
	return "", fmt.Errorf("%w: account %s has no management URL", billing.ErrProviderAPIError, accountID)
}

func (p *Provider) subscription(ctx context.Context, subscriptionID string) (*subscriptionResponse, error) {
	var sub subscriptionResponse
	path := "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := p.client.do(ctx, http.MethodGet, path, "/subscriptions/{id}", nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
