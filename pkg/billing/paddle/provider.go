// Package paddle implements billing.Provider for Paddle Billing.
package paddle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	paddlesdk "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const providerName = "paddle"

// Provider implements the billing.Provider interface for Paddle
type Provider struct {
	config    billing.Config
	applier   *billing.Applier
	sdk       *paddlesdk.SDK
	verifier  *paddlesdk.WebhookVerifier
	allowlist *internal.IPAllowlist
	handler   http.Handler

	initMu      sync.Mutex
	initialized bool
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Paddle billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	applier, err := billing.NewApplier(config)
	if err != nil {
		return nil, err
	}
	config = config.WithDefaults()
	config.WebhookSecret = strings.TrimSpace(config.WebhookSecret)
	config.APIKey = strings.TrimSpace(config.APIKey)

	allowed := config.AllowedIPs
	if allowed == nil {
		allowed = productionWebhookIPs
		if config.Sandbox {
			allowed = sandboxWebhookIPs
		}
	}
	allowlist, err := internal.NewIPAllowlist(allowed)
	if err != nil {
		return nil, fmt.Errorf("%w: allowed IPs: %v", billing.ErrProviderNotConfigured, err)
	}

	sdk, err := newSDK(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Paddle client: %w", err)
	}

	p := &Provider{
		config:    config,
		applier:   applier,
		sdk:       sdk,
		verifier:  paddlesdk.NewWebhookVerifier(config.WebhookSecret),
		allowlist: allowlist,
	}
	p.handler = billing.NewWebhookHandler(billing.WebhookSpec{
		Provider:     entitle.ProviderPaddle,
		Secret:       config.WebhookSecret,
		Authenticate: p.authenticate,
		Parse:        ParseNotifications,
	}, applier, config)
	return p, nil
}

// Name returns the provider identifier
func (p *Provider) Name() entitle.Provider {
	return entitle.ProviderPaddle
}

// Initialize checks that webhook and API credentials are present and,
// with VerifyCredentials, that the API key is accepted.
func (p *Provider) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.initialized {
		return nil
	}

	if p.config.WebhookSecret == "" {
		return fmt.Errorf("%w: webhook secret is required", billing.ErrProviderNotConfigured)
	}
	if p.config.APIKey == "" {
		return fmt.Errorf("%w: API key is required", billing.ErrProviderNotConfigured)
	}
	if p.config.VerifyCredentials {
		err := call(ctx, "/event-types", func(ctx context.Context) error {
			_, err := p.sdk.ListEventTypes(ctx, &paddlesdk.ListEventTypesRequest{})
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to verify Paddle credentials: %w", err)
		}
	}

	p.initialized = true
	p.config.Logger.Info("billing provider initialized",
		entitle.F("provider", providerName),
		entitle.F("sandbox", p.config.Sandbox),
	)
	return nil
}

// WebhookHandler returns the HTTP handler for Paddle notifications
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// OpenCheckout creates a draft transaction whose checkout URL opens Paddle's
// hosted checkout. The account id and billing interval travel as custom_data.
func (p *Provider) OpenCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.Checkout, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account id is required", billing.ErrMissingMetadata)
	}
	priceID := p.config.PriceForPlan(req.Plan)
	if priceID == "" {
		p.config.Metrics.RecordAPICall(providerName, "/transactions", "plan_not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, req.Plan)
	}
	interval := req.Interval
	if !interval.Valid() {
		interval = billing.IntervalForPlan(req.Plan)
	}

	customData := paddlesdk.CustomData{}
	for k, v := range (billing.Metadata{AccountID: req.AccountID, Interval: interval}).Map() {
		customData[k] = v
	}
	create := &paddlesdk.CreateTransactionRequest{
		Items: []paddlesdk.CreateTransactionItems{
			*paddlesdk.NewCreateTransactionItemsTransactionItemFromCatalog(&paddlesdk.TransactionItemFromCatalog{
				PriceID:  priceID,
				Quantity: 1,
			}),
		},
		CustomData: customData,
	}
	if req.SuccessURL != "" {
		create.Checkout = &paddlesdk.TransactionCheckout{URL: paddlesdk.PtrTo(req.SuccessURL)}
	}

	var txn *paddlesdk.Transaction
	err := call(ctx, "/transactions", func(ctx context.Context) (err error) {
		txn, err = p.sdk.CreateTransaction(ctx, create)
		return err
	})
	if err != nil {
		return nil, err
	}
	if txn == nil || txn.Checkout == nil || txn.Checkout.URL == nil || *txn.Checkout.URL == "" {
		id := ""
		if txn != nil {
			id = txn.ID
		}
		return nil, fmt.Errorf("%w: transaction %s has no checkout URL", billing.ErrProviderAPIError, id)
	}
	return &billing.Checkout{ID: txn.ID, URL: *txn.Checkout.URL}, nil
}

// Cancel schedules cancellation at the next billing period.
func (p *Provider) Cancel(ctx context.Context, subscriptionID string) (*billing.ScheduledChange, error) {
	if subscriptionID == "" {
		return nil, billing.ErrMissingSubscriptionID
	}
	var sub *paddlesdk.Subscription
	err := call(ctx, "/subscriptions/{id}/cancel", func(ctx context.Context) (err error) {
		sub, err = p.sdk.CancelSubscription(ctx, &paddlesdk.CancelSubscriptionRequest{
			SubscriptionID: subscriptionID,
			EffectiveFrom:  paddlesdk.PtrTo(paddlesdk.EffectiveFromNextBillingPeriod),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return scheduledChange(sub)
}

// Reactivate removes a pending scheduled change.
func (p *Provider) Reactivate(ctx context.Context, subscriptionID string) (*billing.ScheduledChange, error) {
	if subscriptionID == "" {
		return nil, billing.ErrMissingSubscriptionID
	}
	var sub *paddlesdk.Subscription
	err := call(ctx, "/subscriptions/{id}", func(ctx context.Context) (err error) {
		sub, err = p.sdk.UpdateSubscription(ctx, &paddlesdk.UpdateSubscriptionRequest{
			SubscriptionID:  subscriptionID,
			ScheduledChange: paddlesdk.NewNullPatchField[*paddlesdk.SubscriptionScheduledChange](),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return scheduledChange(sub)
}

// AccountManagementURL returns Paddle's hosted page for updating the payment method.
func (p *Provider) AccountManagementURL(ctx context.Context, subscriptionID string) (string, error) {
	if subscriptionID == "" {
		return "", billing.ErrMissingSubscriptionID
	}
	var sub *paddlesdk.Subscription
	err := call(ctx, "/subscriptions/{id}", func(ctx context.Context) (err error) {
		sub, err = p.sdk.GetSubscription(ctx, &paddlesdk.GetSubscriptionRequest{SubscriptionID: subscriptionID})
		return err
	})
	if err != nil {
		return "", err
	}
	if sub != nil {
		urls := sub.ManagementURLs
		if urls.UpdatePaymentMethod != nil && *urls.UpdatePaymentMethod != "" {
			return *urls.UpdatePaymentMethod, nil
		}
		if urls.Cancel != "" {
			return urls.Cancel, nil
		}
	}
	return "", fmt.Errorf("%w: subscription %s has no management URL", billing.ErrProviderAPIError, subscriptionID)
}

// scheduledChange converts the subscription's pending change. Raw is the
// change as Paddle returned it, re-encoded.
func scheduledChange(sub *paddlesdk.Subscription) (*billing.ScheduledChange, error) {
	if sub == nil || sub.ScheduledChange == nil {
		return nil, nil
	}
	raw, err := json.Marshal(sub.ScheduledChange)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scheduled change: %w", err)
	}
	change := &billing.ScheduledChange{Action: string(sub.ScheduledChange.Action), Raw: raw}
	if sub.ScheduledChange.EffectiveAt != "" {
		at, err := time.Parse(time.RFC3339Nano, sub.ScheduledChange.EffectiveAt)
		if err != nil {
			return nil, fmt.Errorf("failed to decode scheduled change: %w", err)
		}
		change.EffectiveAt = utc(&at)
	}
	return change, nil
}
