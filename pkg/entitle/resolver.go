package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Resolver derives an account's entitlement from the latest canonical row.
// Resolution never returns an error: every failure falls open to freemium.
type Resolver struct {
	storage Storage
	clock   Clock
	logger  Logger
	metrics Metrics
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock sets the clock used for period comparisons.
func WithClock(c Clock) ResolverOption {
	return func(r *Resolver) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the resolver metrics collector.
func WithMetrics(m Metrics) ResolverOption {
	return func(r *Resolver) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewResolver creates a resolver reading from storage.
func NewResolver(storage Storage, opts ...ResolverOption) (*Resolver, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	r := &Resolver{
		storage: storage,
		clock:   SystemClock{},
		logger:  &NoopLogger{},
		metrics: &NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Clock returns the resolver's clock.
func (r *Resolver) Clock() Clock { return r.clock }

// Resolve returns the effective entitlement of accountID.
func (r *Resolver) Resolve(ctx context.Context, accountID string) (ent *Entitlement) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("entitlement resolution panicked",
				F("account_id", accountID), F("panic", fmt.Sprint(p)))
			ent = r.fallback(accountID)
		}
		outcome := "freemium"
		switch {
		case ent.Degraded:
			outcome = "degraded"
		case ent.IsPaid():
			outcome = "paid"
		}
		r.metrics.RecordResolution(ent.Plan.Name, outcome, time.Since(start))
	}()

	opStart := time.Now()
	sub, err := r.storage.LatestSubscription(ctx, accountID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		r.metrics.RecordStorageOperation("latest_subscription", time.Since(opStart), err)
		r.logger.Error("failed to load subscription, falling back to freemium",
			F("account_id", accountID), Err(err))
		ent = r.freemium(ctx, accountID)
		ent.Degraded = true
		return ent
	}
	r.metrics.RecordStorageOperation("latest_subscription", time.Since(opStart), nil)

	if sub == nil {
		return r.freemium(ctx, accountID)
	}

	now := r.clock.Now()
	if IsSubscriptionActive(sub, now) {
		paid, err := r.planEntitlement(ctx, accountID, sub.PlanID)
		if err != nil {
			r.logger.Error("failed to load plan, falling back to freemium",
				F("account_id", accountID), F("plan_id", sub.PlanID), Err(err))
			ent = r.freemium(ctx, accountID)
			ent.Degraded = true
			return ent
		}
		paid.Status = sub.Status
		paid.Active = true
		paid.SubscriptionID = sub.ProviderSubscriptionID
		paid.Provider = sub.Provider
		paid.AccessEndsAt = accessEnd(sub)
		paid.CancelAtPeriodEnd = sub.CancelAtPeriodEnd || sub.Status == StatusCancelled
		return paid
	}

	status := sub.Status
	if ExpiryDue(sub, now) {
		changed, err := r.storage.ExpireSubscription(ctx, sub.ID, now)
		if err != nil {
			r.logger.Warn("lazy expiry write failed",
				F("account_id", accountID), F("subscription_id", sub.ID), Err(err))
		} else {
			r.metrics.RecordLazyExpiry(changed)
			if changed {
				r.logger.Info("subscription expired on read",
					F("account_id", accountID),
					F("subscription_id", sub.ID),
					F("provider_subscription_id", sub.ProviderSubscriptionID))
			}
			status = StatusExpired
		}
	}

	ent = r.freemium(ctx, accountID)
	if !ent.Degraded {
		ent.Status = status
	}
	ent.SubscriptionID = sub.ProviderSubscriptionID
	ent.Provider = sub.Provider
	return ent
}

func (r *Resolver) freemium(ctx context.Context, accountID string) *Entitlement {
	plan, err := r.storage.PlanByName(ctx, PlanFreemium)
	if err != nil {
		r.logger.Error("failed to load freemium plan", F("account_id", accountID), Err(err))
		return r.fallback(accountID)
	}
	ent, err := r.planEntitlement(ctx, accountID, plan.ID)
	if err != nil {
		r.logger.Error("failed to load freemium features", F("account_id", accountID), Err(err))
		return r.fallback(accountID)
	}
	ent.Status = StatusNone
	return ent
}

func (r *Resolver) planEntitlement(ctx context.Context, accountID string, planID int64) (*Entitlement, error) {
	plan, err := r.storage.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	features, err := r.storage.PlanFeatures(ctx, planID)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]Feature, len(features))
	for _, f := range features {
		if f.Enabled {
			enabled[f.Key] = f
		}
	}
	return &Entitlement{
		AccountID:  accountID,
		Plan:       *plan,
		Features:   enabled,
		ResolvedAt: r.clock.Now(),
	}, nil
}

// fallback is the lowest-privilege entitlement when even the catalog is unreadable.
func (r *Resolver) fallback(accountID string) *Entitlement {
	return &Entitlement{
		AccountID:  accountID,
		Plan:       Plan{Name: PlanFreemium, DisplayName: "Freemium"},
		Status:     StatusNone,
		Features:   map[string]Feature{},
		Degraded:   true,
		ResolvedAt: r.clock.Now(),
	}
}
