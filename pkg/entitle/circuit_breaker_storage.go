package entitle

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{storage: storage, cb: cb}
}

func (s *CircuitBreakerStorage) LatestSubscription(ctx context.Context, accountID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.LatestSubscription(ctx, accountID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.SubscriptionByProviderID(ctx, providerSubscriptionID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) InsertSubscription(ctx context.Context, in *Subscription) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.InsertSubscription(ctx, in)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) UpsertSubscription(ctx context.Context, in *Subscription) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.UpsertSubscription(ctx, in)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) PatchSubscription(ctx context.Context, providerSubscriptionID string,
	patch SubscriptionPatch) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.PatchSubscription(ctx, providerSubscriptionID, patch)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) ExpireSubscription(ctx context.Context, subscriptionID int64, now time.Time) (bool, error) {
	var changed bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		changed, e = s.storage.ExpireSubscription(ctx, subscriptionID, now)
		return e
	})
	return changed, err
}

func (s *CircuitBreakerStorage) GetPlan(ctx context.Context, planID int64) (*Plan, error) {
	var plan *Plan
	err := s.cb.Execute(ctx, func() error {
		var e error
		plan, e = s.storage.GetPlan(ctx, planID)
		return e
	})
	return plan, err
}

func (s *CircuitBreakerStorage) PlanByName(ctx context.Context, name PlanName) (*Plan, error) {
	var plan *Plan
	err := s.cb.Execute(ctx, func() error {
		var e error
		plan, e = s.storage.PlanByName(ctx, name)
		return e
	})
	return plan, err
}

func (s *CircuitBreakerStorage) PlanFeatures(ctx context.Context, planID int64) ([]Feature, error) {
	var features []Feature
	err := s.cb.Execute(ctx, func() error {
		var e error
		features, e = s.storage.PlanFeatures(ctx, planID)
		return e
	})
	return features, err
}

func (s *CircuitBreakerStorage) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var acc *Account
	err := s.cb.Execute(ctx, func() error {
		var e error
		acc, e = s.storage.GetAccount(ctx, accountID)
		return e
	})
	return acc, err
}

func (s *CircuitBreakerStorage) SetAccountStatus(ctx context.Context, accountID string, status Status,
	endsAt *time.Time) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetAccountStatus(ctx, accountID, status, endsAt)
	})
}
