// Package memory provides an in-memory implementation of the entitle.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Storage implements entitle.Storage using in-memory maps
type Storage struct {
	mu sync.RWMutex

	nextID        int64
	subscriptions map[int64]*entitle.Subscription
	byProviderID  map[string]int64
	byAccount     map[string][]int64 // insertion order
	plans         map[int64]*entitle.Plan
	features      map[int64][]entitle.Feature
	accounts      map[string]*entitle.Account

	now func() time.Time
}

// Option configures the in-memory store.
type Option func(*Storage)

// WithClock sets the time source used for created_at/updated_at.
func WithClock(c entitle.Clock) Option {
	return func(s *Storage) { s.now = c.Now }
}

// New creates an empty store. Use SeedCatalog to load plans.
func New(opts ...Option) *Storage {
	s := &Storage{
		subscriptions: make(map[int64]*entitle.Subscription),
		byProviderID:  make(map[string]int64),
		byAccount:     make(map[string][]int64),
		plans:         make(map[int64]*entitle.Plan),
		features:      make(map[int64][]entitle.Feature),
		accounts:      make(map[string]*entitle.Account),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewWithDefaultCatalog returns a store seeded with entitle.DefaultCatalog.
func NewWithDefaultCatalog(opts ...Option) *Storage {
	s := New(opts...)
	s.SeedCatalog(entitle.DefaultCatalog())
	return s
}

// SeedCatalog replaces the plan catalog.
func (s *Storage) SeedCatalog(c entitle.Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plans = make(map[int64]*entitle.Plan, len(c.Plans))
	s.features = make(map[int64][]entitle.Feature, len(c.Plans))
	for i := range c.Plans {
		p := c.Plans[i]
		s.plans[p.ID] = &p
	}
	for _, f := range c.Features {
		s.features[f.PlanID] = append(s.features[f.PlanID], f)
	}
}

// PutAccount creates or replaces an account row.
func (s *Storage) PutAccount(acc *entitle.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *acc
	s.accounts[acc.ID] = &c
}

// Subscriptions returns every row of an account in creation order.
func (s *Storage) Subscriptions(accountID string) []*entitle.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byAccount[accountID]
	out := make([]*entitle.Subscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subscriptions[id].Clone())
	}
	return out
}

// Count returns the total number of subscription rows.
func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// LatestSubscription implements entitle.Storage
func (s *Storage) LatestSubscription(_ context.Context, accountID string) (*entitle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *entitle.Subscription
	for _, id := range s.byAccount[accountID] {
		sub := s.subscriptions[id]
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) ||
			(sub.CreatedAt.Equal(latest.CreatedAt) && sub.ID > latest.ID) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, entitle.ErrSubscriptionNotFound
	}
	return latest.Clone(), nil
}

// SubscriptionByProviderID implements entitle.Storage
func (s *Storage) SubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*entitle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byProviderID[providerSubscriptionID]
	if !ok {
		return nil, entitle.ErrSubscriptionNotFound
	}
	return s.subscriptions[id].Clone(), nil
}

// InsertSubscription implements entitle.Storage
func (s *Storage) InsertSubscription(_ context.Context, sub *entitle.Subscription) (*entitle.Subscription, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byProviderID[sub.ProviderSubscriptionID]; exists {
		return nil, entitle.ErrDuplicateSubscription
	}
	return s.insertLocked(sub).Clone(), nil
}

// UpsertSubscription implements entitle.Storage
func (s *Storage) UpsertSubscription(_ context.Context, sub *entitle.Subscription) (*entitle.Subscription, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.byProviderID[sub.ProviderSubscriptionID]
	if !exists {
		return s.insertLocked(sub).Clone(), nil
	}

	row := s.subscriptions[id]
	if entitle.StaleEvent(row, sub.LastEventAt) {
		return nil, entitle.ErrStaleEvent
	}
	row.PlanID = sub.PlanID
	row.Status = sub.Status
	row.Provider = sub.Provider
	if sub.CurrentPeriodStart != nil {
		row.CurrentPeriodStart = entitle.TimePtr(*sub.CurrentPeriodStart)
	}
	if sub.CurrentPeriodEnd != nil {
		row.CurrentPeriodEnd = entitle.TimePtr(*sub.CurrentPeriodEnd)
	}
	if sub.TrialEndsAt != nil {
		row.TrialEndsAt = entitle.TimePtr(*sub.TrialEndsAt)
	}
	row.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	row.CancelledAt = nil
	if sub.CancelledAt != nil {
		row.CancelledAt = entitle.TimePtr(*sub.CancelledAt)
	}
	row.ScheduledChange = nil
	if sub.ScheduledChange != nil {
		row.ScheduledChange = append([]byte(nil), sub.ScheduledChange...)
	}
	if sub.LastEventAt != nil {
		row.LastEventAt = entitle.TimePtr(*sub.LastEventAt)
	}
	row.UpdatedAt = s.now()
	return row.Clone(), nil
}

// PatchSubscription implements entitle.Storage
func (s *Storage) PatchSubscription(_ context.Context, providerSubscriptionID string,
	patch entitle.SubscriptionPatch) (*entitle.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byProviderID[providerSubscriptionID]
	if !ok {
		return nil, entitle.ErrSubscriptionNotFound
	}
	row := s.subscriptions[id]
	if entitle.StaleEvent(row, patch.EventAt) {
		return nil, entitle.ErrStaleEvent
	}
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = s.now()
	}
	patch.Apply(row)
	return row.Clone(), nil
}

// ExpireSubscription implements entitle.Storage
func (s *Storage) ExpireSubscription(_ context.Context, subscriptionID int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.subscriptions[subscriptionID]
	if !ok {
		return false, entitle.ErrSubscriptionNotFound
	}
	if !entitle.ExpiryDue(row, now) {
		return false, nil
	}
	row.Status = entitle.StatusExpired
	row.UpdatedAt = s.now()
	return true, nil
}

// GetPlan implements entitle.Storage
func (s *Storage) GetPlan(_ context.Context, planID int64) (*entitle.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[planID]
	if !ok {
		return nil, entitle.ErrPlanNotFound
	}
	c := *p
	return &c, nil
}

// PlanByName implements entitle.Storage
func (s *Storage) PlanByName(_ context.Context, name entitle.PlanName) (*entitle.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.Name == name {
			c := *p
			return &c, nil
		}
	}
	return nil, entitle.ErrPlanNotFound
}

// PlanFeatures implements entitle.Storage
func (s *Storage) PlanFeatures(_ context.Context, planID int64) ([]entitle.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.plans[planID]; !ok {
		return nil, entitle.ErrPlanNotFound
	}
	src := s.features[planID]
	out := make([]entitle.Feature, len(src))
	for i, f := range src {
		if f.Limit != nil {
			f.Limit = entitle.Int64Ptr(*f.Limit)
		}
		out[i] = f
	}
	return out, nil
}

// GetAccount implements entitle.Storage
func (s *Storage) GetAccount(_ context.Context, accountID string) (*entitle.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, entitle.ErrAccountNotFound
	}
	c := *acc
	if acc.SubscriptionEndsAt != nil {
		c.SubscriptionEndsAt = entitle.TimePtr(*acc.SubscriptionEndsAt)
	}
	return &c, nil
}

// SetAccountStatus implements entitle.Storage
func (s *Storage) SetAccountStatus(_ context.Context, accountID string, status entitle.Status, endsAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return entitle.ErrAccountNotFound
	}
	acc.SubscriptionStatus = status
	acc.SubscriptionEndsAt = nil
	if endsAt != nil {
		acc.SubscriptionEndsAt = entitle.TimePtr(*endsAt)
	}
	acc.UpdatedAt = s.now()
	return nil
}

func (s *Storage) insertLocked(sub *entitle.Subscription) *entitle.Subscription {
	s.nextID++
	row := sub.Clone()
	row.ID = s.nextID
	now := s.now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	s.subscriptions[row.ID] = row
	s.byProviderID[row.ProviderSubscriptionID] = row.ID
	s.byAccount[row.AccountID] = append(s.byAccount[row.AccountID], row.ID)
	return row
}

func validate(sub *entitle.Subscription) error {
	if sub == nil {
		return entitle.ErrInvalidSubscription
	}
	if sub.AccountID == "" || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("%w: account_id and provider_subscription_id are required", entitle.ErrInvalidSubscription)
	}
	if !sub.Status.Valid() {
		return fmt.Errorf("%w: status %q", entitle.ErrInvalidSubscription, sub.Status)
	}
	return nil
}
