package entitle_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const (
	testAccountID = "acc_meister"
	testProPlanID = int64(2)
)

var (
	baseTime   = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	errBackend = errors.New("connection refused")
)

// countingStorage counts LatestSubscription calls and can block or fail them.
type countingStorage struct {
	*memory.Storage
	latestCalls atomic.Int64
	delay       time.Duration
	release     chan struct{}
	failLatest  error
	failPlans   error
}

func newCountingStorage(clock entitle.Clock) *countingStorage {
	return &countingStorage{Storage: memory.NewWithDefaultCatalog(memory.WithClock(clock))}
}

func (s *countingStorage) LatestSubscription(ctx context.Context, accountID string) (*entitle.Subscription, error) {
	s.latestCalls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failLatest != nil {
		return nil, s.failLatest
	}
	return s.Storage.LatestSubscription(ctx, accountID)
}

func (s *countingStorage) PlanByName(ctx context.Context, name entitle.PlanName) (*entitle.Plan, error) {
	if s.failPlans != nil {
		return nil, s.failPlans
	}
	return s.Storage.PlanByName(ctx, name)
}

func (s *countingStorage) GetPlan(ctx context.Context, planID int64) (*entitle.Plan, error) {
	if s.failPlans != nil {
		return nil, s.failPlans
	}
	return s.Storage.GetPlan(ctx, planID)
}

func insertSub(s entitle.Storage, mutate func(*entitle.Subscription)) *entitle.Subscription {
	sub := &entitle.Subscription{
		AccountID:              testAccountID,
		PlanID:                 testProPlanID,
		Status:                 entitle.StatusActive,
		Provider:               entitle.ProviderPaddle,
		ProviderSubscriptionID: "sub_01hv",
		CurrentPeriodStart:     entitle.TimePtr(baseTime.Add(-20 * 24 * time.Hour)),
		CurrentPeriodEnd:       entitle.TimePtr(baseTime.Add(10 * 24 * time.Hour)),
	}
	if mutate != nil {
		mutate(sub)
	}
	out, err := s.InsertSubscription(context.Background(), sub)
	if err != nil {
		panic(err)
	}
	return out
}
