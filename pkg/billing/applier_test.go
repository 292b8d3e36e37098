package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

func TestNewApplier_RequiresStorage(t *testing.T) {
	_, err := billing.NewApplier(billing.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestApplier_CreatedInsertsFromMetadata(t *testing.T) {
	f := newFixture()
	a := f.applier()

	res := a.Apply(t.Context(), createdEvent())
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	assert.Equal(t, "evt_created", res.EventID)
	assert.Empty(t, res.Error)

	sub := f.latest()
	require.NotNil(t, sub)
	assert.Equal(t, testSubID, sub.ProviderSubscriptionID)
	assert.Equal(t, entitle.StatusActive, sub.Status)
	assert.Equal(t, int64(2), sub.PlanID)
	assert.Equal(t, entitle.ProviderPaddle, sub.Provider)
	assert.Equal(t, baseTime.AddDate(0, 1, 0), *sub.CurrentPeriodEnd)

	acc, err := f.store.GetAccount(t.Context(), testAccountID)
	require.NoError(t, err)
	assert.Equal(t, entitle.StatusActive, acc.SubscriptionStatus)
	require.NotNil(t, acc.SubscriptionEndsAt)
	assert.Equal(t, baseTime.AddDate(0, 1, 0), *acc.SubscriptionEndsAt)

	require.Len(t, f.applied, 1)
	assert.Equal(t, testAccountID, f.applied[0].AccountID)
	assert.Equal(t, entitle.Status(""), f.applied[0].PreviousStatus)
	assert.Equal(t, entitle.StatusActive, f.applied[0].NewStatus)
	assert.Equal(t, []string{"->active"}, f.metrics.statusChanges)
	assert.Equal(t, 1, f.metrics.events["subscription.created/applied"])
}

func TestApplier_CreatedTrialing(t *testing.T) {
	f := newFixture()
	ev := createdEvent()
	ev.Status = entitle.StatusTrial
	ev.TrialEndsAt = entitle.TimePtr(baseTime.AddDate(0, 0, 14))

	res := f.applier().Apply(t.Context(), ev)
	require.Equal(t, billing.OutcomeApplied, res.Outcome)

	sub := f.latest()
	assert.Equal(t, entitle.StatusTrial, sub.Status)
	assert.Equal(t, baseTime.AddDate(0, 0, 14), *sub.TrialEndsAt)

	acc, _ := f.store.GetAccount(t.Context(), testAccountID)
	assert.Equal(t, baseTime.AddDate(0, 0, 14), *acc.SubscriptionEndsAt)
}

func TestApplier_ReplayIsIdempotent(t *testing.T) {
	f := newFixture()
	a := f.applier()

	first := a.Apply(t.Context(), createdEvent())
	before := f.latest()
	second := a.Apply(t.Context(), createdEvent())
	after := f.latest()

	assert.Equal(t, billing.OutcomeApplied, first.Outcome)
	assert.Equal(t, billing.OutcomeApplied, second.Outcome)
	assert.Equal(t, 1, f.store.Count())
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.PlanID, after.PlanID)
	assert.Equal(t, *before.CurrentPeriodEnd, *after.CurrentPeriodEnd)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
}

func TestApplier_CreatedWithoutMetadataIsSkipped(t *testing.T) {
	f := newFixture()
	ev := createdEvent()
	ev.Metadata = billing.Metadata{}
	ev.MetadataErr = billing.ErrMissingMetadata

	res := f.applier().Apply(t.Context(), ev)
	assert.Equal(t, billing.OutcomeSkipped, res.Outcome)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 0, f.store.Count())
	assert.True(t, f.logger.has("warn", "skipping webhook event"))
	assert.Empty(t, f.failed)
}

func TestApplier_UpdatedExistingRowWithoutMetadata(t *testing.T) {
	f := newFixture()
	a := f.applier()
	require.Equal(t, billing.OutcomeApplied, a.Apply(t.Context(), createdEvent()).Outcome)

	ev := &billing.Event{
		ID:                 "evt_upd",
		Type:               "subscription.updated",
		Kind:               billing.EventUpdated,
		Provider:           entitle.ProviderPaddle,
		SubscriptionID:     testSubID,
		Status:             entitle.StatusPastDue,
		CurrentPeriodEnd:   entitle.TimePtr(baseTime.AddDate(0, 2, 0)),
		MetadataErr:        billing.ErrMissingMetadata,
		CurrentPeriodStart: entitle.TimePtr(baseTime.AddDate(0, 1, 0)),
	}
	res := a.Apply(t.Context(), ev)
	require.Equal(t, billing.OutcomeApplied, res.Outcome)

	sub := f.latest()
	assert.Equal(t, entitle.StatusPastDue, sub.Status)
	assert.Equal(t, int64(2), sub.PlanID, "plan kept when the event carries no price")
	assert.Equal(t, baseTime.AddDate(0, 2, 0), *sub.CurrentPeriodEnd)
	assert.Equal(t, testAccountID, sub.AccountID)
}

func TestApplier_UnknownPriceIsSkipped(t *testing.T) {
	f := newFixture()
	ev := createdEvent()
	ev.PriceID = "pri_legacy"

	res := f.applier().Apply(t.Context(), ev)
	assert.Equal(t, billing.OutcomeSkipped, res.Outcome)
	assert.Contains(t, res.Error, "pri_legacy")
	assert.Equal(t, 0, f.store.Count())
}

func TestApplier_IntervalFallbackWithoutPrice(t *testing.T) {
	f := newFixture()
	ev := createdEvent()
	ev.PriceID = ""
	ev.Metadata.Interval = billing.IntervalYearly

	require.Equal(t, billing.OutcomeApplied, f.applier().Apply(t.Context(), ev).Outcome)
	assert.Equal(t, int64(3), f.latest().PlanID)
}

func TestApplier_CancelOrphanIsNoop(t *testing.T) {
	f := newFixture()
	res := f.applier().Apply(t.Context(), &billing.Event{
		ID:             "evt_cancel",
		Type:           "subscription.canceled",
		Kind:           billing.EventCancelled,
		Provider:       entitle.ProviderPaddle,
		SubscriptionID: "sub_unknown",
		OccurredAt:     baseTime,
	})

	assert.Equal(t, billing.OutcomeOrphan, res.Outcome)
	assert.Empty(t, res.Error)
	assert.Equal(t, 0, f.store.Count())
	assert.Empty(t, f.applied)
}

func TestApplier_CancelKeepsPeriod(t *testing.T) {
	f := newFixture()
	a := f.applier()
	require.Equal(t, billing.OutcomeApplied, a.Apply(t.Context(), createdEvent()).Outcome)
	_, err := f.store.PatchSubscription(t.Context(), testSubID, entitle.SubscriptionPatch{
		ScheduledChange: json.RawMessage(`{"action":"cancel"}`),
	})
	require.NoError(t, err)

	cancelAt := baseTime.Add(72 * time.Hour)
	res := a.Apply(t.Context(), &billing.Event{
		ID:             "evt_cancel",
		Type:           "subscription.canceled",
		Kind:           billing.EventCancelled,
		Provider:       entitle.ProviderPaddle,
		SubscriptionID: testSubID,
		OccurredAt:     cancelAt,
	})
	require.Equal(t, billing.OutcomeApplied, res.Outcome)

	sub := f.latest()
	assert.Equal(t, entitle.StatusCancelled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, cancelAt, *sub.CancelledAt)
	assert.Equal(t, baseTime.AddDate(0, 1, 0), *sub.CurrentPeriodEnd, "period untouched for grace")
	assert.Nil(t, sub.ScheduledChange)

	assert.Equal(t, entitle.StatusActive, f.applied[1].PreviousStatus)
	assert.Equal(t, entitle.StatusCancelled, f.applied[1].NewStatus)
	assert.Equal(t, cancelAt, f.applied[1].OccurredAt)
}

func TestApplier_ResumeClearsCancellation(t *testing.T) {
	f := newFixture()
	a := f.applier()
	require.Equal(t, billing.OutcomeApplied, a.Apply(t.Context(), createdEvent()).Outcome)
	require.Equal(t, billing.OutcomeApplied, a.Apply(t.Context(), &billing.Event{
		ID: "evt_cancel", Type: "subscription.canceled", Kind: billing.EventCancelled,
		Provider: entitle.ProviderPaddle, SubscriptionID: testSubID, OccurredAt: baseTime,
	}).Outcome)

	res := a.Apply(t.Context(), &billing.Event{
		ID:                "evt_resume",
		Type:              "subscription.resumed",
		Kind:              billing.EventResumed,
		Provider:          entitle.ProviderPaddle,
		SubscriptionID:    testSubID,
		CancelAtPeriodEnd: true,
		ScheduledChange:   json.RawMessage(`{"action":"cancel"}`),
		MetadataErr:       billing.ErrMissingMetadata,
	})
	require.Equal(t, billing.OutcomeApplied, res.Outcome)

	sub := f.latest()
	assert.Equal(t, entitle.StatusActive, sub.Status)
	assert.Nil(t, sub.CancelledAt)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Nil(t, sub.ScheduledChange)
	assert.Equal(t, 1, f.store.Count())
}

func TestApplier_PastDueRetainsRowAndWarns(t *testing.T) {
	f := newFixture()
	a := f.applier()
	require.Equal(t, billing.OutcomeApplied, a.Apply(t.Context(), createdEvent()).Outcome)

	res := a.Apply(t.Context(), &billing.Event{
		ID: "evt_pd", Type: "transaction.payment_failed", Kind: billing.EventPastDue,
		Provider: entitle.ProviderPaddle, SubscriptionID: testSubID,
	})
	require.Equal(t, billing.OutcomeApplied, res.Outcome)
	assert.Equal(t, entitle.StatusPastDue, f.latest().Status)
	assert.True(t, f.logger.has("warn", "subscription payment failed"))
}

func TestApplier_PausedOrphan(t *testing.T) {
	f := newFixture()
	res := f.applier().Apply(t.Context(), &billing.Event{
		ID: "evt_pause", Type: "subscription.paused", Kind: billing.EventPaused,
		Provider: entitle.ProviderPaddle, SubscriptionID: "sub_gone",
	})
	assert.Equal(t, billing.OutcomeOrphan, res.Outcome)
}

func TestApplier_InformationalAndUnknown(t *testing.T) {
	f := newFixture()
	a := f.applier()

	res := a.Apply(t.Context(), &billing.Event{
		ID: "evt_txn", Type: "transaction.completed", Kind: billing.EventTransactionCompleted,
		Provider: entitle.ProviderPaddle, SubscriptionID: testSubID,
	})
	assert.Equal(t, billing.OutcomeIgnored, res.Outcome)

	res = a.Apply(t.Context(), &billing.Event{
		ID: "evt_x", Type: "address.created", Kind: billing.EventUnknown, Provider: entitle.ProviderPaddle,
	})
	assert.Equal(t, billing.OutcomeIgnored, res.Outcome)
	assert.True(t, f.logger.has("info", "ignoring unknown webhook event"))
	assert.Equal(t, 0, f.store.Count())
}

func TestApplier_MissingSubscriptionID(t *testing.T) {
	f := newFixture()
	ev := createdEvent()
	ev.SubscriptionID = ""

	res := f.applier().Apply(t.Context(), ev)
	assert.Equal(t, billing.OutcomeSkipped, res.Outcome)
	assert.Equal(t, billing.ErrMissingSubscriptionID.Error(), res.Error)
}

func TestApplier_InvalidEventFails(t *testing.T) {
	f := newFixture()
	ev := createdEvent()
	ev.Invalid = errors.New("data: cannot unmarshal number")

	res := f.applier().Apply(t.Context(), ev)
	assert.Equal(t, billing.OutcomeFailed, res.Outcome)
	require.Len(t, f.failed, 1)
	assert.Equal(t, "evt_created", f.failed[0].EventID)
}

func TestApplier_MirrorFailureIsOnlyLogged(t *testing.T) {
	f := newFixture()
	ev := createdEvent()
	ev.Metadata.AccountID = "acc_without_row"

	res := f.applier().Apply(t.Context(), ev)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	assert.True(t, f.logger.has("warn", "failed to mirror subscription status onto account"))
}

type panickingStorage struct {
	entitle.Storage
}

func (panickingStorage) SubscriptionByProviderID(context.Context, string) (*entitle.Subscription, error) {
	panic("driver exploded")
}

func TestApplier_PanicIsContained(t *testing.T) {
	f := newFixture()
	f.config.Storage = panickingStorage{Storage: f.store}

	res := f.applier().Apply(t.Context(), createdEvent())
	assert.Equal(t, billing.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "driver exploded")
	assert.True(t, f.logger.has("error", "webhook event handler panicked"))
	require.Len(t, f.failed, 1)
	assert.Equal(t, 1, f.metrics.events["subscription.created/failed"])
}

func TestApplier_OutOfOrderCancelThenCreate(t *testing.T) {
	f := newFixture()
	a := f.applier()

	cancel := &billing.Event{
		ID: "evt_cancel", Type: "subscription.canceled", Kind: billing.EventCancelled,
		Provider: entitle.ProviderPaddle, SubscriptionID: testSubID, OccurredAt: baseTime.Add(time.Hour),
	}
	assert.Equal(t, billing.OutcomeOrphan, a.Apply(t.Context(), cancel).Outcome)
	assert.Equal(t, billing.OutcomeApplied, a.Apply(t.Context(), createdEvent()).Outcome)
	assert.Equal(t, 1, f.store.Count())
	assert.Equal(t, entitle.StatusActive, f.latest().Status)
}

func TestApplier_StaleCreatedAfterCancelIsIgnored(t *testing.T) {
	f := newFixture()
	a := f.applier()
	require.Equal(t, billing.OutcomeApplied, a.Apply(t.Context(), createdEvent()).Outcome)

	cancelAt := baseTime.Add(time.Hour)
	require.Equal(t, billing.OutcomeApplied, a.Apply(t.Context(), &billing.Event{
		ID: "evt_cancel", Type: "subscription.canceled", Kind: billing.EventCancelled,
		Provider: entitle.ProviderPaddle, SubscriptionID: testSubID, OccurredAt: cancelAt,
	}).Outcome)

	res := a.Apply(t.Context(), createdEvent())
	assert.Equal(t, billing.OutcomeStale, res.Outcome)
	assert.Empty(t, res.Error)
	assert.Empty(t, f.failed)
	assert.True(t, f.logger.has("info", "ignoring stale webhook event"))
	assert.Equal(t, 1, f.metrics.events["subscription.created/stale"])

	sub := f.latest()
	assert.Equal(t, entitle.StatusCancelled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, cancelAt, *sub.CancelledAt)
	assert.Equal(t, cancelAt, *sub.LastEventAt)
	assert.Len(t, f.applied, 2, "stale events do not invalidate")
}

func TestApplier_StalePauseIsIgnored(t *testing.T) {
	f := newFixture()
	a := f.applier()
	ev := createdEvent()
	ev.OccurredAt = baseTime.Add(2 * time.Hour)
	require.Equal(t, billing.OutcomeApplied, a.Apply(t.Context(), ev).Outcome)

	res := a.Apply(t.Context(), &billing.Event{
		ID: "evt_pause", Type: "subscription.paused", Kind: billing.EventPaused,
		Provider: entitle.ProviderPaddle, SubscriptionID: testSubID, OccurredAt: baseTime,
	})
	assert.Equal(t, billing.OutcomeStale, res.Outcome)
	assert.Equal(t, entitle.StatusActive, f.latest().Status)
}

type racingStorage struct {
	entitle.Storage
}

func (racingStorage) UpsertSubscription(context.Context, *entitle.Subscription) (*entitle.Subscription, error) {
	return nil, entitle.ErrStaleEvent
}

func TestApplier_ConcurrentNewerWriteWins(t *testing.T) {
	f := newFixture()
	f.config.Storage = racingStorage{Storage: f.store}

	res := f.applier().Apply(t.Context(), createdEvent())
	assert.Equal(t, billing.OutcomeStale, res.Outcome)
	assert.Empty(t, f.failed)
	assert.Empty(t, f.applied)
}

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		want    billing.Metadata
		wantErr bool
	}{
		{"valid", map[string]any{"account_id": "acc_1", "billing_interval": "yearly"},
			billing.Metadata{AccountID: "acc_1", Interval: billing.IntervalYearly}, false},
		{"normalizes case and space", map[string]any{"account_id": " acc_1 ", "billing_interval": " Monthly"},
			billing.Metadata{AccountID: "acc_1", Interval: billing.IntervalMonthly}, false},
		{"nil", nil, billing.Metadata{}, true},
		{"missing account", map[string]any{"billing_interval": "monthly"}, billing.Metadata{}, true},
		{"numeric account", map[string]any{"account_id": 42.0, "billing_interval": "monthly"}, billing.Metadata{}, true},
		{"bad interval", map[string]any{"account_id": "acc_1", "billing_interval": "weekly"}, billing.Metadata{}, true},
		{"missing interval", map[string]any{"account_id": "acc_1"}, billing.Metadata{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := billing.ParseMetadata(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, billing.ErrMissingMetadata)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_PriceForPlan(t *testing.T) {
	cfg := billing.Config{PlanMapping: map[string]entitle.PlanName{
		"pri_b": entitle.PlanPro,
		"pri_a": entitle.PlanPro,
		"pri_y": entitle.PlanProYearly,
	}}
	assert.Equal(t, "pri_a", cfg.PriceForPlan(entitle.PlanPro))
	assert.Equal(t, "pri_y", cfg.PriceForPlan(entitle.PlanProYearly))
	assert.Equal(t, "", cfg.PriceForPlan(entitle.PlanFreemium))
}

func TestAPIError(t *testing.T) {
	err := &billing.APIError{Provider: "paddle", StatusCode: 400, Code: "subscription_locked",
		Message: "Subscription is locked while a change is pending."}
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.Equal(t, "Subscription is locked while a change is pending.", billing.ProviderMessage(err))
	assert.Equal(t, "boom", billing.ProviderMessage(errors.New("boom")))
}
