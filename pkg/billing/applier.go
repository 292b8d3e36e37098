package billing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Applier applies parsed webhook events to the canonical subscription store.
// It is shared by every provider; providers only authenticate and parse.
type Applier struct {
	storage     entitle.Storage
	planMapping map[string]entitle.PlanName
	clock       entitle.Clock
	logger      entitle.Logger
	metrics     Metrics
	onApplied   func(AppliedEvent)
	onFailed    func(EventResult)
}

// NewApplier creates an Applier from the provider configuration.
func NewApplier(config Config) (*Applier, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrProviderNotConfigured)
	}
	config = config.WithDefaults()
	mapping := make(map[string]entitle.PlanName, len(config.PlanMapping))
	for price, plan := range config.PlanMapping {
		mapping[price] = plan
	}
	return &Applier{
		storage:     config.Storage,
		planMapping: mapping,
		clock:       config.Clock,
		logger:      config.Logger,
		metrics:     config.Metrics,
		onApplied:   config.OnEventApplied,
		onFailed:    config.OnEventFailed,
	}, nil
}

// Apply runs the transition for ev and never panics. Failures are logged
// and reported as OutcomeFailed.
func (a *Applier) Apply(ctx context.Context, ev *Event) (res EventResult) {
	res = EventResult{EventID: ev.ID, Type: ev.Type}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("webhook event handler panicked",
				entitle.F("provider", string(ev.Provider)),
				entitle.F("event_id", ev.ID),
				entitle.F("event_type", ev.Type),
				entitle.F("panic", fmt.Sprint(r)),
				entitle.F("stack", string(debug.Stack())),
			)
			res.Outcome = OutcomeFailed
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		a.metrics.RecordWebhookEvent(string(ev.Provider), ev.Type, string(res.Outcome))
		if res.Outcome == OutcomeFailed && a.onFailed != nil {
			a.onFailed(res)
		}
	}()

	outcome, err := a.apply(ctx, ev)
	res.Outcome = outcome
	if err != nil {
		res.Error = err.Error()
		if outcome == OutcomeFailed {
			a.logger.Error("webhook event failed",
				entitle.F("provider", string(ev.Provider)),
				entitle.F("event_id", ev.ID),
				entitle.F("event_type", ev.Type),
				entitle.Err(err),
			)
		}
	}
	return res
}

func (a *Applier) apply(ctx context.Context, ev *Event) (Outcome, error) {
	if ev.Invalid != nil {
		return OutcomeFailed, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, ev.Invalid)
	}

	switch ev.Kind {
	case EventCreated, EventUpdated, EventActivated, EventResumed:
		return a.applyConstructive(ctx, ev)
	case EventCancelled:
		return a.applyDestructive(ctx, ev, entitle.StatusCancelled)
	case EventPaused:
		return a.applyDestructive(ctx, ev, entitle.StatusPaused)
	case EventPastDue:
		a.logger.Warn("subscription payment failed",
			entitle.F("provider", string(ev.Provider)),
			entitle.F("event_id", ev.ID),
			entitle.F("subscription_id", ev.SubscriptionID),
		)
		return a.applyDestructive(ctx, ev, entitle.StatusPastDue)
	case EventTransactionCompleted:
		a.logger.Info("transaction completed",
			entitle.F("provider", string(ev.Provider)),
			entitle.F("event_id", ev.ID),
			entitle.F("subscription_id", ev.SubscriptionID),
		)
		return OutcomeIgnored, nil
	default:
		a.logger.Info("ignoring unknown webhook event",
			entitle.F("provider", string(ev.Provider)),
			entitle.F("event_id", ev.ID),
			entitle.F("event_type", ev.Type),
		)
		return OutcomeIgnored, nil
	}
}

// applyConstructive upserts the row, creating it from checkout metadata
// when the provider id is unknown.
//
//nolint:gocyclo // one branch per field source
func (a *Applier) applyConstructive(ctx context.Context, ev *Event) (Outcome, error) {
	if ev.SubscriptionID == "" {
		a.logSkip(ev, ErrMissingSubscriptionID)
		return OutcomeSkipped, ErrMissingSubscriptionID
	}

	existing, err := a.storage.SubscriptionByProviderID(ctx, ev.SubscriptionID)
	if err != nil && !errors.Is(err, entitle.ErrSubscriptionNotFound) {
		return OutcomeFailed, fmt.Errorf("failed to load subscription: %w", err)
	}
	if existing == nil && ev.MetadataErr != nil {
		a.logSkip(ev, ev.MetadataErr)
		return OutcomeSkipped, ev.MetadataErr
	}
	eventAt := a.eventAt(ev)
	if entitle.StaleEvent(existing, eventAt) {
		a.logStale(ev, existing)
		return OutcomeStale, nil
	}

	planID, err := a.resolvePlan(ctx, ev, existing)
	if err != nil {
		if errors.Is(err, ErrUnknownPrice) || errors.Is(err, ErrMissingMetadata) {
			a.logSkip(ev, err)
			return OutcomeSkipped, err
		}
		return OutcomeFailed, err
	}

	sub := &entitle.Subscription{
		PlanID:                 planID,
		Status:                 a.constructiveStatus(ev, existing),
		Provider:               ev.Provider,
		ProviderSubscriptionID: ev.SubscriptionID,
		CurrentPeriodStart:     ev.CurrentPeriodStart,
		CurrentPeriodEnd:       ev.CurrentPeriodEnd,
		TrialEndsAt:            ev.TrialEndsAt,
		CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
		ScheduledChange:        ev.ScheduledChange,
		LastEventAt:            eventAt,
	}
	previous := entitle.Status("")
	if existing != nil {
		sub.AccountID = existing.AccountID
		previous = existing.Status
		if sub.Status == entitle.StatusCancelled {
			sub.CancelledAt = existing.CancelledAt
		}
	} else {
		sub.AccountID = ev.Metadata.AccountID
	}
	if sub.Status == entitle.StatusCancelled && sub.CancelledAt == nil {
		sub.CancelledAt = entitle.TimePtr(a.occurredAt(ev))
	}
	if ev.Kind == EventResumed {
		sub.CancelledAt = nil
		sub.CancelAtPeriodEnd = false
		sub.ScheduledChange = nil
	}

	saved, err := a.storage.UpsertSubscription(ctx, sub)
	if errors.Is(err, entitle.ErrStaleEvent) {
		a.logStale(ev, existing)
		return OutcomeStale, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	a.afterWrite(ctx, ev, previous, saved)
	return OutcomeApplied, nil
}

// applyDestructive patches an existing row. Unknown provider ids are a no-op.
func (a *Applier) applyDestructive(ctx context.Context, ev *Event, status entitle.Status) (Outcome, error) {
	if ev.SubscriptionID == "" {
		a.logSkip(ev, ErrMissingSubscriptionID)
		return OutcomeSkipped, ErrMissingSubscriptionID
	}

	existing, err := a.storage.SubscriptionByProviderID(ctx, ev.SubscriptionID)
	if errors.Is(err, entitle.ErrSubscriptionNotFound) {
		a.logger.Info("no subscription for webhook event",
			entitle.F("provider", string(ev.Provider)),
			entitle.F("event_id", ev.ID),
			entitle.F("event_type", ev.Type),
			entitle.F("subscription_id", ev.SubscriptionID),
		)
		return OutcomeOrphan, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to load subscription: %w", err)
	}

	eventAt := a.eventAt(ev)
	if entitle.StaleEvent(existing, eventAt) {
		a.logStale(ev, existing)
		return OutcomeStale, nil
	}

	patch := entitle.SubscriptionPatch{Status: entitle.StatusPtr(status), EventAt: eventAt}
	if status == entitle.StatusCancelled {
		patch.CancelledAt = entitle.TimePtr(a.occurredAt(ev))
		patch.ClearScheduledChange = true
	}

	saved, err := a.storage.PatchSubscription(ctx, ev.SubscriptionID, patch)
	if errors.Is(err, entitle.ErrSubscriptionNotFound) {
		return OutcomeOrphan, nil
	}
	if errors.Is(err, entitle.ErrStaleEvent) {
		a.logStale(ev, existing)
		return OutcomeStale, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to patch subscription: %w", err)
	}
	a.afterWrite(ctx, ev, existing.Status, saved)
	return OutcomeApplied, nil
}

// resolvePlan maps the event's price to a catalog plan. Without a price the
// existing row's plan is kept, or the plan implied by the checkout interval.
func (a *Applier) resolvePlan(ctx context.Context, ev *Event, existing *entitle.Subscription) (int64, error) {
	var name entitle.PlanName
	switch {
	case ev.PriceID != "":
		mapped, ok := a.planMapping[ev.PriceID]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownPrice, ev.PriceID)
		}
		name = mapped
	case existing != nil:
		return existing.PlanID, nil
	case ev.MetadataErr == nil && ev.Metadata.Interval == IntervalYearly:
		name = entitle.PlanProYearly
	case ev.MetadataErr == nil:
		name = entitle.PlanPro
	default:
		return 0, ev.MetadataErr
	}

	plan, err := a.storage.PlanByName(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to load plan %s: %w", name, err)
	}
	return plan.ID, nil
}

func (a *Applier) constructiveStatus(ev *Event, existing *entitle.Subscription) entitle.Status {
	switch ev.Kind {
	case EventActivated, EventResumed:
		return entitle.StatusActive
	case EventCreated:
		if ev.Status == entitle.StatusTrial {
			return entitle.StatusTrial
		}
		return entitle.StatusActive
	}
	if ev.Status.Valid() {
		return ev.Status
	}
	if existing != nil {
		return existing.Status
	}
	return entitle.StatusActive
}

func (a *Applier) afterWrite(ctx context.Context, ev *Event, previous entitle.Status, saved *entitle.Subscription) {
	if previous != saved.Status {
		a.metrics.RecordStatusChange(string(ev.Provider), string(previous), string(saved.Status))
	}

	endsAt := saved.CurrentPeriodEnd
	if saved.Status == entitle.StatusTrial {
		endsAt = saved.TrialEndsAt
	}
	if err := a.storage.SetAccountStatus(ctx, saved.AccountID, saved.Status, endsAt); err != nil {
		a.logger.Warn("failed to mirror subscription status onto account",
			entitle.F("account_id", saved.AccountID),
			entitle.F("status", string(saved.Status)),
			entitle.Err(err),
		)
	}

	a.logger.Info("subscription updated from webhook",
		entitle.F("provider", string(ev.Provider)),
		entitle.F("event_id", ev.ID),
		entitle.F("event_type", ev.Type),
		entitle.F("account_id", saved.AccountID),
		entitle.F("subscription_id", saved.ProviderSubscriptionID),
		entitle.F("from", string(previous)),
		entitle.F("to", string(saved.Status)),
	)

	if a.onApplied != nil {
		a.onApplied(AppliedEvent{
			Provider:       ev.Provider,
			EventID:        ev.ID,
			EventType:      ev.Type,
			Kind:           ev.Kind,
			AccountID:      saved.AccountID,
			SubscriptionID: saved.ProviderSubscriptionID,
			PreviousStatus: previous,
			NewStatus:      saved.Status,
			OccurredAt:     a.occurredAt(ev),
		})
	}
}

func (a *Applier) occurredAt(ev *Event) time.Time {
	if ev.OccurredAt.IsZero() {
		return a.clock.Now()
	}
	return ev.OccurredAt.UTC()
}

// eventAt is the provider timestamp used for ordering; unstamped events
// are applied unconditionally.
func (a *Applier) eventAt(ev *Event) *time.Time {
	if ev.OccurredAt.IsZero() {
		return nil
	}
	return entitle.TimePtr(ev.OccurredAt.UTC())
}

func (a *Applier) logStale(ev *Event, existing *entitle.Subscription) {
	fields := []entitle.Field{
		entitle.F("provider", string(ev.Provider)),
		entitle.F("event_id", ev.ID),
		entitle.F("event_type", ev.Type),
		entitle.F("subscription_id", ev.SubscriptionID),
		entitle.F("occurred_at", ev.OccurredAt),
	}
	if existing != nil && existing.LastEventAt != nil {
		fields = append(fields, entitle.F("last_event_at", *existing.LastEventAt))
	}
	a.logger.Info("ignoring stale webhook event", fields...)
}

func (a *Applier) logSkip(ev *Event, err error) {
	a.logger.Warn("skipping webhook event",
		entitle.F("provider", string(ev.Provider)),
		entitle.F("event_id", ev.ID),
		entitle.F("event_type", ev.Type),
		entitle.F("subscription_id", ev.SubscriptionID),
		entitle.Err(err),
	)
}
