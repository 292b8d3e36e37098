package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// EventKind is the provider-neutral classification of a webhook event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCreated
	EventUpdated
	EventActivated
	EventCancelled
	EventPaused
	EventResumed
	EventPastDue
	EventTransactionCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventActivated:
		return "activated"
	case EventCancelled:
		return "cancelled"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventPastDue:
		return "past_due"
	case EventTransactionCompleted:
		return "transaction_completed"
	default:
		return "unknown"
	}
}

// Constructive reports whether the kind may create a missing row.
func (k EventKind) Constructive() bool {
	switch k {
	case EventCreated, EventUpdated, EventActivated, EventResumed:
		return true
	default:
		return false
	}
}

// Metadata is the opaque checkout metadata the provider echoes back.
type Metadata struct {
	AccountID string   `json:"account_id"`
	Interval  Interval `json:"billing_interval"`
}

// Map returns the metadata in the flat form sent to providers.
func (m Metadata) Map() map[string]string {
	return map[string]string{
		"account_id":       m.AccountID,
		"billing_interval": string(m.Interval),
	}
}

// ParseMetadata validates metadata received on a webhook. Values of any
// JSON type are accepted; account_id must be a non-empty string and
// billing_interval one of monthly/yearly.
func ParseMetadata(raw map[string]any) (Metadata, error) {
	if len(raw) == 0 {
		return Metadata{}, fmt.Errorf("%w: empty", ErrMissingMetadata)
	}
	accountID, ok := raw["account_id"].(string)
	accountID = strings.TrimSpace(accountID)
	if !ok || accountID == "" {
		return Metadata{}, fmt.Errorf("%w: account_id", ErrMissingMetadata)
	}
	interval, _ := raw["billing_interval"].(string)
	md := Metadata{AccountID: accountID, Interval: Interval(strings.ToLower(strings.TrimSpace(interval)))}
	if !md.Interval.Valid() {
		return Metadata{}, fmt.Errorf("%w: billing_interval %q", ErrMissingMetadata, interval)
	}
	return md, nil
}

// Event is a parsed webhook notification in provider-neutral form.
type Event struct {
	// ID is the provider event id (used for logging and the batch summary)
	ID string
	// Type is the raw provider event type, e.g. "subscription.canceled"
	Type     string
	Kind     EventKind
	Provider entitle.Provider

	OccurredAt     time.Time
	SubscriptionID string

	// Status is the subscription status reported by the provider, if any
	Status  entitle.Status
	PriceID string

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialEndsAt        *time.Time
	CancelAtPeriodEnd  bool

	// ScheduledChange is the provider's pending change; nil when none
	ScheduledChange json.RawMessage

	// Metadata is valid only when MetadataErr is nil
	Metadata    Metadata
	MetadataErr error

	// Invalid is set when the envelope was readable but the event body was not
	Invalid error

	Raw json.RawMessage
}

// Outcome is the per-event result reported in the batch summary.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
	OutcomeOrphan  Outcome = "orphan"
	// OutcomeStale marks an event older than the one that last changed the row
	OutcomeStale   Outcome = "stale"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// EventResult is one entry of the batch summary.
type EventResult struct {
	EventID string  `json:"event_id"`
	Type    string  `json:"type"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// BatchSummary is the body returned for every authenticated webhook request.
type BatchSummary struct {
	Received int           `json:"received"`
	Results  []EventResult `json:"results"`
}

// AppliedEvent contains information about a webhook event that changed the
// canonical subscription row. It is passed to Config.OnEventApplied.
type AppliedEvent struct {
	Provider       entitle.Provider
	EventID        string
	EventType      string
	Kind           EventKind
	AccountID      string
	SubscriptionID string

	// PreviousStatus is empty when the row was created by this event
	PreviousStatus entitle.Status
	NewStatus      entitle.Status

	OccurredAt time.Time
}
