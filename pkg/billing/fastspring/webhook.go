package fastspring

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// SignatureHeader carries base64(HMAC-SHA256(body))
const SignatureHeader = "X-FS-Signature"

// Sign returns the X-FS-Signature value for body.
func Sign(secret string, body []byte) string {
	return base64.StdEncoding.EncodeToString(internal.HMACSHA256([]byte(secret), body))
}

// authenticate has no IP fallback: a missing or wrong signature is 401.
func (p *Provider) authenticate(r *http.Request, body []byte) billing.AuthResult {
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return billing.AuthInvalidSignature
	}
	if !internal.EqualBase64(sig, internal.HMACSHA256([]byte(p.config.WebhookSecret), body)) {
		return billing.AuthInvalidSignature
	}
	return billing.AuthOK
}

type envelope struct {
	Events []json.RawMessage `json:"events"`
}

type rawEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"` // unix ms
	Data    json.RawMessage `json:"data"`
}

type subscriptionData struct {
	ID           json.RawMessage `json:"id"`
	Subscription json.RawMessage `json:"subscription"`
	State        string          `json:"state"`
	Product      json.RawMessage `json:"product"`
	Begin        *int64          `json:"begin"`
	Next         *int64          `json:"next"`
	End          *int64          `json:"end"`
	Deactivation *int64          `json:"deactivationDate"`
	Tags         map[string]any  `json:"tags"`
}

var eventKinds = map[string]billing.EventKind{
	"subscription.activated":        billing.EventCreated,
	"subscription.updated":          billing.EventUpdated,
	"subscription.trial.converted":  billing.EventActivated,
	"subscription.canceled":         billing.EventCancelled,
	"subscription.deactivated":      billing.EventCancelled,
	"subscription.uncanceled":       billing.EventResumed,
	"subscription.resumed":          billing.EventResumed,
	"subscription.paused":           billing.EventPaused,
	"subscription.charge.failed":    billing.EventPastDue,
	"subscription.charge.completed": billing.EventTransactionCompleted,
	"order.completed":               billing.EventTransactionCompleted,
}

func mapState(s string) entitle.Status {
	switch s {
	case "active":
		return entitle.StatusActive
	case "trial":
		return entitle.StatusTrial
	case "overdue":
		return entitle.StatusPastDue
	case "paused":
		return entitle.StatusPaused
	case "canceled":
		return entitle.StatusCancelled
	case "deactivated":
		return entitle.StatusExpired
	default:
		return ""
	}
}

// ParseEvents reads a {"events":[...]} envelope.
func ParseEvents(body []byte) ([]*billing.Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if env.Events == nil {
		return nil, fmt.Errorf("%w: missing events", billing.ErrInvalidWebhookPayload)
	}
	events := make([]*billing.Event, 0, len(env.Events))
	for _, raw := range env.Events {
		events = append(events, parseEvent(raw))
	}
	return events, nil
}

func parseEvent(raw json.RawMessage) *billing.Event {
	ev := &billing.Event{Provider: entitle.ProviderFastSpring, Raw: raw}

	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		ev.Invalid = err
		return ev
	}
	ev.ID = re.ID
	ev.Type = re.Type
	ev.Kind = eventKinds[re.Type]
	if re.Created > 0 {
		ev.OccurredAt = time.UnixMilli(re.Created).UTC()
	}
	if ev.Kind == billing.EventUnknown {
		return ev
	}

	var data subscriptionData
	if err := json.Unmarshal(re.Data, &data); err != nil {
		ev.Invalid = fmt.Errorf("data: %w", err)
		return ev
	}

	if ev.Kind == billing.EventPastDue || ev.Kind == billing.EventTransactionCompleted {
		ev.SubscriptionID = idOf(data.Subscription, "id")
	} else {
		ev.SubscriptionID = idOf(data.ID, "id")
		if ev.SubscriptionID == "" {
			ev.SubscriptionID = idOf(data.Subscription, "id")
		}
		ev.Status = mapState(data.State)
	}
	ev.PriceID = idOf(data.Product, "product")

	next := millis(data.Next)
	switch ev.Status {
	case entitle.StatusTrial:
		ev.TrialEndsAt = next
	case entitle.StatusCancelled:
		ev.CancelAtPeriodEnd = true
		ev.CurrentPeriodEnd = next
		if d := millis(data.Deactivation); d != nil {
			ev.CurrentPeriodEnd = d
		}
	default:
		ev.CurrentPeriodEnd = next
	}
	if ev.CurrentPeriodEnd == nil {
		ev.CurrentPeriodEnd = millis(data.End)
	}
	// FastSpring reports the subscription start, not the start of the
	// current period; only the first activation carries it.
	if ev.Kind == billing.EventCreated {
		ev.CurrentPeriodStart = millis(data.Begin)
	}

	ev.Metadata, ev.MetadataErr = billing.ParseMetadata(data.Tags)
	return ev
}

// idOf reads a field that FastSpring sends either as a plain string or
// as an expanded object carrying the id under key.
func idOf(raw json.RawMessage, key string) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj map[string]any
	if json.Unmarshal(raw, &obj) == nil {
		if v, ok := obj[key].(string); ok {
			return v
		}
		if v, ok := obj["id"].(string); ok {
			return v
		}
	}
	return ""
}

func millis(ms *int64) *time.Time {
	if ms == nil || *ms <= 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
