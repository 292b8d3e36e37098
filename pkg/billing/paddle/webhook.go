package paddle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// SignatureHeader carries "ts=<unix>;h1=<hex hmac>"
const SignatureHeader = "Paddle-Signature"

// Published Paddle webhook source addresses
var (
	productionWebhookIPs = []string{
		"34.232.58.13", "34.195.105.136", "34.237.3.244",
		"35.155.119.135", "52.11.166.252", "34.212.5.7",
	}
	sandboxWebhookIPs = []string{
		"34.194.127.46", "54.234.237.108", "3.208.120.145",
		"44.226.236.210", "44.241.183.62", "100.20.172.113",
	}
)

// Sign returns a Paddle-Signature header value for body at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	mac := internal.HMACSHA256([]byte(secret), []byte(unix), []byte(":"), body)
	return fmt.Sprintf("ts=%s;h1=%x", unix, mac)
}

// verifySignature checks the Paddle-Signature header with the SDK verifier.
// Several h1 values may be present while a secret is being rotated; the
// verifier accepts one, so each is checked on its own.
func (p *Provider) verifySignature(r *http.Request, header string, body []byte) bool {
	ts, hashes := splitSignature(header)
	if ts == "" || len(hashes) == 0 || !p.withinTolerance(ts) {
		return false
	}
	for _, h1 := range hashes {
		req := r.Clone(r.Context())
		req.Header.Set(SignatureHeader, "ts="+ts+";h1="+strings.ToLower(h1))
		req.Body = io.NopCloser(bytes.NewReader(body))
		if ok, err := p.verifier.Verify(req); err == nil && ok {
			return true
		}
	}
	return false
}

func splitSignature(header string) (ts string, hashes []string) {
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "h1":
			hashes = append(hashes, v)
		}
	}
	return ts, hashes
}

// withinTolerance checks ts against the configured clock.
func (p *Provider) withinTolerance(ts string) bool {
	tolerance := p.config.SignatureTolerance
	if tolerance <= 0 {
		return true
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := p.config.Clock.Now().Sub(time.Unix(unix, 0))
	return age <= tolerance && age >= -tolerance
}

func (p *Provider) authenticate(r *http.Request, body []byte) billing.AuthResult {
	header := r.Header.Get(SignatureHeader)
	if header != "" && p.verifySignature(r, header, body) {
		return billing.AuthOK
	}
	if p.allowlist.Contains(internal.ClientIP(r, p.config.TrustForwardedFor)) {
		return billing.AuthDegraded
	}
	if header != "" {
		return billing.AuthInvalidSignature
	}
	return billing.AuthForbidden
}

type notification struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type billingPeriod struct {
	StartsAt *time.Time `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at"`
}

type subscriptionData struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"` // transactions
	Status         string `json:"status"`
	Items          []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
		TrialDates *billingPeriod `json:"trial_dates"`
	} `json:"items"`
	CurrentBillingPeriod *billingPeriod  `json:"current_billing_period"`
	ScheduledChange      json.RawMessage `json:"scheduled_change"`
	CustomData           map[string]any  `json:"custom_data"`
}

var eventKinds = map[string]billing.EventKind{
	"subscription.created":       billing.EventCreated,
	"subscription.updated":       billing.EventUpdated,
	"subscription.trialing":      billing.EventUpdated,
	"subscription.activated":     billing.EventActivated,
	"subscription.canceled":      billing.EventCancelled,
	"subscription.paused":        billing.EventPaused,
	"subscription.resumed":       billing.EventResumed,
	"subscription.past_due":      billing.EventPastDue,
	"transaction.payment_failed": billing.EventPastDue,
	"transaction.completed":      billing.EventTransactionCompleted,
}

func mapStatus(s string) entitle.Status {
	switch s {
	case "active":
		return entitle.StatusActive
	case "trialing":
		return entitle.StatusTrial
	case "past_due":
		return entitle.StatusPastDue
	case "paused":
		return entitle.StatusPaused
	case "canceled":
		return entitle.StatusCancelled
	default:
		return ""
	}
}

// ParseNotifications accepts a single notification object or an array of them.
func ParseNotifications(body []byte) ([]*billing.Event, error) {
	trimmed := bytes.TrimSpace(body)
	var raws []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
	} else {
		if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, fmt.Errorf("%w: expected object or array", billing.ErrInvalidWebhookPayload)
		}
		raws = []json.RawMessage{trimmed}
	}

	events := make([]*billing.Event, 0, len(raws))
	for _, raw := range raws {
		events = append(events, parseNotification(raw))
	}
	return events, nil
}

func parseNotification(raw json.RawMessage) *billing.Event {
	ev := &billing.Event{Provider: entitle.ProviderPaddle, Raw: raw}

	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		ev.Invalid = err
		return ev
	}
	ev.ID = n.EventID
	ev.Type = n.EventType
	ev.Kind = eventKinds[n.EventType]
	if n.OccurredAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, n.OccurredAt); err == nil {
			ev.OccurredAt = t.UTC()
		}
	}
	if ev.Kind == billing.EventUnknown {
		return ev
	}

	var data subscriptionData
	if err := json.Unmarshal(n.Data, &data); err != nil {
		ev.Invalid = fmt.Errorf("data: %w", err)
		return ev
	}

	if strings.HasPrefix(n.EventType, "transaction.") {
		ev.SubscriptionID = data.SubscriptionID
	} else {
		ev.SubscriptionID = data.ID
		ev.Status = mapStatus(data.Status)
	}
	if len(data.Items) > 0 {
		ev.PriceID = data.Items[0].Price.ID
		if td := data.Items[0].TrialDates; td != nil {
			ev.TrialEndsAt = utc(td.EndsAt)
		}
	}
	if data.CurrentBillingPeriod != nil {
		ev.CurrentPeriodStart = utc(data.CurrentBillingPeriod.StartsAt)
		ev.CurrentPeriodEnd = utc(data.CurrentBillingPeriod.EndsAt)
	}
	if sc := bytes.TrimSpace(data.ScheduledChange); len(sc) > 0 && !bytes.Equal(sc, []byte("null")) {
		ev.ScheduledChange = append(json.RawMessage(nil), sc...)
		var change struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(sc, &change) == nil && change.Action == "cancel" {
			ev.CancelAtPeriodEnd = true
		}
	}
	ev.Metadata, ev.MetadataErr = billing.ParseMetadata(data.CustomData)
	return ev
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
