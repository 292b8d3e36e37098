package paddle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const (
	testSecret    = "pdl_ntfset_secret"
	testAccountID = "acc_meister"
	testSubID     = "sub_01hv8x2acxk5kqx7r2m7d0b1hn"
	paddleIP      = "34.232.58.13"
	strangerIP    = "203.0.113.50"
)

var baseTime = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type captureLogger struct {
	entitle.NoopLogger
	mu    sync.Mutex
	warns []string
}

func (l *captureLogger) Warn(msg string, _ ...entitle.Field) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

type captureMetrics struct {
	billing.NoopMetrics
	mu       sync.Mutex
	errors   map[string]int
	apiCalls []string
}

func (m *captureMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	m.errors[errorType]++
	m.mu.Unlock()
}

func (m *captureMetrics) RecordAPICall(_, endpoint, status string) {
	m.mu.Lock()
	m.apiCalls = append(m.apiCalls, endpoint+" "+status)
	m.mu.Unlock()
}

type harness struct {
	store    *memory.Storage
	clock    *entitle.ManualClock
	logger   *captureLogger
	metrics  *captureMetrics
	provider *Provider
}

func newHarness(t *testing.T, mutate func(*billing.Config)) *harness {
	t.Helper()
	h := &harness{
		clock:   entitle.NewManualClock(baseTime),
		logger:  &captureLogger{},
		metrics: &captureMetrics{errors: map[string]int{}},
	}
	h.store = memory.NewWithDefaultCatalog(memory.WithClock(h.clock))
	h.store.PutAccount(&entitle.Account{ID: testAccountID})
	cfg := billing.Config{
		Storage: h.store,
		PlanMapping: map[string]entitle.PlanName{
			"pri_monthly": entitle.PlanPro,
			"pri_yearly":  entitle.PlanProYearly,
		},
		WebhookSecret: testSecret,
		APIKey:        "pdl_live_apikey",
		Clock:         h.clock,
		Logger:        h.logger,
		Metrics:       h.metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	h.provider = p
	return h
}

func subscriptionNotification(eventID, eventType, status string) map[string]any {
	return map[string]any{
		"event_id":    eventID,
		"event_type":  eventType,
		"occurred_at": baseTime.Format(time.RFC3339Nano),
		"data": map[string]any{
			"id":     testSubID,
			"status": status,
			"items": []any{map[string]any{
				"price":    map[string]any{"id": "pri_monthly"},
				"quantity": 1,
			}},
			"current_billing_period": map[string]any{
				"starts_at": baseTime.Format(time.RFC3339),
				"ends_at":   baseTime.AddDate(0, 1, 0).Format(time.RFC3339),
			},
			"scheduled_change": nil,
			"custom_data": map[string]any{
				"account_id":       testAccountID,
				"billing_interval": "monthly",
			},
		},
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func (h *harness) deliver(body []byte, signature, remoteIP string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", strings.NewReader(string(body)))
	req.RemoteAddr = remoteIP + ":443"
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	h.provider.WebhookHandler().ServeHTTP(w, req)
	return w
}

func (h *harness) deliverSigned(body []byte) *httptest.ResponseRecorder {
	return h.deliver(body, Sign(testSecret, h.clock.Now(), body), strangerIP)
}

func decodeSummary(t *testing.T, w *httptest.ResponseRecorder) billing.BatchSummary {
	t.Helper()
	var s billing.BatchSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	return s
}

func TestWebhook_CreatedSelfHeals(t *testing.T) {
	h := newHarness(t, nil)
	w := h.deliverSigned(mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active")))

	require.Equal(t, http.StatusOK, w.Code)
	summary := decodeSummary(t, w)
	assert.Equal(t, 1, summary.Received)
	assert.Equal(t, billing.OutcomeApplied, summary.Results[0].Outcome)

	sub, err := h.store.SubscriptionByProviderID(t.Context(), testSubID)
	require.NoError(t, err)
	assert.Equal(t, testAccountID, sub.AccountID)
	assert.Equal(t, entitle.StatusActive, sub.Status)
	assert.Equal(t, entitle.ProviderPaddle, sub.Provider)
	assert.Equal(t, int64(2), sub.PlanID)
	assert.Equal(t, baseTime.AddDate(0, 1, 0), *sub.CurrentPeriodEnd)
}

func TestWebhook_TamperedBodyRejected(t *testing.T) {
	h := newHarness(t, nil)
	body := mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active"))
	sig := Sign(testSecret, h.clock.Now(), body)
	tampered := []byte(strings.Replace(string(body), "pri_monthly", "pri_yearly", 1))

	w := h.deliver(tampered, sig, strangerIP)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, h.store.Count())
	assert.Equal(t, 1, h.metrics.errors["auth_failed"])
}

func TestWebhook_MissingSignatureFromStrangerForbidden(t *testing.T) {
	h := newHarness(t, nil)
	w := h.deliver(mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active")), "", strangerIP)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, h.store.Count())
}

func TestWebhook_IPAllowlistFallback(t *testing.T) {
	h := newHarness(t, nil)
	w := h.deliver(mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active")), "", paddleIP)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.store.Count())
	assert.Contains(t, h.logger.warns, "webhook accepted via IP allowlist")
	assert.Equal(t, 1, h.metrics.errors["auth_degraded"])
}

func TestWebhook_SandboxUsesSandboxAddresses(t *testing.T) {
	h := newHarness(t, func(c *billing.Config) { c.Sandbox = true })
	body := mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active"))

	assert.Equal(t, http.StatusForbidden, h.deliver(body, "", paddleIP).Code)
	assert.Equal(t, http.StatusOK, h.deliver(body, "", "34.194.127.46").Code)
}

func TestWebhook_FallbackDisabled(t *testing.T) {
	h := newHarness(t, func(c *billing.Config) { c.AllowedIPs = []string{} })
	w := h.deliver(mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active")), "", paddleIP)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhook_TrustForwardedFor(t *testing.T) {
	h := newHarness(t, func(c *billing.Config) { c.TrustForwardedFor = true })
	body := mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", strings.NewReader(string(body)))
	req.RemoteAddr = "10.0.0.2:443"
	req.Header.Set("X-Forwarded-For", paddleIP+", 10.0.0.1")
	w := httptest.NewRecorder()
	h.provider.WebhookHandler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_TimestampTolerance(t *testing.T) {
	body := mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active"))

	h := newHarness(t, nil)
	stale := Sign(testSecret, baseTime.Add(-6*time.Minute), body)
	assert.Equal(t, http.StatusUnauthorized, h.deliver(body, stale, strangerIP).Code)

	fresh := Sign(testSecret, baseTime.Add(-4*time.Minute), body)
	assert.Equal(t, http.StatusOK, h.deliver(body, fresh, strangerIP).Code)

	h = newHarness(t, func(c *billing.Config) { c.SignatureTolerance = -1 })
	assert.Equal(t, http.StatusOK, h.deliver(body, stale, strangerIP).Code)
}

func TestWebhook_SecretRotation(t *testing.T) {
	h := newHarness(t, nil)
	body := mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active"))
	good := Sign(testSecret, baseTime, body)
	old := Sign("old_secret", baseTime, body)
	_, oldHash, _ := strings.Cut(old, "h1=")

	assert.Equal(t, http.StatusOK, h.deliver(body, good+";h1="+oldHash, strangerIP).Code)
}

func TestWebhook_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	body := mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active"))

	require.Equal(t, http.StatusOK, h.deliverSigned(body).Code)
	first, err := h.store.SubscriptionByProviderID(t.Context(), testSubID)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	require.Equal(t, http.StatusOK, h.deliverSigned(body).Code)
	second, err := h.store.SubscriptionByProviderID(t.Context(), testSubID)
	require.NoError(t, err)

	assert.Equal(t, 1, h.store.Count())
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.CurrentPeriodEnd, *second.CurrentPeriodEnd)
}

func TestWebhook_BatchWithMixedOutcomes(t *testing.T) {
	h := newHarness(t, nil)

	orphan := subscriptionNotification("evt_orphan", "subscription.canceled", "canceled")
	orphan["data"].(map[string]any)["id"] = "sub_other"
	broken := map[string]any{"event_id": "evt_broken", "event_type": "subscription.updated", "data": "oops"}
	batch := []any{
		subscriptionNotification("evt_1", "subscription.created", "trialing"),
		broken,
		map[string]any{"event_id": "evt_addr", "event_type": "address.updated", "data": map[string]any{}},
		orphan,
	}
	w := h.deliverSigned(mustJSON(t, batch))
	require.Equal(t, http.StatusOK, w.Code)

	summary := decodeSummary(t, w)
	require.Equal(t, 4, summary.Received)
	assert.Equal(t, billing.OutcomeApplied, summary.Results[0].Outcome)
	assert.Equal(t, billing.OutcomeFailed, summary.Results[1].Outcome)
	assert.Equal(t, "evt_broken", summary.Results[1].EventID)
	assert.Equal(t, billing.OutcomeIgnored, summary.Results[2].Outcome)
	assert.Equal(t, billing.OutcomeOrphan, summary.Results[3].Outcome)

	sub, err := h.store.SubscriptionByProviderID(t.Context(), testSubID)
	require.NoError(t, err)
	assert.Equal(t, entitle.StatusTrial, sub.Status)
}

func TestWebhook_CancelThenResume(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusOK,
		h.deliverSigned(mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active"))).Code)

	cancel := subscriptionNotification("evt_2", "subscription.canceled", "canceled")
	cancel["occurred_at"] = baseTime.Add(48 * time.Hour).Format(time.RFC3339)
	require.Equal(t, http.StatusOK, h.deliverSigned(mustJSON(t, cancel)).Code)

	sub, _ := h.store.SubscriptionByProviderID(t.Context(), testSubID)
	assert.Equal(t, entitle.StatusCancelled, sub.Status)
	assert.Equal(t, baseTime.Add(48*time.Hour), *sub.CancelledAt)

	resume := subscriptionNotification("evt_3", "subscription.resumed", "active")
	resume["occurred_at"] = baseTime.Add(72 * time.Hour).Format(time.RFC3339)
	require.Equal(t, http.StatusOK, h.deliverSigned(mustJSON(t, resume)).Code)
	sub, _ = h.store.SubscriptionByProviderID(t.Context(), testSubID)
	assert.Equal(t, entitle.StatusActive, sub.Status)
	assert.Nil(t, sub.CancelledAt)
}

func TestWebhook_RedeliveredCreatedAfterCancel(t *testing.T) {
	h := newHarness(t, nil)
	created := mustJSON(t, subscriptionNotification("evt_1", "subscription.created", "active"))
	require.Equal(t, http.StatusOK, h.deliverSigned(created).Code)

	cancel := subscriptionNotification("evt_2", "subscription.canceled", "canceled")
	cancel["occurred_at"] = baseTime.Add(time.Hour).Format(time.RFC3339)
	require.Equal(t, http.StatusOK, h.deliverSigned(mustJSON(t, cancel)).Code)

	w := h.deliverSigned(created)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decodeSummary(t, w)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, billing.OutcomeStale, summary.Results[0].Outcome)

	sub, _ := h.store.SubscriptionByProviderID(t.Context(), testSubID)
	assert.Equal(t, entitle.StatusCancelled, sub.Status)
	assert.Equal(t, baseTime.Add(time.Hour), *sub.CancelledAt)
}

func TestWebhook_InvalidEnvelope(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusBadRequest, h.deliverSigned([]byte(`"just a string"`)).Code)
	assert.Equal(t, http.StatusBadRequest, h.deliverSigned([]byte(`{"event_id":`)).Code)
}

func TestParseNotifications(t *testing.T) {
	txn := map[string]any{
		"event_id":    "evt_txn",
		"event_type":  "transaction.payment_failed",
		"occurred_at": "2026-05-10T09:00:00.123456Z",
		"data": map[string]any{
			"id":              "txn_01",
			"status":          "past_due",
			"subscription_id": testSubID,
		},
	}
	sub := subscriptionNotification("evt_sub", "subscription.updated", "active")
	data := sub["data"].(map[string]any)
	data["scheduled_change"] = map[string]any{"action": "cancel", "effective_at": "2026-06-10T09:00:00Z"}
	data["items"] = []any{map[string]any{
		"price":       map[string]any{"id": "pri_yearly"},
		"trial_dates": map[string]any{"starts_at": "2026-05-10T09:00:00Z", "ends_at": "2026-05-24T09:00:00Z"},
	}}
	data["custom_data"] = map[string]any{"account_id": 7}

	events, err := ParseNotifications(mustJSON(t, []any{txn, sub}))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, billing.EventPastDue, events[0].Kind)
	assert.Equal(t, testSubID, events[0].SubscriptionID)
	assert.Equal(t, entitle.Status(""), events[0].Status)
	assert.Equal(t, time.Date(2026, 5, 10, 9, 0, 0, 123456000, time.UTC), events[0].OccurredAt)

	ev := events[1]
	assert.Equal(t, billing.EventUpdated, ev.Kind)
	assert.Equal(t, "pri_yearly", ev.PriceID)
	assert.True(t, ev.CancelAtPeriodEnd)
	assert.JSONEq(t, `{"action":"cancel","effective_at":"2026-06-10T09:00:00Z"}`, string(ev.ScheduledChange))
	assert.Equal(t, time.Date(2026, 5, 24, 9, 0, 0, 0, time.UTC), *ev.TrialEndsAt)
	assert.ErrorIs(t, ev.MetadataErr, billing.ErrMissingMetadata)

	for eventType, kind := range map[string]billing.EventKind{
		"subscription.trialing": billing.EventUpdated,
		"subscription.past_due": billing.EventPastDue,
		"subscription.paused":   billing.EventPaused,
		"transaction.completed": billing.EventTransactionCompleted,
		"customer.created":      billing.EventUnknown,
	} {
		events, err := ParseNotifications(mustJSON(t, map[string]any{"event_id": "e", "event_type": eventType, "data": map[string]any{}}))
		require.NoError(t, err)
		assert.Equal(t, kind, events[0].Kind, eventType)
	}
}

func TestVerifySignature(t *testing.T) {
	h := newHarness(t, func(c *billing.Config) { c.SignatureTolerance = 5 * time.Minute })
	body := []byte(`{"event_id":"evt_1"}`)
	now := baseTime
	valid := Sign(testSecret, now, body)
	_, validHash, _ := strings.Cut(valid, ";h1=")

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", valid, true},
		{"uppercase hash", fmt.Sprintf("ts=%d;h1=%s", now.Unix(), strings.ToUpper(validHash)), true},
		{"rotated secret first", Sign("old", now, body) + ";h1=" + validHash, true},
		{"wrong secret", Sign("nope", now, body), false},
		{"missing h1", fmt.Sprintf("ts=%d", now.Unix()), false},
		{"missing ts", strings.Split(valid, ";")[1], false},
		{"garbage", "not a signature", false},
		{"future beyond tolerance", Sign(testSecret, now.Add(10*time.Minute), body), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", bytes.NewReader(body))
			assert.Equal(t, tt.want, h.provider.verifySignature(r, tt.header, body))
		})
	}
}

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(billing.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(billing.Config{Storage: memory.New(), AllowedIPs: []string{"300.1.1.1"}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestWebhook_NotConfiguredWithoutSecret(t *testing.T) {
	h := newHarness(t, func(c *billing.Config) { c.WebhookSecret = "  " })
	w := h.deliver([]byte(`{}`), "", paddleIP)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
