package billing_test

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const (
	testAccountID = "acc_meister"
	testSubID     = "sub_01hv8x"
	priceMonthly  = "pri_monthly"
	priceYearly   = "pri_yearly"
)

var baseTime = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) log(level, msg string, fields []entitle.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: m})
}

func (l *recordingLogger) Debug(msg string, fields ...entitle.Field) { l.log("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...entitle.Field)  { l.log("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...entitle.Field)  { l.log("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...entitle.Field) { l.log("error", msg, fields) }

func (l *recordingLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

type recordingMetrics struct {
	billing.NoopMetrics
	mu            sync.Mutex
	events        map[string]int // "type/outcome"
	errors        map[string]int
	statusChanges []string // "from->to"
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{events: map[string]int{}, errors: map[string]int{}}
}

func (m *recordingMetrics) RecordWebhookEvent(_, eventType, outcome string) {
	m.mu.Lock()
	m.events[eventType+"/"+outcome]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	m.errors[errorType]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordStatusChange(_, from, to string) {
	m.mu.Lock()
	m.statusChanges = append(m.statusChanges, from+"->"+to)
	m.mu.Unlock()
}

func (m *recordingMetrics) errorCount(errorType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[errorType]
}

type fixture struct {
	store   *memory.Storage
	clock   *entitle.ManualClock
	logger  *recordingLogger
	metrics *recordingMetrics
	applied []billing.AppliedEvent
	failed  []billing.EventResult
	config  billing.Config
}

func newFixture() *fixture {
	f := &fixture{
		clock:   entitle.NewManualClock(baseTime),
		logger:  &recordingLogger{},
		metrics: newRecordingMetrics(),
	}
	f.store = memory.NewWithDefaultCatalog(memory.WithClock(f.clock))
	f.store.PutAccount(&entitle.Account{ID: testAccountID, Email: "meister@example.de"})
	f.config = billing.Config{
		Storage: f.store,
		PlanMapping: map[string]entitle.PlanName{
			priceMonthly: entitle.PlanPro,
			priceYearly:  entitle.PlanProYearly,
		},
		WebhookSecret:  "whsec_test",
		Clock:          f.clock,
		Logger:         f.logger,
		Metrics:        f.metrics,
		OnEventApplied: func(ev billing.AppliedEvent) { f.applied = append(f.applied, ev) },
		OnEventFailed:  func(r billing.EventResult) { f.failed = append(f.failed, r) },
	}
	return f
}

func (f *fixture) applier() *billing.Applier {
	a, err := billing.NewApplier(f.config)
	if err != nil {
		panic(err)
	}
	return a
}

func (f *fixture) latest() *entitle.Subscription {
	sub, err := f.store.LatestSubscription(context.Background(), testAccountID)
	if err != nil {
		return nil
	}
	return sub
}

func createdEvent() *billing.Event {
	return &billing.Event{
		ID:                 "evt_created",
		Type:               "subscription.created",
		Kind:               billing.EventCreated,
		Provider:           entitle.ProviderPaddle,
		OccurredAt:         baseTime,
		SubscriptionID:     testSubID,
		Status:             entitle.StatusActive,
		PriceID:            priceMonthly,
		CurrentPeriodStart: entitle.TimePtr(baseTime),
		CurrentPeriodEnd:   entitle.TimePtr(baseTime.AddDate(0, 1, 0)),
		Metadata:           billing.Metadata{AccountID: testAccountID, Interval: billing.IntervalMonthly},
	}
}
