package entitle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// recordingRefresher records refresh calls with their wall-clock time.
type recordingRefresher struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

func newRecordingRefresher() *recordingRefresher {
	return &recordingRefresher{calls: make(map[string][]time.Time)}
}

func (r *recordingRefresher) Refresh(_ context.Context, accountID string) *entitle.Entitlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[accountID] = append(r.calls[accountID], time.Now())
	return &entitle.Entitlement{AccountID: accountID}
}

func (r *recordingRefresher) count(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[accountID])
}

func (r *recordingRefresher) times(accountID string) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.calls[accountID]...)
}

var shortSchedule = []time.Duration{
	10 * time.Millisecond,
	30 * time.Millisecond,
	60 * time.Millisecond,
	100 * time.Millisecond,
}

func TestPoller_CheckoutSequence(t *testing.T) {
	ref := newRecordingRefresher()
	p := entitle.NewPoller(ref, entitle.PollerConfig{Schedule: shortSchedule})
	defer p.Stop()

	start := time.Now()
	p.CheckoutReturned(testAccountID)

	require.Eventually(t, func() bool { return ref.count(testAccountID) == len(shortSchedule) },
		2*time.Second, 5*time.Millisecond)

	times := ref.times(testAccountID)
	for i, at := range times {
		assert.GreaterOrEqual(t, at.Sub(start), shortSchedule[i], "step %d ran early", i)
		if i > 0 {
			assert.False(t, at.Before(times[i-1]))
		}
	}
	require.Eventually(t, func() bool { return p.Active() == 0 }, time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, len(shortSchedule), ref.count(testAccountID), "sequence does not repeat")
}

func TestPoller_RestartReplacesSequence(t *testing.T) {
	ref := newRecordingRefresher()
	schedule := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}
	p := entitle.NewPoller(ref, entitle.PollerConfig{Schedule: schedule})
	defer p.Stop()

	p.CheckoutReturned(testAccountID)
	time.Sleep(20 * time.Millisecond)
	p.CheckoutReturned(testAccountID)
	assert.Equal(t, 1, p.Active())

	require.Eventually(t, func() bool { return ref.count(testAccountID) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, ref.count(testAccountID), "the replaced sequence never fires")
}

func TestPoller_StopCancelsTimers(t *testing.T) {
	ref := newRecordingRefresher()
	p := entitle.NewPoller(ref, entitle.PollerConfig{Schedule: []time.Duration{50 * time.Millisecond}})

	p.CheckoutReturned(testAccountID)
	p.CheckoutReturned("acc_other")
	p.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, ref.count(testAccountID))
	assert.Zero(t, ref.count("acc_other"))
	assert.Zero(t, p.Active())

	p.CheckoutReturned(testAccountID)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, ref.count(testAccountID), "no sequences after Stop")
	p.Stop()
}

func TestPoller_UnwatchCancelsSequence(t *testing.T) {
	ref := newRecordingRefresher()
	p := entitle.NewPoller(ref, entitle.PollerConfig{Schedule: []time.Duration{50 * time.Millisecond}})
	defer p.Stop()

	p.Watch(testAccountID)
	p.CheckoutReturned(testAccountID)
	p.Unwatch(testAccountID)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, ref.count(testAccountID))
}

func TestPoller_BackgroundRefresh(t *testing.T) {
	ref := newRecordingRefresher()
	var (
		mu       sync.Mutex
		triggers []string
	)
	p := entitle.NewPoller(ref, entitle.PollerConfig{
		Interval: 20 * time.Millisecond,
		OnRefresh: func(_ string, trigger string, _ *entitle.Entitlement) {
			mu.Lock()
			triggers = append(triggers, trigger)
			mu.Unlock()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Watch(testAccountID)
	p.Start(ctx)
	p.Start(ctx)

	require.Eventually(t, func() bool { return ref.count(testAccountID) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, ref.count("acc_unwatched"))

	p.Stop()
	n := ref.count(testAccountID)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, ref.count(testAccountID), "no refresh after Stop returns")

	mu.Lock()
	defer mu.Unlock()
	for _, tr := range triggers {
		assert.Equal(t, "background", tr)
	}
}

func TestPoller_ContextCancelStopsBackground(t *testing.T) {
	ref := newRecordingRefresher()
	p := entitle.NewPoller(ref, entitle.PollerConfig{Interval: 10 * time.Millisecond})
	defer p.Stop()
	ctx, cancel := context.WithCancel(context.Background())

	p.Watch(testAccountID)
	p.Start(ctx)
	require.Eventually(t, func() bool { return ref.count(testAccountID) >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(30 * time.Millisecond)
	n := ref.count(testAccountID)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, ref.count(testAccountID))
}

func TestPoller_DrivesManagerRefresh(t *testing.T) {
	clock := entitle.NewManualClock(baseTime)
	s := newCountingStorage(clock)
	m := newManager(t, s, clock, nil)
	ctx := context.Background()

	// checkout completed but the webhook has not landed yet
	assert.True(t, m.IsFreemium(ctx, testAccountID))

	p := entitle.NewPoller(m, entitle.PollerConfig{Schedule: []time.Duration{20 * time.Millisecond, 60 * time.Millisecond}})
	defer p.Stop()
	p.CheckoutReturned(testAccountID)

	time.Sleep(40 * time.Millisecond)
	insertSub(s, nil) // webhook lands between refreshes

	require.Eventually(t, func() bool { return m.IsPaid(ctx, testAccountID) }, time.Second, 5*time.Millisecond)
}
