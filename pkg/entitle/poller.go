package entitle

import (
	"context"
	"sync"
	"time"
)

// Refresher forces a cache-busting re-resolution. *Manager implements it.
type Refresher interface {
	Refresh(ctx context.Context, accountID string) *Entitlement
}

// DefaultCheckoutSchedule is the refresh sequence after a checkout return,
// as offsets from the moment the marker was seen.
var DefaultCheckoutSchedule = []time.Duration{
	1 * time.Second,
	3 * time.Second,
	6 * time.Second,
	10 * time.Second,
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Schedule overrides DefaultCheckoutSchedule. Offsets must be increasing.
	Schedule []time.Duration

	// Interval is the background refresh period for watched accounts (default 5m)
	Interval time.Duration

	// OnRefresh is called after every refresh the poller performs
	OnRefresh func(accountID, trigger string, ent *Entitlement)

	Logger  Logger
	Metrics Metrics
}

// Poller absorbs webhook propagation delay after checkout by refreshing an
// account on a fixed schedule, and keeps watched accounts eventually
// consistent with a low-frequency background refresh. Every timer it owns
// is cancelled by Stop.
type Poller struct {
	refresher Refresher
	config    PollerConfig

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sequences map[string]*sequence
	watched   map[string]struct{}
	started   bool
	stopped   bool
}

type sequence struct {
	cancel context.CancelFunc
}

// NewPoller creates a poller driving refresher.
func NewPoller(refresher Refresher, config PollerConfig) *Poller {
	if len(config.Schedule) == 0 {
		config.Schedule = DefaultCheckoutSchedule
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	root, cancel := context.WithCancel(context.Background())
	return &Poller{
		refresher: refresher,
		config:    config,
		root:      root,
		cancel:    cancel,
		sequences: make(map[string]*sequence),
		watched:   make(map[string]struct{}),
	}
}

// Start runs the background refresh loop until ctx is done or Stop is called.
// Calling Start more than once has no effect.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.root.Done():
				return
			case <-ticker.C:
				p.refreshWatched()
			}
		}
	}()
}

// Watch adds an account to the background refresh set.
func (p *Poller) Watch(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched[accountID] = struct{}{}
}

// Unwatch removes an account from the background refresh set and cancels
// any checkout sequence running for it.
func (p *Poller) Unwatch(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, accountID)
	if seq, ok := p.sequences[accountID]; ok {
		seq.cancel()
		delete(p.sequences, accountID)
	}
}

// CheckoutReturned starts the post-checkout refresh sequence for the
// account. A sequence already running for it is replaced.
func (p *Poller) CheckoutReturned(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if prev, ok := p.sequences[accountID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(p.root)
	seq := &sequence{cancel: cancel}
	p.sequences[accountID] = seq
	p.wg.Add(1)
	go p.runSequence(ctx, accountID, seq)
}

// Active returns the number of checkout sequences currently running.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sequences)
}

// Stop cancels every timer and waits for running refreshes to return.
// No refresh is started after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) runSequence(ctx context.Context, accountID string, seq *sequence) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		if p.sequences[accountID] == seq {
			delete(p.sequences, accountID)
		}
		p.mu.Unlock()
		seq.cancel()
	}()

	start := time.Now()
	for i, offset := range p.config.Schedule {
		wait := offset - time.Since(start)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		p.config.Logger.Debug("post-checkout refresh",
			F("account_id", accountID), F("step", i+1), F("of", len(p.config.Schedule)))
		p.refresh(ctx, accountID, "checkout")
	}
}

func (p *Poller) refreshWatched() {
	p.mu.Lock()
	accounts := make([]string, 0, len(p.watched))
	for id := range p.watched {
		accounts = append(accounts, id)
	}
	p.mu.Unlock()

	for _, id := range accounts {
		if p.root.Err() != nil {
			return
		}
		p.refresh(p.root, id, "background")
	}
}

func (p *Poller) refresh(ctx context.Context, accountID, trigger string) {
	ent := p.refresher.Refresh(ctx, accountID)
	p.config.Metrics.RecordPollerRefresh(trigger)
	if p.config.OnRefresh != nil {
		p.config.OnRefresh(accountID, trigger, ent)
	}
}
