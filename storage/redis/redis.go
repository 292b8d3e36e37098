// Package redis provides a Redis implementation of the entitle.Storage interface.
// Rows are JSON documents keyed by provider subscription id; every
// read-modify-write runs as a Lua script so concurrent deliveries and lazy
// expiry are atomic. Timestamps are stored with millisecond precision.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// staleReply is returned by the upsert and patch scripts when the stored
// row holds a newer event
const staleReply = "stale"

// Storage implements entitle.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goentitle:")
	KeyPrefix string

	// Clock supplies created_at/updated_at (default: system clock)
	Clock entitle.Clock
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "goentitle:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "goentitle:"
	}
	if config.Clock == nil {
		config.Clock = entitle.SystemClock{}
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts used for atomic mutations
func (s *Storage) loadScripts() {
	// Insert a row unless the provider id is taken
	// KEYS: sub, account index, id index. ARGV: row json, created ms
	s.scripts["insert"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		local row = cjson.decode(ARGV[1])
		redis.call('SET', KEYS[1], ARGV[1])
		redis.call('ZADD', KEYS[2], ARGV[2], row.provider_subscription_id)
		redis.call('SET', KEYS[3], row.provider_subscription_id)
		return 1
	`)

	// Insert on miss; on hit overwrite mutable fields, keep identity and
	// keep stored bounds when the incoming ones are absent
	// KEYS: sub, account index, id index. ARGV: row json, created ms
	s.scripts["upsert"] = redis.NewScript(`
		local incoming = cjson.decode(ARGV[1])
		local existing = redis.call('GET', KEYS[1])
		if not existing then
			redis.call('SET', KEYS[1], ARGV[1])
			redis.call('ZADD', KEYS[2], ARGV[2], incoming.provider_subscription_id)
			redis.call('SET', KEYS[3], incoming.provider_subscription_id)
			return ARGV[1]
		end
		local row = cjson.decode(existing)
		if incoming.last_event_at and row.last_event_at and incoming.last_event_at < row.last_event_at then
			return 'stale'
		end
		row.plan_id = incoming.plan_id
		row.status = incoming.status
		row.provider = incoming.provider
		if incoming.current_period_start then row.current_period_start = incoming.current_period_start end
		if incoming.current_period_end then row.current_period_end = incoming.current_period_end end
		if incoming.trial_ends_at then row.trial_ends_at = incoming.trial_ends_at end
		row.cancel_at_period_end = incoming.cancel_at_period_end
		row.cancelled_at = incoming.cancelled_at
		row.scheduled_change = incoming.scheduled_change
		if incoming.last_event_at then row.last_event_at = incoming.last_event_at end
		row.updated_at = incoming.updated_at
		local encoded = cjson.encode(row)
		redis.call('SET', KEYS[1], encoded)
		return encoded
	`)

	// Apply a partial update to an existing row
	// KEYS: sub. ARGV: patch json
	s.scripts["patch"] = redis.NewScript(`
		local existing = redis.call('GET', KEYS[1])
		if not existing then
			return false
		end
		local row = cjson.decode(existing)
		local p = cjson.decode(ARGV[1])
		if p.event_at and row.last_event_at and p.event_at < row.last_event_at then
			return 'stale'
		end
		if p.event_at then row.last_event_at = p.event_at end
		if p.status then row.status = p.status end
		if p.clear_cancelled_at then
			row.cancelled_at = nil
		elseif p.cancelled_at then
			row.cancelled_at = p.cancelled_at
		end
		if p.cancel_at_period_end ~= nil then row.cancel_at_period_end = p.cancel_at_period_end end
		if p.clear_scheduled_change then
			row.scheduled_change = nil
		elseif p.scheduled_change then
			row.scheduled_change = p.scheduled_change
		end
		row.updated_at = p.updated_at
		local encoded = cjson.encode(row)
		redis.call('SET', KEYS[1], encoded)
		return encoded
	`)

	// Flip a lapsed active/trial row to expired
	// KEYS: sub. ARGV: now ms, updated ms. Returns -1 missing, 0 untouched, 1 changed
	s.scripts["expire"] = redis.NewScript(`
		local existing = redis.call('GET', KEYS[1])
		if not existing then
			return -1
		end
		local row = cjson.decode(existing)
		local now = tonumber(ARGV[1])
		local due = false
		if row.status == 'active' and row.current_period_end and row.current_period_end <= now then
			due = true
		elseif row.status == 'trial' and row.trial_ends_at and row.trial_ends_at <= now then
			due = true
		end
		if not due then
			return 0
		end
		row.status = 'expired'
		row.updated_at = tonumber(ARGV[2])
		redis.call('SET', KEYS[1], cjson.encode(row))
		return 1
	`)

	// Write the account display mirror
	// KEYS: account. ARGV: status, ends ms or '', updated ms
	s.scripts["accountStatus"] = redis.NewScript(`
		local existing = redis.call('GET', KEYS[1])
		if not existing then
			return 0
		end
		local acc = cjson.decode(existing)
		acc.subscription_status = ARGV[1]
		if ARGV[2] == '' then
			acc.subscription_ends_at = nil
		else
			acc.subscription_ends_at = tonumber(ARGV[2])
		end
		acc.updated_at = tonumber(ARGV[3])
		redis.call('SET', KEYS[1], cjson.encode(acc))
		return 1
	`)
}

// subscriptionRecord is the stored form of a subscription row.
// Nullable fields are omitted rather than encoded as null.
type subscriptionRecord struct {
	ID                     int64  `json:"id"`
	AccountID              string `json:"account_id"`
	PlanID                 int64  `json:"plan_id"`
	Status                 string `json:"status"`
	Provider               string `json:"provider"`
	ProviderSubscriptionID string `json:"provider_subscription_id"`
	CurrentPeriodStart     *int64 `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *int64 `json:"current_period_end,omitempty"`
	TrialEndsAt            *int64 `json:"trial_ends_at,omitempty"`
	CancelAtPeriodEnd      bool   `json:"cancel_at_period_end"`
	CancelledAt            *int64 `json:"cancelled_at,omitempty"`
	ScheduledChange        string `json:"scheduled_change,omitempty"`
	LastEventAt            *int64 `json:"last_event_at,omitempty"`
	CreatedAt              int64  `json:"created_at"`
	UpdatedAt              int64  `json:"updated_at"`
}

type patchRecord struct {
	Status               string `json:"status,omitempty"`
	CancelledAt          *int64 `json:"cancelled_at,omitempty"`
	ClearCancelledAt     bool   `json:"clear_cancelled_at,omitempty"`
	CancelAtPeriodEnd    *bool  `json:"cancel_at_period_end,omitempty"`
	ScheduledChange      string `json:"scheduled_change,omitempty"`
	ClearScheduledChange bool   `json:"clear_scheduled_change,omitempty"`
	EventAt              *int64 `json:"event_at,omitempty"`
	UpdatedAt            int64  `json:"updated_at"`
}

type accountRecord struct {
	ID                 string `json:"id"`
	Email              string `json:"email"`
	SubscriptionStatus string `json:"subscription_status"`
	SubscriptionEndsAt *int64 `json:"subscription_ends_at,omitempty"`
	UpdatedAt          int64  `json:"updated_at"`
}

// SeedCatalog writes the plan catalog, replacing plans with the same id.
func (s *Storage) SeedCatalog(ctx context.Context, c entitle.Catalog) error {
	byPlan := make(map[int64][]entitle.Feature, len(c.Plans))
	for _, f := range c.Features {
		byPlan[f.PlanID] = append(byPlan[f.PlanID], f)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range c.Plans {
			planData, err := json.Marshal(p)
			if err != nil {
				return err
			}
			featureData, err := json.Marshal(byPlan[p.ID])
			if err != nil {
				return err
			}
			pipe.Set(ctx, s.planKey(p.ID), planData, 0)
			pipe.Set(ctx, s.planNameKey(p.Name), p.ID, 0)
			pipe.Set(ctx, s.featuresKey(p.ID), featureData, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}
	return nil
}

// PutAccount creates or replaces an account row.
func (s *Storage) PutAccount(ctx context.Context, acc *entitle.Account) error {
	if acc == nil || acc.ID == "" {
		return fmt.Errorf("account id is required")
	}
	status := acc.SubscriptionStatus
	if status == "" {
		status = entitle.StatusNone
	}
	data, err := json.Marshal(accountRecord{
		ID:                 acc.ID,
		Email:              acc.Email,
		SubscriptionStatus: string(status),
		SubscriptionEndsAt: toMillisPtr(acc.SubscriptionEndsAt),
		UpdatedAt:          toMillis(s.config.Clock.Now()),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.client.Set(ctx, s.accountKey(acc.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

// LatestSubscription implements entitle.Storage
func (s *Storage) LatestSubscription(ctx context.Context, accountID string) (*entitle.Subscription, error) {
	index := s.accountIndexKey(accountID)
	top, err := s.client.ZRevRangeWithScores(ctx, index, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest subscription: %w", err)
	}
	if len(top) == 0 {
		return nil, entitle.ErrSubscriptionNotFound
	}

	// rows created in the same millisecond tie-break on highest id
	score := strconv.FormatFloat(top[0].Score, 'f', -1, 64)
	members, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest subscription: %w", err)
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.subscriptionKey(m)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest subscription: %w", err)
	}

	var latest *entitle.Subscription
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		sub, err := decodeSubscription([]byte(str))
		if err != nil {
			return nil, err
		}
		if latest == nil || sub.ID > latest.ID {
			latest = sub
		}
	}
	if latest == nil {
		return nil, entitle.ErrSubscriptionNotFound
	}
	return latest, nil
}

// SubscriptionByProviderID implements entitle.Storage
func (s *Storage) SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*entitle.Subscription, error) {
	data, err := s.client.Get(ctx, s.subscriptionKey(providerSubscriptionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(data)
}

// InsertSubscription implements entitle.Storage
func (s *Storage) InsertSubscription(ctx context.Context, sub *entitle.Subscription) (*entitle.Subscription, error) {
	rec, err := s.newRecord(ctx, sub)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription: %w", err)
	}

	keys := []string{
		s.subscriptionKey(rec.ProviderSubscriptionID),
		s.accountIndexKey(rec.AccountID),
		s.idKey(rec.ID),
	}
	inserted, err := s.scripts["insert"].Run(ctx, s.client, keys, data, rec.CreatedAt).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}
	if inserted == 0 {
		return nil, entitle.ErrDuplicateSubscription
	}
	return rec.toSubscription(), nil
}

// UpsertSubscription implements entitle.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *entitle.Subscription) (*entitle.Subscription, error) {
	rec, err := s.newRecord(ctx, sub)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription: %w", err)
	}

	keys := []string{
		s.subscriptionKey(rec.ProviderSubscriptionID),
		s.accountIndexKey(rec.AccountID),
		s.idKey(rec.ID),
	}
	out, err := s.scripts["upsert"].Run(ctx, s.client, keys, data, rec.CreatedAt).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	if out == staleReply {
		return nil, entitle.ErrStaleEvent
	}
	return decodeSubscription([]byte(out))
}

// PatchSubscription implements entitle.Storage
func (s *Storage) PatchSubscription(ctx context.Context, providerSubscriptionID string,
	patch entitle.SubscriptionPatch) (*entitle.Subscription, error) {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = s.config.Clock.Now()
	}
	p := patchRecord{
		CancelledAt:          toMillisPtr(patch.CancelledAt),
		ClearCancelledAt:     patch.ClearCancelledAt,
		CancelAtPeriodEnd:    patch.CancelAtPeriodEnd,
		ScheduledChange:      string(patch.ScheduledChange),
		ClearScheduledChange: patch.ClearScheduledChange,
		EventAt:              toMillisPtr(patch.EventAt),
		UpdatedAt:            toMillis(patch.UpdatedAt),
	}
	if patch.Status != nil {
		p.Status = string(*patch.Status)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch: %w", err)
	}

	out, err := s.scripts["patch"].Run(ctx, s.client,
		[]string{s.subscriptionKey(providerSubscriptionID)}, data).Text()
	if errors.Is(err, redis.Nil) {
		return nil, entitle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to patch subscription: %w", err)
	}
	if out == staleReply {
		return nil, entitle.ErrStaleEvent
	}
	return decodeSubscription([]byte(out))
}

// ExpireSubscription implements entitle.Storage
func (s *Storage) ExpireSubscription(ctx context.Context, subscriptionID int64, now time.Time) (bool, error) {
	providerID, err := s.client.Get(ctx, s.idKey(subscriptionID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, entitle.ErrSubscriptionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to expire subscription: %w", err)
	}

	result, err := s.scripts["expire"].Run(ctx, s.client,
		[]string{s.subscriptionKey(providerID)},
		toMillis(now), toMillis(s.config.Clock.Now())).Int()
	if err != nil {
		return false, fmt.Errorf("failed to expire subscription: %w", err)
	}
	switch result {
	case -1:
		return false, entitle.ErrSubscriptionNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// GetPlan implements entitle.Storage
func (s *Storage) GetPlan(ctx context.Context, planID int64) (*entitle.Plan, error) {
	data, err := s.client.Get(ctx, s.planKey(planID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitle.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	var p entitle.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &p, nil
}

// PlanByName implements entitle.Storage
func (s *Storage) PlanByName(ctx context.Context, name entitle.PlanName) (*entitle.Plan, error) {
	id, err := s.client.Get(ctx, s.planNameKey(name)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, entitle.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return s.GetPlan(ctx, id)
}

// PlanFeatures implements entitle.Storage
func (s *Storage) PlanFeatures(ctx context.Context, planID int64) ([]entitle.Feature, error) {
	data, err := s.client.Get(ctx, s.featuresKey(planID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitle.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan features: %w", err)
	}
	var features []entitle.Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan features: %w", err)
	}
	return features, nil
}

// GetAccount implements entitle.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*entitle.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitle.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &entitle.Account{
		ID:                 rec.ID,
		Email:              rec.Email,
		SubscriptionStatus: entitle.Status(rec.SubscriptionStatus),
		SubscriptionEndsAt: fromMillisPtr(rec.SubscriptionEndsAt),
		UpdatedAt:          fromMillis(rec.UpdatedAt),
	}, nil
}

// SetAccountStatus implements entitle.Storage
func (s *Storage) SetAccountStatus(ctx context.Context, accountID string, status entitle.Status, endsAt *time.Time) error {
	ends := ""
	if endsAt != nil {
		ends = strconv.FormatInt(toMillis(*endsAt), 10)
	}
	ok, err := s.scripts["accountStatus"].Run(ctx, s.client,
		[]string{s.accountKey(accountID)},
		string(status), ends, toMillis(s.config.Clock.Now())).Int()
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	if ok == 0 {
		return entitle.ErrAccountNotFound
	}
	return nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// newRecord validates sub and allocates the row id.
func (s *Storage) newRecord(ctx context.Context, sub *entitle.Subscription) (*subscriptionRecord, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}
	id, err := s.client.Incr(ctx, s.sequenceKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate subscription id: %w", err)
	}

	now := toMillis(s.config.Clock.Now())
	created := now
	if !sub.CreatedAt.IsZero() {
		created = toMillis(sub.CreatedAt)
	}
	return &subscriptionRecord{
		ID:                     id,
		AccountID:              sub.AccountID,
		PlanID:                 sub.PlanID,
		Status:                 string(sub.Status),
		Provider:               string(sub.Provider),
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		CurrentPeriodStart:     toMillisPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:       toMillisPtr(sub.CurrentPeriodEnd),
		TrialEndsAt:            toMillisPtr(sub.TrialEndsAt),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CancelledAt:            toMillisPtr(sub.CancelledAt),
		ScheduledChange:        string(sub.ScheduledChange),
		LastEventAt:            toMillisPtr(sub.LastEventAt),
		CreatedAt:              created,
		UpdatedAt:              now,
	}, nil
}

func (r *subscriptionRecord) toSubscription() *entitle.Subscription {
	sub := &entitle.Subscription{
		ID:                     r.ID,
		AccountID:              r.AccountID,
		PlanID:                 r.PlanID,
		Status:                 entitle.Status(r.Status),
		Provider:               entitle.Provider(r.Provider),
		ProviderSubscriptionID: r.ProviderSubscriptionID,
		CurrentPeriodStart:     fromMillisPtr(r.CurrentPeriodStart),
		CurrentPeriodEnd:       fromMillisPtr(r.CurrentPeriodEnd),
		TrialEndsAt:            fromMillisPtr(r.TrialEndsAt),
		CancelAtPeriodEnd:      r.CancelAtPeriodEnd,
		CancelledAt:            fromMillisPtr(r.CancelledAt),
		LastEventAt:            fromMillisPtr(r.LastEventAt),
		CreatedAt:              fromMillis(r.CreatedAt),
		UpdatedAt:              fromMillis(r.UpdatedAt),
	}
	if r.ScheduledChange != "" {
		sub.ScheduledChange = json.RawMessage(r.ScheduledChange)
	}
	return sub
}

func decodeSubscription(data []byte) (*entitle.Subscription, error) {
	var rec subscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return rec.toSubscription(), nil
}

func (s *Storage) subscriptionKey(providerSubscriptionID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, providerSubscriptionID)
}

func (s *Storage) accountIndexKey(accountID string) string {
	return fmt.Sprintf("%saccount_subs:%s", s.config.KeyPrefix, accountID)
}

func (s *Storage) idKey(id int64) string {
	return fmt.Sprintf("%ssub_id:%d", s.config.KeyPrefix, id)
}

func (s *Storage) sequenceKey() string {
	return s.config.KeyPrefix + "sub_seq"
}

func (s *Storage) planKey(id int64) string {
	return fmt.Sprintf("%splan:%d", s.config.KeyPrefix, id)
}

func (s *Storage) planNameKey(name entitle.PlanName) string {
	return fmt.Sprintf("%splan_name:%s", s.config.KeyPrefix, name)
}

func (s *Storage) featuresKey(planID int64) string {
	return fmt.Sprintf("%splan_features:%d", s.config.KeyPrefix, planID)
}

func (s *Storage) accountKey(accountID string) string {
	return fmt.Sprintf("%saccount:%s", s.config.KeyPrefix, accountID)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func toMillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func validate(sub *entitle.Subscription) error {
	if sub == nil {
		return entitle.ErrInvalidSubscription
	}
	if sub.AccountID == "" || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("%w: account_id and provider_subscription_id are required", entitle.ErrInvalidSubscription)
	}
	if !sub.Status.Valid() {
		return fmt.Errorf("%w: status %q", entitle.ErrInvalidSubscription, sub.Status)
	}
	return nil
}
