// Package postgres provides a PostgreSQL implementation of the entitle.Storage interface.
// Schema and the plan catalog are managed by embedded goose migrations.
// Every write is a single statement so concurrent webhook deliveries and
// lazy expiry never observe a partial row.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

const subscriptionColumns = `id, account_id, plan_id, status, provider, provider_subscription_id,
	current_period_start, current_period_end, trial_ends_at, cancel_at_period_end,
	cancelled_at, scheduled_change, last_event_at, created_at, updated_at`

// Storage implements entitle.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopSweep cancels the background expiry sweep
	stopSweep func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded migrations on New
	AutoMigrate bool

	// Sweep configuration. The sweep flips lapsed active/trial rows to
	// expired in bulk; reads expire lazily regardless.
	SweepEnabled  bool
	SweepInterval time.Duration

	Logger entitle.Logger
	Clock  entitle.Clock
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		SweepEnabled:    false,
		SweepInterval:   15 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &entitle.NoopLogger{}
	}
	if config.Clock == nil {
		config.Clock = entitle.SystemClock{}
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 15 * time.Minute
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	if config.AutoMigrate {
		if err := Migrate(poolConfig.ConnConfig); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:      pool,
		config:    config,
		stopSweep: cancel,
	}
	if config.SweepEnabled {
		go s.startSweep(sweepCtx)
	}
	return s, nil
}

// Migrate applies the embedded schema and catalog migrations.
func Migrate(connConfig *pgx.ConnConfig) error {
	db := stdlib.OpenDB(*connConfig)
	defer db.Close()
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close stops the sweep and closes the connection pool
func (s *Storage) Close() {
	if s.stopSweep != nil {
		s.stopSweep()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// LatestSubscription implements entitle.Storage
func (s *Storage) LatestSubscription(ctx context.Context, accountID string) (*entitle.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
			FROM subscriptions
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT 1`,
		accountID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest subscription: %w", err)
	}
	return sub, nil
}

// SubscriptionByProviderID implements entitle.Storage
func (s *Storage) SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*entitle.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubscriptionID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// InsertSubscription implements entitle.Storage
func (s *Storage) InsertSubscription(ctx context.Context, sub *entitle.Subscription) (*entitle.Subscription, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}
	now := s.config.Clock.Now()
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions
				(account_id, plan_id, status, provider, provider_subscription_id,
				current_period_start, current_period_end, trial_ends_at, cancel_at_period_end,
				cancelled_at, scheduled_change, last_event_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING `+subscriptionColumns,
		sub.AccountID, sub.PlanID, string(sub.Status), string(sub.Provider), sub.ProviderSubscriptionID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEndsAt, sub.CancelAtPeriodEnd,
		sub.CancelledAt, jsonParam(sub.ScheduledChange), sub.LastEventAt, createdAt, now,
	)
	out, err := scanSubscription(row)
	if isUniqueViolation(err) {
		return nil, entitle.ErrDuplicateSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}
	return out, nil
}

// UpsertSubscription implements entitle.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *entitle.Subscription) (*entitle.Subscription, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}
	now := s.config.Clock.Now()
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions
				(account_id, plan_id, status, provider, provider_subscription_id,
				current_period_start, current_period_end, trial_ends_at, cancel_at_period_end,
				cancelled_at, scheduled_change, last_event_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (provider_subscription_id) DO UPDATE SET
				plan_id = EXCLUDED.plan_id,
				status = EXCLUDED.status,
				provider = EXCLUDED.provider,
				current_period_start = COALESCE(EXCLUDED.current_period_start, subscriptions.current_period_start),
				current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
				trial_ends_at = COALESCE(EXCLUDED.trial_ends_at, subscriptions.trial_ends_at),
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				cancelled_at = EXCLUDED.cancelled_at,
				scheduled_change = EXCLUDED.scheduled_change,
				last_event_at = COALESCE(EXCLUDED.last_event_at, subscriptions.last_event_at),
				updated_at = EXCLUDED.updated_at
			WHERE EXCLUDED.last_event_at IS NULL
				OR subscriptions.last_event_at IS NULL
				OR EXCLUDED.last_event_at >= subscriptions.last_event_at
			RETURNING `+subscriptionColumns,
		sub.AccountID, sub.PlanID, string(sub.Status), string(sub.Provider), sub.ProviderSubscriptionID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEndsAt, sub.CancelAtPeriodEnd,
		sub.CancelledAt, jsonParam(sub.ScheduledChange), sub.LastEventAt, createdAt, now,
	)
	out, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// the conflict row holds a newer event
		return nil, entitle.ErrStaleEvent
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return out, nil
}

// PatchSubscription implements entitle.Storage
func (s *Storage) PatchSubscription(ctx context.Context, providerSubscriptionID string,
	patch entitle.SubscriptionPatch) (*entitle.Subscription, error) {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = s.config.Clock.Now()
	}

	sets, args := patchAssignments(patch)
	args = append(args, providerSubscriptionID)
	where := fmt.Sprintf("provider_subscription_id = $%d", len(args))
	if patch.EventAt != nil {
		args = append(args, *patch.EventAt)
		where += fmt.Sprintf(" AND (last_event_at IS NULL OR last_event_at <= $%d)", len(args))
	}
	query := fmt.Sprintf(`UPDATE subscriptions SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), where, subscriptionColumns)

	out, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		if patch.EventAt != nil {
			return nil, s.staleOrMissing(ctx, providerSubscriptionID)
		}
		return nil, entitle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to patch subscription: %w", err)
	}
	return out, nil
}

// patchAssignments turns the set fields of a patch into SET clauses.
func patchAssignments(p entitle.SubscriptionPatch) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	switch {
	case p.ClearCancelledAt:
		sets = append(sets, "cancelled_at = NULL")
	case p.CancelledAt != nil:
		add("cancelled_at", *p.CancelledAt)
	}
	if p.CancelAtPeriodEnd != nil {
		add("cancel_at_period_end", *p.CancelAtPeriodEnd)
	}
	switch {
	case p.ClearScheduledChange:
		sets = append(sets, "scheduled_change = NULL")
	case p.ScheduledChange != nil:
		add("scheduled_change", jsonParam(p.ScheduledChange))
	}
	if p.EventAt != nil {
		add("last_event_at", *p.EventAt)
	}
	add("updated_at", p.UpdatedAt)
	return sets, args
}

// staleOrMissing tells a stale conditional patch apart from an unknown row.
func (s *Storage) staleOrMissing(ctx context.Context, providerSubscriptionID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE provider_subscription_id = $1)`,
		providerSubscriptionID,
	).Scan(&exists)
	switch {
	case err != nil:
		return fmt.Errorf("failed to patch subscription: %w", err)
	case exists:
		return entitle.ErrStaleEvent
	default:
		return entitle.ErrSubscriptionNotFound
	}
}

// ExpireSubscription implements entitle.Storage
func (s *Storage) ExpireSubscription(ctx context.Context, subscriptionID int64, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = 'expired', updated_at = $3
			WHERE id = $1 AND (
				(status = 'active' AND current_period_end IS NOT NULL AND current_period_end <= $2) OR
				(status = 'trial' AND trial_ends_at IS NOT NULL AND trial_ends_at <= $2))`,
		subscriptionID, now, s.config.Clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to expire subscription: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, subscriptionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check subscription: %w", err)
	}
	if !exists {
		return false, entitle.ErrSubscriptionNotFound
	}
	return false, nil
}

// SweepExpired flips every lapsed active/trial row to expired and returns
// how many rows changed. The predicate matches ExpireSubscription.
func (s *Storage) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = 'expired', updated_at = $2
			WHERE (status = 'active' AND current_period_end IS NOT NULL AND current_period_end <= $1)
				OR (status = 'trial' AND trial_ends_at IS NOT NULL AND trial_ends_at <= $1)`,
		now, s.config.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) startSweep(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx, s.config.Clock.Now())
			if err != nil {
				s.config.Logger.Error("expiry sweep failed", entitle.Err(err))
				continue
			}
			if n > 0 {
				s.config.Logger.Info("expiry sweep", entitle.F("expired", n))
			}
		}
	}
}

// GetPlan implements entitle.Storage
func (s *Storage) GetPlan(ctx context.Context, planID int64) (*entitle.Plan, error) {
	return s.queryPlan(ctx, `SELECT id, name, display_name, monthly_price FROM plans WHERE id = $1`, planID)
}

// PlanByName implements entitle.Storage
func (s *Storage) PlanByName(ctx context.Context, name entitle.PlanName) (*entitle.Plan, error) {
	return s.queryPlan(ctx, `SELECT id, name, display_name, monthly_price FROM plans WHERE name = $1`, string(name))
}

func (s *Storage) queryPlan(ctx context.Context, query string, arg any) (*entitle.Plan, error) {
	var (
		p    entitle.Plan
		name string
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(&p.ID, &name, &p.DisplayName, &p.MonthlyPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	p.Name = entitle.PlanName(name)
	return &p, nil
}

// PlanFeatures implements entitle.Storage
func (s *Storage) PlanFeatures(ctx context.Context, planID int64) ([]entitle.Feature, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM plans WHERE id = $1)`, planID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if !exists {
		return nil, entitle.ErrPlanNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT plan_id, feature_key, enabled, limit_value
			FROM plan_features WHERE plan_id = $1 ORDER BY feature_key`,
		planID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan features: %w", err)
	}
	defer rows.Close()

	var features []entitle.Feature
	for rows.Next() {
		var f entitle.Feature
		if err := rows.Scan(&f.PlanID, &f.Key, &f.Enabled, &f.Limit); err != nil {
			return nil, fmt.Errorf("failed to scan plan feature: %w", err)
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan features: %w", err)
	}
	return features, nil
}

// GetAccount implements entitle.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*entitle.Account, error) {
	var (
		acc    entitle.Account
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, subscription_status, subscription_ends_at, updated_at
			FROM accounts WHERE id = $1`,
		accountID).Scan(&acc.ID, &acc.Email, &status, &acc.SubscriptionEndsAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acc.SubscriptionStatus = entitle.Status(status)
	acc.SubscriptionEndsAt = utcPtr(acc.SubscriptionEndsAt)
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return &acc, nil
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, email, subscription_status, subscription_ends_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				subscription_status = EXCLUDED.subscription_status,
				subscription_ends_at = EXCLUDED.subscription_ends_at,
				updated_at = EXCLUDED.updated_at`,
		acc.ID, acc.Email, string(status), acc.SubscriptionEndsAt, s.config.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

// SetAccountStatus implements entitle.Storage
func (s *Storage) SetAccountStatus(ctx context.Context, accountID string, status entitle.Status, endsAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET subscription_status = $2, subscription_ends_at = $3, updated_at = $4
			WHERE id = $1`,
		accountID, string(status), endsAt, s.config.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitle.ErrAccountNotFound
	}
	return nil
}

func scanSubscription(row pgx.Row) (*entitle.Subscription, error) {
	var (
		sub              entitle.Subscription
		status, provider string
		scheduled        []byte
	)
	err := row.Scan(
		&sub.ID,
		&sub.AccountID,
		&sub.PlanID,
		&status,
		&provider,
		&sub.ProviderSubscriptionID,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.TrialEndsAt,
		&sub.CancelAtPeriodEnd,
		&sub.CancelledAt,
		&scheduled,
		&sub.LastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = entitle.Status(status)
	sub.Provider = entitle.Provider(provider)
	if len(scheduled) > 0 {
		sub.ScheduledChange = scheduled
	}
	sub.CurrentPeriodStart = utcPtr(sub.CurrentPeriodStart)
	sub.CurrentPeriodEnd = utcPtr(sub.CurrentPeriodEnd)
	sub.TrialEndsAt = utcPtr(sub.TrialEndsAt)
	sub.CancelledAt = utcPtr(sub.CancelledAt)
	sub.LastEventAt = utcPtr(sub.LastEventAt)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// jsonParam sends an empty payload as SQL NULL.
func jsonParam(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
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
	if !sub.Provider.Valid() {
		return fmt.Errorf("%w: provider %q", entitle.ErrInvalidSubscription, sub.Provider)
	}
	return nil
}
