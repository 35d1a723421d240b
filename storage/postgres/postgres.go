// Package postgres provides a PostgreSQL implementation of the creditmeter.Storage interface.
// Credit deductions use a single conditional UPDATE; read-modify-write operations use
// SQL transactions with SELECT FOR UPDATE.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// Storage implements creditmeter.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
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

	// MigrateOnStart creates the schema if it does not exist
	MigrateOnStart bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		MigrateOnStart:  false,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
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

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}

	if config.MigrateOnStart {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the accounts and edit_history tables if they do not exist.
// Billing refs carry partial unique indexes so at most one account maps to a
// given customer or subscription.
func (s *Storage) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			credits BIGINT NOT NULL DEFAULT 0,
			max_credits BIGINT NOT NULL DEFAULT 0,
			tier TEXT NOT NULL,
			status TEXT NOT NULL,
			billing_customer_ref TEXT NOT NULL DEFAULT '',
			billing_subscription_ref TEXT NOT NULL DEFAULT '',
			current_period_start TIMESTAMPTZ,
			current_period_end TIMESTAMPTZ,
			credits_reset_date TIMESTAMPTZ,
			last_tier_change_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS accounts_customer_ref_idx
			ON accounts (billing_customer_ref) WHERE billing_customer_ref <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS accounts_subscription_ref_idx
			ON accounts (billing_subscription_ref) WHERE billing_subscription_ref <> ''`,
		`CREATE TABLE IF NOT EXISTS edit_history (
			id BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL,
			image_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			image_url TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS edit_history_account_image_idx
			ON edit_history (account_id, image_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

const accountColumns = `id, credits, max_credits, tier, status,
	billing_customer_ref, billing_subscription_ref,
	current_period_start, current_period_end, credits_reset_date,
	last_tier_change_at, updated_at`

func scanAccount(row pgx.Row) (*creditmeter.Account, error) {
	var acc creditmeter.Account
	err := row.Scan(
		&acc.ID,
		&acc.Credits,
		&acc.MaxCredits,
		&acc.Tier,
		&acc.Status,
		&acc.BillingCustomerRef,
		&acc.BillingSubscriptionRef,
		&acc.CurrentPeriodStart,
		&acc.CurrentPeriodEnd,
		&acc.CreditsResetDate,
		&acc.LastTierChangeAt,
		&acc.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, creditmeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &acc, nil
}

// GetAccount implements creditmeter.Storage
func (s *Storage) GetAccount(ctx context.Context, id string) (*creditmeter.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// FindByCustomerRef implements creditmeter.Storage
func (s *Storage) FindByCustomerRef(ctx context.Context, ref string) (*creditmeter.Account, error) {
	if ref == "" {
		return nil, creditmeter.ErrAccountNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE billing_customer_ref = $1`, ref)
	return scanAccount(row)
}

// FindBySubscriptionRef implements creditmeter.Storage
func (s *Storage) FindBySubscriptionRef(ctx context.Context, ref string) (*creditmeter.Account, error) {
	if ref == "" {
		return nil, creditmeter.ErrAccountNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE billing_subscription_ref = $1`, ref)
	return scanAccount(row)
}

// PutAccount implements creditmeter.Storage
func (s *Storage) PutAccount(ctx context.Context, acc *creditmeter.Account) error {
	if acc == nil || acc.ID == "" {
		return fmt.Errorf("invalid account")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				credits = EXCLUDED.credits,
				max_credits = EXCLUDED.max_credits,
				tier = EXCLUDED.tier,
				status = EXCLUDED.status,
				billing_customer_ref = EXCLUDED.billing_customer_ref,
				billing_subscription_ref = EXCLUDED.billing_subscription_ref,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				credits_reset_date = EXCLUDED.credits_reset_date,
				last_tier_change_at = EXCLUDED.last_tier_change_at,
				updated_at = EXCLUDED.updated_at`,
		acc.ID, acc.Credits, acc.MaxCredits, string(acc.Tier), string(acc.Status),
		acc.BillingCustomerRef, acc.BillingSubscriptionRef,
		acc.CurrentPeriodStart, acc.CurrentPeriodEnd, acc.CreditsResetDate,
		acc.LastTierChangeAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

// DeductCredits implements creditmeter.Storage with a single conditional
// UPDATE. The WHERE clause guards the balance so concurrent deductions can
// never drive it negative.
func (s *Storage) DeductCredits(ctx context.Context, id string, cost int) (bool, error) {
	if cost < 0 {
		return false, creditmeter.ErrInvalidAmount
	}
	if cost == 0 {
		return true, nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
			SET credits = credits - $1, updated_at = NOW()
			WHERE id = $2 AND credits >= $1`,
		cost, id)
	if err != nil {
		return false, fmt.Errorf("failed to deduct credits: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Rejected: distinguish a missing account from an insufficient balance
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	if !exists {
		return false, creditmeter.ErrAccountNotFound
	}
	return false, nil
}

// AddCredits implements creditmeter.Storage
func (s *Storage) AddCredits(ctx context.Context, id string, amount int) (*creditmeter.Account, error) {
	if amount < 0 {
		return nil, creditmeter.ErrInvalidAmount
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE accounts
			SET credits = credits + $1, updated_at = NOW()
			WHERE id = $2
			RETURNING `+accountColumns,
		amount, id)
	return scanAccount(row)
}

// UpdateAccount implements creditmeter.Storage with a transactional
// read-modify-write under SELECT FOR UPDATE
func (s *Storage) UpdateAccount(
	ctx context.Context, id string, mutate func(*creditmeter.Account) error,
) (*creditmeter.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, err
	}

	if err := mutate(acc); err != nil {
		return nil, err
	}
	acc.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET
			credits = $1,
			max_credits = $2,
			tier = $3,
			status = $4,
			billing_customer_ref = $5,
			billing_subscription_ref = $6,
			current_period_start = $7,
			current_period_end = $8,
			credits_reset_date = $9,
			last_tier_change_at = $10,
			updated_at = $11
		WHERE id = $12`,
		acc.Credits, acc.MaxCredits, string(acc.Tier), string(acc.Status),
		acc.BillingCustomerRef, acc.BillingSubscriptionRef,
		acc.CurrentPeriodStart, acc.CurrentPeriodEnd, acc.CreditsResetDate,
		acc.LastTierChangeAt, acc.UpdatedAt, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acc, nil
}

// AppendEditHistory implements creditmeter.Storage
func (s *Storage) AppendEditHistory(
	ctx context.Context, accountID, imageID string, item creditmeter.EditHistoryItem,
) error {
	ts := item.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO edit_history (account_id, image_id, prompt, image_url, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
		accountID, imageID, item.Prompt, item.ImageURL, ts)
	if err != nil {
		return fmt.Errorf("failed to append edit history: %w", err)
	}
	return nil
}

// GetEditHistory implements creditmeter.Storage
func (s *Storage) GetEditHistory(
	ctx context.Context, accountID, imageID string,
) ([]creditmeter.EditHistoryItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT prompt, image_url, created_at
			FROM edit_history
			WHERE account_id = $1 AND image_id = $2
			ORDER BY id`,
		accountID, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get edit history: %w", err)
	}
	defer rows.Close()

	var items []creditmeter.EditHistoryItem
	for rows.Next() {
		var item creditmeter.EditHistoryItem
		if err := rows.Scan(&item.Prompt, &item.ImageURL, &item.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan edit history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read edit history: %w", err)
	}
	return items, nil
}
