// Package redis provides a Redis implementation of the creditmeter.Storage interface.
// Credit deductions run inside a Lua script; read-modify-write operations use
// optimistic WATCH transactions with bounded retries.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// Storage implements creditmeter.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "creditmeter:")
	KeyPrefix string

	// HistoryTTL is the TTL for edit history lists (0 = no expiration)
	HistoryTTL time.Duration

	// MaxRetries is the maximum number of WATCH retry attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "creditmeter:",
		HistoryTTL: 0,
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "creditmeter:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Deduct credits atomically: decode the account JSON, reject if the
	// balance cannot cover the cost, otherwise decrement and write back.
	s.scripts["deduct"] = redis.NewScript(`
		local accountKey = KEYS[1]
		local cost = tonumber(ARGV[1])

		local data = redis.call('GET', accountKey)
		if not data then
			return 'not_found'
		end

		local ok, acc = pcall(cjson.decode, data)
		if not ok or not acc then
			return 'corrupt'
		end

		local credits = tonumber(acc.credits) or 0
		if credits < cost then
			return 'insufficient'
		end

		acc.credits = credits - cost
		redis.call('SET', accountKey, cjson.encode(acc))
		return 'ok'
	`)

	// Add credits atomically and return the updated account JSON
	s.scripts["add"] = redis.NewScript(`
		local accountKey = KEYS[1]
		local amount = tonumber(ARGV[1])

		local data = redis.call('GET', accountKey)
		if not data then
			return false
		end

		local ok, acc = pcall(cjson.decode, data)
		if not ok or not acc then
			return false
		end

		acc.credits = (tonumber(acc.credits) or 0) + amount
		local encoded = cjson.encode(acc)
		redis.call('SET', accountKey, encoded)
		return encoded
	`)
}

func (s *Storage) accountKey(id string) string {
	return s.config.KeyPrefix + "account:" + id
}

func (s *Storage) customerRefKey(ref string) string {
	return s.config.KeyPrefix + "customer:" + ref
}

func (s *Storage) subscriptionRefKey(ref string) string {
	return s.config.KeyPrefix + "subscription:" + ref
}

func (s *Storage) historyKey(accountID, imageID string) string {
	return s.config.KeyPrefix + "history:" + accountID + ":" + imageID
}

// storedAccount is the JSON shape persisted per account. Credits live in a
// plain numeric field so the deduct script can mutate them in place.
type storedAccount struct {
	ID                     string     `json:"id"`
	Credits                int        `json:"credits"`
	MaxCredits             int        `json:"maxCredits"`
	Tier                   string     `json:"tier"`
	Status                 string     `json:"status"`
	BillingCustomerRef     string     `json:"billingCustomerRef,omitempty"`
	BillingSubscriptionRef string     `json:"billingSubscriptionRef,omitempty"`
	CurrentPeriodStart     *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"currentPeriodEnd,omitempty"`
	CreditsResetDate       *time.Time `json:"creditsResetDate,omitempty"`
	LastTierChangeAt       *time.Time `json:"lastTierChangeAt,omitempty"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

func toStored(acc *creditmeter.Account) *storedAccount {
	return &storedAccount{
		ID:                     acc.ID,
		Credits:                acc.Credits,
		MaxCredits:             acc.MaxCredits,
		Tier:                   string(acc.Tier),
		Status:                 string(acc.Status),
		BillingCustomerRef:     acc.BillingCustomerRef,
		BillingSubscriptionRef: acc.BillingSubscriptionRef,
		CurrentPeriodStart:     acc.CurrentPeriodStart,
		CurrentPeriodEnd:       acc.CurrentPeriodEnd,
		CreditsResetDate:       acc.CreditsResetDate,
		LastTierChangeAt:       acc.LastTierChangeAt,
		UpdatedAt:              acc.UpdatedAt,
	}
}

func fromStored(st *storedAccount) *creditmeter.Account {
	return &creditmeter.Account{
		ID:                     st.ID,
		Credits:                st.Credits,
		MaxCredits:             st.MaxCredits,
		Tier:                   creditmeter.Tier(st.Tier),
		Status:                 creditmeter.Status(st.Status),
		BillingCustomerRef:     st.BillingCustomerRef,
		BillingSubscriptionRef: st.BillingSubscriptionRef,
		CurrentPeriodStart:     st.CurrentPeriodStart,
		CurrentPeriodEnd:       st.CurrentPeriodEnd,
		CreditsResetDate:       st.CreditsResetDate,
		LastTierChangeAt:       st.LastTierChangeAt,
		UpdatedAt:              st.UpdatedAt,
	}
}

func decodeAccount(data []byte) (*creditmeter.Account, error) {
	var st storedAccount
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return fromStored(&st), nil
}

// GetAccount implements creditmeter.Storage
func (s *Storage) GetAccount(ctx context.Context, id string) (*creditmeter.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(id)).Bytes()
	if err == redis.Nil {
		return nil, creditmeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return decodeAccount(data)
}

// FindByCustomerRef implements creditmeter.Storage
func (s *Storage) FindByCustomerRef(ctx context.Context, ref string) (*creditmeter.Account, error) {
	if ref == "" {
		return nil, creditmeter.ErrAccountNotFound
	}
	id, err := s.client.Get(ctx, s.customerRefKey(ref)).Result()
	if err == redis.Nil {
		return nil, creditmeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer ref: %w", err)
	}
	return s.GetAccount(ctx, id)
}

// FindBySubscriptionRef implements creditmeter.Storage
func (s *Storage) FindBySubscriptionRef(ctx context.Context, ref string) (*creditmeter.Account, error) {
	if ref == "" {
		return nil, creditmeter.ErrAccountNotFound
	}
	id, err := s.client.Get(ctx, s.subscriptionRefKey(ref)).Result()
	if err == redis.Nil {
		return nil, creditmeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription ref: %w", err)
	}
	return s.GetAccount(ctx, id)
}

// PutAccount implements creditmeter.Storage
func (s *Storage) PutAccount(ctx context.Context, acc *creditmeter.Account) error {
	if acc == nil || acc.ID == "" {
		return fmt.Errorf("invalid account")
	}

	prev, err := s.GetAccount(ctx, acc.ID)
	if err != nil && err != creditmeter.ErrAccountNotFound {
		return err
	}

	data, err := json.Marshal(toStored(acc))
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.accountKey(acc.ID), data, 0)
	s.syncRefIndexes(ctx, pipe, prev, acc)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

// syncRefIndexes updates the customer/subscription ref index keys, removing
// entries that no longer point at this account
func (s *Storage) syncRefIndexes(
	ctx context.Context, pipe redis.Pipeliner, prev, next *creditmeter.Account,
) {
	if prev != nil {
		if prev.BillingCustomerRef != "" && prev.BillingCustomerRef != next.BillingCustomerRef {
			pipe.Del(ctx, s.customerRefKey(prev.BillingCustomerRef))
		}
		if prev.BillingSubscriptionRef != "" && prev.BillingSubscriptionRef != next.BillingSubscriptionRef {
			pipe.Del(ctx, s.subscriptionRefKey(prev.BillingSubscriptionRef))
		}
	}
	if next.BillingCustomerRef != "" {
		pipe.Set(ctx, s.customerRefKey(next.BillingCustomerRef), next.ID, 0)
	}
	if next.BillingSubscriptionRef != "" {
		pipe.Set(ctx, s.subscriptionRefKey(next.BillingSubscriptionRef), next.ID, 0)
	}
}

// DeductCredits implements creditmeter.Storage via an atomic Lua script
func (s *Storage) DeductCredits(ctx context.Context, id string, cost int) (bool, error) {
	if cost < 0 {
		return false, creditmeter.ErrInvalidAmount
	}
	if cost == 0 {
		return true, nil
	}

	result, err := s.scripts["deduct"].Run(ctx, s.client,
		[]string{s.accountKey(id)}, cost).Result()
	if err != nil {
		return false, fmt.Errorf("failed to deduct credits: %w", err)
	}

	switch result {
	case "ok":
		return true, nil
	case "insufficient":
		return false, nil
	case "not_found":
		return false, creditmeter.ErrAccountNotFound
	default:
		return false, fmt.Errorf("unexpected deduct result: %v", result)
	}
}

// AddCredits implements creditmeter.Storage via an atomic Lua script
func (s *Storage) AddCredits(ctx context.Context, id string, amount int) (*creditmeter.Account, error) {
	if amount < 0 {
		return nil, creditmeter.ErrInvalidAmount
	}

	result, err := s.scripts["add"].Run(ctx, s.client,
		[]string{s.accountKey(id)}, amount).Result()
	if err == redis.Nil {
		return nil, creditmeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add credits: %w", err)
	}

	encoded, ok := result.(string)
	if !ok {
		return nil, creditmeter.ErrAccountNotFound
	}
	return decodeAccount([]byte(encoded))
}

// UpdateAccount implements creditmeter.Storage with an optimistic WATCH
// transaction retried up to MaxRetries times on contention
func (s *Storage) UpdateAccount(
	ctx context.Context, id string, mutate func(*creditmeter.Account) error,
) (*creditmeter.Account, error) {
	key := s.accountKey(id)
	var updated *creditmeter.Account

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return creditmeter.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get account: %w", err)
		}

		acc, err := decodeAccount(data)
		if err != nil {
			return err
		}
		prev := *acc

		if err := mutate(acc); err != nil {
			return err
		}
		acc.UpdatedAt = time.Now().UTC()

		encoded, err := json.Marshal(toStored(acc))
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			s.syncRefIndexes(ctx, pipe, &prev, acc)
			return nil
		})
		if err != nil {
			return err
		}
		updated = acc
		return nil
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update account: %w after %d attempts", redis.TxFailedErr, s.config.MaxRetries)
}

// AppendEditHistory implements creditmeter.Storage
func (s *Storage) AppendEditHistory(
	ctx context.Context, accountID, imageID string, item creditmeter.EditHistoryItem,
) error {
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal history item: %w", err)
	}

	key := s.historyKey(accountID, imageID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to append edit history: %w", err)
	}
	if s.config.HistoryTTL > 0 {
		s.client.Expire(ctx, key, s.config.HistoryTTL)
	}
	return nil
}

// GetEditHistory implements creditmeter.Storage
func (s *Storage) GetEditHistory(
	ctx context.Context, accountID, imageID string,
) ([]creditmeter.EditHistoryItem, error) {
	entries, err := s.client.LRange(ctx, s.historyKey(accountID, imageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get edit history: %w", err)
	}

	items := make([]creditmeter.EditHistoryItem, 0, len(entries))
	for _, entry := range entries {
		var item creditmeter.EditHistoryItem
		if err := json.Unmarshal([]byte(entry), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
