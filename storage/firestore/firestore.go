// Package firestore provides a Firestore implementation of the creditmeter.Storage
// interface. Credit deductions and read-modify-write operations run inside
// Firestore transactions.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// Storage implements creditmeter.Storage using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	accountsCollection string
	historyCollection  string
}

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection is the Firestore collection for credit accounts
	// Default: "credit_accounts"
	AccountsCollection string

	// HistoryCollection is the Firestore collection for edit history
	// Default: "credit_edit_history"
	HistoryCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "credit_accounts"
	}
	if config.HistoryCollection == "" {
		config.HistoryCollection = "credit_edit_history"
	}

	return &Storage{
		client:             client,
		accountsCollection: config.AccountsCollection,
		historyCollection:  config.HistoryCollection,
	}, nil
}

func (s *Storage) accountDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.accountsCollection).Doc(id)
}

func accountData(acc *creditmeter.Account) map[string]interface{} {
	data := map[string]interface{}{
		"credits":                acc.Credits,
		"maxCredits":             acc.MaxCredits,
		"tier":                   string(acc.Tier),
		"status":                 string(acc.Status),
		"billingCustomerRef":     acc.BillingCustomerRef,
		"billingSubscriptionRef": acc.BillingSubscriptionRef,
		"updatedAt":              acc.UpdatedAt,
	}
	if acc.CurrentPeriodStart != nil {
		data["currentPeriodStart"] = *acc.CurrentPeriodStart
	}
	if acc.CurrentPeriodEnd != nil {
		data["currentPeriodEnd"] = *acc.CurrentPeriodEnd
	}
	if acc.CreditsResetDate != nil {
		data["creditsResetDate"] = *acc.CreditsResetDate
	}
	if acc.LastTierChangeAt != nil {
		data["lastTierChangeAt"] = *acc.LastTierChangeAt
	}
	return data
}

func accountFromSnap(snap *firestore.DocumentSnapshot) *creditmeter.Account {
	data := snap.Data()
	acc := &creditmeter.Account{
		ID:                     snap.Ref.ID,
		Credits:                getInt(data, "credits"),
		MaxCredits:             getInt(data, "maxCredits"),
		Tier:                   creditmeter.Tier(getString(data, "tier")),
		Status:                 creditmeter.Status(getString(data, "status")),
		BillingCustomerRef:     getString(data, "billingCustomerRef"),
		BillingSubscriptionRef: getString(data, "billingSubscriptionRef"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
	acc.CurrentPeriodStart = getTimePtr(data, "currentPeriodStart")
	acc.CurrentPeriodEnd = getTimePtr(data, "currentPeriodEnd")
	acc.CreditsResetDate = getTimePtr(data, "creditsResetDate")
	acc.LastTierChangeAt = getTimePtr(data, "lastTierChangeAt")
	return acc
}

// GetAccount implements creditmeter.Storage
func (s *Storage) GetAccount(ctx context.Context, id string) (*creditmeter.Account, error) {
	snap, err := s.accountDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, creditmeter.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, creditmeter.ErrAccountNotFound
	}
	return accountFromSnap(snap), nil
}

func (s *Storage) findByField(ctx context.Context, field, value string) (*creditmeter.Account, error) {
	if value == "" {
		return nil, creditmeter.ErrAccountNotFound
	}

	iter := s.client.Collection(s.accountsCollection).
		Where(field, "==", value).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, creditmeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	return accountFromSnap(snap), nil
}

// FindByCustomerRef implements creditmeter.Storage
func (s *Storage) FindByCustomerRef(ctx context.Context, ref string) (*creditmeter.Account, error) {
	return s.findByField(ctx, "billingCustomerRef", ref)
}

// FindBySubscriptionRef implements creditmeter.Storage
func (s *Storage) FindBySubscriptionRef(ctx context.Context, ref string) (*creditmeter.Account, error) {
	return s.findByField(ctx, "billingSubscriptionRef", ref)
}

// PutAccount implements creditmeter.Storage
func (s *Storage) PutAccount(ctx context.Context, acc *creditmeter.Account) error {
	if acc == nil || acc.ID == "" {
		return fmt.Errorf("invalid account")
	}

	if _, err := s.accountDoc(acc.ID).Set(ctx, accountData(acc)); err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

// DeductCredits implements creditmeter.Storage inside a Firestore transaction
func (s *Storage) DeductCredits(ctx context.Context, id string, cost int) (bool, error) {
	if cost < 0 {
		return false, creditmeter.ErrInvalidAmount
	}
	if cost == 0 {
		return true, nil
	}

	doc := s.accountDoc(id)
	applied := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return creditmeter.ErrAccountNotFound
			}
			return err
		}
		if !snap.Exists() {
			return creditmeter.ErrAccountNotFound
		}

		credits := getInt(snap.Data(), "credits")
		if credits < cost {
			applied = false
			return nil
		}

		applied = true
		return tx.Set(doc, map[string]interface{}{
			"credits":   credits - cost,
			"updatedAt": time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		if err == creditmeter.ErrAccountNotFound {
			return false, err
		}
		return false, fmt.Errorf("failed to deduct credits: %w", err)
	}
	return applied, nil
}

// AddCredits implements creditmeter.Storage
func (s *Storage) AddCredits(ctx context.Context, id string, amount int) (*creditmeter.Account, error) {
	if amount < 0 {
		return nil, creditmeter.ErrInvalidAmount
	}
	return s.UpdateAccount(ctx, id, func(acc *creditmeter.Account) error {
		acc.Credits += amount
		return nil
	})
}

// UpdateAccount implements creditmeter.Storage with a transactional
// read-modify-write
func (s *Storage) UpdateAccount(
	ctx context.Context, id string, mutate func(*creditmeter.Account) error,
) (*creditmeter.Account, error) {
	doc := s.accountDoc(id)
	var updated *creditmeter.Account

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return creditmeter.ErrAccountNotFound
			}
			return err
		}
		if !snap.Exists() {
			return creditmeter.ErrAccountNotFound
		}

		acc := accountFromSnap(snap)
		if err := mutate(acc); err != nil {
			return err
		}
		acc.UpdatedAt = time.Now().UTC()

		updated = acc
		return tx.Set(doc, accountData(acc))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendEditHistory implements creditmeter.Storage
func (s *Storage) AppendEditHistory(
	ctx context.Context, accountID, imageID string, item creditmeter.EditHistoryItem,
) error {
	ts := item.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, _, err := s.client.Collection(s.historyCollection).Add(ctx, map[string]interface{}{
		"accountId": accountID,
		"imageId":   imageID,
		"prompt":    item.Prompt,
		"imageUrl":  item.ImageURL,
		"timestamp": ts,
	})
	if err != nil {
		return fmt.Errorf("failed to append edit history: %w", err)
	}
	return nil
}

// GetEditHistory implements creditmeter.Storage
func (s *Storage) GetEditHistory(
	ctx context.Context, accountID, imageID string,
) ([]creditmeter.EditHistoryItem, error) {
	iter := s.client.Collection(s.historyCollection).
		Where("accountId", "==", accountID).
		Where("imageId", "==", imageID).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var items []creditmeter.EditHistoryItem
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read edit history: %w", err)
		}
		data := snap.Data()
		items = append(items, creditmeter.EditHistoryItem{
			Prompt:    getString(data, "prompt"),
			ImageURL:  getString(data, "imageUrl"),
			Timestamp: getTime(data, "timestamp"),
		})
	}
	return items, nil
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return &v
	}
	return nil
}
