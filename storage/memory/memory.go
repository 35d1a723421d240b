// Package memory provides an in-memory implementation of the
// creditmeter.Storage interface. Primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// Storage implements creditmeter.Storage using in-memory maps.
type Storage struct {
	mu       sync.RWMutex
	accounts map[string]*creditmeter.Account
	history  map[string][]creditmeter.EditHistoryItem
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		accounts: make(map[string]*creditmeter.Account),
		history:  make(map[string][]creditmeter.EditHistoryItem),
	}
}

// GetAccount implements creditmeter.Storage.
func (s *Storage) GetAccount(ctx context.Context, id string) (*creditmeter.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, creditmeter.ErrAccountNotFound
	}

	// Return a copy to prevent external mutations
	accCopy := *acc
	return &accCopy, nil
}

// PutAccount implements creditmeter.Storage.
func (s *Storage) PutAccount(ctx context.Context, acc *creditmeter.Account) error {
	if acc == nil || acc.ID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accCopy := *acc
	accCopy.UpdatedAt = time.Now().UTC()
	s.accounts[acc.ID] = &accCopy
	return nil
}

// FindByCustomerRef implements creditmeter.Storage.
func (s *Storage) FindByCustomerRef(ctx context.Context, ref string) (*creditmeter.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, acc := range s.accounts {
		if ref != "" && acc.BillingCustomerRef == ref {
			accCopy := *acc
			return &accCopy, nil
		}
	}
	return nil, creditmeter.ErrAccountNotFound
}

// FindBySubscriptionRef implements creditmeter.Storage.
func (s *Storage) FindBySubscriptionRef(ctx context.Context, ref string) (*creditmeter.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, acc := range s.accounts {
		if ref != "" && acc.BillingSubscriptionRef == ref {
			accCopy := *acc
			return &accCopy, nil
		}
	}
	return nil, creditmeter.ErrAccountNotFound
}

// DeductCredits implements creditmeter.Storage. The check and the
// decrement happen under one lock, mirroring the conditional UPDATE the
// SQL backends use.
func (s *Storage) DeductCredits(ctx context.Context, id string, cost int) (bool, error) {
	if cost < 0 {
		return false, creditmeter.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return false, creditmeter.ErrAccountNotFound
	}
	if acc.Credits < cost {
		return false, nil
	}

	acc.Credits -= cost
	acc.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AddCredits implements creditmeter.Storage.
func (s *Storage) AddCredits(ctx context.Context, id string, amount int) (*creditmeter.Account, error) {
	if amount < 0 {
		return nil, creditmeter.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, creditmeter.ErrAccountNotFound
	}

	acc.Credits += amount
	acc.UpdatedAt = time.Now().UTC()
	accCopy := *acc
	return &accCopy, nil
}

// UpdateAccount implements creditmeter.Storage. The mutate callback runs
// on a copy under the write lock; the copy only replaces the stored state
// when mutate succeeds.
func (s *Storage) UpdateAccount(ctx context.Context, id string, mutate func(*creditmeter.Account) error) (*creditmeter.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, creditmeter.ErrAccountNotFound
	}

	working := *acc
	if err := mutate(&working); err != nil {
		return nil, err
	}

	working.UpdatedAt = time.Now().UTC()
	s.accounts[id] = &working

	result := working
	return &result, nil
}

// AppendEditHistory implements creditmeter.Storage.
func (s *Storage) AppendEditHistory(ctx context.Context, accountID, imageID string, item creditmeter.EditHistoryItem) error {
	if accountID == "" || imageID == "" {
		return fmt.Errorf("account id and image id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := historyKey(accountID, imageID)
	s.history[key] = append(s.history[key], item)
	return nil
}

// GetEditHistory implements creditmeter.Storage.
func (s *Storage) GetEditHistory(ctx context.Context, accountID, imageID string) ([]creditmeter.EditHistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.history[historyKey(accountID, imageID)]
	out := make([]creditmeter.EditHistoryItem, len(items))
	copy(out, items)
	return out, nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*creditmeter.Account)
	s.history = make(map[string][]creditmeter.EditHistoryItem)
}

func historyKey(accountID, imageID string) string {
	return fmt.Sprintf("%s:%s", accountID, imageID)
}
