package creditmeter

import (
	"context"
)

// Storage defines the interface for account persistence.
// The Account row is the only shared mutable resource of the billing core;
// correctness under concurrent requests and webhooks comes from the two
// atomic primitives below (DeductCredits and UpdateAccount), never from
// in-process locking in the Manager.
type Storage interface {
	// GetAccount retrieves an account by id.
	// Returns ErrAccountNotFound if it does not exist.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// PutAccount upserts an account. Used for lazy creation; regular
	// mutation goes through UpdateAccount.
	PutAccount(ctx context.Context, acc *Account) error

	// FindByCustomerRef resolves an account by its billing customer
	// reference. Returns ErrAccountNotFound if no account is linked.
	FindByCustomerRef(ctx context.Context, ref string) (*Account, error)

	// FindBySubscriptionRef resolves an account by its billing
	// subscription reference. Returns ErrAccountNotFound if no account
	// is linked.
	FindBySubscriptionRef(ctx context.Context, ref string) (*Account, error)

	// DeductCredits atomically decrements the balance by cost only if
	// credits >= cost, as a single conditional update. Returns whether
	// the deduction applied. A rejected deduction leaves the balance
	// unchanged; the balance can never go negative.
	DeductCredits(ctx context.Context, id string, cost int) (bool, error)

	// AddCredits atomically increments the balance and returns the
	// updated account.
	AddCredits(ctx context.Context, id string, amount int) (*Account, error)

	// UpdateAccount applies mutate to the current account state and
	// persists the result as a single atomic read-modify-write
	// (transaction, SELECT FOR UPDATE, WATCH retry, or equivalent).
	// If mutate returns an error the account is left unchanged and the
	// error is returned verbatim. Returns the updated account.
	UpdateAccount(ctx context.Context, id string, mutate func(*Account) error) (*Account, error)

	// AppendEditHistory appends one item to an image's edit history.
	AppendEditHistory(ctx context.Context, accountID, imageID string, item EditHistoryItem) error

	// GetEditHistory returns an image's edit history in append order.
	// A missing image yields an empty list, not an error.
	GetEditHistory(ctx context.Context, accountID, imageID string) ([]EditHistoryItem, error)
}
