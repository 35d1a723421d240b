package creditmeter

import "errors"

var (
	// ErrAccountNotFound is returned when no account exists for an id or
	// billing reference
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidTier is returned for unknown tier names
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidPeriod is returned for missing or malformed billing-period
	// timestamps
	ErrInvalidPeriod = errors.New("invalid billing period")

	// ErrInvalidTransition is returned for illegal status transitions
	// (e.g. resuming an account that is not canceling)
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidAmount is returned for negative credit amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidOperation is returned for unknown operation kinds
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrStorageUnavailable is returned when storage is not configured
	ErrStorageUnavailable = errors.New("storage unavailable")
)
