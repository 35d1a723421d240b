package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrAccountNotLinked is returned when an event cannot be matched to a
	// known account by customer or subscription reference
	ErrAccountNotLinked = errors.New("no account linked to billing reference")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrTierNotConfigured is returned when a tier has no price in TierMapping
	ErrTierNotConfigured = errors.New("tier not configured in tier mapping")

	// ErrNoActiveSubscription is returned when an operation requires an
	// active subscription and the account has none
	ErrNoActiveSubscription = errors.New("account has no active subscription")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)
