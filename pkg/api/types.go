package api

import "time"

// SubscriptionResponse is the account's current subscription standing as
// rendered to the web client.
type SubscriptionResponse struct {
	SubscriptionTier      string     `json:"subscriptionTier"`
	Credits               int        `json:"credits"`
	MaxCredits            int        `json:"maxCredits"`
	CreditsResetDate      *time.Time `json:"creditsResetDate"`
	HasActiveSubscription bool       `json:"hasActiveSubscription"`
	CancelAtPeriodEnd     bool       `json:"cancelAtPeriodEnd"`
	CurrentPeriodEnd      *time.Time `json:"currentPeriodEnd"`
}

// CreateSubscriptionRequest starts a checkout flow for the given price.
// SuccessURL/CancelURL override the handler's configured defaults.
type CreateSubscriptionRequest struct {
	PriceID    string `json:"priceId"`
	SuccessURL string `json:"successUrl,omitempty"`
	CancelURL  string `json:"cancelUrl,omitempty"`
}

// CheckoutResponse carries the provider-hosted checkout URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// UpgradeSubscriptionRequest moves an existing subscription to a new price.
type UpgradeSubscriptionRequest struct {
	PriceID string `json:"priceId"`
}

// UpgradeSubscriptionResponse reports the tier now in effect.
type UpgradeSubscriptionResponse struct {
	Tier string `json:"tier"`
}

// StatusResponse is a simple human-readable acknowledgement.
type StatusResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
