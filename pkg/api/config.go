package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// BillingProvider is the slice of the billing provider the HTTP surface
// needs. *stripe.Provider satisfies it.
type BillingProvider interface {
	WebhookHandler() http.Handler
	CheckoutURL(ctx context.Context, accountID string, tier creditmeter.Tier, successURL, cancelURL string) (string, error)
	UpgradeSubscription(ctx context.Context, accountID, priceID string) (creditmeter.Tier, error)
	CancelAtPeriodEnd(ctx context.Context, accountID string) error
	ResumeSubscription(ctx context.Context, accountID string) error
	MapPriceToTier(priceID string) creditmeter.Tier
}

// Config holds configuration for the subscription API handler
type Config struct {
	// Manager is the credit manager instance (required)
	Manager *creditmeter.Manager

	// Provider handles checkout, plan changes and webhooks (required)
	Provider BillingProvider

	// GetAccountID extracts the verified account id from an HTTP request
	// (required). The id is trusted unconditionally; authentication happens
	// upstream.
	GetAccountID func(*http.Request) string

	// SuccessURL / CancelURL are the default checkout redirect targets,
	// used when the request body does not carry its own.
	SuccessURL string
	CancelURL  string

	// Logger is an optional structured logger. If nil, logging is a no-op.
	Logger creditmeter.Logger

	// OnError overrides the default JSON error rendering.
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.GetAccountID == nil {
		return fmt.Errorf("getAccountID is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given
// configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &creditmeter.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common account id extraction patterns

// FromHeader returns a GetAccountID function that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetAccountID function that reads the request
// context, for use behind an authentication middleware that stores the
// verified id there.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}
