// Package stripe implements the billing.Provider interface on top of the
// Stripe API: webhook reconciliation, checkout/upgrade/cancel flows, and
// on-demand account sync.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/creditmeter/pkg/billing"
	"github.com/mihaimyh/creditmeter/pkg/billing/internal"
	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100

	metadataAccountID          = "account_id"
	metadataPriceID            = "price_id"
	metadataIsUpgrade          = "is_upgrade"
	metadataPreviousSubID      = "previous_subscription_id"
	subscriptionStatusActive   = "active"
	subscriptionStatusCanceled = "canceled"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, TierMapping, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// client overrides the Stripe API client. Tests inject a fake here.
	client apiClient
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	manager       *creditmeter.Manager
	config        Config
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	tierMapping   map[string]creditmeter.Tier // Price ID -> tier
	webhookSecret []byte
	client        apiClient
	logger        creditmeter.Logger
	metrics       billing.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	client := config.client
	if client == nil {
		client = newStripeClient(apiKey)
	}

	// Price IDs are matched case-insensitively
	tierMapping := make(map[string]creditmeter.Tier, len(config.TierMapping))
	for priceID, tier := range config.TierMapping {
		tierMapping[strings.ToLower(strings.TrimSpace(priceID))] = tier
	}

	logger := config.Logger
	if logger == nil {
		logger = &creditmeter.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		manager:       config.Manager,
		config:        config,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		tierMapping:   tierMapping,
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		client:        client,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncAccount synchronizes an account's subscription state from Stripe
func (p *Provider) SyncAccount(ctx context.Context, accountID string) (creditmeter.Tier, error) {
	return p.syncAccountFromAPI(ctx, accountID)
}

// MapPriceToTier maps a Stripe Price ID to a subscription tier.
// Unmapped prices resolve to the free tier.
func (p *Provider) MapPriceToTier(priceID string) creditmeter.Tier {
	if priceID == "" {
		return creditmeter.TierFree
	}
	if tier, ok := p.tierMapping[strings.ToLower(strings.TrimSpace(priceID))]; ok {
		return tier
	}
	return creditmeter.TierFree
}

// priceIDForTier returns the Stripe Price ID configured for a tier.
// If multiple prices map to the same tier, the first match wins.
func (p *Provider) priceIDForTier(tier creditmeter.Tier) string {
	for priceID, mapped := range p.tierMapping {
		if mapped == tier {
			return priceID
		}
	}
	return ""
}
